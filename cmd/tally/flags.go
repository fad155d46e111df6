package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/okian/liquid/internal/config"
)

const (
	StorageDriverKey = "storage-driver"
	SQLitePathKey    = "sqlite-path"
	PostgresDSNKey   = "postgres-dsn"
	FixtureKey       = "fixture"
	LogLevelKey      = "log-level"
	DecisionKey      = "decision"
	JSONKey          = "json"
)

// AddStorageFlags registers the flags shared by every subcommand. They
// override whatever LIQUID_ environment or config file set.
func AddStorageFlags(flags *pflag.FlagSet) {
	flags.String(StorageDriverKey, "", "Storage driver: memory, sqlite or postgres")
	flags.String(SQLitePathKey, "", "SQLite database file")
	flags.String(PostgresDSNKey, "", "PostgreSQL connection string")
	flags.String(FixtureKey, "", "YAML fixture seeding the directory")
	flags.String(LogLevelKey, "", "Log level: debug, info, warn or error")
}

// AddDecisionFlags registers the flags of commands that target one decision.
func AddDecisionFlags(flags *pflag.FlagSet) {
	flags.String(DecisionKey, "", "Decision id (required)")
	flags.Bool(JSONKey, false, "Print JSON instead of text")
}

// ParseConfig loads the layered configuration and applies the storage
// flags that were set explicitly.
func ParseConfig(ctx context.Context, flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		key string
		dst *string
	}{
		{StorageDriverKey, &cfg.StorageDriver},
		{SQLitePathKey, &cfg.SQLitePath},
		{PostgresDSNKey, &cfg.PostgresDSN},
		{FixtureKey, &cfg.FixturePath},
		{LogLevelKey, &cfg.LogLevel},
	}
	for _, o := range overrides {
		if !flags.Changed(o.key) {
			continue
		}
		v, err := flags.GetString(o.key)
		if err != nil {
			return nil, err
		}
		*o.dst = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type decisionConfig struct {
	Decision string
	JSON     bool
}

// ParseDecisionFlags reads the decision flags; the id is mandatory.
func ParseDecisionFlags(flags *pflag.FlagSet) (*decisionConfig, error) {
	decision, err := flags.GetString(DecisionKey)
	if err != nil {
		return nil, err
	}
	if decision == "" {
		return nil, errMissingDecision
	}
	asJSON, err := flags.GetBool(JSONKey)
	if err != nil {
		return nil, err
	}
	return &decisionConfig{Decision: decision, JSON: asJSON}, nil
}
