package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/okian/liquid/internal/loadtest"
)

const (
	URLKey       = "url"
	CommunityKey = "community"
	DecisionsKey = "decisions"
	EventsKey    = "events"
	WorkersKey   = "workers"
	TimeoutKey   = "timeout"
	SettleKey    = "settle"
	SeedKey      = "seed"
	OutputKey    = "output"
)

func loadCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "load",
		Short: "Floods a running server with changes and verifies the final results",
		RunE:  loadFunc,
	}
	AddLoadFlags(c.Flags())
	return c
}

func AddLoadFlags(flags *pflag.FlagSet) {
	flags.String(URLKey, "http://localhost:9080", "Base URL of the service")
	flags.String(CommunityKey, "", "Community for follow and membership changes")
	flags.StringSlice(DecisionsKey, nil, "Decision ids to vote on (required)")
	flags.Int(EventsKey, 10000, "Number of changes to submit")
	flags.Int(WorkersKey, runtime.NumCPU()*2, "Number of concurrent workers")
	flags.Duration(TimeoutKey, 30*time.Second, "HTTP request timeout")
	flags.Duration(SettleKey, loadtest.DefaultSettle, "How long to wait for final results")
	flags.Uint64(SeedKey, 1, "Seed for the change mix")
	flags.String(OutputKey, "", "Write the submitted changes to this JSON file")
}

func ParseLoadFlags(flags *pflag.FlagSet) (*loadtest.Config, error) {
	var (
		cfg loadtest.Config
		err error
	)
	if cfg.BaseURL, err = flags.GetString(URLKey); err != nil {
		return nil, err
	}
	if cfg.CommunityID, err = flags.GetString(CommunityKey); err != nil {
		return nil, err
	}
	if cfg.Decisions, err = flags.GetStringSlice(DecisionsKey); err != nil {
		return nil, err
	}
	if len(cfg.Decisions) == 0 {
		return nil, fmt.Errorf("--%s is required", DecisionsKey)
	}
	if cfg.NumEvents, err = flags.GetInt(EventsKey); err != nil {
		return nil, err
	}
	if cfg.Workers, err = flags.GetInt(WorkersKey); err != nil {
		return nil, err
	}
	if cfg.Timeout, err = flags.GetDuration(TimeoutKey); err != nil {
		return nil, err
	}
	if cfg.Settle, err = flags.GetDuration(SettleKey); err != nil {
		return nil, err
	}
	if cfg.Seed, err = flags.GetUint64(SeedKey); err != nil {
		return nil, err
	}
	if cfg.OutputFile, err = flags.GetString(OutputKey); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFunc(c *cobra.Command, _ []string) error {
	cfg, err := ParseLoadFlags(c.Flags())
	if err != nil {
		return err
	}
	stats, err := loadtest.Run(c.Context(), cfg)
	if err != nil {
		return err
	}

	w := c.OutOrStdout()
	fmt.Fprintf(w, "submitted %d changes in %s: %d accepted, %d coalesced, %d rejected, %d failed\n",
		stats.EventsSubmitted, stats.Duration.Round(time.Millisecond),
		stats.Accepted, stats.Coalesced, stats.Rejected, stats.Failed)
	for _, id := range cfg.Decisions {
		res := stats.Results[id].Result
		if res.Winner != "" {
			fmt.Fprintf(w, "%s: winner %s (%d ballots)\n", id, res.Winner, res.Ballots)
			continue
		}
		fmt.Fprintf(w, "%s: tied %v (%d ballots)\n", id, res.Tied, res.Ballots)
	}
	return nil
}
