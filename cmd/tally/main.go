// Command tally runs liquid democracy calculations from the command line:
// one-off runs against a fixture or a database, recovery sweeps, and
// record inspection.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/okian/liquid/internal/bootstrap"
	"github.com/okian/liquid/internal/config"
	"github.com/okian/liquid/pkg/logger"
)

var errMissingDecision = errors.New("--decision is required")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Command().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// Command builds the root command with every subcommand attached.
func Command() *cobra.Command {
	c := &cobra.Command{
		Use:          "tally",
		Short:        "Liquid democracy calculations",
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			// Logs go to stderr so stdout stays machine readable.
			return logger.Init(logger.WithWriter(c.ErrOrStderr()))
		},
	}
	AddStorageFlags(c.PersistentFlags())
	c.AddCommand(runCommand(), sweepCommand(), statusCommand(), ballotsCommand(), loadCommand())
	return c
}

// open loads configuration for c and connects its backend.
func open(c *cobra.Command) (*config.Config, *bootstrap.Backend, error) {
	ctx := c.Context()
	cfg, err := ParseConfig(ctx, c.Flags())
	if err != nil {
		return nil, nil, err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return nil, nil, err
	}
	backend, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := bootstrap.Seed(ctx, cfg, backend); err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	return cfg, backend, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
