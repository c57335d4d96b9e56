/*
main.go - Application entry point

PURPOSE:
  The historian binary: serves the HTTP API and offers batch subcommands
  for applying extracts from the shell, so the service works both as a
  long-running sidecar of the data platform and as a step in a cron-driven
  pipeline.

COMMANDS:
  serve     Start the HTTP server (graceful shutdown on SIGINT/SIGTERM)
  apply     Apply a snapshot file to one dataset
  enrich    Settle requests from a payment snapshot file
  batches   Print the ingestion ledger

EXAMPLES:
  # Serve with an embedded SQLite database
  historian serve --config config.yaml

  # Apply an extract from the pipeline
  historian apply --dataset employee --as-of 2024-09-01 salaries.json

  # Inspect the ledger
  historian batches --dataset advance_request --limit 20

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: YAML configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/history-engine/config"
	"github.com/warp/history-engine/payroll"
	"github.com/warp/history-engine/store/sqlstore"
)

type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func main() {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "historian",
		Short:         "SCD2 historization service for ERP extracts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config (default: embedded SQLite)")
	root.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCommand(opts),
		newApplyCommand(opts),
		newEnrichCommand(opts),
		newBatchesCommand(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	if opts.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(opts.ConfigPath)
}

// newLogger builds the process logger.
func newLogger(opts *rootOptions) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// openHistorizer wires the full stack: database, stores, Historizer.
func openHistorizer(opts *rootOptions) (*payroll.Historizer, *sqlstore.DB, *zap.Logger, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(opts)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := cfg.Store.OpenStore()
	if err != nil {
		logger.Sync()
		return nil, nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return payroll.NewHistorizer(sqlstore.NewStores(db), logger), db, logger, nil
}
