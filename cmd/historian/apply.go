/*
apply.go - Batch subcommands for pipeline use

The apply and enrich commands read a snapshot file (the same JSON envelope
the API accepts) and run one ledger-gated merge. A skipped batch exits 0 so
re-running a pipeline step is harmless.
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/history-engine/payroll"
	"github.com/warp/history-engine/scd"
)

func newApplyCommand(opts *rootOptions) *cobra.Command {
	var (
		dataset string
		asOf    string
		source  string
	)

	cmd := &cobra.Command{
		Use:   "apply <snapshot.json>",
		Short: "Apply a snapshot file to one dataset",
		Long: `Apply a snapshot file to one dataset.

The file is a JSON envelope {"as_of": "YYYY-MM-DD", "rows": [...]} with
entity-specific rows. --as-of overrides the file's date, --source defaults
to the file path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), opts, dataset, asOf, source, args[0])
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "", "employee | advance_request | payment (required)")
	cmd.Flags().StringVar(&asOf, "as-of", "", "override the file's as_of date")
	cmd.Flags().StringVar(&source, "source", "", "source label recorded in the ledger (default: file path)")
	_ = cmd.MarkFlagRequired("dataset")

	return cmd
}

func newEnrichCommand(opts *rootOptions) *cobra.Command {
	var (
		asOf   string
		source string
	)

	cmd := &cobra.Command{
		Use:   "enrich <payments.json>",
		Short: "Settle advance requests from a payment snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnrich(cmd.Context(), opts, asOf, source, args[0])
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "override the file's as_of date")
	cmd.Flags().StringVar(&source, "source", "", "source label recorded in the ledger (default: file path)")

	return cmd
}

func newBatchesCommand(opts *rootOptions) *cobra.Command {
	var (
		dataset string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Print the ingestion ledger, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatches(cmd.Context(), opts, dataset, status, limit)
		},
	}

	cmd.Flags().StringVar(&dataset, "dataset", "", "filter by dataset")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (STARTED/SUCCESS/FAILED/SKIPPED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	return cmd
}

// =============================================================================
// COMMAND BODIES
// =============================================================================

// snapshotFile is the on-disk envelope; Rows stays raw until the dataset
// tells us the row shape.
type snapshotFile struct {
	AsOf scd.Date        `json:"as_of"`
	Rows json.RawMessage `json:"rows"`
}

func runApply(ctx context.Context, opts *rootOptions, dataset, asOfFlag, source, path string) error {
	hist, db, logger, err := openHistorizer(opts)
	if err != nil {
		return err
	}
	defer db.Close()
	defer logger.Sync()

	file, asOf, err := readSnapshot(path, asOfFlag)
	if err != nil {
		return err
	}
	if source == "" {
		source = path
	}

	var res *scd.MergeResult
	switch dataset {
	case payroll.DatasetEmployees:
		var rows []payroll.Employee
		if err := decodeRows(file.Rows, &rows); err != nil {
			return err
		}
		res, err = hist.ApplyEmployees(ctx, asOf, source, rows)
	case payroll.DatasetRequests:
		var rows []payroll.Request
		if err := decodeRows(file.Rows, &rows); err != nil {
			return err
		}
		res, err = hist.ApplyRequests(ctx, asOf, source, rows)
	case payroll.DatasetPayments:
		var rows []payroll.Payment
		if err := decodeRows(file.Rows, &rows); err != nil {
			return err
		}
		res, err = hist.ApplyPayments(ctx, asOf, source, rows)
	default:
		return fmt.Errorf("unknown dataset %q", dataset)
	}

	return report(res, err)
}

func runEnrich(ctx context.Context, opts *rootOptions, asOfFlag, source, path string) error {
	hist, db, logger, err := openHistorizer(opts)
	if err != nil {
		return err
	}
	defer db.Close()
	defer logger.Sync()

	file, asOf, err := readSnapshot(path, asOfFlag)
	if err != nil {
		return err
	}
	if source == "" {
		source = path
	}

	var rows []payroll.Payment
	if err := decodeRows(file.Rows, &rows); err != nil {
		return err
	}

	res, err := hist.EnrichPayments(ctx, asOf, source, rows)
	return report(res, err)
}

func runBatches(ctx context.Context, opts *rootOptions, dataset, status string, limit int) error {
	hist, db, logger, err := openHistorizer(opts)
	if err != nil {
		return err
	}
	defer db.Close()
	defer logger.Sync()

	runs, err := hist.Runs(ctx, dataset, scd.BatchStatus(status), limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tDATASET\tAS OF\tSTATUS\tSOURCE\tMESSAGE")
	for _, run := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Dataset, run.AsOf, run.Status, run.SourceName, run.Message)
	}
	return w.Flush()
}

// =============================================================================
// HELPERS
// =============================================================================

func readSnapshot(path, asOfFlag string) (*snapshotFile, scd.Date, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, scd.Date{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, scd.Date{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	asOf := file.AsOf
	if asOfFlag != "" {
		if asOf, err = scd.ParseDate(asOfFlag); err != nil {
			return nil, scd.Date{}, err
		}
	}
	if asOf.IsZero() {
		return nil, scd.Date{}, fmt.Errorf("no as_of in %s and no --as-of given", path)
	}
	return &file, asOf, nil
}

func decodeRows(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse rows: %w", err)
	}
	return nil
}

func report(res *scd.MergeResult, err error) error {
	if scd.IsSkip(err) {
		fmt.Println("skipped: extract already processed")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("batch %d applied: %s\n", res.Batch, res.Summary())
	for _, issue := range res.Issues {
		fmt.Printf("  issue: key=%s ref=%s %s\n", issue.Key, issue.Ref, issue.Reason)
	}
	return nil
}
