package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/store"
	"github.com/sells-group/refdata/internal/writer"
)

var ingestStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the run log",
	Long:  "Displays recent source runs, newest first.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		backend, err := openBackend(cmd.Context(), cfg, writer.ModeTransactional)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		sourceID, _ := cmd.Flags().GetString("source")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := backend.Store.ListRuns(ctx, store.RunFilter{
			SourceID: sourceID,
			Status:   status,
			Limit:    limit,
		})
		if err != nil {
			return eris.Wrap(err, "ingest status")
		}

		if len(entries) == 0 {
			zap.L().Info("no runs found, run 'ingest run' to start ingesting sources")
			return nil
		}

		formatRunEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

var ingestMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the run log and category tables",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		backend, err := openBackend(cmd.Context(), cfg, writer.ModeTransactional)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		zap.L().Info("migrations complete", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	ingestStatusCmd.Flags().String("source", "", "filter by source id")
	ingestStatusCmd.Flags().String("status", "", "filter by status (running, succeeded, partially_failed, failed)")
	ingestStatusCmd.Flags().Int("limit", 50, "maximum runs to show")

	ingestCmd.AddCommand(ingestStatusCmd)
	ingestCmd.AddCommand(ingestMigrateCmd)
}

// formatRunEntries writes a tabular representation of run log entries to out.
func formatRunEntries(out io.Writer, entries []store.RunEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSOURCE\tTARGET\tSTATUS\tSTARTED\tDURATION\tWRITTEN\tREJECTED\tERROR")
	_, _ = fmt.Fprintln(w, "---\t------\t------\t------\t-------\t--------\t-------\t--------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(e.RunID),
			e.SourceID,
			e.Target,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.Written,
			e.Rejected,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

// shortID returns the first 8 characters of a run id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
