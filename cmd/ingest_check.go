package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/refdata/internal/config"
	"github.com/sells-group/refdata/internal/ingest"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/monitoring"
	"github.com/sells-group/refdata/internal/source"
	"github.com/sells-group/refdata/internal/writer"
)

var ingestCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check run health and send alerts",
	Long: `Summarizes the run log over the lookback window, reports failing and
overdue sources and posts alerts to monitoring.webhook_url when set.
Exits 1 when any alert fires.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		catalog, err := source.Open(cfg.Ingest.SourcesFile)
		if err != nil {
			return err
		}
		backend, err := openBackend(cmd.Context(), cfg, writer.ModeTransactional)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		checker := newChecker(backend, catalog, cfg.Monitoring)
		snap, alerts, err := checker.Check(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
		for _, a := range alerts {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", a.Severity, a.Message)
		}

		if len(alerts) > 0 {
			return &exitError{code: ingest.ExitFailed, status: model.RunStatusFailed}
		}
		return nil
	},
}

// newChecker wires the run log and catalog into a monitoring checker.
func newChecker(backend *ingest.Backend, catalog *source.Catalog, mc config.MonitoringConfig) *monitoring.Checker {
	if mc.LookbackWindowHours <= 0 {
		mc.LookbackWindowHours = 24
	}
	collector := monitoring.NewCollector(backend.Store, catalog.All())
	return monitoring.NewChecker(collector, monitoring.NewAlerter(mc), mc)
}

func init() {
	ingestCmd.AddCommand(ingestCheckCmd)
}
