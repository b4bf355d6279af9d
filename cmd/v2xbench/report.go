package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/v2xlabs/v2xbench/pkg/kpi"
	"github.com/v2xlabs/v2xbench/pkg/store"
)

var reportRunName string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Recompute the KPI report for a finished run",
	Long: `Recompute the KPI report of a finished run from the message records in
the database and rewrite the artifacts in the run's output directory.
Useful after fixing receiver data or when a report write failed.`,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().StringVar(&reportRunName, "run", "", "run name (required)")

	if err := reportCmd.MarkFlagRequired("run"); err != nil {
		panic(err)
	}
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}()

	run, err := st.GetRunByName(ctx, reportRunName)
	if err != nil {
		return fmt.Errorf("loading run %q: %w", reportRunName, err)
	}

	if run.StartedAt == nil || run.CompletedAt == nil {
		return fmt.Errorf("run %q has no recorded time window (status %s)",
			run.Name, run.Status)
	}

	from := unixSeconds(*run.StartedAt)
	to := unixSeconds(*run.CompletedAt)

	records, err := st.ListMessages(ctx, from, to)
	if err != nil {
		return fmt.Errorf("loading message records: %w", err)
	}

	engine := kpi.NewEngine(log)
	report := engine.Compute(records)

	if err := engine.WriteArtifacts(run.OutputDirectory, report, records); err != nil {
		return fmt.Errorf("writing artifacts: %w", err)
	}

	fmt.Printf("Report for run %q written to %s (%d messages)\n",
		run.Name, run.OutputDirectory, len(records))

	return nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
