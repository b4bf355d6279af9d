package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/v2xlabs/v2xbench/pkg/orchestrator"
	"github.com/v2xlabs/v2xbench/pkg/store"
)

var (
	cleanupOlderThan time.Duration
	forceCleanup     bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old runs and their artifact directories",
	Long: `Delete terminal runs created before the given age, together with their
artifact directories. Running and pending runs are never touched.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 30*24*time.Hour,
		"delete runs created before this age")
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
}

func runCleanup(cmd *cobra.Command, args []string) error {
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

	cutoff := time.Now().UTC().Add(-cleanupOlderThan)

	candidates, err := st.ListRunsCreatedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	deletable := make([]store.Run, 0, len(candidates))

	for _, run := range candidates {
		if run.IsTerminal() {
			deletable = append(deletable, run)
		}
	}

	if len(deletable) == 0 {
		log.Info("No runs to clean up")

		return nil
	}

	fmt.Printf("\nRuns to be deleted (%d):\n", len(deletable))

	for _, run := range deletable {
		fmt.Printf("  - %s (%s, created %s)\n",
			run.Name, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	fmt.Println()

	// Prompt for confirmation if not forced.
	if !forceCleanup {
		fmt.Print("Are you sure you want to delete these runs? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	orch := orchestrator.New(log, &cfg.Orchestrator, st, nil)

	deleted, err := orch.CleanupRuns(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleaning up runs: %w", err)
	}

	log.WithField("deleted", deleted).Info("Cleanup completed")

	return nil
}
