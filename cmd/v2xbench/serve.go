package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/v2xlabs/v2xbench/pkg/api"
	"github.com/v2xlabs/v2xbench/pkg/config"
	"github.com/v2xlabs/v2xbench/pkg/orchestrator"
	"github.com/v2xlabs/v2xbench/pkg/store"
	"github.com/v2xlabs/v2xbench/pkg/upload"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and its API server",
	Long: `Start the experiment orchestrator and expose it over HTTP. Runs are
started, monitored, and cancelled through the API; KPI reports are
computed when a run completes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	var uploader upload.Uploader

	if cfg.Upload != nil && cfg.Upload.Enabled {
		uploader, err = upload.NewS3Uploader(log, cfg.Upload)
		if err != nil {
			return fmt.Errorf("initializing uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("upload preflight: %w", err)
		}

		log.Info("Artifact upload enabled")
	}

	orch := orchestrator.New(log, &cfg.Orchestrator, st, uploader)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	srv := api.NewServer(log, &cfg.Server, orch)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("API server stop error")
	}

	if err := orch.Stop(); err != nil {
		log.WithError(err).Warn("Orchestrator stop error")
	}

	if err := st.Stop(); err != nil {
		return fmt.Errorf("stopping store: %w", err)
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}
