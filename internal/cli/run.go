package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"signalpipe/internal/config"
	"signalpipe/internal/pipeline"
)

// NewRunCmd creates the run command.
func NewRunCmd(cfgFile, logLevel *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the signal ingestion pipe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipe(cmd, cfgFile, logLevel)
		},
	}

	cmd.Flags().String("watch-dir", "", "directory to watch for signal files")
	cmd.Flags().String("pattern", "", "file name pattern to match")
	cmd.Flags().Bool("poll", false, "force polling instead of change notifications")
	cmd.Flags().String("sink", "", "dispatch sink (http, elasticsearch, stdout)")
	cmd.Flags().String("http-url", "", "ingestion URL for the http sink")
	cmd.Flags().String("state", "", "state store path")
	cmd.Flags().String("dlq-dir", "", "dead-letter store directory")

	return cmd
}

func runPipe(cmd *cobra.Command, cfgFile, logLevel *string) error {
	log := SetupLogging(*logLevel)

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := applyCLIOverrides(cmd, cfg); err != nil {
		return err
	}

	p, err := pipeline.New(cfg, log)
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	log.WithField("watch_dir", cfg.Watch.Dir).
		WithField("sink", cfg.Dispatch.Sink).
		Info("starting signalpipe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("received shutdown signal")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		cancel()
	}()

	// Announce readiness when running under systemd; a no-op otherwise.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := p.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("pipeline error: %w", err)
	}

	log.Info("signalpipe stopped")
	return nil
}

func applyCLIOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if v, _ := cmd.Flags().GetString("watch-dir"); v != "" {
		cfg.Watch.Dir = v
	}
	if v, _ := cmd.Flags().GetString("pattern"); v != "" {
		cfg.Watch.Pattern = v
	}
	if v, _ := cmd.Flags().GetBool("poll"); v {
		cfg.Watch.ForcePoll = true
	}
	if v, _ := cmd.Flags().GetString("sink"); v != "" {
		cfg.Dispatch.Sink = v
	}
	if v, _ := cmd.Flags().GetString("http-url"); v != "" {
		cfg.Dispatch.HTTP.URL = v
	}
	if v, _ := cmd.Flags().GetString("state"); v != "" {
		cfg.State.Path = v
	}
	if v, _ := cmd.Flags().GetString("dlq-dir"); v != "" {
		cfg.DeadLetter.Dir = v
	}
	return cfg.Validate()
}
