package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"signalpipe/internal/config"
	"signalpipe/internal/dispatch"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			sink, err := dispatch.NewSink(cfg.Dispatch)
			if err != nil {
				return fmt.Errorf("sink configuration error: %w", err)
			}

			fmt.Printf("Configuration valid:\n")
			fmt.Printf("  Watch:      %s (%s)\n", cfg.Watch.Dir, cfg.Watch.Pattern)
			fmt.Printf("  Sink:       %s\n", sink.Name())
			fmt.Printf("  Batch:      max %d signals, max wait %s\n", cfg.Batch.MaxSize, cfg.Batch.MaxWait)
			fmt.Printf("  Retry:      %d attempts, base %s, x%.1f\n",
				cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.Multiplier)
			fmt.Printf("  State:      %s\n", cfg.State.Path)
			fmt.Printf("  DLQ:        %s\n", cfg.DeadLetter.Dir)
			return nil
		},
	}
}
