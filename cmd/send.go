package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/observability"
)

// newSendCmd delivers a single prompt outside the queue.
func newSendCmd() *cobra.Command {
	var conversation string

	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Deliver one prompt to the best remote chat surface",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, _, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.New("prompt text is empty")
			}
			if conversation == "" {
				conversation = cfg.Autopilot.TargetConversation
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Shutdown(logger)

			if n := comps.Registry.ForceRefresh(ctx); n == 0 {
				return fmt.Errorf("no remote surfaces found at %s", cfg.Remote.DiscoveryURL)
			}

			delivered, err := comps.Pipeline.SendPrompt(ctx, text, conversation)
			if err != nil {
				return fmt.Errorf("failed to send prompt: %w", err)
			}
			if delivered == 0 {
				return errors.New("prompt was not accepted by any surface")
			}

			logger.Info("Prompt delivered.", zap.String("connection", comps.Pipeline.Sticky()))
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %s.\n", comps.Pipeline.Sticky())
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id to address (default from config)")
	return cmd
}
