package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/promptpilot/internal/history"
	"github.com/xkilldash9x/promptpilot/internal/observability"
	"github.com/xkilldash9x/promptpilot/internal/store"
)

// newHistoryCmd prints persisted sends.
func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recently delivered prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, _, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive (got %d)", limit)
			}

			hs, err := store.Open(ctx, cfg.Store, logger)
			if err != nil {
				return fmt.Errorf("failed to open history store: %w", err)
			}
			defer hs.Close()

			entries, err := hs.Recent(ctx, limit)
			if err != nil {
				return err
			}
			writeHistory(cmd.OutOrStdout(), entries, time.Now())
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show")
	return cmd
}

// writeHistory prints entries newest first.
func writeHistory(w io.Writer, entries []history.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No prompts sent yet.")
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(w, "%-9s %-9s %-5s %s\n", history.RelativeTime(now, e.Timestamp), e.Status, e.ItemType, e.Preview)
	}
}
