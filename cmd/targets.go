package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/promptpilot/internal/history"
	"github.com/xkilldash9x/promptpilot/internal/observability"
	"github.com/xkilldash9x/promptpilot/internal/target"
)

type targetRow struct {
	ID        string  `yaml:"id"`
	Title     string  `yaml:"title"`
	Score     float64 `yaml:"score"`
	Input     bool    `yaml:"input"`
	Panel     bool    `yaml:"panel"`
	Workspace bool    `yaml:"workspace"`
}

// newTargetsCmd lists the connected surfaces in delivery order.
func newTargetsCmd() *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Discover remote surfaces and show how they rank for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, _, err := configFromContext(ctx)
			if err != nil {
				return err
			}

			comps, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Shutdown(logger)

			out := cmd.OutOrStdout()
			if comps.Registry.ForceRefresh(ctx) == 0 {
				fmt.Fprintf(out, "No remote surfaces found at %s.\n", cfg.Remote.DiscoveryURL)
				return nil
			}

			ranked := target.Rank(comps.Prober.Probe(ctx), "", cfg.Autopilot.PreferredTarget, nil)
			rows := make([]targetRow, 0, len(ranked))
			for _, t := range ranked {
				rows = append(rows, targetRow{
					ID: t.ConnectionID, Title: t.Title, Score: t.Score,
					Input: t.HasInput, Panel: t.HasAgentPanel, Workspace: t.WorkspaceMatch,
				})
			}
			if asYAML {
				enc := yaml.NewEncoder(out)
				defer enc.Close()
				return enc.Encode(rows)
			}
			writeTargets(out, rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	return cmd
}

func writeTargets(w io.Writer, rows []targetRow) {
	fmt.Fprintf(w, "%-24s %6s %-5s %-5s %-9s %s\n", "ID", "SCORE", "INPUT", "PANEL", "WORKSPACE", "TITLE")
	for _, r := range rows {
		fmt.Fprintf(w, "%-24s %6.1f %-5t %-5t %-9t %s\n",
			history.Truncate(r.ID, 24), r.Score, r.Input, r.Panel, r.Workspace, history.Truncate(r.Title, 60))
	}
}
