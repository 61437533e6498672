package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/cdp"
	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/delivery"
	"github.com/xkilldash9x/promptpilot/internal/payload"
	"github.com/xkilldash9x/promptpilot/internal/store"
	"github.com/xkilldash9x/promptpilot/internal/target"
)

// components holds the long-lived services a command works with.
type components struct {
	Registry *cdp.Registry
	Prober   *target.Prober
	Pipeline *delivery.Pipeline
	Store    store.HistoryStore
}

func payloadOptions(cfg *config.Config) payload.Options {
	return payload.Options{
		PanelSelectors: cfg.Remote.PanelSelectors,
		DetectKeywords: cfg.Remote.DetectKeywords,
		PollMs:         int(cfg.Remote.ActivityPoll / time.Millisecond),
	}
}

// initializeComponents builds the remote registry, the delivery pipeline and the
// history store. A store that fails to open is replaced by one that keeps nothing.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	opts := payloadOptions(cfg)

	reg, err := cdp.NewRegistry(cfg.Remote, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection registry: %w", err)
	}
	prober := target.NewProber(reg, cfg.Remote.Workspace, opts, cfg.Remote.ProbeTimeout, logger)
	pipeline := delivery.NewPipeline(reg, prober, cfg.Delivery, opts, logger)
	if cfg.Autopilot.PreferredTarget != "" {
		pipeline.SetPreferred(cfg.Autopilot.PreferredTarget)
	}

	hs, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Warn("History store unavailable; history is kept in memory only.", zap.Error(err))
		hs = store.Nop{}
	}

	return &components{Registry: reg, Prober: prober, Pipeline: pipeline, Store: hs}, nil
}

// Shutdown stops the pipeline before closing the connections it sends through.
func (c *components) Shutdown(logger *zap.Logger) {
	c.Pipeline.Close()
	c.Registry.Close()
	if err := c.Store.Close(); err != nil {
		logger.Warn("Failed to close history store.", zap.Error(err))
	}
}
