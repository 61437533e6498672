// Package target probes the connected remote surfaces and ranks them as delivery candidates.
package target

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/promptpilot/internal/cdp"
	"github.com/xkilldash9x/promptpilot/internal/payload"
)

// ProbeResult is what one surface reports about its chat input.
type ProbeResult struct {
	HasInput      bool
	Score         float64
	HasAgentPanel bool
}

// ScoredTarget is a connection with the fields it is ranked by.
type ScoredTarget struct {
	ConnectionID   string
	Title          string
	WorkspaceMatch bool
	HasAgentPanel  bool
	HasInput       bool
	Score          float64
}

// Pool is the part of the connection registry the prober reads.
type Pool interface {
	Connections() []cdp.ConnectionInfo
	Evaluate(ctx context.Context, id, expression string, timeout time.Duration) (cdp.RawMessage, error)
}

// Prober runs the in-surface probe on every connection concurrently.
type Prober struct {
	pool      Pool
	workspace string
	opts      payload.Options
	timeout   time.Duration
	logger    *zap.Logger
}

// NewProber creates a Prober. workspace, if set, is matched against surface titles.
func NewProber(pool Pool, workspace string, opts payload.Options, timeout time.Duration, logger *zap.Logger) *Prober {
	return &Prober{
		pool:      pool,
		workspace: strings.ToLower(strings.TrimSpace(workspace)),
		opts:      opts,
		timeout:   timeout,
		logger:    logger.Named("prober"),
	}
}

// Probe scores every connection. A surface that fails to answer is kept with a zero
// result so it still ranks last rather than disappearing.
func (p *Prober) Probe(ctx context.Context) []ScoredTarget {
	conns := p.pool.Connections()
	out := make([]ScoredTarget, len(conns))

	var g errgroup.Group
	for i, info := range conns {
		g.Go(func() error {
			res := p.probeOne(ctx, info)
			out[i] = ScoredTarget{
				ConnectionID:   info.ID,
				Title:          info.Title,
				WorkspaceMatch: p.workspace != "" && strings.Contains(strings.ToLower(info.Title), p.workspace),
				HasAgentPanel:  res.HasAgentPanel,
				HasInput:       res.HasInput,
				Score:          res.Score,
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (p *Prober) probeOne(ctx context.Context, info cdp.ConnectionInfo) ProbeResult {
	if info.Injected {
		if res, ok := p.eval(ctx, info.ID, payload.ProbeExpression()); ok {
			return res
		}
	}
	res, _ := p.eval(ctx, info.ID, payload.StandaloneExpression(payload.OpProbe, "", p.opts))
	return res
}

// eval returns ok=false when the call failed or the helper answered null.
func (p *Prober) eval(ctx context.Context, id, expression string) (ProbeResult, bool) {
	raw, err := p.pool.Evaluate(ctx, id, expression, p.timeout)
	if err != nil {
		p.logger.Debug("Probe failed.", zap.String("connection_id", id), zap.Error(err))
		return ProbeResult{}, false
	}
	var report *payload.ProbeReport
	if err := cdp.Decode(raw, &report); err != nil || report == nil {
		return ProbeResult{}, false
	}
	return ProbeResult{HasInput: report.HasInput, Score: report.Score, HasAgentPanel: report.HasAgentPanel}, true
}

// Less orders a before b: workspace match, then agent panel, then usable input, then
// raw score, each tier deciding before the next is consulted. Ties fall back to id.
func Less(a, b ScoredTarget) bool {
	if c := compareTiers(a, b); c != 0 {
		return c < 0
	}
	return a.ConnectionID < b.ConnectionID
}

func compareTiers(a, b ScoredTarget) int {
	switch {
	case a.WorkspaceMatch != b.WorkspaceMatch:
		return boolOrder(a.WorkspaceMatch)
	case a.HasAgentPanel != b.HasAgentPanel:
		return boolOrder(a.HasAgentPanel)
	case a.HasInput != b.HasInput:
		return boolOrder(a.HasInput)
	case a.Score > b.Score:
		return -1
	case a.Score < b.Score:
		return 1
	}
	return 0
}

func boolOrder(first bool) int {
	if first {
		return -1
	}
	return 1
}

// Rank orders candidates best first. Candidates that tie on every tier, as they do
// when their probes fail, keep their order in previous (an earlier ranking, best
// first) before falling back to id. The sticky connection, if present, then moves
// to the front; the preferred connection overrides it, but only while it has a
// usable input.
func Rank(candidates []ScoredTarget, sticky, preferred string, previous []string) []ScoredTarget {
	pos := make(map[string]int, len(previous))
	for i, id := range previous {
		if _, seen := pos[id]; !seen {
			pos[id] = i
		}
	}

	ranked := make([]ScoredTarget, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if c := compareTiers(a, b); c != 0 {
			return c < 0
		}
		pa, okA := pos[a.ConnectionID]
		pb, okB := pos[b.ConnectionID]
		if okA != okB {
			return okA
		}
		if okA && pa != pb {
			return pa < pb
		}
		return a.ConnectionID < b.ConnectionID
	})

	if i := indexOf(ranked, sticky); i > 0 {
		ranked = moveToFront(ranked, i)
	}
	if i := indexOf(ranked, preferred); i >= 0 && ranked[i].HasInput {
		ranked = moveToFront(ranked, i)
	}
	return ranked
}

func indexOf(ranked []ScoredTarget, id string) int {
	if id == "" {
		return -1
	}
	for i, t := range ranked {
		if t.ConnectionID == id {
			return i
		}
	}
	return -1
}

func moveToFront(ranked []ScoredTarget, i int) []ScoredTarget {
	if i <= 0 {
		return ranked
	}
	t := ranked[i]
	copy(ranked[1:i+1], ranked[:i])
	ranked[0] = t
	return ranked
}
