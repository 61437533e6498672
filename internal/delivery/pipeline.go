// Package delivery sends prompts into remote chat surfaces: first through the injected
// helper on the best candidate, then, if that fails, by direct manipulation of one
// candidate at a time until the first success.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/cdp"
	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/payload"
	"github.com/xkilldash9x/promptpilot/internal/target"
)

var (
	// ErrClosed is returned for requests submitted after Close.
	ErrClosed = errors.New("delivery pipeline is closed")
	// ErrNoTarget is returned by remote state reads when no surface is connected.
	ErrNoTarget = errors.New("no remote surface connected")
)

// Registry is the part of the connection registry the pipeline uses.
type Registry interface {
	target.Pool
	Len() int
	EnsureHelper(ctx context.Context, id string) error
	Call(ctx context.Context, id, method string, params interface{}, timeout time.Duration) (cdp.RawMessage, error)
}

// ConversationState is the busy/idle signal of the conversation on the top surface.
type ConversationState struct {
	ConnectionID        string
	Busy                bool
	LastActivity        time.Time
	Polling             bool
	MatchesConversation bool
}

type request struct {
	ctx          context.Context
	text         string
	conversation string
	reply        chan int
}

// Pipeline serializes sends through a single worker so they reach the surface strictly
// in submission order.
type Pipeline struct {
	reg    Registry
	prober *target.Prober
	cfg    config.DeliveryConfig
	opts   payload.Options
	logger *zap.Logger

	mu        sync.Mutex
	sticky    string
	preferred string
	ranked    []string

	requests  chan request
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPipeline creates a Pipeline and starts its worker. Close must be called to stop it.
func NewPipeline(reg Registry, prober *target.Prober, cfg config.DeliveryConfig, opts payload.Options, logger *zap.Logger) *Pipeline {
	size := cfg.QueueSize
	if size <= 0 {
		size = 1
	}
	p := &Pipeline{
		reg:      reg,
		prober:   prober,
		cfg:      cfg,
		opts:     opts,
		logger:   logger.Named("delivery"),
		requests: make(chan request, size),
		quit:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// SendPrompt delivers text to at most one surface and returns how many accepted it (0 or 1).
// Empty text or an empty pool returns 0 without touching any surface. If ctx ends while
// the request is queued or running, the send still completes but its count is not reported.
func (p *Pipeline) SendPrompt(ctx context.Context, text, conversation string) (int, error) {
	if text == "" || p.reg.Len() == 0 {
		return 0, nil
	}

	req := request{ctx: context.WithoutCancel(ctx), text: text, conversation: conversation, reply: make(chan int, 1)}
	select {
	case p.requests <- req:
	case <-p.quit:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case n := <-req.reply:
		return n, nil
	case <-p.quit:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close stops the worker. Requests still queued are dropped.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Pipeline) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.requests:
			req.reply <- p.deliver(req.ctx, req.text, req.conversation)
		}
	}
}

func (p *Pipeline) deliver(ctx context.Context, text, conversation string) int {
	ranked := p.rank(ctx)
	if len(ranked) == 0 {
		return 0
	}

	top := ranked[0]
	log := p.logger.With(zap.String("connection_id", top.ConnectionID))
	if p.helperSend(ctx, top.ConnectionID, text, conversation) {
		log.Info("Prompt delivered.", zap.String("via", "helper"))
		p.succeeded(top.ConnectionID, ranked)
		return 1
	}

	for _, cand := range ranked {
		if !cand.HasInput {
			continue
		}
		if p.fallbackSend(ctx, cand.ConnectionID, text) {
			p.logger.Info("Prompt delivered.", zap.String("via", "fallback"), zap.String("connection_id", cand.ConnectionID))
			p.succeeded(cand.ConnectionID, ranked)
			// One logical surface can be rendered by several connections; never go on.
			return 1
		}
	}

	p.logger.Warn("Prompt was not accepted by any surface.", zap.Int("candidates", len(ranked)))
	return 0
}

// rank probes every connection. The order kept from the last successful send decides
// between candidates that tie on every tier.
func (p *Pipeline) rank(ctx context.Context) []target.ScoredTarget {
	p.mu.Lock()
	sticky, preferred, previous := p.sticky, p.preferred, p.ranked
	p.mu.Unlock()
	return target.Rank(p.prober.Probe(ctx), sticky, preferred, previous)
}

func (p *Pipeline) helperSend(ctx context.Context, id, text, conversation string) bool {
	log := p.logger.With(zap.String("connection_id", id))
	if err := p.reg.EnsureHelper(ctx, id); err != nil {
		log.Debug("Helper unavailable.", zap.Error(err))
		return false
	}

	raw, err := p.reg.Evaluate(ctx, id, payload.SendExpression(text, conversation), p.cfg.HelperTimeout)
	if err != nil {
		log.Debug("Helper send failed.", zap.Error(err))
		return false
	}
	var report payload.SendReport
	if err := cdp.Decode(raw, &report); err != nil {
		log.Debug("Helper send returned an unexpected value.", zap.Error(err))
		return false
	}
	if !report.OK {
		log.Debug("Helper rejected the prompt.", zap.String("reason", report.Reason))
	}
	return report.OK
}

// fallbackSend sets the input directly and submits. Success is judged by the input
// clearing or the text appearing in the transcript; the surface never confirms it.
func (p *Pipeline) fallbackSend(ctx context.Context, id, text string) bool {
	log := p.logger.With(zap.String("connection_id", id))

	var set payload.SetReport
	if err := p.standalone(ctx, id, payload.OpSet, text, &set); err != nil {
		log.Debug("Fallback set failed.", zap.Error(err))
		return false
	}
	if !set.Found {
		return false
	}
	if !set.Clicked {
		if err := p.pressEnter(ctx, id); err != nil {
			log.Debug("Fallback key submit failed.", zap.Error(err))
			return false
		}
	}

	if !sleep(ctx, p.cfg.SubmitSettle) {
		return false
	}

	var verify payload.VerifyReport
	if err := p.standalone(ctx, id, payload.OpVerify, text, &verify); err != nil {
		log.Debug("Fallback verify failed.", zap.Error(err))
		return false
	}
	return verify.Accepted()
}

func (p *Pipeline) standalone(ctx context.Context, id string, op payload.Op, arg string, out interface{}) error {
	raw, err := p.reg.Evaluate(ctx, id, payload.StandaloneExpression(op, arg, p.opts), p.cfg.FallbackTimeout)
	if err != nil {
		return err
	}
	return cdp.Decode(raw, out)
}

func (p *Pipeline) pressEnter(ctx context.Context, id string) error {
	for _, ev := range kb.Encode('\r') {
		if _, err := p.reg.Call(ctx, id, input.CommandDispatchKeyEvent, ev, p.cfg.FallbackTimeout); err != nil {
			return fmt.Errorf("failed to dispatch %s: %w", ev.Type, err)
		}
	}
	return nil
}

func (p *Pipeline) succeeded(id string, ranked []target.ScoredTarget) {
	order := make([]string, len(ranked))
	for i, t := range ranked {
		order[i] = t.ConnectionID
	}
	p.mu.Lock()
	p.sticky = id
	p.ranked = order
	p.mu.Unlock()
}

// Sticky returns the connection that last accepted a prompt.
func (p *Pipeline) Sticky() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sticky
}

// SetPreferred records the user's preferred connection. It takes the front of the
// ranking whenever it has a usable input. An empty id clears it.
func (p *Pipeline) SetPreferred(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preferred = id
}

// ConversationState reads the busy/idle signal from the top-ranked surface.
func (p *Pipeline) ConversationState(ctx context.Context, conversation string) (ConversationState, error) {
	id, err := p.top(ctx)
	if err != nil {
		return ConversationState{}, err
	}

	raw, err := p.reg.Evaluate(ctx, id, payload.StateExpression(conversation), 0)
	if err != nil {
		return ConversationState{}, fmt.Errorf("failed to read state from %s: %w", id, err)
	}
	var report *payload.StateReport
	if err := cdp.Decode(raw, &report); err != nil {
		return ConversationState{}, err
	}
	if report == nil {
		// Helper lost; reinject so the next read works.
		if err := p.reg.EnsureHelper(ctx, id); err != nil {
			return ConversationState{}, err
		}
		return ConversationState{ConnectionID: id, MatchesConversation: true}, nil
	}

	state := ConversationState{
		ConnectionID:        id,
		Busy:                report.Busy,
		Polling:             report.Polling,
		MatchesConversation: report.MatchesConversation,
	}
	if report.LastActivity > 0 {
		state.LastActivity = time.UnixMilli(int64(report.LastActivity))
	}
	return state, nil
}

// TranscriptContains reports whether text is already visible on the top-ranked surface.
func (p *Pipeline) TranscriptContains(ctx context.Context, text string) (bool, error) {
	id, err := p.top(ctx)
	if err != nil {
		return false, err
	}
	raw, err := p.reg.Evaluate(ctx, id, payload.TranscriptExpression(text), 0)
	if err != nil {
		return false, fmt.Errorf("failed to read transcript from %s: %w", id, err)
	}
	var seen bool
	if err := cdp.Decode(raw, &seen); err != nil {
		return false, err
	}
	return seen, nil
}

// top is the sticky connection while it is connected and no preference is set, else
// the best-ranked one.
func (p *Pipeline) top(ctx context.Context) (string, error) {
	if p.reg.Len() == 0 {
		return "", ErrNoTarget
	}
	p.mu.Lock()
	sticky, preferred := p.sticky, p.preferred
	p.mu.Unlock()
	if sticky != "" && preferred == "" {
		for _, c := range p.reg.Connections() {
			if c.ID == sticky {
				return sticky, nil
			}
		}
	}
	ranked := p.rank(ctx)
	if len(ranked) == 0 {
		return "", ErrNoTarget
	}
	return ranked[0].ConnectionID, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
