package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/payload"
)

// DialFunc opens a session. Replaced in tests.
type DialFunc func(ctx context.Context, wsURL string, logger *zap.Logger, onClose func()) (*Session, error)

// Connection is one live session in the pool.
type Connection struct {
	ID      string
	session *Session

	mu             sync.Mutex
	injected       bool
	pageTitle      string
	pageURL        string
	skipProbeUntil time.Time
	lastProbeAt    time.Time
}

// ConnectionInfo is a point-in-time copy of a Connection's metadata.
type ConnectionInfo struct {
	ID          string
	Title       string
	URL         string
	Injected    bool
	LastProbeAt time.Time
}

func (c *Connection) info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionInfo{
		ID:          c.ID,
		Title:       c.pageTitle,
		URL:         c.pageURL,
		Injected:    c.injected,
		LastProbeAt: c.lastProbeAt,
	}
}

// Registry owns the pool of connections: discovery inserts, session close removes,
// every send attempt reads.
type Registry struct {
	cfg        config.RemoteConfig
	opts       payload.Options
	script     string
	discoverer *Discoverer
	dial       DialFunc
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection

	enabled atomic.Bool
	limiter *rate.Limiter
	refresh singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithDialer replaces the session dialer.
func WithDialer(dial DialFunc) Option {
	return func(r *Registry) { r.dial = dial }
}

// WithHTTPClient sets the client used for discovery.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.discoverer = NewDiscoverer(r.cfg, client, r.logger) }
}

// WithClock replaces time.Now, for cooldown tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry builds the payload for opts and returns an empty pool.
func NewRegistry(cfg config.RemoteConfig, opts payload.Options, logger *zap.Logger, options ...Option) (*Registry, error) {
	script, err := payload.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload: %w", err)
	}

	log := logger.Named("registry")
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	r := &Registry{
		cfg:     cfg,
		opts:    opts,
		script:  script,
		dial:    Dial,
		logger:  log,
		now:     time.Now,
		conns:   make(map[string]*Connection),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
	r.discoverer = NewDiscoverer(cfg, nil, log)
	r.enabled.Store(true)

	for _, o := range options {
		o(r)
	}
	return r, nil
}

// Discover lists candidate surfaces without connecting.
func (r *Registry) Discover(ctx context.Context) []Target {
	return r.discoverer.Discover(ctx)
}

// Refresh discovers candidates, connects new ones, and injects into those the detector
// accepts. Calls are throttled to one per refresh interval; concurrent calls share one run.
// It returns the pool size afterwards.
func (r *Registry) Refresh(ctx context.Context) int {
	if !r.limiter.Allow() {
		return r.Len()
	}
	v, _, _ := r.refresh.Do("refresh", func() (interface{}, error) {
		r.refreshOnce(ctx)
		return r.Len(), nil
	})
	return v.(int)
}

// ForceRefresh runs a refresh regardless of the throttle.
func (r *Registry) ForceRefresh(ctx context.Context) int {
	v, _, _ := r.refresh.Do("refresh", func() (interface{}, error) {
		r.refreshOnce(ctx)
		return r.Len(), nil
	})
	return v.(int)
}

func (r *Registry) refreshOnce(ctx context.Context) {
	for _, t := range r.discoverer.Discover(ctx) {
		if conn := r.get(t.ID); conn != nil {
			conn.mu.Lock()
			conn.pageTitle, conn.pageURL = t.Title, t.URL
			conn.mu.Unlock()
			continue
		}
		if err := r.Connect(ctx, t); err != nil {
			r.logger.Debug("Failed to connect to candidate.", zap.String("target_id", t.ID), zap.Error(err))
		}
	}

	for _, info := range r.Connections() {
		if info.Injected {
			continue
		}
		if !r.ProbeShouldInject(ctx, info.ID) {
			continue
		}
		if err := r.Inject(ctx, info.ID); err != nil {
			r.logger.Warn("Injection failed.", zap.String("connection_id", info.ID), zap.Error(err))
		}
	}
}

// Connect opens a session to t and registers it as not yet injected. Connecting to
// an id already in the pool is a no-op.
func (r *Registry) Connect(ctx context.Context, t Target) error {
	if r.get(t.ID) != nil {
		return nil
	}

	conn := &Connection{ID: t.ID, pageTitle: t.Title, pageURL: t.URL}
	log := r.logger.With(zap.String("connection_id", t.ID))

	session, err := r.dial(ctx, t.WebSocketDebuggerURL, log, func() { r.remove(conn) })
	if err != nil {
		return err
	}
	conn.session = session

	r.mu.Lock()
	if existing, ok := r.conns[t.ID]; ok && existing != conn {
		// Lost a race with another connect for the same surface.
		r.mu.Unlock()
		_ = session.Close()
		return nil
	}
	r.conns[t.ID] = conn
	r.mu.Unlock()

	// The session may have ended before it was registered.
	if session.Closed() {
		r.remove(conn)
		return fmt.Errorf("session to %s closed during connect: %w", t.ID, ErrSessionClosed)
	}

	log.Info("Connected to remote surface.", zap.String("title", t.Title), zap.String("url", t.URL))
	return nil
}

// remove drops conn from the pool if it is still the registered connection for its id.
func (r *Registry) remove(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.conns[conn.ID]; ok && current == conn {
		delete(r.conns, conn.ID)
		r.logger.Info("Remote surface disconnected.", zap.String("connection_id", conn.ID))
	}
}

func (r *Registry) get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Connections returns a snapshot of the pool, ordered by id.
func (r *Registry) Connections() []ConnectionInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evaluate runs expression on connection id with a per-call timeout.
func (r *Registry) Evaluate(ctx context.Context, id, expression string, timeout time.Duration) (RawMessage, error) {
	conn := r.get(id)
	if conn == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownConnection)
	}
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}
	return conn.session.Evaluate(ctx, expression, timeout)
}

// Call sends a raw protocol command to connection id with a per-call timeout.
func (r *Registry) Call(ctx context.Context, id, method string, params interface{}, timeout time.Duration) (RawMessage, error) {
	conn := r.get(id)
	if conn == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownConnection)
	}
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.session.Call(callCtx, method, params)
}

// Inject transmits the payload once per connection, then starts or stops the
// in-surface polling loop to match the enabled flag.
func (r *Registry) Inject(ctx context.Context, id string) error {
	conn := r.get(id)
	if conn == nil {
		return fmt.Errorf("%s: %w", id, ErrUnknownConnection)
	}

	conn.mu.Lock()
	injected := conn.injected
	conn.mu.Unlock()

	if !injected {
		if _, err := conn.session.Evaluate(ctx, r.script, r.cfg.CallTimeout); err != nil {
			return fmt.Errorf("failed to inject payload into %s: %w", id, err)
		}
		conn.mu.Lock()
		conn.injected = true
		conn.mu.Unlock()
		r.logger.Info("Payload injected.", zap.String("connection_id", id))
	}

	return r.syncPolling(ctx, conn)
}

// EnsureHelper checks that the send helper is still present on id and reinjects
// if the surface reloaded and lost it.
func (r *Registry) EnsureHelper(ctx context.Context, id string) error {
	conn := r.get(id)
	if conn == nil {
		return fmt.Errorf("%s: %w", id, ErrUnknownConnection)
	}

	raw, err := conn.session.Evaluate(ctx, payload.HasHelperExpression(), r.cfg.CallTimeout)
	if err != nil {
		return fmt.Errorf("failed to check helper on %s: %w", id, err)
	}
	var present bool
	if err := Decode(raw, &present); err != nil {
		return err
	}
	if present {
		return nil
	}

	conn.mu.Lock()
	wasInjected := conn.injected
	conn.injected = false
	conn.mu.Unlock()
	if wasInjected {
		r.logger.Info("Helper missing after reload; reinjecting.", zap.String("connection_id", id))
	}
	return r.Inject(ctx, id)
}

// ProbeShouldInject runs the cheap detector on id. A negative answer is cached for
// the probe cooldown so unrelated surfaces are not probed on every refresh.
func (r *Registry) ProbeShouldInject(ctx context.Context, id string) bool {
	conn := r.get(id)
	if conn == nil {
		return false
	}

	now := r.now()
	conn.mu.Lock()
	if now.Before(conn.skipProbeUntil) {
		conn.mu.Unlock()
		return false
	}
	conn.lastProbeAt = now
	conn.mu.Unlock()

	timeout := r.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = r.cfg.CallTimeout
	}

	var report payload.DetectReport
	raw, err := conn.session.Evaluate(ctx, payload.StandaloneExpression(payload.OpDetect, "", r.opts), timeout)
	if err == nil {
		err = Decode(raw, &report)
	}
	if err != nil {
		r.logger.Debug("Detector failed.", zap.String("connection_id", id), zap.Error(err))
	}

	if err != nil || !report.Match {
		conn.mu.Lock()
		conn.skipProbeUntil = now.Add(r.cfg.ProbeCooldown)
		conn.mu.Unlock()
		return false
	}
	r.logger.Debug("Detector matched.", zap.String("connection_id", id), zap.String("reason", report.Reason))
	return true
}

// SetEnabled records the enabled flag and starts or stops polling on every injected connection.
func (r *Registry) SetEnabled(ctx context.Context, enabled bool) {
	r.enabled.Store(enabled)

	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		injected := c.injected
		c.mu.Unlock()
		if !injected {
			continue
		}
		if err := r.syncPolling(ctx, c); err != nil {
			r.logger.Warn("Failed to toggle polling.", zap.String("connection_id", c.ID), zap.Error(err))
		}
	}
}

func (r *Registry) syncPolling(ctx context.Context, conn *Connection) error {
	expr := payload.StopExpression()
	if r.enabled.Load() {
		expr = payload.StartExpression(r.opts)
	}
	if _, err := conn.session.Evaluate(ctx, expr, r.cfg.CallTimeout); err != nil {
		return fmt.Errorf("failed to sync polling on %s: %w", conn.ID, err)
	}
	return nil
}

// Close ends every session in the pool.
func (r *Registry) Close() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if err := c.session.Close(); err != nil {
			r.logger.Debug("Error closing session.", zap.String("connection_id", c.ID), zap.Error(err))
		}
	}
}
