package cdp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/config"
)

// Target is one entry of the discovery listing.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discoverer lists candidate remote surfaces from the local listing endpoint.
type Discoverer struct {
	url        string
	accepted   map[string]bool
	signatures []string
	client     *http.Client
	logger     *zap.Logger
}

// NewDiscoverer creates a Discoverer. A nil client gets one bounded by cfg.DiscoveryTimeout.
func NewDiscoverer(cfg config.RemoteConfig, client *http.Client, logger *zap.Logger) *Discoverer {
	if client == nil {
		timeout := cfg.DiscoveryTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	accepted := make(map[string]bool, len(cfg.AcceptedKinds))
	for _, k := range cfg.AcceptedKinds {
		accepted[strings.ToLower(k)] = true
	}
	signatures := make([]string, 0, len(cfg.SelfSignatures))
	for _, s := range cfg.SelfSignatures {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			signatures = append(signatures, s)
		}
	}
	return &Discoverer{
		url:        cfg.DiscoveryURL,
		accepted:   accepted,
		signatures: signatures,
		client:     client,
		logger:     logger.Named("discovery"),
	}
}

// Discover returns the accepted candidates. It never fails: an unreachable or
// malformed endpoint yields an empty list.
func (d *Discoverer) Discover(ctx context.Context) []Target {
	targets, err := d.list(ctx)
	if err != nil {
		d.logger.Debug("Discovery endpoint unavailable.", zap.String("url", d.url), zap.Error(err))
		return nil
	}

	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		if d.Accept(t) {
			out = append(out, t)
		}
	}
	return out
}

// Accept reports whether t is a usable candidate: it has a session URL, an accepted
// kind, and is not one of our own surfaces.
func (d *Discoverer) Accept(t Target) bool {
	if t.WebSocketDebuggerURL == "" {
		return false
	}
	if len(d.accepted) > 0 && !d.accepted[strings.ToLower(t.Type)] {
		return false
	}
	return !d.isSelf(t)
}

func (d *Discoverer) isSelf(t Target) bool {
	id, title, url := strings.ToLower(t.ID), strings.ToLower(t.Title), strings.ToLower(t.URL)
	for _, sig := range d.signatures {
		if strings.Contains(id, sig) || strings.Contains(title, sig) || strings.Contains(url, sig) {
			return true
		}
	}
	return false
}

func (d *Discoverer) list(ctx context.Context) ([]Target, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var targets []Target
	if err := codec.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	return targets, nil
}
