package target

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/cdp"
	"github.com/xkilldash9x/promptpilot/internal/payload"
)

type fakePool struct {
	mu      sync.Mutex
	conns   []cdp.ConnectionInfo
	answers map[string]func(expression string) (string, error)
	exprs   map[string][]string
}

func (f *fakePool) Connections() []cdp.ConnectionInfo { return f.conns }

func (f *fakePool) Evaluate(_ context.Context, id, expression string, _ time.Duration) (cdp.RawMessage, error) {
	f.mu.Lock()
	if f.exprs == nil {
		f.exprs = make(map[string][]string)
	}
	f.exprs[id] = append(f.exprs[id], expression)
	f.mu.Unlock()

	answer, ok := f.answers[id]
	if !ok {
		return nil, cdp.ErrUnknownConnection
	}
	out, err := answer(expression)
	if err != nil {
		return nil, err
	}
	return cdp.RawMessage(out), nil
}

func fixed(s string) func(string) (string, error) {
	return func(string) (string, error) { return s, nil }
}

func ids(ranked []ScoredTarget) []string {
	out := make([]string, len(ranked))
	for i, t := range ranked {
		out[i] = t.ConnectionID
	}
	return out
}

func TestRank_AgentPanelBeatsHigherScore(t *testing.T) {
	t.Parallel()
	cands := []ScoredTarget{
		{ConnectionID: "plain", HasInput: true, Score: 90},
		{ConnectionID: "panel", HasAgentPanel: true, HasInput: true, Score: 10},
	}
	ranked := Rank(cands, "", "", nil)
	assert.Equal(t, "panel", ranked[0].ConnectionID)
}

func TestRank_LexicographicTiers(t *testing.T) {
	t.Parallel()
	cands := []ScoredTarget{
		{ConnectionID: "e", Score: 100},
		{ConnectionID: "d", HasInput: true, Score: 5},
		{ConnectionID: "c", HasInput: true, Score: 50},
		{ConnectionID: "b", HasAgentPanel: true},
		{ConnectionID: "a", WorkspaceMatch: true},
		{ConnectionID: "f", HasInput: true, Score: 50},
	}
	got := ids(Rank(cands, "", "", nil))
	want := []string{"a", "b", "c", "f", "d", "e"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rank order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "e", cands[0].ConnectionID, "input slice is not reordered")
}

func TestRank_StickyAndPreferred(t *testing.T) {
	t.Parallel()
	cands := []ScoredTarget{
		{ConnectionID: "best", HasAgentPanel: true, HasInput: true, Score: 9},
		{ConnectionID: "sticky", HasInput: true, Score: 3},
		{ConnectionID: "pref", HasInput: true, Score: 1},
		{ConnectionID: "noinput"},
	}

	tests := []struct {
		name      string
		sticky    string
		preferred string
		want      []string
	}{
		{"no overrides", "", "", []string{"best", "sticky", "pref", "noinput"}},
		{"sticky moves to front", "sticky", "", []string{"sticky", "best", "pref", "noinput"}},
		{"preferred with input beats sticky", "sticky", "pref", []string{"pref", "sticky", "best", "noinput"}},
		{"preferred without input is ignored", "sticky", "noinput", []string{"sticky", "best", "pref", "noinput"}},
		{"absent ids are ignored", "gone", "also-gone", []string{"best", "sticky", "pref", "noinput"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ids(Rank(cands, tt.sticky, tt.preferred, nil))); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestRank_PreviousOrderBreaksTies(t *testing.T) {
	t.Parallel()
	// Failed probes leave every candidate at the zero result.
	cands := []ScoredTarget{{ConnectionID: "a"}, {ConnectionID: "b"}, {ConnectionID: "c"}, {ConnectionID: "d"}}

	got := ids(Rank(cands, "", "", []string{"c", "a", "c"}))
	if diff := cmp.Diff([]string{"c", "a", "b", "d"}, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}

	withInput := append([]ScoredTarget{{ConnectionID: "e", HasInput: true}}, cands...)
	got = ids(Rank(withInput, "", "", []string{"c", "a"}))
	assert.Equal(t, []string{"e", "c", "a", "b", "d"}, got, "probe results outrank the previous order")

	got = ids(Rank(cands, "b", "", []string{"c", "a"}))
	assert.Equal(t, []string{"b", "c", "a", "d"}, got, "sticky still moves to the front")
}

func TestProber_Probe(t *testing.T) {
	t.Parallel()
	pool := &fakePool{
		conns: []cdp.ConnectionInfo{
			{ID: "injected", Title: "Agent - MyRepo", Injected: true},
			{ID: "raw", Title: "Other window"},
			{ID: "broken", Title: "myrepo settings"},
			{ID: "stale", Title: "Agent", Injected: true},
		},
		answers: map[string]func(string) (string, error){
			"injected": fixed(`{"hasInput":true,"score":12.5,"hasAgentPanel":true}`),
			"raw":      fixed(`{"hasInput":true,"score":3,"hasAgentPanel":false}`),
			"broken": func(string) (string, error) {
				return "", errors.New("boom")
			},
			// The helper was lost: the injected probe answers null, the fallback answers.
			"stale": func(expr string) (string, error) {
				if strings.Contains(expr, "(function (op, arg, cfg)") {
					return `{"hasInput":true,"score":1,"hasAgentPanel":false}`, nil
				}
				return "null", nil
			},
		},
	}

	p := NewProber(pool, "MyRepo", payload.Options{}, time.Second, zap.NewNop())
	got := p.Probe(context.Background())
	want := []ScoredTarget{
		{ConnectionID: "injected", Title: "Agent - MyRepo", WorkspaceMatch: true, HasAgentPanel: true, HasInput: true, Score: 12.5},
		{ConnectionID: "raw", Title: "Other window", HasInput: true, Score: 3},
		{ConnectionID: "broken", Title: "myrepo settings", WorkspaceMatch: true},
		{ConnectionID: "stale", Title: "Agent", HasInput: true, Score: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("probe mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, pool.exprs["injected"], 1)
	assert.Equal(t, payload.ProbeExpression(), pool.exprs["injected"][0])
	require.Len(t, pool.exprs["raw"], 1)
	assert.Contains(t, pool.exprs["raw"][0], `"probe"`, "uninjected surfaces get the standalone probe")
	assert.Len(t, pool.exprs["stale"], 2)
}

func TestProber_NoWorkspace(t *testing.T) {
	t.Parallel()
	pool := &fakePool{
		conns:   []cdp.ConnectionInfo{{ID: "a", Title: "anything"}},
		answers: map[string]func(string) (string, error){"a": fixed(`{"hasInput":false,"score":0,"hasAgentPanel":false}`)},
	}
	got := NewProber(pool, "", payload.Options{}, time.Second, zap.NewNop()).Probe(context.Background())
	require.Len(t, got, 1)
	assert.False(t, got[0].WorkspaceMatch)
}
