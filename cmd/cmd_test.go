package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/promptpilot/internal/cdp/cdptest"
	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/events"
	"github.com/xkilldash9x/promptpilot/internal/history"
	"github.com/xkilldash9x/promptpilot/internal/payload"
	"github.com/xkilldash9x/promptpilot/internal/scheduler"
	"github.com/xkilldash9x/promptpilot/internal/store"
)

// writeConfig writes content to a promptpilot.yaml in a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "promptpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600))
	return path
}

// executeCommand runs a fresh command tree and returns its combined output.
func executeCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

const quietLogger = `
logger:
  level: error
  format: console
`

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := executeCommand(t, "", "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "promptpilot version "+Version)
}

func TestRootCmd_NoArgsPrintsHelp(t *testing.T) {
	out, err := executeCommand(t, "")
	require.NoError(t, err)
	assert.Contains(t, out, "PromptPilot delivers queued prompts")
	for _, sub := range []string{"run", "send", "targets", "history", "version"} {
		assert.Contains(t, out, sub)
	}
}

func TestVersionCommand(t *testing.T) {
	cfg := writeConfig(t, quietLogger)
	out, err := executeCommand(t, "", "version", "-c", cfg)
	require.NoError(t, err)
	assert.Equal(t, "promptpilot version "+Version+"\n", out)
}

func TestInitializeConfig_Precedence(t *testing.T) {
	path := writeConfig(t, `
remote:
  discovery_url: http://file.example/json/list
scheduler:
  max_attempts_per_item: 3
autopilot:
  prompts: ["Task A", "Task B"]
  queue_mode: loop
`)
	t.Setenv("PROMPTPILOT_SCHEDULER_MAX_ATTEMPTS_PER_ITEM", "9")

	root := NewRootCommand()
	require.NoError(t, root.ParseFlags([]string{"--config", path, "--discovery-url", "http://flag.example/json/list"}))

	v := viper.New()
	config.SetDefaults(v)
	require.NoError(t, initializeConfig(root, v))
	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, path, v.ConfigFileUsed())
	assert.Equal(t, "http://flag.example/json/list", cfg.Remote.DiscoveryURL, "flag beats file")
	assert.Equal(t, 9, cfg.Scheduler.MaxAttemptsPerItem, "env beats file")
	assert.Equal(t, []string{"Task A", "Task B"}, cfg.Autopilot.Prompts)
	assert.Equal(t, config.QueueLoop, cfg.Autopilot.QueueMode)
	assert.Equal(t, 30, cfg.Autopilot.SilenceTimeoutSeconds, "defaults fill the rest")
}

func TestInitializeConfig_MissingExplicitFile(t *testing.T) {
	_, err := executeCommand(t, "", "version", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to initialize configuration")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	cfg := writeConfig(t, quietLogger+`
autopilot:
  queue_mode: shuffle
`)
	_, err := executeCommand(t, "", "version", "-c", cfg)
	assert.ErrorContains(t, err, "queue_mode")
}

func TestHistoryCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()
	hs, err := store.OpenSQLite(ctx, dbPath, zap.NewNop())
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, hs.Append(ctx, history.NewEntry("older prompt", history.StatusSent, "", "task", now.Add(-2*time.Hour))))
	require.NoError(t, hs.Append(ctx, history.NewEntry("newer prompt", history.StatusRecovered, "", "check", now.Add(-5*time.Minute))))
	require.NoError(t, hs.Close())

	cfg := writeConfig(t, quietLogger+`
store:
  driver: sqlite
  path: `+dbPath)

	out, err := executeCommand(t, "", "history", "-c", cfg, "-n", "5")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "newer prompt")
	assert.Contains(t, lines[0], "5m ago")
	assert.Contains(t, lines[0], history.StatusRecovered)
	assert.Contains(t, lines[1], "older prompt")
	assert.Contains(t, lines[1], "2h ago")
}

func TestHistoryCommand_Empty(t *testing.T) {
	cfg := writeConfig(t, quietLogger+`
store:
  driver: none
`)
	out, err := executeCommand(t, "", "history", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No prompts sent yet.")

	_, err = executeCommand(t, "", "history", "-c", cfg, "-n", "0")
	assert.ErrorContains(t, err, "--limit must be positive")
}

func remoteConfig(srv *cdptest.Server, extra string) string {
	return quietLogger + `
remote:
  discovery_url: ` + srv.ListURL() + `
  call_timeout: 2s
store:
  driver: none
` + extra
}

func TestSendCommand(t *testing.T) {
	page := &cdptest.Page{SendOK: true, Probe: payload.ProbeReport{HasInput: true, Score: 1}}
	srv := cdptest.NewServer(t, &cdptest.Surface{ID: "a", Title: "Agent chat", Eval: page.Eval})
	cfg := writeConfig(t, remoteConfig(srv, ""))

	out, err := executeCommand(t, "", "send", "-c", cfg, "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "Delivered to a.")
	assert.Equal(t, []string{"hello world"}, page.SentTexts())
}

func TestSendCommand_NoSurfaces(t *testing.T) {
	srv := cdptest.NewServer(t)
	cfg := writeConfig(t, remoteConfig(srv, ""))

	_, err := executeCommand(t, "", "send", "-c", cfg, "hello")
	assert.ErrorContains(t, err, "no remote surfaces found")
}

func TestSendCommand_NotAccepted(t *testing.T) {
	page := &cdptest.Page{SendOK: false}
	srv := cdptest.NewServer(t, &cdptest.Surface{ID: "a", Title: "Agent chat", Eval: page.Eval})
	cfg := writeConfig(t, remoteConfig(srv, `
delivery:
  submit_settle: 10ms
`))

	_, err := executeCommand(t, "", "send", "-c", cfg, "hello")
	assert.ErrorContains(t, err, "not accepted")
}

func TestTargetsCommand_YAML(t *testing.T) {
	best := &cdptest.Page{Probe: payload.ProbeReport{HasInput: true, HasAgentPanel: true, Score: 5}}
	other := &cdptest.Page{Probe: payload.ProbeReport{HasInput: true, Score: 1}}
	srv := cdptest.NewServer(t,
		&cdptest.Surface{ID: "other", Title: "Docs", Eval: other.Eval},
		&cdptest.Surface{ID: "best", Title: "Agent chat", Eval: best.Eval},
	)
	cfg := writeConfig(t, remoteConfig(srv, ""))

	out, err := executeCommand(t, "", "targets", "-c", cfg, "--yaml")
	require.NoError(t, err)

	var rows []targetRow
	require.NoError(t, yaml.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "best", rows[0].ID)
	assert.True(t, rows[0].Panel)
	assert.Equal(t, "other", rows[1].ID)
}

func TestRunCommand_ConsumesQueueAndExits(t *testing.T) {
	page := &cdptest.Page{SendOK: true, Probe: payload.ProbeReport{HasInput: true, Score: 1}}
	srv := cdptest.NewServer(t, &cdptest.Surface{ID: "a", Title: "Agent chat", Eval: page.Eval})
	cfgPath := writeConfig(t, remoteConfig(srv, `
scheduler:
  min_settle: 0s
  poll_interval: 20ms
autopilot:
  prompts: ["Task A"]
  queue_mode: consume
  silence_timeout_seconds: 1
`))

	out, err := executeCommand(t, "status\n", "run", "-c", cfgPath, "--exit-when-done")
	require.NoError(t, err)

	assert.Equal(t, []string{"Task A"}, page.SentTexts())
	assert.Contains(t, out, "[queue] started: 1 items (manual)")
	assert.Contains(t, out, "[queue] sent 1/1 task: Task A")
	assert.Contains(t, out, "[queue] completed")
	assert.Contains(t, out, "queue_length: 1")

	// The consumed task is removed from the settings file.
	v := viper.New()
	v.SetConfigFile(cfgPath)
	require.NoError(t, v.ReadInConfig())
	assert.Empty(t, v.GetStringSlice("autopilot.prompts"))
}

// -- Interactive controller --

type stubQueue struct {
	calls    []string
	conv     string
	startErr error
	status   scheduler.Status
	history  []history.Entry
}

func (s *stubQueue) Start(_ context.Context, src scheduler.Source) error {
	s.calls = append(s.calls, "start:"+string(src))
	return s.startErr
}
func (s *stubQueue) Pause() { s.calls = append(s.calls, "pause") }

func (s *stubQueue) Resume(context.Context) error {
	s.calls = append(s.calls, "resume")
	return nil
}

func (s *stubQueue) Skip(context.Context) error {
	s.calls = append(s.calls, "skip")
	return nil
}

func (s *stubQueue) Stop(context.Context) { s.calls = append(s.calls, "stop") }

func (s *stubQueue) Reset(context.Context) error {
	s.calls = append(s.calls, "reset")
	return nil
}

func (s *stubQueue) Status() scheduler.Status { return s.status }

func (s *stubQueue) History() []history.Entry { return s.history }

func (s *stubQueue) SetTargetConversation(id string) { s.conv = id }

func (s *stubQueue) Now() time.Time { return time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC) }

type stubPreferrer struct{ id string }

func (s *stubPreferrer) SetPreferred(id string) { s.id = id }

func TestController_Handle(t *testing.T) {
	q := &stubQueue{
		startErr: scheduler.ErrEmptyQueue,
		status:   scheduler.Status{IsRunningQueue: true, QueueLength: 4, CurrentPrompt: "Task B"},
		history: []history.Entry{
			history.NewEntry("Task A", history.StatusSent, "", "task", time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)),
		},
	}
	pref := &stubPreferrer{}
	var out bytes.Buffer
	ctl := &controller{queue: q, targets: pref, out: &out}
	ctx := context.Background()

	for _, line := range []string{"", "start", "pause", "resume", "skip", "stop", "reset", "conversation conv-7", "prefer page-2"} {
		assert.False(t, ctl.handle(ctx, line), line)
	}
	assert.Equal(t, []string{"start:manual", "pause", "resume", "skip", "stop", "reset"}, q.calls)
	assert.Equal(t, "conv-7", q.conv)
	assert.Equal(t, "page-2", pref.id)
	assert.Contains(t, out.String(), "Error: prompt queue is empty")

	out.Reset()
	assert.False(t, ctl.handle(ctx, "status"))
	assert.Contains(t, out.String(), "is_running_queue: true")
	assert.Contains(t, out.String(), "queue_length: 4")
	assert.Contains(t, out.String(), "current_prompt: Task B")

	out.Reset()
	assert.False(t, ctl.handle(ctx, "history"))
	assert.Contains(t, out.String(), "1h ago")
	assert.Contains(t, out.String(), "Task A")

	out.Reset()
	assert.False(t, ctl.handle(ctx, "dance"))
	assert.Contains(t, out.String(), `Unknown command "dance"`)

	assert.True(t, ctl.handle(ctx, "quit"))
	assert.True(t, ctl.handle(ctx, "EXIT"))
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		ev   events.Event
		want string
	}{
		{events.Event{Type: events.QueueStarted, Payload: events.Queue{Length: 3, Source: "manual"}}, "[queue] started: 3 items (manual)"},
		{events.Event{Type: events.ItemSent, Payload: events.Queue{Index: 1, Length: 3, ItemType: "check", Text: "verify"}}, "[queue] sent 2/3 check: verify"},
		{events.Event{Type: events.ItemAdvanced, Payload: events.Queue{Message: "silence", Text: "Task A"}}, "[queue] silence: Task A"},
		{events.Event{Type: events.QueueWarning, Payload: events.Queue{Message: "attempt 1 of 5 was not accepted"}}, "[queue] warning: attempt 1 of 5 was not accepted"},
		{events.Event{Type: events.QueueFatal, Payload: events.Queue{Message: errors.New("budget").Error()}}, "[queue] aborted: budget"},
		{events.Event{Type: events.QueueCompleted, Payload: events.Queue{}}, "[queue] completed"},
		{events.Event{Type: events.QueueStopped, Payload: events.Queue{}}, "[queue] stopped"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatEvent(tt.ev))
	}
}
