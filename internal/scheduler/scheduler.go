// Package scheduler runs the prompt queue: it sends one item at a time through the
// delivery client, waits for the remote conversation to go quiet, and advances.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/promptpilot/internal/config"
	"github.com/xkilldash9x/promptpilot/internal/delivery"
	"github.com/xkilldash9x/promptpilot/internal/events"
	"github.com/xkilldash9x/promptpilot/internal/history"
)

// Source tags who asked for a queue start.
type Source string

const (
	SourceManual       Source = "manual"
	SourceProgrammatic Source = "programmatic"
	SourceResume       Source = "resume"
	SourceTest         Source = "test"
)

// Only these sources may start a queue; a settings reload, for one, may not.
var allowedSources = map[Source]bool{
	SourceManual:       true,
	SourceProgrammatic: true,
	SourceResume:       true,
	SourceTest:         true,
}

// ConversationStatus is the scheduler's view of the remote conversation.
type ConversationStatus string

const (
	StatusIdle    ConversationStatus = "idle"
	StatusRunning ConversationStatus = "running"
	StatusWaiting ConversationStatus = "waiting"
)

// Client is everything the scheduler can do to the outside world.
type Client interface {
	SendPrompt(ctx context.Context, text, conversation string) (int, error)
	ConversationState(ctx context.Context, conversation string) (delivery.ConversationState, error)
	TranscriptContains(ctx context.Context, text string) (bool, error)
}

// Notifier receives queue notifications. *events.Bus implements it.
type Notifier interface {
	Post(ctx context.Context, t events.Type, payload interface{}) error
}

// HistoryStore persists confirmed sends.
type HistoryStore interface {
	Append(ctx context.Context, e history.Entry) error
}

// State is the scheduler's queue state. It is owned by the Scheduler and only
// handed out as a copy.
type State struct {
	RuntimeQueue        []QueueItem
	QueueIndex          int
	IsRunningQueue      bool
	IsPaused            bool
	IsStopped           bool
	Completed           bool
	ConversationStatus  ConversationStatus
	HasSentCurrentItem  bool
	CurrentItemAttempts int
	TaskStartTime       time.Time
	LastSendAttemptTime time.Time
	SendInProgress      bool

	// epoch changes on every start, advance, stop and abort; work begun under an
	// older epoch must not commit its result.
	epoch        uint64
	lastActivity time.Time
}

// Status is the read-only summary exposed to the control surface.
type Status struct {
	Enabled             bool               `json:"enabled" yaml:"enabled"`
	Mode                string             `json:"mode" yaml:"mode"`
	QueueMode           config.QueueMode   `json:"queue_mode" yaml:"queue_mode"`
	IsRunningQueue      bool               `json:"is_running_queue" yaml:"is_running_queue"`
	QueueLength         int                `json:"queue_length" yaml:"queue_length"`
	QueueIndex          int                `json:"queue_index" yaml:"queue_index"`
	TargetConversation  string             `json:"target_conversation" yaml:"target_conversation"`
	ConversationStatus  ConversationStatus `json:"conversation_status" yaml:"conversation_status"`
	IsPaused            bool               `json:"is_paused" yaml:"is_paused"`
	IsStopped           bool               `json:"is_stopped" yaml:"is_stopped"`
	Completed           bool               `json:"completed" yaml:"completed"`
	CurrentPrompt       string             `json:"current_prompt" yaml:"current_prompt"`
	CurrentItemType     ItemType           `json:"current_item_type,omitempty" yaml:"current_item_type,omitempty"`
	HasSentCurrentItem  bool               `json:"has_sent_current_item" yaml:"has_sent_current_item"`
	CurrentItemAttempts int                `json:"current_item_attempts" yaml:"current_item_attempts"`
}

// Scheduler drives the prompt queue. All methods are safe for concurrent use; the
// lock is never held across a remote call.
type Scheduler struct {
	cfg      config.SchedulerConfig
	settings config.Settings
	client   Client
	notifier Notifier
	store    HistoryStore
	refresh  func(ctx context.Context) int
	logger   *zap.Logger
	now      func() time.Time

	activatedAt time.Time
	history     *history.Ring

	mu           sync.Mutex
	state        State
	sendSeq      uint64
	lastStart    time.Time
	conversation string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithNotifier sets where queue notifications go.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithHistoryStore persists every confirmed send in addition to the in-memory history.
func WithHistoryStore(h HistoryStore) Option {
	return func(s *Scheduler) { s.store = h }
}

// WithRefresher is called on every poll before the silence check, typically to
// pick up new remote surfaces.
func WithRefresher(refresh func(ctx context.Context) int) Option {
	return func(s *Scheduler) { s.refresh = refresh }
}

// New creates a Scheduler. The activation grace period starts now.
func New(cfg config.SchedulerConfig, settings config.Settings, client Client, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		settings: settings,
		client:   client,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		history:  history.NewRing(cfg.HistoryCap),
		state:    State{ConversationStatus: StatusIdle},
	}
	for _, o := range opts {
		o(s)
	}
	s.activatedAt = s.now()
	return s
}

// Start builds the queue from the current settings and sends the first item.
func (s *Scheduler) Start(ctx context.Context, source Source) error {
	if !allowedSources[source] {
		s.logger.Warn("Rejected queue start.", zap.String("source", string(source)))
		return fmt.Errorf("%w: %q", ErrSourceRejected, source)
	}
	if s.client == nil {
		return s.abort(ctx, ErrNoClient)
	}

	s.mu.Lock()
	now := s.now()
	if !s.lastStart.IsZero() && now.Sub(s.lastStart) < s.cfg.MinStartInterval {
		s.mu.Unlock()
		return ErrStartThrottled
	}
	if source != SourceManual && now.Sub(s.activatedAt) < s.cfg.ActivationGrace {
		s.mu.Unlock()
		return ErrGracePeriod
	}

	queue := BuildRuntimeQueue(s.settings.Autopilot())
	if len(queue) == 0 {
		s.mu.Unlock()
		s.emit(ctx, events.QueueWarning, events.Queue{Source: string(source), Message: ErrEmptyQueue.Error()})
		return ErrEmptyQueue
	}

	s.lastStart = now
	s.state = State{
		RuntimeQueue:       queue,
		IsRunningQueue:     true,
		ConversationStatus: StatusIdle,
		epoch:              s.state.epoch + 1,
	}
	ev := s.queueEventLocked()
	ev.Source = string(source)
	s.mu.Unlock()

	s.logger.Info("Queue started.", zap.String("source", string(source)), zap.Int("length", len(queue)))
	s.emit(ctx, events.QueueStarted, ev)
	return s.ExecuteCurrentItem(ctx)
}

// ExecuteCurrentItem sends the current item unless a send is in flight, the backoff
// window since the last attempt has not passed, or the remote conversation is busy.
// It returns an error only when the queue had to be aborted.
func (s *Scheduler) ExecuteCurrentItem(ctx context.Context) error {
	s.mu.Lock()
	st := &s.state
	if !st.IsRunningQueue || st.IsPaused || st.SendInProgress || st.HasSentCurrentItem || st.QueueIndex >= len(st.RuntimeQueue) {
		s.mu.Unlock()
		return nil
	}
	if !st.LastSendAttemptTime.IsZero() && s.now().Sub(st.LastSendAttemptTime) < s.cfg.RetryBackoff {
		s.mu.Unlock()
		return nil
	}
	if s.client == nil {
		s.mu.Unlock()
		return s.abort(ctx, ErrNoClient)
	}
	if st.CurrentItemAttempts >= s.cfg.MaxAttemptsPerItem {
		err := fmt.Errorf("%w: item %d failed %d times", ErrRetryBudgetExceeded, st.QueueIndex, st.CurrentItemAttempts)
		s.mu.Unlock()
		return s.abort(ctx, err)
	}

	item := st.RuntimeQueue[st.QueueIndex]
	epoch, attempt := st.epoch, st.CurrentItemAttempts
	conv := s.targetConversationLocked()
	st.SendInProgress = true
	s.sendSeq++
	token := s.sendSeq
	s.mu.Unlock()

	err := s.send(ctx, epoch, attempt, item, conv)
	if s.endSend(epoch, token) {
		// The queue moved on mid-send and the new item has not been tried yet.
		return s.ExecuteCurrentItem(ctx)
	}
	return err
}

func (s *Scheduler) send(ctx context.Context, epoch uint64, attempt int, item QueueItem, conv string) error {
	log := s.logger.With(zap.Int("index", item.Index), zap.String("type", string(item.Type)))

	remote, err := s.client.ConversationState(ctx, conv)
	if err != nil {
		log.Debug("Could not read conversation state; sending anyway.", zap.Error(err))
	} else if remote.Busy {
		s.mu.Lock()
		if s.current(epoch) {
			s.state.ConversationStatus = StatusWaiting
		}
		s.mu.Unlock()
		log.Debug("Conversation busy; deferring send.")
		return nil
	}

	if attempt > 0 {
		// A previous attempt may have landed even though it reported failure.
		if seen, err := s.client.TranscriptContains(ctx, item.Text); err == nil && seen {
			log.Info("Prompt already in transcript; treating as sent.")
			s.recordSent(ctx, epoch, item, conv, history.StatusRecovered)
			return nil
		}
	}

	s.mu.Lock()
	if !s.current(epoch) {
		s.mu.Unlock()
		return nil
	}
	s.state.CurrentItemAttempts++
	s.state.LastSendAttemptTime = s.now()
	attempts := s.state.CurrentItemAttempts
	s.mu.Unlock()

	n, err := s.client.SendPrompt(ctx, item.Text, conv)

	s.mu.Lock()
	if !s.current(epoch) {
		s.mu.Unlock()
		log.Info("Queue moved on while sending; discarding result.", zap.Int("delivered", n))
		return nil
	}
	if err != nil || n == 0 {
		s.state.HasSentCurrentItem = false
		s.state.ConversationStatus = StatusWaiting
		ev := s.queueEventLocked()
		s.mu.Unlock()

		ev.Message = fmt.Sprintf("attempt %d of %d was not accepted", attempts, s.cfg.MaxAttemptsPerItem)
		if err != nil {
			ev.Message += ": " + err.Error()
		}
		log.Warn("Send failed; will retry.", zap.Int("attempt", attempts), zap.Error(err))
		s.emit(ctx, events.QueueWarning, ev)
		return nil
	}
	s.mu.Unlock()

	s.recordSent(ctx, epoch, item, conv, history.StatusSent)
	return nil
}

// CheckSilence is the periodic poll. Once the current item is sent it advances when
// the conversation has been quiet for the silence timeout or the item has waited its
// maximum, but never before the minimum settle time. An unsent item is retried instead.
func (s *Scheduler) CheckSilence(ctx context.Context) error {
	s.mu.Lock()
	st := &s.state
	if !st.IsRunningQueue || st.IsPaused || st.SendInProgress || s.client == nil {
		s.mu.Unlock()
		return nil
	}
	if !st.HasSentCurrentItem {
		s.mu.Unlock()
		return s.ExecuteCurrentItem(ctx)
	}
	epoch := st.epoch
	conv := s.targetConversationLocked()
	s.mu.Unlock()

	remote, err := s.client.ConversationState(ctx, conv)

	s.mu.Lock()
	if !s.current(epoch) || !s.state.HasSentCurrentItem || s.state.IsPaused {
		s.mu.Unlock()
		return nil
	}
	now := s.now()
	if err == nil {
		if remote.Busy {
			s.state.lastActivity = now
			s.state.ConversationStatus = StatusRunning
		} else if remote.LastActivity.After(s.state.lastActivity) {
			s.state.lastActivity = remote.LastActivity
			if s.state.lastActivity.After(now) {
				s.state.lastActivity = now
			}
		}
	}

	sinceSend := now.Sub(s.state.TaskStartTime)
	if sinceSend < s.cfg.MinSettle {
		s.mu.Unlock()
		return nil
	}
	silent := err == nil && !remote.Busy && now.Sub(s.state.lastActivity) >= s.silenceTimeout()
	timedOut := s.cfg.MaxWaitPerItem > 0 && sinceSend >= s.cfg.MaxWaitPerItem
	s.mu.Unlock()

	switch {
	case silent:
		return s.advance(ctx, epoch, true, "silence")
	case timedOut:
		return s.advance(ctx, epoch, true, "max wait elapsed")
	}
	return nil
}

// Advance completes the current item and moves on. In consume mode a completed task
// is removed from the persisted prompt list; a completed check never is.
func (s *Scheduler) Advance(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.state.epoch
	s.mu.Unlock()
	return s.advance(ctx, epoch, true, "advanced")
}

// Skip moves past the current item without treating it as sent or consuming it.
func (s *Scheduler) Skip(ctx context.Context) error {
	s.mu.Lock()
	epoch := s.state.epoch
	s.mu.Unlock()
	return s.advance(ctx, epoch, false, "skipped")
}

func (s *Scheduler) advance(ctx context.Context, epoch uint64, complete bool, reason string) error {
	s.mu.Lock()
	st := &s.state
	if !s.current(epoch) || st.QueueIndex >= len(st.RuntimeQueue) {
		s.mu.Unlock()
		return nil
	}
	item := st.RuntimeQueue[st.QueueIndex]
	settings := s.settings.Autopilot()

	var persistErr error
	if complete && settings.QueueMode == config.QueueConsume && item.Type == ItemTask {
		if remaining, ok := removeFirst(settings.Prompts, item.Text); ok {
			persistErr = s.settings.SetPrompts(remaining)
		}
	}

	st.epoch++
	st.QueueIndex++
	st.HasSentCurrentItem = false
	st.CurrentItemAttempts = 0
	st.LastSendAttemptTime = time.Time{}
	st.ConversationStatus = StatusIdle

	completed := false
	if st.QueueIndex >= len(st.RuntimeQueue) {
		if settings.QueueMode == config.QueueLoop {
			// Rebuild so edits made while running are picked up.
			if queue := BuildRuntimeQueue(settings); len(queue) > 0 {
				st.RuntimeQueue = queue
				st.QueueIndex = 0
			} else {
				completed = true
			}
		} else {
			completed = true
		}
	}
	if completed {
		st.IsRunningQueue = false
		st.Completed = true
	}
	ev := s.queueEventLocked()
	ev.ItemType, ev.Text, ev.Message = string(item.Type), item.Text, reason
	s.mu.Unlock()

	s.logger.Info("Queue advanced.", zap.String("reason", reason), zap.Int("index", ev.Index), zap.Int("length", ev.Length))
	if persistErr != nil {
		s.logger.Warn("Failed to persist consumed prompt list.", zap.Error(persistErr))
		s.emit(ctx, events.QueueWarning, events.Queue{Index: ev.Index, Length: ev.Length, Message: persistErr.Error()})
	}
	s.emit(ctx, events.ItemAdvanced, ev)
	if completed {
		s.logger.Info("Queue completed.")
		s.emit(ctx, events.QueueCompleted, events.Queue{Index: ev.Index, Length: ev.Length})
		return nil
	}
	return s.ExecuteCurrentItem(ctx)
}

// Pause stops the silence check from advancing or retrying.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsRunningQueue {
		s.state.IsPaused = true
		s.logger.Info("Queue paused.")
	}
}

// Resume lifts a pause and checks for silence right away. A queue that was stopped
// is started again from the current settings.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.IsRunningQueue {
		stopped := s.state.IsStopped
		s.mu.Unlock()
		if stopped {
			return s.Start(ctx, SourceResume)
		}
		return nil
	}
	s.state.IsPaused = false
	s.mu.Unlock()

	s.logger.Info("Queue resumed.")
	return s.CheckSilence(ctx)
}

// Stop clears the queue. A send already in flight completes on the wire, but its
// result is discarded.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	ev := s.queueEventLocked()
	s.state = State{
		IsStopped:          true,
		ConversationStatus: StatusIdle,
		epoch:              s.state.epoch + 1,
	}
	s.mu.Unlock()

	s.logger.Info("Queue stopped.")
	s.emit(ctx, events.QueueStopped, ev)
}

// Reset stops the queue and clears the session history and the persisted prompt list.
func (s *Scheduler) Reset(ctx context.Context) error {
	s.Stop(ctx)
	s.history.Clear()
	if err := s.settings.SetPrompts([]string{}); err != nil {
		return fmt.Errorf("failed to clear prompts: %w", err)
	}
	return nil
}

// OnSettingsChanged re-enters the current item after a settings reload. It never
// starts a queue; the backoff gate keeps it from duplicating a send.
func (s *Scheduler) OnSettingsChanged(ctx context.Context) error {
	s.mu.Lock()
	running := s.state.IsRunningQueue
	s.mu.Unlock()
	if !running {
		return nil
	}
	return s.ExecuteCurrentItem(ctx)
}

// SetTargetConversation overrides the conversation prompts are addressed to.
// An empty id falls back to the configured one.
func (s *Scheduler) SetTargetConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversation = id
}

// History returns the recorded sends, oldest first.
func (s *Scheduler) History() []history.Entry {
	return s.history.Entries()
}

// Now is the scheduler's clock.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// State returns a copy of the queue state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.RuntimeQueue = append([]QueueItem(nil), s.state.RuntimeQueue...)
	return out
}

// Status summarizes the scheduler for the control surface.
func (s *Scheduler) Status() Status {
	settings := s.settings.Autopilot()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	out := Status{
		Enabled:             settings.Enabled,
		Mode:                settings.Mode,
		QueueMode:           settings.QueueMode,
		IsRunningQueue:      st.IsRunningQueue,
		QueueLength:         len(st.RuntimeQueue),
		QueueIndex:          st.QueueIndex,
		TargetConversation:  s.conversation,
		ConversationStatus:  st.ConversationStatus,
		IsPaused:            st.IsPaused,
		IsStopped:           st.IsStopped,
		Completed:           st.Completed,
		HasSentCurrentItem:  st.HasSentCurrentItem,
		CurrentItemAttempts: st.CurrentItemAttempts,
	}
	if out.TargetConversation == "" {
		out.TargetConversation = settings.TargetConversation
	}
	if st.QueueIndex < len(st.RuntimeQueue) {
		out.CurrentPrompt = st.RuntimeQueue[st.QueueIndex].Text
		out.CurrentItemType = st.RuntimeQueue[st.QueueIndex].Type
	}
	return out
}

// Run polls until ctx is done: refresh the remote pool, then check for silence.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.refresh != nil {
				s.refresh(ctx)
			}
			if err := s.CheckSilence(ctx); err != nil {
				s.logger.Error("Queue aborted during poll.", zap.Error(err))
			}
		}
	}
}

// abort stops the queue after an unrecoverable error and reports it.
func (s *Scheduler) abort(ctx context.Context, err error) error {
	s.mu.Lock()
	ev := s.queueEventLocked()
	s.state.IsRunningQueue = false
	s.state.SendInProgress = false
	s.state.HasSentCurrentItem = false
	s.state.ConversationStatus = StatusIdle
	s.state.epoch++
	s.mu.Unlock()

	s.logger.Error("Queue aborted.", zap.Error(err))
	ev.Message = err.Error()
	s.emit(ctx, events.QueueFatal, ev)
	return err
}

func (s *Scheduler) recordSent(ctx context.Context, epoch uint64, item QueueItem, conv, status string) {
	s.mu.Lock()
	if !s.current(epoch) {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.state.HasSentCurrentItem = true
	s.state.ConversationStatus = StatusRunning
	s.state.TaskStartTime = now
	s.state.lastActivity = now
	entry := history.NewEntry(item.Text, status, conv, string(item.Type), now)
	s.history.Append(entry)
	ev := s.queueEventLocked()
	s.mu.Unlock()

	s.logger.Info("Queue item sent.", zap.Int("index", ev.Index), zap.String("type", string(item.Type)), zap.String("status", status))
	s.emit(ctx, events.ItemSent, ev)

	if s.store != nil {
		if err := s.store.Append(ctx, entry); err != nil {
			s.logger.Warn("Failed to persist history entry.", zap.Error(err))
		}
	}
}

// endSend releases the in-flight flag if token still owns it. It reports whether the
// queue advanced during the send, leaving a new current item that still needs sending.
func (s *Scheduler) endSend(epoch, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendSeq != token || !s.state.SendInProgress {
		return false
	}
	s.state.SendInProgress = false
	return s.state.epoch != epoch && s.state.IsRunningQueue && !s.state.IsPaused && !s.state.HasSentCurrentItem
}

// current reports whether work begun under epoch may still commit. Requires s.mu.
func (s *Scheduler) current(epoch uint64) bool {
	return s.state.epoch == epoch && s.state.IsRunningQueue && !s.state.IsStopped
}

// Requires s.mu.
func (s *Scheduler) targetConversationLocked() string {
	if s.conversation != "" {
		return s.conversation
	}
	return s.settings.Autopilot().TargetConversation
}

// Requires s.mu.
func (s *Scheduler) queueEventLocked() events.Queue {
	ev := events.Queue{Index: s.state.QueueIndex, Length: len(s.state.RuntimeQueue)}
	if s.state.QueueIndex < len(s.state.RuntimeQueue) {
		item := s.state.RuntimeQueue[s.state.QueueIndex]
		ev.ItemType, ev.Text = string(item.Type), item.Text
	}
	return ev
}

func (s *Scheduler) silenceTimeout() time.Duration {
	if d := s.settings.Autopilot().SilenceTimeout(); d > 0 {
		return d
	}
	return 30 * time.Second
}

func (s *Scheduler) emit(ctx context.Context, t events.Type, q events.Queue) {
	if s.notifier == nil {
		return
	}
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.notifier.Post(postCtx, t, q); err != nil {
		s.logger.Debug("Notification dropped.", zap.String("type", string(t)), zap.Error(err))
	}
}
