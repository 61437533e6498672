// Package events carries queue notifications from the scheduler to whoever is listening.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a kind of notification.
type Type string

const (
	QueueStarted   Type = "queue.started"
	ItemSent       Type = "item.sent"
	ItemAdvanced   Type = "item.advanced"
	QueueCompleted Type = "queue.completed"
	QueueWarning   Type = "queue.warning"
	QueueFatal     Type = "queue.fatal"
	QueueStopped   Type = "queue.stopped"
)

// AllTypes lists every notification the scheduler emits.
var AllTypes = []Type{QueueStarted, ItemSent, ItemAdvanced, QueueCompleted, QueueWarning, QueueFatal, QueueStopped}

// Queue is the payload of every queue notification.
type Queue struct {
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
	Index    int    `json:"index" yaml:"index"`
	Length   int    `json:"length" yaml:"length"`
	ItemType string `json:"item_type,omitempty" yaml:"item_type,omitempty"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`
	Message  string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      Type
	Payload   interface{}
}

// Bus is an in-process publish/subscribe hub. Each delivered event must be
// acknowledged so Shutdown can wait for consumers to finish.
type Bus struct {
	logger *zap.Logger

	subscribers map[Type][]chan Event
	mu          sync.RWMutex
	bufferSize  int

	processingWg  sync.WaitGroup
	activePostsWg sync.WaitGroup

	shutdownChan chan struct{}
	shutdownOnce sync.Once
	isShutdown   bool
	shutdownMu   sync.Mutex
}

// NewBus creates a Bus whose subscriber channels hold bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Bus{
		logger:       logger.Named("events"),
		subscribers:  make(map[Type][]chan Event),
		bufferSize:   bufferSize,
		shutdownChan: make(chan struct{}),
	}
}

// Post delivers payload to every subscriber of t. It blocks while a subscriber's
// buffer is full, until ctx ends or the bus shuts down.
func (b *Bus) Post(ctx context.Context, t Type, payload interface{}) error {
	b.shutdownMu.Lock()
	if b.isShutdown {
		b.shutdownMu.Unlock()
		return fmt.Errorf("cannot post %s: bus is shut down", t)
	}
	b.activePostsWg.Add(1)
	b.shutdownMu.Unlock()
	defer b.activePostsWg.Done()

	ev := Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Payload:   payload,
	}
	b.logger.Debug("Posting event", zap.String("type", string(t)), zap.String("id", ev.ID))

	b.mu.RLock()
	subs := b.subscribers[t]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}
	targets := make([]chan Event, len(subs))
	copy(targets, subs)
	b.mu.RUnlock()

	for _, ch := range targets {
		b.processingWg.Add(1)
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.processingWg.Done()
			return ctx.Err()
		case <-b.shutdownChan:
			b.processingWg.Done()
			return fmt.Errorf("failed to post %s: bus is shutting down", t)
		}
	}
	return nil
}

// Subscribe returns a channel receiving events of the given types, and a function
// that stops delivery to it. The channel is closed by Shutdown.
func (b *Bus) Subscribe(types ...Type) (<-chan Event, func()) {
	if len(types) == 0 {
		panic("must subscribe to at least one event type")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdownMu.Lock()
	shut := b.isShutdown
	b.shutdownMu.Unlock()
	if shut {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}

	ch := make(chan Event, b.bufferSize)
	subscribed := append([]Type(nil), types...)
	for _, t := range subscribed {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range subscribed {
			subs := b.subscribers[t]
			for i, c := range subs {
				if c == ch {
					copy(subs[i:], subs[i+1:])
					b.subscribers[t] = subs[:len(subs)-1]
					if len(b.subscribers[t]) == 0 {
						delete(b.subscribers, t)
					}
					break
				}
			}
		}
	}
	return ch, unsubscribe
}

// Acknowledge marks ev as processed.
func (b *Bus) Acknowledge(ev Event) {
	b.processingWg.Done()
}

// Shutdown stops accepting posts, closes every subscriber channel, drops whatever is
// still buffered, and waits for acknowledgments of events already received.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.shutdownMu.Lock()
		b.isShutdown = true
		b.shutdownMu.Unlock()

		close(b.shutdownChan)
		b.activePostsWg.Wait()

		b.mu.Lock()
		unique := make(map[chan Event]struct{})
		for _, subs := range b.subscribers {
			for _, ch := range subs {
				unique[ch] = struct{}{}
			}
		}
		for ch := range unique {
			close(ch)
		}
		drained := 0
		for ch := range unique {
			for range ch {
				drained++
				b.processingWg.Done()
			}
		}
		b.subscribers = make(map[Type][]chan Event)
		b.mu.Unlock()

		if drained > 0 {
			b.logger.Debug("Dropped buffered events during shutdown.", zap.Int("count", drained))
		}
		b.processingWg.Wait()
		b.logger.Debug("Event bus shut down.")
	})
}
