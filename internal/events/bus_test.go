package events_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/promptpilot/internal/events"
)

func newTestBus(t *testing.T, bufferSize int) *events.Bus {
	return events.NewBus(zaptest.NewLogger(t), bufferSize)
}

func TestBus_DeliversToSubscribedTypesOnly(t *testing.T) {
	b := newTestBus(t, 4)
	defer b.Shutdown()

	sent, unsubscribe := b.Subscribe(events.ItemSent, events.QueueCompleted)
	defer unsubscribe()

	ctx := context.Background()
	require.NoError(t, b.Post(ctx, events.QueueWarning, events.Queue{Message: "ignored"}))
	require.NoError(t, b.Post(ctx, events.ItemSent, events.Queue{Index: 0, Text: "Task A"}))
	require.NoError(t, b.Post(ctx, events.QueueCompleted, events.Queue{Length: 1}))

	first := <-sent
	assert.Equal(t, events.ItemSent, first.Type)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "Task A", first.Payload.(events.Queue).Text)
	b.Acknowledge(first)

	second := <-sent
	assert.Equal(t, events.QueueCompleted, second.Type)
	b.Acknowledge(second)

	select {
	case ev := <-sent:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestBus_PostWithoutSubscribers(t *testing.T) {
	b := newTestBus(t, 0)
	defer b.Shutdown()
	assert.NoError(t, b.Post(context.Background(), events.QueueFatal, nil))
}

func TestBus_PostHonorsCancellation(t *testing.T) {
	b := newTestBus(t, 0)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(events.QueueStarted)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Post(ctx, events.QueueStarted, "payload") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after cancellation")
	}
	select {
	case <-ch:
		t.Error("event delivered after cancellation")
	default:
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t, 1)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(events.QueueStopped)
	unsubscribe()
	require.NoError(t, b.Post(context.Background(), events.QueueStopped, nil))

	select {
	case <-ch:
		t.Error("unsubscribed channel received an event")
	default:
	}
}

func TestBus_PostAfterShutdown(t *testing.T) {
	b := newTestBus(t, 1)
	b.Shutdown()
	b.Shutdown()

	assert.Error(t, b.Post(context.Background(), events.ItemSent, nil))

	ch, _ := b.Subscribe(events.ItemSent)
	_, open := <-ch
	assert.False(t, open, "subscribing after shutdown yields a closed channel")
}

func TestBus_ShutdownUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newTestBus(t, 2)

	var consumers sync.WaitGroup
	for i := 0; i < 4; i++ {
		consumers.Add(1)
		ch, _ := b.Subscribe(events.AllTypes...)
		go func() {
			defer consumers.Done()
			for ev := range ch {
				time.Sleep(time.Millisecond)
				b.Acknowledge(ev)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var producers sync.WaitGroup
	for i := 0; i < 4; i++ {
		producers.Add(1)
		go func(id int) {
			defer producers.Done()
			for j := 0; j < 25; j++ {
				_ = b.Post(ctx, events.ItemAdvanced, fmt.Sprintf("%d-%d", id, j))
				if ctx.Err() != nil {
					return
				}
			}
		}(i)
	}

	time.Sleep(30 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		b.Shutdown()
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	producers.Wait()
	consumers.Wait()
}
