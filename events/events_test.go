package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversAsync(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{})

	bus.SubscribeFunc(StageChanged, func(ctx context.Context, event Event) error {
		mu.Lock()
		got = append(got, event)
		mu.Unlock()
		close(done)
		return nil
	})

	err := bus.Publish(context.Background(), Event{
		Type:     StageChanged,
		RecordID: 1001,
		Data:     map[string]interface{}{"old": "negotiation", "new": "closed_won"},
	})
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
	assert.Equal(t, uint64(1001), got[0].RecordID)
	assert.Equal(t, "closed_won", got[0].Data["new"])
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: ApprovalCreated})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestPublishAfterStop(t *testing.T) {
	bus := NewBus()
	bus.SubscribeFunc(StageChanged, func(ctx context.Context, event Event) error { return nil })
	bus.Stop()

	err := bus.Publish(context.Background(), Event{Type: StageChanged})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestPublishCancelledContext(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()
	bus.SubscribeFunc(StageChanged, func(ctx context.Context, event Event) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := bus.Publish(ctx, Event{Type: StageChanged})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishChannelFull(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	defer bus.Stop()

	block := make(chan struct{})
	bus.SubscribeFunc(StageChanged, func(ctx context.Context, event Event) error {
		<-block
		return nil
	})

	// First event occupies the handler, the next fills the buffer; one more
	// overflows.
	var sawFull bool
	for i := 0; i < 10; i++ {
		if err := bus.Publish(context.Background(), Event{Type: StageChanged}); errors.Is(err, ErrChannelFull) {
			sawFull = true
			break
		}
	}
	close(block)
	assert.True(t, sawFull)
}

func TestPublishSyncCollectsHandlerErrors(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	bus.SubscribeFunc(ApprovalResolved, func(ctx context.Context, event Event) error {
		return errors.New("notifier down")
	})
	bus.SubscribeFunc(ApprovalResolved, func(ctx context.Context, event Event) error {
		return nil
	})

	errs := bus.PublishSync(context.Background(), Event{Type: ApprovalResolved, RequestID: 7})
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "notifier down")

	errs = bus.PublishSync(context.Background(), Event{Type: ApprovalAdvanced})
	assert.Equal(t, []error{ErrNoHandler}, errs)
}

func TestMultipleSubscribersAllRun(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var count int32
	for i := 0; i < 3; i++ {
		bus.SubscribeFunc(ApprovalAdvanced, func(ctx context.Context, event Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
	}
	assert.True(t, bus.HasSubscribers(ApprovalAdvanced))

	errs := bus.PublishSync(context.Background(), Event{Type: ApprovalAdvanced})
	assert.Empty(t, errs)
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestStopIsIdempotent(t *testing.T) {
	bus := NewBus()
	bus.Stop()
	bus.Stop()
}
