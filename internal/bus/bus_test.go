package bus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func TestPublishFanOut(t *testing.T) {
	b := newTestBus()
	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(TypeRoadmapUpdate, "payload")

	for _, sub := range []*Subscription{a, c} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, TypeRoadmapUpdate, ev.Type)
			assert.Equal(t, "payload", ev.Payload)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := newTestBus()
	slow := b.Subscribe(1)
	fast := b.Subscribe(16)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(TypeClaudeOutput, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The slow subscriber was dropped: its channel is closed after the
	// buffered event drains.
	ev, ok := <-slow.C
	require.True(t, ok)
	assert.Equal(t, 0, ev.Payload)
	_, ok = <-slow.C
	assert.False(t, ok, "slow subscriber channel should be closed")

	assert.Equal(t, 1, b.SubscriberCount())
	_ = fast
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(1)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call must not panic
	b.Unsubscribe(nil)

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestCloseDropsAll(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe(1)

	b.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}
