package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := New()
	_, ch1 := bus.Subscribe(4)
	_, ch2 := bus.Subscribe(4)

	bus.PublishNew(TypeTaskCreated, "task-1", "", nil)

	for i, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeTaskCreated, ev.Type, "subscriber %d", i)
			assert.Equal(t, "task-1", ev.ResourceID, "subscriber %d", i)
			assert.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event received", i)
		}
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := New()
	_, ch := bus.Subscribe(1)

	bus.PublishNew(TypeTaskCreated, "task-1", "", nil)
	bus.PublishNew(TypeTaskClaimed, "task-1", "", nil) // dropped, buffer full

	ev := <-ch
	require.Equal(t, TypeTaskCreated, ev.Type)
	select {
	case ev := <-ch:
		t.Errorf("expected no second event, got %s", ev.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New()
	id, ch := bus.Subscribe(1)
	bus.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok, "expected channel to be closed")

	// Publishing after unsubscribe must not panic.
	bus.PublishNew(TypeTaskCreated, "task-1", "", nil)
}
