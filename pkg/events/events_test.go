package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	ok := broker.Publish(&Event{
		Type:     EventWorkerStarted,
		Message:  "Worker started",
		Metadata: map[string]string{"device_id": "1"},
	})
	require.True(t, ok)

	select {
	case ev := <-sub:
		assert.Equal(t, EventWorkerStarted, ev.Type)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, "1", ev.Metadata["device_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	broker := NewBroker()

	// Not started: the queue fills and further events are dropped
	delivered := 0
	for i := 0; i < 150; i++ {
		if broker.Publish(&Event{Type: EventDeviceCreated}) {
			delivered++
		}
	}
	assert.Equal(t, 100, delivered)
	assert.Equal(t, uint64(50), broker.Dropped())

	broker.Stop()
	broker.Stop()
	assert.False(t, broker.Publish(&Event{Type: EventDeviceDeleted}))
}

func TestBroker_Unsubscribe(t *testing.T) {
	broker := NewBroker()

	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Unsubscribe(sub)
	broker.Unsubscribe(sub)
	assert.Equal(t, 0, broker.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestBroker_SubscribeTypes(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	failures := broker.SubscribeTypes(EventWorkerFailed, EventBackendUnavailable)
	all := broker.Subscribe()

	broker.Publish(&Event{Type: EventWorkerStarted})
	broker.Publish(&Event{Type: EventBackendUnavailable, Message: "containerd socket missing"})

	select {
	case ev := <-failures:
		assert.Equal(t, EventBackendUnavailable, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("filtered event not delivered")
	}

	for _, want := range []EventType{EventWorkerStarted, EventBackendUnavailable} {
		select {
		case ev := <-all:
			assert.Equal(t, want, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Empty(t, failures)
}
