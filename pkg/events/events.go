package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType names a device or worker lifecycle transition
type EventType string

const (
	EventDeviceCreated      EventType = "device.created"
	EventDeviceDeleted      EventType = "device.deleted"
	EventWorkerBuilding     EventType = "worker.building"
	EventWorkerStarted      EventType = "worker.started"
	EventWorkerFailed       EventType = "worker.failed"
	EventWorkerStopped      EventType = "worker.stopped"
	EventWorkerStateChanged EventType = "worker.state_changed"
	EventBackendUnavailable EventType = "backend.unavailable"
)

const (
	queueSize      = 100
	subscriberSize = 50
)

// Event is one lifecycle notification. Metadata carries device_id and
// device_name where a device is involved.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber receives events until it is unsubscribed
type Subscriber chan *Event

// Broker fans events out to subscribers. Publishing never blocks: a full
// queue or a full subscriber buffer drops the event.
type Broker struct {
	mu      sync.RWMutex
	filters map[Subscriber][]EventType // nil filter matches everything

	queue    chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
}

// NewBroker creates a broker. Call Start to begin delivery.
func NewBroker() *Broker {
	return &Broker{
		filters: make(map[Subscriber][]EventType),
		queue:   make(chan *Event, queueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the delivery loop
func (b *Broker) Start() {
	go func() {
		for {
			select {
			case ev := <-b.queue:
				b.deliver(ev)
			case <-b.stopCh:
				return
			}
		}
	}()
}

// Stop ends delivery. It is safe to call more than once.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe returns a channel receiving every event
func (b *Broker) Subscribe() Subscriber {
	return b.SubscribeTypes()
}

// SubscribeTypes returns a channel receiving only the listed event types.
// With no types it behaves like Subscribe.
func (b *Broker) SubscribeTypes(types ...EventType) Subscriber {
	sub := make(Subscriber, subscriberSize)

	b.mu.Lock()
	b.filters[sub] = slices.Clone(types)
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches and closes sub
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.filters[sub]; ok {
		delete(b.filters, sub)
		close(sub)
	}
}

// Publish stamps the event with an ID and time if missing and queues it.
// It reports false when the event was dropped.
func (b *Broker) Publish(ev *Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return false
	default:
	}

	select {
	case b.queue <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *Broker) deliver(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.filters {
		if filter != nil && !slices.Contains(filter, ev.Type) {
			continue
		}
		select {
		case sub <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of attached subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.filters)
}

// Dropped returns how many deliveries were discarded because a queue was full
func (b *Broker) Dropped() uint64 {
	return b.dropped.Load()
}
