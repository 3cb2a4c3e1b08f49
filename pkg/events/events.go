package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roostlabs/roost/pkg/metrics"
)

// EventType represents the type of event
type EventType string

const (
	EventDeviceEnrolled   EventType = "device.enrolled"
	EventDeviceOnline     EventType = "device.online"
	EventDeviceOffline    EventType = "device.offline"
	EventBatteryLow       EventType = "battery.low"
	EventBatteryCritical  EventType = "battery.critical"
	EventNetworkChanged   EventType = "network.changed"
	EventAlertRaised      EventType = "alert.raised"
	EventAlertRecovered   EventType = "alert.recovered"
	EventDispatchSent     EventType = "dispatch.sent"
	EventDispatchFailed   EventType = "dispatch.failed"
	EventNightlySkipped   EventType = "nightly.skipped"
	EventNightlyFailed    EventType = "nightly.failed"
	EventReconcileSkipped EventType = "reconcile.skipped"
	EventReconcileRepair  EventType = "reconcile.repaired"
)

// Event represents a fleet event
type Event struct {
	ID        string
	Type      EventType
	DeviceID  string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Queue is a bounded MPSC event queue drained by a single background
// worker. Enqueue never blocks: when the queue is full the event is shed
// and counted. Subscribers receive a best-effort fan-out of drained events;
// every drained event is also appended to the journal when one is attached.
type Queue struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	doneCh      chan struct{}
	journal     *Journal
}

// NewQueue creates a bounded event queue
func NewQueue(size int, journal *Journal) *Queue {
	if size <= 0 {
		size = 1024
	}
	return &Queue{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, size),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		journal:     journal,
	}
}

// Start begins the drain loop
func (q *Queue) Start() {
	go q.run()
}

// Stop stops the queue and waits for the drainer to exit
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}

// Subscribe creates a new subscription and returns a channel
func (q *Queue) Subscribe() Subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	q.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (q *Queue) Unsubscribe(sub Subscriber) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.subscribers, sub)
	close(sub)
}

// Publish enqueues an event without blocking. Overflow is shed with a
// metric; ingest latency is never tied to event consumers.
func (q *Queue) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case q.eventCh <- event:
		metrics.EventQueueDepth.Set(float64(len(q.eventCh)))
	default:
		metrics.EventsDroppedTotal.Inc()
	}
}

func (q *Queue) run() {
	defer close(q.doneCh)
	for {
		select {
		case event := <-q.eventCh:
			metrics.EventQueueDepth.Set(float64(len(q.eventCh)))
			q.deliver(event)
		case <-q.stopCh:
			// Drain what is already queued before exiting
			for {
				select {
				case event := <-q.eventCh:
					q.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) deliver(event *Event) {
	if q.journal != nil {
		_ = q.journal.Append(event)
	}
	q.broadcast(event)
}

func (q *Queue) broadcast(event *Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for sub := range q.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (q *Queue) SubscriberCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.subscribers)
}
