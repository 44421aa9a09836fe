// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from pipeline components (intake, dispatcher,
// ingress, response store) to subscribers (the control plane, future
// metrics collectors). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceIntake identifies events from the filesystem event watcher.
	SourceIntake = "intake"
	// SourceDispatcher identifies events from the delivery dispatcher.
	SourceDispatcher = "dispatcher"
	// SourceIngressPull identifies events from the polling response ingress.
	SourceIngressPull = "ingress_pull"
	// SourceIngressPush identifies events from the webhook response ingress.
	SourceIngressPush = "ingress_push"
	// SourceResponseStore identifies events from the response store.
	SourceResponseStore = "response_store"
	// SourceSupervisor identifies events from the process supervisor.
	SourceSupervisor = "supervisor"
)

// Kind constants describe the type of event within a source.
const (
	// KindEventAccepted signals intake accepted an artifact into the
	// dispatcher. Data: event_id, event_type, correlation_key.
	KindEventAccepted = "event_accepted"
	// KindEventQuarantined signals intake rejected a malformed artifact.
	// Data: path, reason.
	KindEventQuarantined = "event_quarantined"
	// KindEventDeferred signals intake moved an artifact back into
	// EventsDir after a dispatcher backpressure rejection, to be retried
	// after a backoff delay. Data: path, attempt, retry_in_ms.
	KindEventDeferred = "event_deferred"

	// KindDelivered signals a message was successfully sent to the chat
	// platform. Data: event_id, chat_id, message_id.
	KindDelivered = "delivered"
	// KindDeliveryAbandoned signals a delivery exhausted retries or hit a
	// permanent failure. Data: event_id, chat_id, error.
	KindDeliveryAbandoned = "delivery_abandoned"
	// KindErrorOccurred signals a transient delivery failure was recorded
	// and rescheduled. Data: event_id, attempt, error.
	KindErrorOccurred = "error_occurred"

	// KindResponseNew signals a new response was persisted by the
	// response store (first observation of a dedup key).
	// Data: response_id, event_id, chat_user_id, action_code, ingress.
	KindResponseNew = "response_new"
	// KindResponseDuplicate signals a response was observed again via a
	// second ingress path and dropped. Data: event_id, ingress.
	KindResponseDuplicate = "response_duplicate"

	// KindIntegrityFailure signals a hash/signature/chain mismatch.
	// Data: correlation_id, reason.
	KindIntegrityFailure = "integrity_failure"

	// KindBreakerOpened signals a circuit breaker tripped open.
	// Data: endpoint, failures.
	KindBreakerOpened = "breaker_opened"
	// KindBreakerClosed signals a circuit breaker recovered.
	// Data: endpoint.
	KindBreakerClosed = "breaker_closed"

	// KindShutdownStarted signals the supervisor began ordered shutdown.
	KindShutdownStarted = "shutdown_started"
	// KindShutdownComplete signals ordered shutdown finished.
	// Data: elapsed_ms.
	KindShutdownComplete = "shutdown_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
