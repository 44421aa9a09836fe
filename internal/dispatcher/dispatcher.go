// Package dispatcher owns the bounded event queue and drives the
// format → rate-limit → retry → send chain, preserving per-correlation-key
// delivery order while running unrelated keys concurrently.
package dispatcher

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/joeycumines/go-microbatch"

	"github.com/nugget/bridgekeeper/internal/chatclient"
	"github.com/nugget/bridgekeeper/internal/eventmodel"
	"github.com/nugget/bridgekeeper/internal/events"
	"github.com/nugget/bridgekeeper/internal/format"
	"github.com/nugget/bridgekeeper/internal/ratelimit"
	"github.com/nugget/bridgekeeper/internal/resilience"
)

// State is a delivery record's position in its state machine (§3).
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
)

// Record tracks one event's delivery progress.
type Record struct {
	EventID      string    `json:"event_id"`
	MessageID    string    `json:"message_id,omitempty"`
	ChatID       string    `json:"chat_id"`
	AttemptCount int       `json:"attempt_count"`
	FirstTriedAt time.Time `json:"first_tried_at"`
	LastTriedAt  time.Time `json:"last_tried_at"`
	State        State     `json:"state"`
}

// ChatResolver maps an event to the chat it should be delivered to. The
// bridge targets a single configured chat in the common case, but tests
// and multi-chat deployments may want to vary this per event.
type ChatResolver func(e eventmodel.Event) string

// Config configures a Dispatcher.
type Config struct {
	Capacity          int
	WorkerParallelism int
	MessageStyle      eventmodel.Style
	Timezone          *time.Location

	RateLimiter *ratelimit.Limiter
	Breakers    *resilience.BreakerRegistry
	Retry       resilience.RetryConfig
	Chat        *chatclient.Client
	ResolveChat ChatResolver

	SnapshotPath string
	Bus          *events.Bus
	Logger       *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.WorkerParallelism <= 0 {
		c.WorkerParallelism = 8
	}
	if c.Timezone == nil {
		c.Timezone = time.UTC
	}
	if c.ResolveChat == nil {
		c.ResolveChat = func(e eventmodel.Event) string { return "" }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// pendingItem is one queued event awaiting delivery.
type pendingItem struct {
	event eventmodel.Event
	seq   int64
}

// keyQueue is the FIFO of pending items for one correlation key, plus
// its position in the ready-heap.
type keyQueue struct {
	key     string
	items   []pendingItem
	heapIdx int
}

// readyHeap orders correlation keys by the priority of their head event,
// then by the head event's submission sequence — so within a priority
// band, first-enqueued wins, and keys are never reordered relative to
// their own queued events.
type readyHeap []*keyQueue

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].items[0], h[j].items[0]
	if a.event.Priority != b.event.Priority {
		return a.event.Priority < b.event.Priority
	}
	return a.seq < b.seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *readyHeap) Push(x any) {
	kq := x.(*keyQueue)
	kq.heapIdx = len(*h)
	*h = append(*h, kq)
}
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	kq := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return kq
}

// Dispatcher is the bounded multi-producer/single-logical-consumer queue
// described in §4.6.
type Dispatcher struct {
	cfg Config

	mu         sync.Mutex
	cond       *sync.Cond
	queues     map[string]*keyQueue // correlation_key -> queue
	ready      readyHeap            // keys with a head event and no in-flight delivery
	inFlight   map[string]bool      // correlation_key -> delivery in progress
	size       int                  // total queued items, for capacity enforcement
	nextSeq    int64
	records    map[string]*Record // event_id -> delivery record
	closed     bool

	snapshotter *microbatch.Batcher[snapshotJob]

	wg sync.WaitGroup
}

type snapshotJob struct{}

// New constructs a Dispatcher. Call Run to start its worker pool, and
// Submit to enqueue events.
func New(cfg Config) *Dispatcher {
	cfg.setDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		queues:   make(map[string]*keyQueue),
		inFlight: make(map[string]bool),
		records:  make(map[string]*Record),
	}
	d.cond = sync.NewCond(&d.mu)

	if cfg.SnapshotPath != "" {
		d.snapshotter = microbatch.NewBatcher[snapshotJob](
			&microbatch.BatcherConfig{MaxSize: 32, FlushInterval: 200 * time.Millisecond},
			func(ctx context.Context, jobs []snapshotJob) error {
				return d.writeSnapshot()
			},
		)
	}

	return d
}

// SubmitResult matches intake's expectations: accepted or rejected with a
// reason (§4.1/§4.6's "backpressure" rejection).
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// Submit enqueues e, respecting the bounded-queue backpressure contract:
// when full, it rejects rather than blocking, so intake can defer.
func (d *Dispatcher) Submit(ctx context.Context, e eventmodel.Event) SubmitResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return SubmitResult{Accepted: false, Reason: "shutting_down"}
	}
	if d.size >= d.cfg.Capacity {
		return SubmitResult{Accepted: false, Reason: "backpressure"}
	}

	d.nextSeq++
	item := pendingItem{event: e, seq: d.nextSeq}

	kq, ok := d.queues[e.CorrelationKey]
	if !ok {
		kq = &keyQueue{key: e.CorrelationKey, heapIdx: -1}
		d.queues[e.CorrelationKey] = kq
	}
	kq.items = append(kq.items, item)
	d.size++

	d.records[e.EventID] = &Record{
		EventID:      e.EventID,
		ChatID:       d.cfg.ResolveChat(e),
		FirstTriedAt: e.Timestamp,
		State:        StatePending,
	}

	if !d.inFlight[e.CorrelationKey] && kq.heapIdx < 0 {
		heap.Push(&d.ready, kq)
	}

	d.cond.Signal()
	d.scheduleSnapshot()

	return SubmitResult{Accepted: true}
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// waits for in-flight workers to notice and exit.
func (d *Dispatcher) Run(ctx context.Context) {
	for i := 0; i < d.cfg.WorkerParallelism; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}

	<-ctx.Done()

	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
}

// Drain waits for the queue to empty or the deadline to pass, as the
// supervisor's graceful-shutdown step requires. Items still pending at
// the deadline keep their State unchanged (pending/in_flight), per §4.11.
func (d *Dispatcher) Drain(deadline time.Duration) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		d.mu.Lock()
		for d.size > 0 {
			d.cond.Wait()
		}
		d.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-timer.C:
	}
}

// QueueDepth reports the number of queued (not yet delivered/abandoned)
// items, for the supervisor's readiness check.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Record returns a snapshot of the delivery record for eventID, if any.
func (d *Dispatcher) Record(eventID string) (Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.records[eventID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		kq, item, ok := d.dequeue(ctx)
		if !ok {
			return
		}
		d.deliver(ctx, kq, item)
	}
}

// dequeue blocks until a ready key is available, the dispatcher is
// closed, or ctx is cancelled. It claims the key's head item and marks
// the key in-flight so no other worker picks up the same correlation
// key concurrently.
func (d *Dispatcher) dequeue(ctx context.Context) (*keyQueue, pendingItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, pendingItem{}, false
		}
		if len(d.ready) > 0 {
			kq := heap.Pop(&d.ready).(*keyQueue)
			kq.heapIdx = -1
			item := kq.items[0]
			d.inFlight[kq.key] = true
			return kq, item, true
		}
		if d.closed {
			return nil, pendingItem{}, false
		}
		d.cond.Wait()
	}
}

// requeueHead re-admits the key's head item for another attempt after a
// rate-limit defer, without advancing attempt count.
func (d *Dispatcher) requeueHead(kq *keyQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, kq.key)
	if len(kq.items) > 0 && kq.heapIdx < 0 {
		heap.Push(&d.ready, kq)
	}
	d.cond.Broadcast()
}

// completeHead removes the delivered/abandoned item from its key's
// queue, then re-admits the key if more items remain.
func (d *Dispatcher) completeHead(kq *keyQueue) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(kq.items) > 0 {
		kq.items = kq.items[1:]
		d.size--
	}
	delete(d.inFlight, kq.key)

	if len(kq.items) == 0 {
		delete(d.queues, kq.key)
	} else if kq.heapIdx < 0 {
		heap.Push(&d.ready, kq)
	}

	d.cond.Broadcast()
	d.scheduleSnapshot()
}

// scheduleSnapshot must be called with d.mu held. It's cheap (a
// non-blocking microbatch submit would need its own goroutine to avoid
// deadlocking on d.mu, so this just fires a detached submit).
func (d *Dispatcher) scheduleSnapshot() {
	if d.snapshotter == nil {
		return
	}
	go func() {
		_, _ = d.snapshotter.Submit(context.Background(), snapshotJob{})
	}()
}

func (d *Dispatcher) setRecordState(eventID string, mutate func(*Record)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.records[eventID]; ok {
		mutate(r)
	}
}

// deliver runs the format → admit → send chain for one event, then
// updates its delivery record and advances or requeues the owning key.
func (d *Dispatcher) deliver(ctx context.Context, kq *keyQueue, item pendingItem) {
	e := item.event
	chatID := d.cfg.ResolveChat(e)

	d.setRecordState(e.EventID, func(r *Record) {
		r.State = StateInFlight
		r.LastTriedAt = time.Now()
	})

	if d.cfg.RateLimiter != nil {
		decision := d.cfg.RateLimiter.Acquire(chatID, e.Source)
		if !decision.Admit {
			d.setRecordState(e.EventID, func(r *Record) { r.State = StatePending })
			time.AfterFunc(decision.Defer, func() { d.requeueHead(kq) })
			return
		}
	}

	msg := format.Format(e, d.cfg.MessageStyle, d.cfg.Timezone)

	breaker := d.cfg.Breakers.For("chat_api")
	var outcome chatclient.Outcome
	err := resilience.Do(ctx, d.cfg.Retry, breaker, func(ctx context.Context, attempt int) error {
		out, sendErr := d.cfg.Chat.Send(ctx, chatID, msg)
		if sendErr == nil || ctx.Err() == nil {
			d.setRecordState(e.EventID, func(r *Record) { r.AttemptCount++ })
		}
		if sendErr != nil {
			return sendErr
		}
		outcome = out
		return nil
	})

	if err == nil {
		d.setRecordState(e.EventID, func(r *Record) {
			r.State = StateDelivered
			r.MessageID = outcome.MessageID
		})
		d.cfg.Bus.Publish(events.Event{
			Source: events.SourceDispatcher,
			Kind:   events.KindDelivered,
			Data:   map[string]any{"event_id": e.EventID, "chat_id": chatID, "message_id": outcome.MessageID},
		})
		d.completeHead(kq)
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Cancellation, not failure: leave pending, don't count an attempt.
		d.setRecordState(e.EventID, func(r *Record) { r.State = StatePending })
		d.requeueHead(kq)
		return
	}

	d.setRecordState(e.EventID, func(r *Record) {
		r.State = StateAbandoned
	})
	d.cfg.Bus.Publish(events.Event{
		Source: events.SourceDispatcher,
		Kind:   events.KindDeliveryAbandoned,
		Data:   map[string]any{"event_id": e.EventID, "chat_id": chatID, "error": err.Error()},
	})
	if e.EventType.Actionable() {
		d.notifyDeliveryFailed(ctx, e, chatID, err)
	}
	d.completeHead(kq)
}

// deliveryFailedSource is the producer name used to rate-limit
// best-effort failure notifications, keeping them in their own bucket
// so a flood of abandoned actionable events can't crowd out normal
// traffic in the shared per-producer lane (§4.6).
const deliveryFailedSource = "system-delivery-failed"

// notifyDeliveryFailed makes one best-effort attempt to tell the chat
// of an abandoned actionable event (one that originally requested
// approve/deny/ack buttons). Failures here are swallowed: the event is
// already abandoned, and this is a courtesy notice, not a delivery
// that itself needs retrying.
func (d *Dispatcher) notifyDeliveryFailed(ctx context.Context, e eventmodel.Event, chatID string, cause error) {
	if d.cfg.RateLimiter != nil {
		if decision := d.cfg.RateLimiter.Acquire(chatID, deliveryFailedSource); !decision.Admit {
			return
		}
	}

	msg := format.RenderedMessage{
		Header: fmt.Sprintf("⚠️ Delivery failed: %s", format.Escape(e.Title)),
		Body:   fmt.Sprintf("event_id=%s reason=%s", e.EventID, format.Escape(cause.Error())),
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, sendErr := d.cfg.Chat.Send(sendCtx, chatID, msg); sendErr != nil {
		d.cfg.Logger.Warn("best-effort delivery-failed notice did not send",
			"event_id", e.EventID, "error", sendErr)
	}
}

// writeSnapshot persists the pending-queue contents atomically, so a
// restart can rebuild in-memory state. Delivered/abandoned items are
// never snapshotted — only what's still pending.
func (d *Dispatcher) writeSnapshot() error {
	d.mu.Lock()
	pending := make([]eventmodel.Event, 0, d.size)
	for _, kq := range d.queues {
		for _, item := range kq.items {
			pending = append(pending, item.event)
		}
	}
	d.mu.Unlock()

	raw, err := marshalSnapshot(pending)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal snapshot: %w", err)
	}
	return renameio.WriteFile(d.cfg.SnapshotPath, raw, 0o644)
}

func marshalSnapshot(pending []eventmodel.Event) ([]byte, error) {
	return json.Marshal(pending)
}

func readFileIfExists(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

// LoadSnapshot reads a previously persisted pending-queue snapshot and
// returns its events for the caller to re-submit, used on startup to
// recover state left behind by a graceful shutdown.
func LoadSnapshot(path string) ([]eventmodel.Event, error) {
	raw, err := readFileIfExists(path)
	if err != nil || raw == nil {
		return nil, err
	}
	var events []eventmodel.Event
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("dispatcher: unmarshal snapshot: %w", err)
	}
	return events, nil
}
