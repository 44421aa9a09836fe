// Package intake watches a directory for event artifacts dropped by
// producers, claims each one exactly once, and hands validated events to
// the dispatcher. It never interprets event semantics beyond what's
// needed to parse, bound, and route them — that's eventmodel's job.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"

	"github.com/nugget/bridgekeeper/internal/eventmodel"
	"github.com/nugget/bridgekeeper/internal/events"
)

// SubmitResult is the dispatcher's verdict on a normalized, validated
// event.
type SubmitResult struct {
	Accepted bool
	Reason   string
}

// SubmitFunc hands a validated event to the dispatcher. Implementations
// must not block indefinitely; ctx is cancelled on shutdown.
type SubmitFunc func(ctx context.Context, e eventmodel.Event) SubmitResult

// Config configures a Watcher.
type Config struct {
	// EventsDir is watched for new artifacts.
	EventsDir string
	// InflightDir is where a claimed artifact is moved before processing,
	// so a crash mid-process leaves evidence rather than silent loss.
	InflightDir string
	// QuarantineDir receives artifacts that fail parsing, validation, or
	// dispatch, each with a sibling .error file describing why.
	QuarantineDir string

	// DebounceWindow is how long a path must be stable (no further
	// write events observed) before intake reads it. Guards against
	// reading a file mid-write. Default 250ms.
	DebounceWindow time.Duration

	// MaxArtifactBytes bounds how much of a file intake will read.
	// Default eventmodel.MaxArtifactBytes.
	MaxArtifactBytes int64

	Submit SubmitFunc
	Bus    *events.Bus
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 250 * time.Millisecond
	}
	if c.MaxArtifactBytes <= 0 {
		c.MaxArtifactBytes = eventmodel.MaxArtifactBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Watcher watches Config.EventsDir and drives artifacts through the
// claim → parse → validate → submit pipeline.
type Watcher struct {
	cfg Config
	fsw *fsnotify.Watcher

	mu           sync.Mutex
	timers       map[string]*time.Timer
	backpressure map[string]int // base filename -> consecutive backpressure retries
	ioFails      atomic.Int64

	done chan struct{}
}

// New creates a Watcher. It does not start watching until Run is called.
func New(cfg Config) (*Watcher, error) {
	cfg.setDefaults()
	if cfg.EventsDir == "" || cfg.InflightDir == "" || cfg.QuarantineDir == "" {
		return nil, errors.New("intake: EventsDir, InflightDir, and QuarantineDir are required")
	}
	if cfg.Submit == nil {
		return nil, errors.New("intake: Submit is required")
	}
	for _, dir := range []string{cfg.EventsDir, cfg.InflightDir, cfg.QuarantineDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("intake: create %s: %w", dir, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("intake: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(cfg.EventsDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("intake: watch %s: %w", cfg.EventsDir, err)
	}

	return &Watcher{
		cfg:          cfg,
		fsw:          fsw,
		timers:       make(map[string]*time.Timer),
		backpressure: make(map[string]int),
		done:         make(chan struct{}),
	}, nil
}

// backpressureBaseDelay and backpressureMaxDelay bound the exponential
// backoff applied when the dispatcher's queue is full (§4.1, §5's
// backpressure contract: intake defers and retries rather than dropping).
const (
	backpressureBaseDelay = 500 * time.Millisecond
	backpressureMaxDelay  = 30 * time.Second
)

// backoffDelay returns the retry delay for the nth consecutive
// backpressure rejection of the same artifact, doubling each attempt up
// to backpressureMaxDelay.
func backoffDelay(attempt int) time.Duration {
	d := backpressureBaseDelay
	for i := 1; i < attempt && d < backpressureMaxDelay; i++ {
		d *= 2
	}
	if d > backpressureMaxDelay {
		d = backpressureMaxDelay
	}
	return d
}

// Degraded reports whether intake has seen repeated filesystem I/O
// failures recently (§4.1's "IO-failure backoff -> degraded" state).
func (w *Watcher) Degraded() bool {
	return w.ioFails.Load() >= 3
}

// Run processes filesystem events until ctx is cancelled. It also sweeps
// EventsDir once at startup, since files may have arrived before the
// watcher was established.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.fsw.Close()

	w.sweepExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.cancelAllTimers()
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.scheduleClaim(ctx, ev.Name)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.ioFails.Add(1)
			w.cfg.Logger.Error("intake watcher error", "error", err)
		}
	}
}

// Wait blocks until Run has returned.
func (w *Watcher) Wait() {
	<-w.done
}

func (w *Watcher) sweepExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.EventsDir)
	if err != nil {
		w.ioFails.Add(1)
		w.cfg.Logger.Error("intake: failed initial directory sweep", "dir", w.cfg.EventsDir, "error", err)
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		w.scheduleClaim(ctx, filepath.Join(w.cfg.EventsDir, ent.Name()))
	}
}

// scheduleClaim debounces per-path: each new event for the same path
// resets its timer, so a burst of writes to one file only triggers one
// claim attempt after it's gone quiet.
func (w *Watcher) scheduleClaim(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, exists := w.timers[path]; exists {
		if w.backpressure[filepath.Base(path)] > 0 {
			// Keep the pending backoff retry; the requeue's own write must not shorten it.
			return
		}
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.cfg.DebounceWindow, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.claim(ctx, path)
	})
}

func (w *Watcher) cancelAllTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// claim moves path into InflightDir, establishing single ownership, then
// runs it through parse/validate/submit. A rename failure (e.g. the file
// vanished between the fsnotify event and this call) is not an error —
// it just means nothing to do.
func (w *Watcher) claim(ctx context.Context, path string) {
	base := filepath.Base(path)
	inflightPath := filepath.Join(w.cfg.InflightDir, base)

	if err := os.Rename(path, inflightPath); err != nil {
		if !os.IsNotExist(err) {
			w.ioFails.Add(1)
			w.cfg.Logger.Error("intake: failed to claim artifact", "path", path, "error", err)
		}
		return
	}
	w.ioFails.Store(0)

	raw, err := readBounded(inflightPath, w.cfg.MaxArtifactBytes)
	if err != nil {
		w.quarantine(inflightPath, raw, eventmodel.ReasonOversizedPayload, err.Error())
		return
	}

	e, err := eventmodel.Parse(raw)
	if err != nil {
		w.quarantine(inflightPath, raw, reasonOf(err), err.Error())
		return
	}

	e = e.Sanitized().Normalize(time.Now())
	if err := e.Validate(); err != nil {
		w.quarantine(inflightPath, raw, reasonOf(err), err.Error())
		return
	}

	result := w.cfg.Submit(ctx, e)
	if !result.Accepted {
		if result.Reason == "backpressure" {
			w.requeueBackpressure(ctx, inflightPath, raw, base)
			return
		}
		w.quarantine(inflightPath, raw, "dispatcher_rejected", result.Reason)
		return
	}

	w.clearBackpressure(base)

	w.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceIntake,
		Kind:      events.KindEventAccepted,
		Data: map[string]any{
			"event_id":        e.EventID,
			"event_type":      string(e.EventType),
			"correlation_key": e.CorrelationKey,
		},
	})

	if err := os.Remove(inflightPath); err != nil && !os.IsNotExist(err) {
		w.cfg.Logger.Warn("intake: failed to remove processed artifact", "path", inflightPath, "error", err)
	}
}

// requeueBackpressure implements §4.1's backpressure contract: on a
// dispatcher queue-full rejection, the artifact is moved back to
// EventsDir (not quarantined — it is well-formed, just untimely) with an
// incremented backoff hint, and the watcher schedules its own retry after
// an exponentially growing delay instead of hammering the dispatcher.
func (w *Watcher) requeueBackpressure(ctx context.Context, inflightPath string, raw []byte, base string) {
	w.mu.Lock()
	w.backpressure[base]++
	attempt := w.backpressure[base]
	w.mu.Unlock()

	dest := filepath.Join(w.cfg.EventsDir, base)
	if err := renameio.WriteFile(dest, raw, 0o644); err != nil {
		w.cfg.Logger.Error("intake: failed to requeue backpressured artifact", "path", dest, "error", err)
		w.quarantine(inflightPath, raw, "dispatcher_rejected", "backpressure (requeue failed)")
		return
	}
	if err := os.Remove(inflightPath); err != nil && !os.IsNotExist(err) {
		w.cfg.Logger.Warn("intake: failed to remove inflight copy after requeue", "path", inflightPath, "error", err)
	}

	delay := backoffDelay(attempt)
	w.cfg.Logger.Debug("intake: deferring backpressured event", "path", dest, "attempt", attempt, "retry_in", delay)

	w.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceIntake,
		Kind:      events.KindEventDeferred,
		Data: map[string]any{
			"path":        base,
			"attempt":     attempt,
			"retry_in_ms": delay.Milliseconds(),
		},
	})

	w.mu.Lock()
	if t, exists := w.timers[dest]; exists {
		t.Stop()
	}
	w.timers[dest] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.timers, dest)
		w.mu.Unlock()
		w.claim(ctx, dest)
	})
	w.mu.Unlock()
}

// clearBackpressure drops the retry counter for base once its artifact
// reaches a terminal outcome (accepted or quarantined), so a filename
// reused later by a different producer starts its own backoff from zero.
func (w *Watcher) clearBackpressure(base string) {
	w.mu.Lock()
	delete(w.backpressure, base)
	w.mu.Unlock()
}

// quarantine moves a rejected artifact's content into QuarantineDir and
// writes a sibling .error file describing why. The inflight copy is
// always removed, even when the quarantine write itself fails, so a
// persistently broken quarantine disk doesn't wedge the claim loop.
func (w *Watcher) quarantine(inflightPath string, raw []byte, reason, message string) {
	base := filepath.Base(inflightPath)
	dst := filepath.Join(w.cfg.QuarantineDir, base)
	errPath := dst + ".error"

	if len(raw) > 0 {
		if err := renameio.WriteFile(dst, raw, 0o644); err != nil {
			w.cfg.Logger.Error("intake: failed to write quarantine artifact", "path", dst, "error", err)
		}
	}
	errBody := fmt.Sprintf("reason: %s\nmessage: %s\nquarantined_at: %s\n", reason, message, time.Now().UTC().Format(time.RFC3339))
	if err := renameio.WriteFile(errPath, []byte(errBody), 0o644); err != nil {
		w.cfg.Logger.Error("intake: failed to write quarantine error file", "path", errPath, "error", err)
	}

	w.clearBackpressure(base)
	w.cfg.Logger.Warn("intake: quarantined artifact", "path", base, "reason", reason)

	w.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceIntake,
		Kind:      events.KindEventQuarantined,
		Data:      map[string]any{"path": base, "reason": reason},
	})

	if err := os.Remove(inflightPath); err != nil && !os.IsNotExist(err) {
		w.cfg.Logger.Warn("intake: failed to remove inflight artifact after quarantine", "path", inflightPath, "error", err)
	}
}

func reasonOf(err error) string {
	var rej *eventmodel.Rejection
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return eventmodel.ReasonSchemaViolation
}

// readBounded reads at most limit+1 bytes, returning an error if the
// file exceeds limit so callers can distinguish "oversized" from "read
// failure" without a second stat call racing the filesystem.
func readBounded(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return buf[:limit], fmt.Errorf("artifact exceeds %d byte limit", limit)
	}
	return buf, nil
}
