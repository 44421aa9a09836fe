package intake

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/bridgekeeper/internal/eventmodel"
)

func newTestWatcher(t *testing.T, submit SubmitFunc) (*Watcher, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		EventsDir:      filepath.Join(root, "events"),
		InflightDir:    filepath.Join(root, "inflight"),
		QuarantineDir:  filepath.Join(root, "quarantine"),
		DebounceWindow: 20 * time.Millisecond,
		Submit:         submit,
	}
	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, cfg
}

func writeArtifact(t *testing.T, dir, name string, e eventmodel.Event) {
	t.Helper()
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAcceptedEventIsRemovedFromQueues(t *testing.T) {
	accepted := make(chan eventmodel.Event, 1)
	w, cfg := newTestWatcher(t, func(_ context.Context, e eventmodel.Event) SubmitResult {
		accepted <- e
		return SubmitResult{Accepted: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeArtifact(t, cfg.EventsDir, "evt1.json", eventmodel.Event{
		EventType: eventmodel.TaskCompleted,
		Source:    "agent.worker",
		Title:     "done",
	})

	select {
	case e := <-accepted:
		if e.EventType != eventmodel.TaskCompleted {
			t.Fatalf("unexpected event type %q", e.EventType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submit")
	}

	waitFor(t, time.Second, func() bool {
		_, err := os.Stat(filepath.Join(cfg.InflightDir, "evt1.json"))
		return os.IsNotExist(err)
	})
}

func TestRejectedEventIsQuarantinedWithErrorSibling(t *testing.T) {
	w, cfg := newTestWatcher(t, func(_ context.Context, e eventmodel.Event) SubmitResult {
		return SubmitResult{Accepted: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// source contains a disallowed character ('/'), so validation rejects it.
	writeArtifact(t, cfg.EventsDir, "bad.json", eventmodel.Event{
		EventType: eventmodel.TaskCompleted,
		Source:    "bad/source",
	})

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(cfg.QuarantineDir, "bad.json.error"))
		return err == nil
	})

	_, err := os.Stat(filepath.Join(cfg.QuarantineDir, "bad.json"))
	if err != nil {
		t.Fatalf("expected quarantined artifact copy, stat error: %v", err)
	}
}

func TestUnknownEventTypeIsQuarantined(t *testing.T) {
	w, cfg := newTestWatcher(t, func(_ context.Context, e eventmodel.Event) SubmitResult {
		return SubmitResult{Accepted: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(cfg.EventsDir, "weird.json"), []byte(`{"event_type":"not_real","source":"agent"}`), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(cfg.QuarantineDir, "weird.json.error"))
		return err == nil
	})
}

func TestDispatcherRejectionQuarantines(t *testing.T) {
	w, cfg := newTestWatcher(t, func(_ context.Context, e eventmodel.Event) SubmitResult {
		return SubmitResult{Accepted: false, Reason: "queue_full"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeArtifact(t, cfg.EventsDir, "full.json", eventmodel.Event{
		EventType: eventmodel.TaskCompleted,
		Source:    "agent",
	})

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(cfg.QuarantineDir, "full.json.error"))
		return err == nil
	})
}

func TestBackpressureRejectionIsRequeuedAndRetried(t *testing.T) {
	var attempts atomic.Int32
	accepted := make(chan eventmodel.Event, 1)
	w, cfg := newTestWatcher(t, func(_ context.Context, e eventmodel.Event) SubmitResult {
		if attempts.Add(1) <= 2 {
			return SubmitResult{Accepted: false, Reason: "backpressure"}
		}
		accepted <- e
		return SubmitResult{Accepted: true}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeArtifact(t, cfg.EventsDir, "busy.json", eventmodel.Event{
		EventType: eventmodel.TaskCompleted,
		Source:    "agent",
	})

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for eventual acceptance, submit called %d times", attempts.Load())
	}

	if n := attempts.Load(); n < 3 {
		t.Fatalf("expected at least 3 submit attempts, got %d", n)
	}

	// A backpressure rejection defers to EventsDir rather than quarantining
	// a well-formed artifact, per §4.1's flow-control contract.
	if _, err := os.Stat(filepath.Join(cfg.QuarantineDir, "busy.json.error")); !os.IsNotExist(err) {
		t.Fatalf("expected no quarantine error file for a backpressure rejection, stat error: %v", err)
	}
}

func TestSweepExistingProcessesFilesPresentBeforeRun(t *testing.T) {
	accepted := make(chan eventmodel.Event, 1)
	w, cfg := newTestWatcher(t, func(_ context.Context, e eventmodel.Event) SubmitResult {
		accepted <- e
		return SubmitResult{Accepted: true}
	})

	writeArtifact(t, cfg.EventsDir, "preexisting.json", eventmodel.Event{
		EventType: eventmodel.TaskCompleted,
		Source:    "agent",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pre-existing artifact to be processed")
	}
}

func TestOversizedArtifactIsQuarantined(t *testing.T) {
	w, cfg := newTestWatcher(t, func(_ context.Context, e eventmodel.Event) SubmitResult {
		return SubmitResult{Accepted: true}
	})
	w.cfg.MaxArtifactBytes = 16

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(cfg.EventsDir, "huge.json"), []byte(`{"event_type":"task_completed","source":"agent_with_a_long_name"}`), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(cfg.QuarantineDir, "huge.json.error"))
		return err == nil
	})
}
