package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/bridgekeeper/internal/dispatcher"
	"github.com/nugget/bridgekeeper/internal/events"
)

// fakeIntake satisfies intakeRunner. Each call to Run either panics (if
// calls <= panicsBefore) or blocks until ctx is cancelled.
type fakeIntake struct {
	mu           sync.Mutex
	calls        int
	panicsBefore int
	// recovered is closed the first time Run is entered past panicsBefore,
	// signaling the restart loop recovered from the earlier panics.
	recovered     chan struct{}
	recoveredOnce sync.Once
}

func (f *fakeIntake) Run(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.panicsBefore {
		panic("simulated intake crash")
	}
	if f.recovered != nil {
		f.recoveredOnce.Do(func() { close(f.recovered) })
	}
	<-ctx.Done()
	return nil
}

func (f *fakeIntake) Wait() {}

func TestRunExhaustsRestartBudgetAndCallsFatal(t *testing.T) {
	intake := &fakeIntake{panicsBefore: 10} // always panics within this test's window

	var fatalCode atomic.Int64
	fatalCh := make(chan struct{})
	var once sync.Once

	sup := New(Config{
		Intake:             intake,
		RestartMaxFailures: 2,
		RestartWindow:      time.Minute,
		RestartBaseDelay:   time.Millisecond,
		RestartMaxDelay:    5 * time.Millisecond,
		HealthPort:         0,
		Fatal: func(code int) {
			fatalCode.Store(int64(code))
			once.Do(func() { close(fatalCh) })
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-fatalCh:
	case <-time.After(5 * time.Second):
		t.Fatal("expected Fatal to be called after exhausting restart budget")
	}
	if fatalCode.Load() != 1 {
		t.Fatalf("expected fatal code 1, got %d", fatalCode.Load())
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunRecoversFromBoundedFailures(t *testing.T) {
	recovered := make(chan struct{})
	intake := &fakeIntake{panicsBefore: 1, recovered: recovered}

	sup := New(Config{
		Intake:             intake,
		RestartMaxFailures: 5,
		RestartWindow:      time.Minute,
		RestartBaseDelay:   time.Millisecond,
		RestartMaxDelay:    5 * time.Millisecond,
		HealthPort:         0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	select {
	case <-recovered:
	case <-time.After(5 * time.Second):
		t.Fatal("expected intake to recover from its single panic and keep running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestHealthEndpoints(t *testing.T) {
	d := dispatcher.New(dispatcher.Config{})
	sup := New(Config{
		Dispatcher:            d,
		QueueWarningThreshold: 10,
		HealthPort:            0,
	})
	sup.startedAt = time.Now()

	srv := httptest.NewServer(sup.buildHealthServer().Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/live")
	if err != nil {
		t.Fatalf("GET /live: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/live: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatalf("GET /ready: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/ready: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode /health: %v", err)
	}
	if h.Uptime == "" {
		t.Fatalf("expected non-empty uptime in /health response")
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics: expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusReportsRunningAndUptime(t *testing.T) {
	d := dispatcher.New(dispatcher.Config{})
	sup := New(Config{Dispatcher: d})
	sup.running = true
	sup.startedAt = time.Now().Add(-time.Minute)

	status := sup.Status()
	if !status.Running {
		t.Fatalf("expected Running true")
	}
	if status.UptimeSec < 1 {
		t.Fatalf("expected uptime >= 1s, got %d", status.UptimeSec)
	}
}

func TestShutdownPublishesStartedAndCompleteEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	intake := &fakeIntake{panicsBefore: 0}
	sup := New(Config{Intake: intake, Bus: bus, GracefulDeadline: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	var kinds []string
drain:
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		default:
			break drain
		}
	}
	foundStart, foundComplete := false, false
	for _, k := range kinds {
		if k == events.KindShutdownStarted {
			foundStart = true
		}
		if k == events.KindShutdownComplete {
			foundComplete = true
		}
	}
	if !foundStart || !foundComplete {
		t.Fatalf("expected shutdown_started and shutdown_complete events, got %v", kinds)
	}
}
