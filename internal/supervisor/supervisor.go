// Package supervisor owns the bridge's process lifetime: it starts every
// internal task (intake, dispatcher, the two response ingresses, the
// response-store janitor), serves the health/webhook/control-plane HTTP
// surfaces, restarts a crashed task with bounded backoff, and drives the
// ordered shutdown sequence on cancellation. It's the teacher's
// api.Server lifecycle (Start/Shutdown/withLogging) generalized to own
// more than one HTTP surface and a set of background loops.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/bridgekeeper/internal/buildinfo"
	"github.com/nugget/bridgekeeper/internal/connwatch"
	"github.com/nugget/bridgekeeper/internal/controlplane"
	"github.com/nugget/bridgekeeper/internal/dispatcher"
	"github.com/nugget/bridgekeeper/internal/eventmodel"
	"github.com/nugget/bridgekeeper/internal/events"
	"github.com/nugget/bridgekeeper/internal/ingress/pull"
	"github.com/nugget/bridgekeeper/internal/resilience"
	"github.com/nugget/bridgekeeper/internal/responsestore"
)

// Config wires every collaborator the supervisor drives.
type Config struct {
	Intake     intakeRunner
	Dispatcher *dispatcher.Dispatcher
	Pull       *pull.Poller
	Store      *responsestore.Store
	Breakers   *resilience.BreakerRegistry

	PushHandler    http.Handler
	ControlHandler http.Handler

	// ChatProbe, when set, is wired into a connwatch.Watcher so /health
	// reports chat-platform reachability. Optional.
	ChatProbe func(ctx context.Context) error

	Bus *events.Bus

	GracefulDeadline time.Duration

	HealthAddr  string
	HealthPort  int
	WebhookAddr string
	WebhookPort int
	ControlAddr string
	ControlPort int

	QueueWarningThreshold int

	RestartWindow      time.Duration
	RestartMaxFailures int
	RestartBaseDelay   time.Duration
	RestartMaxDelay    time.Duration

	Logger *slog.Logger

	// Fatal is called when a task exceeds its restart budget. Defaults
	// to os.Exit(code); overridable so tests don't kill the process.
	Fatal func(code int)
}

// intakeRunner is the subset of intake.Watcher the supervisor drives,
// kept as an interface so tests can substitute a fake task.
type intakeRunner interface {
	Run(ctx context.Context) error
	Wait()
}

func (c *Config) setDefaults() {
	if c.GracefulDeadline <= 0 {
		c.GracefulDeadline = 30 * time.Second
	}
	if c.HealthPort <= 0 {
		c.HealthPort = 8080
	}
	if c.QueueWarningThreshold <= 0 {
		c.QueueWarningThreshold = 500
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.RestartMaxFailures <= 0 {
		c.RestartMaxFailures = 5
	}
	if c.RestartBaseDelay <= 0 {
		c.RestartBaseDelay = time.Second
	}
	if c.RestartMaxDelay <= 0 {
		c.RestartMaxDelay = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Fatal == nil {
		c.Fatal = osExit
	}
}

// Supervisor drives the bridge's process lifetime. It implements
// controlplane.Lifecycle so the control plane can query and steer it.
type Supervisor struct {
	cfg Config

	mu         sync.Mutex
	running    bool
	runCancel  context.CancelFunc
	doneCh     chan struct{}
	startedAt  time.Time
	lastErr    string
	taskFails  map[string][]time.Time
	chatWatch  *connwatch.Watcher
	connMgr    *connwatch.Manager
	metrics    *metricsCollector
	healthSrv  *http.Server
	webhookSrv *http.Server
	controlSrv *http.Server
}

// New constructs a Supervisor. It does not start anything until Run is
// called.
func New(cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		cfg:       cfg,
		taskFails: make(map[string][]time.Time),
		metrics:   newMetricsCollector(),
	}
}

// SetControlHandler wires the control-plane HTTP handler after
// construction, for callers whose handler needs the Supervisor itself
// as its Lifecycle (a construction-order cycle New's Config can't
// express directly). Must be called before Run.
func (s *Supervisor) SetControlHandler(h http.Handler) {
	s.mu.Lock()
	s.cfg.ControlHandler = h
	s.mu.Unlock()
}

// DispatcherAdapter satisfies controlplane.Dispatcher by converting
// dispatcher.SubmitResult to controlplane.SubmitResult, the two packages'
// otherwise-identical but distinct local types.
type DispatcherAdapter struct {
	D *dispatcher.Dispatcher
}

func (a DispatcherAdapter) Submit(ctx context.Context, e eventmodel.Event) controlplane.SubmitResult {
	r := a.D.Submit(ctx, e)
	return controlplane.SubmitResult{Accepted: r.Accepted, Reason: r.Reason}
}

// Run starts every configured task and HTTP surface, and blocks until ctx
// is cancelled, at which point it drives the ordered shutdown sequence
// and returns.
func (s *Supervisor) Run(parent context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.doneCh = make(chan struct{})
	ctx, cancel := context.WithCancel(parent)
	s.runCancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.doneCh)
		s.mu.Unlock()
	}()

	metricsDone := make(chan struct{})
	if s.cfg.Bus != nil {
		go func() {
			s.metrics.run(s.cfg.Bus, metricsDone)
		}()
		defer close(metricsDone)
	}

	if s.cfg.ChatProbe != nil {
		s.connMgr = connwatch.NewManager(s.cfg.Logger)
		watchCfg := connwatch.WatcherConfig{
			Name:    "chat_api",
			Probe:   s.cfg.ChatProbe,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  s.cfg.Logger,
		}
		if s.cfg.Breakers != nil {
			// Keep the chat_api breaker in lockstep with connwatch's
			// independent probe, so an outage trips it immediately
			// instead of waiting on resilience's failure-count threshold.
			watchCfg.OnReady, watchCfg.OnDown = connwatch.BreakerSync(s.cfg.Breakers.For("chat_api"))
		}
		s.chatWatch = s.connMgr.Watch(ctx, watchCfg)
	}

	intakeCtx, intakeCancel := context.WithCancel(ctx)
	dispatcherCtx, dispatcherCancel := context.WithCancel(ctx)
	pullCtx, pullCancel := context.WithCancel(ctx)

	// Each task runs against its own sub-context, cancelled independently
	// in shutdown's mandated order, so the group itself never cancels a
	// sibling task — it only collects completion.
	var g errgroup.Group

	if s.cfg.Intake != nil {
		g.Go(func() error {
			return s.runSupervised("intake", intakeCtx, func(c context.Context) error {
				return s.cfg.Intake.Run(c)
			})
		})
	}
	if s.cfg.Dispatcher != nil {
		g.Go(func() error {
			return s.runSupervised("dispatcher", dispatcherCtx, func(c context.Context) error {
				s.cfg.Dispatcher.Run(c)
				return nil
			})
		})
	}
	if s.cfg.Pull != nil {
		g.Go(func() error {
			return s.runSupervised("pull_ingress", pullCtx, func(c context.Context) error {
				s.cfg.Pull.Run(c)
				return nil
			})
		})
	}
	if s.cfg.Store != nil {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()
			s.cfg.Store.RunJanitor(done)
			return nil
		})
	}

	s.healthSrv = s.buildHealthServer()
	g.Go(func() error { return serveUntilShutdown(ctx, s.healthSrv, s.cfg.Logger, "health") })

	if s.cfg.PushHandler != nil && s.cfg.WebhookPort > 0 {
		s.webhookSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.cfg.WebhookAddr, s.cfg.WebhookPort),
			Handler: s.cfg.PushHandler,
		}
		g.Go(func() error { return serveUntilShutdown(ctx, s.webhookSrv, s.cfg.Logger, "webhook") })
	}
	if s.cfg.ControlHandler != nil && s.cfg.ControlPort > 0 {
		s.controlSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", s.cfg.ControlAddr, s.cfg.ControlPort),
			Handler: s.cfg.ControlHandler,
		}
		g.Go(func() error { return serveUntilShutdown(ctx, s.controlSrv, s.cfg.Logger, "control") })
	}

	<-ctx.Done()
	s.shutdown(intakeCancel, dispatcherCancel, pullCancel)

	return g.Wait()
}

// runSupervised calls fn repeatedly, restarting it with bounded
// exponential backoff whenever it returns while ctx is still live — the
// only way the teacher's void-returning Run loops "crash" is a panic, or
// an unexpected clean return, so both are treated as a task failure.
func (s *Supervisor) runSupervised(name string, ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		failed := s.invokeOnce(name, ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		if !failed {
			continue
		}

		count := s.recordFailure(name)
		if count >= s.cfg.RestartMaxFailures {
			s.cfg.Logger.Error("supervisor: task exceeded restart budget, exiting",
				"task", name, "failures", count, "window", s.cfg.RestartWindow)
			s.setLastError(fmt.Sprintf("%s: exceeded restart budget (%d failures)", name, count))
			s.cfg.Fatal(1)
			return fmt.Errorf("%s: exceeded restart budget", name)
		}

		delay := backoffDelay(s.cfg.RestartBaseDelay, s.cfg.RestartMaxDelay, count)
		s.cfg.Logger.Warn("supervisor: restarting task after failure", "task", name, "attempt", count, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// invokeOnce runs fn once, converting a panic into a reported failure so
// the caller's restart loop stays in control.
func (s *Supervisor) invokeOnce(name string, ctx context.Context, fn func(ctx context.Context) error) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Error("supervisor: task panicked", "task", name, "panic", r)
			s.setLastError(fmt.Sprintf("%s: panic: %v", name, r))
			failed = true
		}
	}()

	err := fn(ctx)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		s.cfg.Logger.Error("supervisor: task returned an error", "task", name, "error", err)
		s.setLastError(fmt.Sprintf("%s: %v", name, err))
		return true
	}
	// A task returning cleanly without ctx being done is itself a crash:
	// these loops are meant to run until cancelled.
	s.cfg.Logger.Warn("supervisor: task returned unexpectedly, treating as failure", "task", name)
	return true
}

func (s *Supervisor) recordFailure(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-s.cfg.RestartWindow)
	fails := append(s.taskFails[name], now)
	pruned := fails[:0]
	for _, t := range fails {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.taskFails[name] = pruned
	return len(pruned)
}

func (s *Supervisor) setLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

// backoffDelay computes a bounded exponential backoff with up to 20%
// jitter, keyed by the attempt count within the restart window.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5 + 1))
	return d + jitter
}

// shutdown drives the ordered sequence: stop intake first so no new
// events enter, let the dispatcher drain for the graceful deadline, then
// stop both ingresses and flush the response store via the janitor's
// own context cancellation, finally closing HTTP transports.
func (s *Supervisor) shutdown(intakeCancel, dispatcherCancel, pullCancel context.CancelFunc) {
	start := time.Now()
	s.publish(events.KindShutdownStarted, nil)

	intakeCancel()
	if s.cfg.Intake != nil {
		s.cfg.Intake.Wait()
	}

	if s.cfg.Dispatcher != nil {
		s.cfg.Dispatcher.Drain(s.cfg.GracefulDeadline)
	}
	dispatcherCancel()
	pullCancel()

	if s.chatWatch != nil {
		s.chatWatch.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{s.healthSrv, s.webhookSrv, s.controlSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.cfg.Logger.Warn("supervisor: error shutting down HTTP server", "addr", srv.Addr, "error", err)
		}
	}

	s.publish(events.KindShutdownComplete, map[string]any{"elapsed_ms": time.Since(start).Milliseconds()})
}

func (s *Supervisor) publish(kind string, data map[string]any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSupervisor,
		Kind:      kind,
		Data:      data,
	})
}

func serveUntilShutdown(ctx context.Context, srv *http.Server, logger *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("supervisor: http server exited", "server", name, "error", err)
			return err
		}
		return nil
	}
}

// Status implements controlplane.Lifecycle.
func (s *Supervisor) Status() controlplane.BridgeStatus {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	lastErr := s.lastErr
	s.mu.Unlock()

	status := controlplane.BridgeStatus{Running: running, LastError: lastErr}
	if s.cfg.Dispatcher != nil {
		status.QueueDepth = s.cfg.Dispatcher.QueueDepth()
	}
	if s.cfg.Store != nil {
		status.ResponseRate = s.cfg.Store.Count()
	}
	if running {
		status.UptimeSec = int64(time.Since(startedAt).Seconds())
	}
	return status
}

// Stop implements controlplane.Lifecycle: it cancels the run context and
// waits for the ordered shutdown to finish, or ctx to expire first.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.runCancel
	done := s.doneCh
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart implements controlplane.Lifecycle. Note: intake's fsnotify
// watcher is closed once its Run returns (see intake.Watcher.Run), so a
// restart triggered this way cannot truly reopen intake's filesystem
// watch — it will legitimately exhaust the restart budget and exit via
// Config.Fatal, deferring recovery to an external process manager. This
// is accepted as realistic rather than engineering full component
// reconstruction; see DESIGN.md.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	go func() {
		if err := s.Run(context.Background()); err != nil {
			s.cfg.Logger.Error("supervisor: restart run exited with error", "error", err)
		}
	}()
	return nil
}

// EnsureRunning implements controlplane.Lifecycle.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return nil
	}
	go func() {
		if err := s.Run(context.Background()); err != nil {
			s.cfg.Logger.Error("supervisor: ensure_running's background Run exited with error", "error", err)
		}
	}()
	return nil
}

// healthResponse is served as JSON by /health.
type healthResponse struct {
	Version    string                   `json:"version"`
	Uptime     string                   `json:"uptime"`
	QueueDepth int                      `json:"queue_depth,omitempty"`
	Responses  int                      `json:"response_count,omitempty"`
	Breakers   map[string]string        `json:"breakers,omitempty"`
	ChatAPI    *connwatch.ServiceStatus `json:"chat_api,omitempty"`
	LastError  string                   `json:"last_error,omitempty"`
}

func (s *Supervisor) buildHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /health", s.handleHealth)
	metricsHandler := promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Dispatcher != nil {
			s.metrics.queueDepth.Set(float64(s.cfg.Dispatcher.QueueDepth()))
		}
		metricsHandler.ServeHTTP(w, r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.HealthAddr, s.cfg.HealthPort),
		Handler: mux,
	}
}

func (s *Supervisor) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.isReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Supervisor) isReady() bool {
	if s.cfg.Dispatcher != nil && s.cfg.Dispatcher.QueueDepth() >= s.cfg.QueueWarningThreshold {
		return false
	}
	if s.cfg.Breakers != nil {
		allOpen := true
		states := s.cfg.Breakers.States()
		if len(states) == 0 {
			allOpen = false
		}
		for _, state := range states {
			if state != "open" {
				allOpen = false
				break
			}
		}
		if allOpen {
			return false
		}
	}
	return true
}

func (s *Supervisor) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	uptime := time.Since(s.startedAt)
	lastErr := s.lastErr
	s.mu.Unlock()

	resp := healthResponse{
		Version:   buildinfo.Version,
		Uptime:    uptime.String(),
		LastError: lastErr,
	}
	if s.cfg.Dispatcher != nil {
		resp.QueueDepth = s.cfg.Dispatcher.QueueDepth()
	}
	if s.cfg.Store != nil {
		resp.Responses = s.cfg.Store.Count()
	}
	if s.cfg.Breakers != nil {
		resp.Breakers = s.cfg.Breakers.States()
	}
	if s.chatWatch != nil {
		status := s.chatWatch.Status()
		resp.ChatAPI = &status
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.cfg.Logger.Debug("supervisor: failed to write health body", "error", err)
	}
}

func osExit(code int) {
	os.Exit(code)
}
