package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loykin/sidecar/internal/health"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/internal/relay"
	"github.com/loykin/sidecar/internal/status"
)

const testPort = 18080

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// waitUntil polls cond until it is true or the timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

type fakeHandle struct {
	pid    int
	events chan process.Event
	done   chan struct{}
	once   sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	ev := make(chan process.Event)
	close(ev)
	return &fakeHandle{pid: pid, events: ev, done: make(chan struct{})}
}

func (h *fakeHandle) PID() int                     { return h.pid }
func (h *fakeHandle) Events() <-chan process.Event { return h.events }
func (h *fakeHandle) Done() <-chan struct{}        { return h.done }
func (h *fakeHandle) exit()                        { h.once.Do(func() { close(h.done) }) }

type fakeLauncher struct {
	mu      sync.Mutex
	ports   []uint16
	handles map[int]*fakeHandle
	err     error
	// block, when set, runs before each launch is recorded
	block func()
}

func (l *fakeLauncher) Launch(port uint16) (process.Handle, error) {
	if l.block != nil {
		l.block()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ports = append(l.ports, port)
	if l.err != nil {
		return nil, l.err
	}
	if l.handles == nil {
		l.handles = make(map[int]*fakeHandle)
	}
	h := newFakeHandle(1000 + len(l.ports))
	l.handles[h.pid] = h
	return h, nil
}

func (l *fakeLauncher) launches() []uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint16(nil), l.ports...)
}

type termCall struct {
	pid      int
	graceful bool
}

type fakeTerminator struct {
	mu       sync.Mutex
	graceful bool
	calls    []termCall
	launcher *fakeLauncher
}

func (f *fakeTerminator) Terminate(pid int, graceful bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, termCall{pid, graceful})
	f.mu.Unlock()
	if !graceful && f.launcher != nil {
		f.launcher.mu.Lock()
		if h := f.launcher.handles[pid]; h != nil {
			h.exit()
		}
		f.launcher.mu.Unlock()
	}
	return nil
}

func (f *fakeTerminator) Graceful() bool { return f.graceful }

func (f *fakeTerminator) recorded() []termCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]termCall(nil), f.calls...)
}

// scriptedChecker answers poll n (1-based) with results(n).
type scriptedChecker struct {
	mu      sync.Mutex
	polls   int
	results func(n int) error
}

func (c *scriptedChecker) Check(context.Context) error {
	c.mu.Lock()
	c.polls++
	n := c.polls
	c.mu.Unlock()
	return c.results(n)
}

func (c *scriptedChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// fakeClock accumulates requested sleeps without waiting.
type fakeClock struct {
	mu      sync.Mutex
	elapsed time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.elapsed += d
	c.mu.Unlock()
	runtime.Gosched()
	return nil
}

func (c *fakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

type recorder struct {
	mu   sync.Mutex
	seen []status.BackendStatus
	// onPublish runs after the status is recorded, like host UI code would
	onPublish func(status.BackendStatus)
}

func (r *recorder) Publish(s status.BackendStatus) {
	r.mu.Lock()
	r.seen = append(r.seen, s)
	hook := r.onPublish
	r.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (r *recorder) all() []status.BackendStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.BackendStatus(nil), r.seen...)
}

var errDown = errors.New("connection refused")

type harness struct {
	sup      *Supervisor
	launcher *fakeLauncher
	term     *fakeTerminator
	checker  *scriptedChecker
	clock    *fakeClock
	pub      *recorder
}

func newHarness(t *testing.T, results func(n int) error) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{},
		checker:  &scriptedChecker{results: results},
		clock:    &fakeClock{},
		pub:      &recorder{},
	}
	h.term = &fakeTerminator{graceful: true, launcher: h.launcher}
	sup, err := New(Options{
		Config:     Config{Grace: 10 * time.Millisecond},
		Port:       testPort,
		Launcher:   h.launcher,
		Checker:    h.checker,
		Publisher:  h.pub,
		Terminator: h.term,
		Relay:      relay.Relay{Log: quietLog()},
		Log:        quietLog(),
		Sleep:      h.clock.Sleep,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sup = sup
	t.Cleanup(func() { _ = sup.Shutdown() })
	return h
}

func waitDone(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not stop; state=%s", s.State())
	}
}

func errText(s status.BackendStatus) string { return s.ErrorText() }

func TestReadyAfterKthPoll(t *testing.T) {
	const k = 5
	h := newHarness(t, func(n int) error {
		if n < k {
			return errDown
		}
		return nil
	})
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.sup.State() == StateReady }, "ready")
	// let the steady-state loop poll a while
	waitUntil(t, 2*time.Second, func() bool { return h.checker.count() > k+20 }, "steady polls")

	got := h.pub.all()
	if len(got) != 2 {
		t.Fatalf("expected initial + ready only, got %+v", got)
	}
	if got[0].Ready || got[0].Error != nil || got[0].Port != testPort {
		t.Fatalf("initial status wrong: %+v", got[0])
	}
	if !got[1].Ready || got[1].Port != testPort {
		t.Fatalf("ready status wrong: %+v", got[1])
	}
	if h.sup.Restarts() != 0 || len(h.launcher.launches()) != 1 {
		t.Fatalf("unexpected restarts: %d launches=%d", h.sup.Restarts(), len(h.launcher.launches()))
	}
	if h.clock.Elapsed() < (k-1)*2*time.Second {
		t.Fatalf("simulated time %v shorter than %d startup intervals", h.clock.Elapsed(), k-1)
	}
}

func TestStartupTimeout(t *testing.T) {
	h := newHarness(t, func(int) error { return errDown })
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h.sup)

	if n := h.checker.count(); n != 60 {
		t.Fatalf("polls = %d, want 60", n)
	}
	if h.clock.Elapsed() != 118*time.Second {
		t.Fatalf("simulated time = %v, want 118s", h.clock.Elapsed())
	}
	if h.sup.State() != StateFailed || !errors.Is(h.sup.Err(), ErrStartupTimeout) {
		t.Fatalf("state=%s err=%v", h.sup.State(), h.sup.Err())
	}
	got := h.pub.all()
	if len(got) != 2 || got[1].Ready || errText(got[1]) != "startup timeout" {
		t.Fatalf("expected one startup timeout event, got %+v", got)
	}
	if len(h.launcher.launches()) != 1 {
		t.Fatalf("startup timeout must not restart")
	}
}

func TestRestartBudgetCapped(t *testing.T) {
	// ready on the first poll, every later poll fails
	h := newHarness(t, func(n int) error {
		if n == 1 {
			return nil
		}
		return errDown
	})
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h.sup)

	if h.sup.Restarts() != 3 {
		t.Fatalf("restarts = %d, want 3", h.sup.Restarts())
	}
	ports := h.launcher.launches()
	if len(ports) != 4 {
		t.Fatalf("launches = %d, want initial + 3", len(ports))
	}
	for i, p := range ports {
		if p != testPort {
			t.Fatalf("launch %d used port %d, want %d", i, p, testPort)
		}
	}

	want := []string{
		"",
		"",
		"crashed, restarting (attempt 1)",
		"crashed, restarting (attempt 2)",
		"crashed, restarting (attempt 3)",
		"restart limit reached",
	}
	got := h.pub.all()
	if len(got) != len(want) {
		t.Fatalf("events = %+v", got)
	}
	if !got[1].Ready {
		t.Fatalf("second event should be ready")
	}
	for i, w := range want {
		if errText(got[i]) != w {
			t.Fatalf("event %d error = %q, want %q", i, errText(got[i]), w)
		}
	}
	if h.sup.State() != StateFailed || !errors.Is(h.sup.Err(), ErrRestartLimit) {
		t.Fatalf("state=%s err=%v", h.sup.State(), h.sup.Err())
	}

	// every replaced generation is force-killed before the next spawn
	var forced []int
	for _, c := range h.term.recorded() {
		if !c.graceful {
			forced = append(forced, c.pid)
		}
	}
	if len(forced) != 3 || forced[0] != 1001 || forced[1] != 1002 || forced[2] != 1003 {
		t.Fatalf("forced kills = %v", forced)
	}
}

func TestRestartConfirmedReady(t *testing.T) {
	// 1: startup ok, 2: monitor fails, 3: confirmation ok, then healthy
	h := newHarness(t, func(n int) error {
		if n == 2 {
			return errDown
		}
		return nil
	})
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.checker.count() > 10 }, "polls after restart")

	got := h.pub.all()
	if len(got) != 4 {
		t.Fatalf("events = %+v", got)
	}
	if errText(got[2]) != "crashed, restarting (attempt 1)" || !got[3].Ready {
		t.Fatalf("unexpected transition sequence %+v", got)
	}
	if h.sup.State() != StateReady || h.sup.Restarts() != 1 {
		t.Fatalf("state=%s restarts=%d", h.sup.State(), h.sup.Restarts())
	}
	if h.sup.PID() != 1002 {
		t.Fatalf("current pid = %d, want the respawned 1002", h.sup.PID())
	}
}

func TestFailedConfirmationRecoversOnNextPoll(t *testing.T) {
	// 1: startup ok, 2: monitor fails, 3: confirmation fails, then healthy
	h := newHarness(t, func(n int) error {
		if n == 2 || n == 3 {
			return errDown
		}
		return nil
	})
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.checker.count() > 10 }, "polls after restart")

	got := h.pub.all()
	if len(got) != 4 || !got[3].Ready {
		t.Fatalf("expected recovery ready event, got %+v", got)
	}
	if h.sup.Restarts() != 1 {
		t.Fatalf("failed confirmation must not restart again, restarts=%d", h.sup.Restarts())
	}
}

func TestInitialLaunchFailure(t *testing.T) {
	h := newHarness(t, func(int) error { return nil })
	h.launcher.err = process.ErrLaunch
	err := h.sup.Start()
	if !errors.Is(err, process.ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	waitDone(t, h.sup)
	if h.sup.State() != StateFailed {
		t.Fatalf("state = %s", h.sup.State())
	}
	got := h.pub.all()
	if len(got) != 2 || got[1].Error == nil {
		t.Fatalf("expected initial + launch error events, got %+v", got)
	}
	if err := h.sup.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start: %v", err)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	h := newHarness(t, func(int) error { return nil })
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return h.sup.State() == StateReady }, "ready")

	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	waitDone(t, h.sup)

	calls := h.term.recorded()
	want := []termCall{{1001, true}, {1001, false}}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("terminate calls = %+v, want %+v", calls, want)
	}
	if h.sup.PID() != 0 || h.sup.State() != StateStopped {
		t.Fatalf("pid=%d state=%s after shutdown", h.sup.PID(), h.sup.State())
	}
}

func TestShutdownWithoutGracefulSkipsSignal(t *testing.T) {
	h := newHarness(t, func(int) error { return nil })
	h.term.graceful = false
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = h.sup.Shutdown()
	calls := h.term.recorded()
	if len(calls) != 1 || calls[0].graceful {
		t.Fatalf("expected a single forced kill, got %+v", calls)
	}
}

func TestShutdownSuppressesRestart(t *testing.T) {
	var h *harness
	h = newHarness(t, func(n int) error {
		if n == 1 {
			return nil
		}
		// shutdown lands while the failing poll is in flight
		_ = h.sup.Shutdown()
		return errDown
	})
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, h.sup)

	if n := len(h.launcher.launches()); n != 1 {
		t.Fatalf("launches = %d, restart must be suppressed", n)
	}
	for _, s := range h.pub.all() {
		if errText(s) != "" {
			t.Fatalf("no failure should be published during shutdown, got %+v", s)
		}
	}
}

func TestShutdownFromInitialPublishPreventsSpawn(t *testing.T) {
	h := newHarness(t, func(int) error { return nil })
	var once sync.Once
	h.pub.onPublish = func(status.BackendStatus) {
		once.Do(func() { _ = h.sup.Shutdown() })
	}

	if err := h.sup.Start(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Start err = %v, want ErrShuttingDown", err)
	}
	if n := len(h.launcher.launches()); n != 0 {
		t.Fatalf("backend spawned after shutdown: %d launches", n)
	}
	if h.sup.PID() != 0 {
		t.Fatalf("handle stored after shutdown: pid %d", h.sup.PID())
	}
	waitDone(t, h.sup)
	if h.sup.State() != StateStopped {
		t.Fatalf("state %s, want stopped", h.sup.State())
	}
}

func TestShutdownWhileFirstLaunchInFlight(t *testing.T) {
	h := newHarness(t, func(int) error { return errDown })
	entered := make(chan struct{})
	release := make(chan struct{})
	h.launcher.block = func() {
		close(entered)
		<-release
	}

	startErr := make(chan error, 1)
	go func() { startErr <- h.sup.Start() }()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- h.sup.Shutdown() }()
	select {
	case <-stopped:
		t.Fatal("Shutdown returned while the launch still held the handle lock")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-startErr; err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	calls := h.term.recorded()
	if len(calls) != 2 || calls[0] != (termCall{1001, true}) || calls[1] != (termCall{1001, false}) {
		t.Fatalf("in-flight backend not terminated: %+v", calls)
	}
	waitDone(t, h.sup)
	if n := len(h.launcher.launches()); n != 1 {
		t.Fatalf("launches = %d, want 1", n)
	}
}

func TestShutdownBeforeStartClosesDone(t *testing.T) {
	h := newHarness(t, func(int) error { return nil })
	if err := h.sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	waitDone(t, h.sup)
	if err := h.sup.Start(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Start after Shutdown = %v, want ErrShuttingDown", err)
	}
	if n := len(h.launcher.launches()); n != 0 {
		t.Fatalf("launches = %d, want 0", n)
	}
}

func TestRestartAfterShutdownRefused(t *testing.T) {
	h := newHarness(t, func(int) error { return nil })
	if err := h.sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = h.sup.Shutdown()
	if err := h.sup.restart(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("restart after shutdown: %v", err)
	}
	if len(h.launcher.launches()) != 1 {
		t.Fatalf("spawned after shutdown")
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c != DefaultConfig() {
		t.Fatalf("zero config = %+v, want defaults", c)
	}
	c = Config{MaxRestarts: -1, Warmup: -1, Grace: -1}.withDefaults()
	if c.MaxRestarts != 0 || c.Warmup != 0 || c.Grace != 0 {
		t.Fatalf("negative knobs not honoured: %+v", c)
	}
}

func TestNewValidates(t *testing.T) {
	chk := health.CheckerFunc(func(context.Context) error { return nil })
	if _, err := New(Options{Port: 1, Checker: chk}); err == nil {
		t.Fatalf("missing launcher accepted")
	}
	if _, err := New(Options{Port: 1, Launcher: &fakeLauncher{}}); err == nil {
		t.Fatalf("missing checker accepted")
	}
	if _, err := New(Options{Launcher: &fakeLauncher{}, Checker: chk}); err == nil {
		t.Fatalf("missing port accepted")
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateStarting: "starting", StateReady: "ready", StateDegraded: "degraded",
		StateFailed: "failed", StateStopped: "stopped", State(42): "unknown",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q", int(s), s.String())
		}
	}
	if !StateFailed.Terminal() || StateReady.Terminal() {
		t.Fatalf("Terminal wrong")
	}
}
