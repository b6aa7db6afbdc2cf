package shutdown

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"localdream/core"
	"localdream/logging"
)

func testManager(t *testing.T, opts ...Option) *Manager {
	return NewManager(logging.NewWithCore(zaptest.NewLogger(t).Core()), opts...)
}

func TestOperationTracker(t *testing.T) {
	tr := NewOperationTracker()
	if !tr.Start() || !tr.Start() {
		t.Fatal("Start on open tracker failed")
	}
	if tr.ActiveCount() != 2 {
		t.Errorf("active = %d", tr.ActiveCount())
	}

	tr.Close()
	if tr.Start() {
		t.Error("Start after Close succeeded")
	}
	if err := tr.Wait(20 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait with active ops = %v", err)
	}

	tr.Done()
	tr.Done()
	if err := tr.Wait(time.Second); err != nil {
		t.Errorf("Wait = %v", err)
	}
	if !tr.IsClosed() || tr.ActiveCount() != 0 {
		t.Errorf("closed=%v active=%d", tr.IsClosed(), tr.ActiveCount())
	}
}

func TestRegistry_OrderAndErrors(t *testing.T) {
	r := NewRegistry()
	var order []string
	step := func(name string, err error) Func {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}

	r.Register("logger", PriorityLogger, step("logger", nil))
	r.Register("database", PriorityDatabase, step("database", errors.New("locked")))
	r.Register("webui", PriorityWebUI, step("webui", nil))
	r.Register("session", PrioritySession, step("session", nil))
	r.Register("backend", PriorityBackend, step("backend", nil))
	r.Register("backend-health", PriorityBackend, step("backend-health", nil))

	want := []string{"webui", "session", "backend", "backend-health", "database", "logger"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}

	errs := r.Shutdown(context.Background())
	if !reflect.DeepEqual(order, want) {
		t.Errorf("ran %v, want %v", order, want)
	}
	if len(errs) != 1 || errs[0].Error() != "database: locked" {
		t.Errorf("errs = %v", errs)
	}

	if errs := r.Shutdown(context.Background()); errs != nil {
		t.Errorf("second Shutdown = %v", errs)
	}
	r.Register("late", 0, step("late", nil))
	if r.Count() != 6 {
		t.Errorf("registered after shutdown: count = %d", r.Count())
	}
}

func TestSignalCounter(t *testing.T) {
	var forced atomic.Int32
	c := NewSignalCounter(2, func() { forced.Add(1) })

	if c.Increment() != 1 || forced.Load() != 0 {
		t.Fatal("first signal forced")
	}
	if c.Increment() != 2 || forced.Load() != 1 {
		t.Fatal("second signal did not force")
	}
	if c.Count() != 2 {
		t.Errorf("Count = %d", c.Count())
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Increment()
		}()
	}
	wg.Wait()
	if c.Count() != 22 {
		t.Errorf("Count after concurrent increments = %d", c.Count())
	}
}

func TestManager_ShutdownWaitsForOperations(t *testing.T) {
	m := testManager(t, WithTimeout(5*time.Second))

	var closed atomic.Bool
	m.Register("database", PriorityDatabase, Closer(func() error {
		closed.Store(true)
		return nil
	}))

	release := make(chan struct{})
	started := make(chan struct{})
	var finishedFirst atomic.Bool
	go func() {
		_ = m.Track(context.Background(), "generate", func(context.Context) error {
			close(started)
			<-release
			finishedFirst.Store(!closed.Load())
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- m.Shutdown() }()

	select {
	case <-done:
		t.Fatal("Shutdown returned with an operation in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not finish")
	}

	if !finishedFirst.Load() || !closed.Load() {
		t.Error("database closed before the operation finished")
	}
	if m.Context().Err() == nil {
		t.Error("context not cancelled")
	}
	if err := m.Track(context.Background(), "late", func(context.Context) error { return nil }); !errors.Is(err, ErrTrackerClosed) {
		t.Errorf("Track after shutdown = %v", err)
	}
	if !m.IsShuttingDown() {
		t.Error("IsShuttingDown = false")
	}
}

func TestManager_ShutdownReportsErrors(t *testing.T) {
	m := testManager(t, WithTimeout(time.Second))
	var calls atomic.Int32
	m.Register("backend", PriorityBackend, func(context.Context) error {
		calls.Add(1)
		return errors.New("process did not exit")
	})

	err := m.Shutdown()
	if err == nil || err.Error() != "shutdown finished with 1 errors: backend: process did not exit" {
		t.Errorf("Shutdown = %v", err)
	}
	if err := m.Shutdown(); err != nil || calls.Load() != 1 {
		t.Errorf("second Shutdown = %v, calls = %d", err, calls.Load())
	}
}

func TestManager_Signals(t *testing.T) {
	var forcedCode atomic.Int32
	forcedCode.Store(-1)
	m := testManager(t, WithForceExit(func(code int) { forcedCode.Store(int32(code)) }))

	m.handleSignal(syscall.SIGTERM)
	if m.Context().Err() == nil {
		t.Fatal("first signal did not cancel the context")
	}
	if m.ExitCode() != core.ExitCodeSIGTERM {
		t.Errorf("ExitCode = %d", m.ExitCode())
	}
	if forcedCode.Load() != -1 {
		t.Fatal("first signal forced exit")
	}

	m.handleSignal(syscall.SIGINT)
	if forcedCode.Load() != core.ExitCodeError {
		t.Errorf("forced exit code = %d", forcedCode.Load())
	}
	if m.ExitCode() != core.ExitCodeSIGTERM {
		t.Error("second signal changed the exit code")
	}
}

func TestManager_Trigger(t *testing.T) {
	m := testManager(t)
	m.Trigger("service stop")
	select {
	case <-m.Context().Done():
	default:
		t.Fatal("Trigger did not cancel the context")
	}
	if m.ExitCode() != core.ExitCodeSuccess {
		t.Errorf("ExitCode = %d", m.ExitCode())
	}
}

func TestSteps(t *testing.T) {
	var ran bool
	if err := Action(func() { ran = true })(context.Background()); err != nil || !ran {
		t.Errorf("Action: err=%v ran=%v", err, ran)
	}

	if err := SyncLogger(func() error { return syscall.EINVAL })(context.Background()); err != nil {
		t.Errorf("SyncLogger(EINVAL) = %v", err)
	}
	boom := errors.New("disk full")
	if err := SyncLogger(func() error { return boom })(context.Background()); !errors.Is(err, boom) {
		t.Errorf("SyncLogger = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	block := make(chan struct{})
	defer close(block)
	err := Bounded(func() error { <-block; return nil })(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Bounded = %v", err)
	}
}
