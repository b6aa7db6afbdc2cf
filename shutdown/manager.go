package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"localdream/core"
	"localdream/logging"
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 30 * time.Second

// Manager ties signal handling, in-flight operation tracking and the
// ordered shutdown registry together.
//
//	m := shutdown.NewManager(logger)
//	m.Register("database", shutdown.PriorityDatabase, shutdown.Closer(database.Close))
//	m.Start()
//	<-m.Context().Done()
//	err := m.Shutdown()
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *Registry
	signals  *SignalCounter
	forceFn  func(code int)

	mu       sync.Mutex
	started  bool
	shutdown bool
	exitCode int
	sigChan  chan os.Signal
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout sets the shutdown budget.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithForceExit replaces os.Exit as the action of a repeated signal.
func WithForceExit(fn func(code int)) Option {
	return func(m *Manager) { m.forceFn = fn }
}

func NewManager(logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  DefaultTimeout,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewRegistry(),
		forceFn:  os.Exit,
		sigChan:  make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("received second signal, forcing exit")
		m.forceFn(core.ExitCodeError)
	})
	return m
}

// Context is cancelled when shutdown is requested.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a shutdown step. Lower priorities run first.
func (m *Manager) Register(name string, priority int, fn Func) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown step", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. The first signal cancels Context;
// the second calls the force-exit function.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	if m.signals.Increment() != 1 {
		return
	}
	code := core.ExitCodeSIGINT
	if sig == syscall.SIGTERM {
		code = core.ExitCodeSIGTERM
	}
	m.mu.Lock()
	m.exitCode = code
	m.mu.Unlock()
	m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	m.cancel()
}

// Trigger requests shutdown without a signal.
func (m *Manager) Trigger(reason string) {
	m.logger.Info("shutdown requested", zap.String("reason", reason))
	m.cancel()
}

// ExitCode is the process exit code implied by what started the shutdown.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

// Shutdown rejects new operations, waits for running ones and then runs
// every registered step within the remaining budget. Only the first call
// does anything.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	begin := time.Now()
	m.tracker.Close()

	if n := m.tracker.ActiveCount(); n > 0 {
		m.logger.Info("waiting for in-flight operations", zap.Int64("active", n))
	}
	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("in-flight operations did not finish",
			zap.Int64("remaining", m.tracker.ActiveCount()),
			zap.Duration("waited", time.Since(begin)))
	}

	remaining := m.timeout - time.Since(begin)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	m.logger.Info("running shutdown steps", zap.Strings("steps", m.registry.Names()))
	errs := m.registry.Shutdown(ctx)
	for _, err := range errs {
		m.logger.Error("shutdown step failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown finished with %d errors: %w", len(errs), errs[0])
	}
	m.logger.Info("shutdown complete", zap.Duration("duration", time.Since(begin)))
	return nil
}

// Track runs fn as an in-flight operation. After shutdown has begun it
// returns ErrTrackerClosed without calling fn.
func (m *Manager) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	if !m.tracker.Start() {
		m.logger.Debug("operation rejected during shutdown", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// Steps lists registered step names in run order.
func (m *Manager) Steps() []string {
	return m.registry.Names()
}
