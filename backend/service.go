package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"localdream/flow"
	"localdream/logging"
	"localdream/models"
)

// FailedToStartMessage is published when the backend never became healthy.
const FailedToStartMessage = "backend failed to start"

// DefaultStopGrace is how long Stop waits after interrupting the process
// before killing it.
const DefaultStopGrace = 5 * time.Second

// Service owns the backend process for the model currently in use.
type Service struct {
	health    *HealthChecker
	logger    *logging.Logger
	state     *flow.State[State]
	port      int
	stopGrace time.Duration

	mu  sync.Mutex
	run *backendRun
}

type backendRun struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd
	done   chan struct{}
}

// NewService creates a stopped service. The backend listens on the port of
// the health checker's base URL.
func NewService(health *HealthChecker, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	port := health.Port()
	if port == 0 {
		port = 8081
	}
	return &Service{
		health:    health,
		logger:    logger.Named("backend"),
		state:     flow.NewState(State{Status: NotRunning}),
		port:      port,
		stopGrace: DefaultStopGrace,
	}
}

// State exposes the published backend state.
func (s *Service) State() *flow.State[State] {
	return s.state
}

// Current returns the latest backend state.
func (s *Service) Current() State {
	return s.state.Value()
}

// Start launches the backend for model unless one is already starting or
// running. It returns once the process has been spawned; readiness is
// published asynchronously as Running or Failed. The run outlives ctx and
// ends with Stop.
func (s *Service) Start(ctx context.Context, model models.Model) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Value().Active() {
		return nil
	}

	if s.run != nil {
		s.run.cancel()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	run := &backendRun{cancel: cancel, done: make(chan struct{})}
	s.run = run
	s.state.Set(State{Status: Starting, ModelID: model.ID})

	if model.ExternallyManaged() {
		s.logger.Info("waiting for externally managed backend",
			zap.String("model_id", model.ID), zap.Int("port", s.port))
		close(run.done)
	} else {
		cmd, err := s.spawn(runCtx, model)
		if err != nil {
			cancel()
			close(run.done)
			s.state.Set(State{Status: Failed, ModelID: model.ID, Message: err.Error()})
			return err
		}
		run.cmd = cmd
		go s.watchProcess(run, model.ID)
	}

	go s.awaitReady(runCtx, run, model.ID)
	return nil
}

func (s *Service) spawn(ctx context.Context, model models.Model) (*exec.Cmd, error) {
	argv := model.CommandLine(s.port)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = model.Dir
	cmd.Env = os.Environ()
	for k, v := range model.Backend.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.stopGrace

	procLog := s.logger.With(zap.String("model_id", model.ID))
	cmd.Stdout = &lineWriter{emit: func(line string) { procLog.Debug(line, zap.String("stream", "stdout")) }}
	cmd.Stderr = &lineWriter{emit: func(line string) { procLog.Warn(line, zap.String("stream", "stderr")) }}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend %s: %w", argv[0], err)
	}

	s.logger.Info("backend process started",
		zap.String("model_id", model.ID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Strings("argv", argv))
	return cmd, nil
}

func (s *Service) watchProcess(run *backendRun, modelID string) {
	err := run.cmd.Wait()
	run.cancel()
	close(run.done)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run {
		return
	}
	s.run = nil

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("backend process exited", zap.String("model_id", modelID), zap.Error(err))
		s.state.Set(State{Status: Failed, ModelID: modelID, Message: "backend exited: " + err.Error()})
		return
	}
	s.logger.Info("backend process exited", zap.String("model_id", modelID))
	s.state.Set(State{Status: NotRunning})
}

func (s *Service) awaitReady(runCtx context.Context, run *backendRun, modelID string) {
	err := s.health.WaitHealthy(runCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run || s.state.Value().Status != Starting {
		return
	}
	switch {
	case err == nil:
		s.logger.Info("backend is healthy", zap.String("model_id", modelID))
		s.state.Set(State{Status: Running, ModelID: modelID})
	case errors.Is(err, ErrBackendUnhealthy):
		s.logger.Error(FailedToStartMessage, zap.String("model_id", modelID))
		s.run = nil
		run.cancel()
		s.state.Set(State{Status: Failed, ModelID: modelID, Message: FailedToStartMessage})
	default:
		// The run was cancelled; watchProcess or Stop publishes.
	}
}

// Stop terminates the backend process, if any, and publishes NotRunning.
func (s *Service) Stop() error {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.mu.Unlock()

	if run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-time.After(s.stopGrace + time.Second):
			return fmt.Errorf("backend did not exit within %s", s.stopGrace)
		}
		s.logger.Info("backend stopped")
	}
	s.state.Set(State{Status: NotRunning})
	return nil
}

// Close stops the backend and ends state subscriptions.
func (s *Service) Close() error {
	err := s.Stop()
	s.state.Close()
	return err
}

func portOf(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	if p := u.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}
	switch u.Scheme {
	case "http":
		return 80
	case "https":
		return 443
	}
	return 0
}
