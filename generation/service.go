package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"localdream/flow"
	"localdream/imageio"
	"localdream/logging"
)

// ErrGenerationInProgress is returned by Start while a request is running.
var ErrGenerationInProgress = errors.New("generation: already in progress")

// NoResultMessage is published when the stream ends without a result.
const NoResultMessage = "generation ended without a result"

const stopWait = 5 * time.Second

// Service runs at most one generation at a time and publishes its state.
type Service struct {
	client *Client
	logger *logging.Logger
	state  *flow.State[State]

	mu  sync.Mutex
	run *genRun
}

type genRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService returns an idle service.
func NewService(client *Client, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		client: client,
		logger: logger.Named("generation"),
		state:  flow.NewState[State](Idle{}),
	}
}

// State exposes the published generation state.
func (s *Service) State() *flow.State[State] {
	return s.state
}

// Current returns the latest generation state.
func (s *Service) Current() State {
	return s.state.Value()
}

// Start validates req, publishes Progress at zero and streams the backend's
// events in the background. The request keeps running after ctx returns;
// use Stop to cancel it.
func (s *Service) Start(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if Running(s.state.Value()) {
		return ErrGenerationInProgress
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &genRun{id: req.ID, cancel: cancel, done: make(chan struct{})}
	s.run = run
	s.state.Set(newProgress(0, req.Steps))

	s.logger.Info("generation started",
		zap.String("request_id", req.ID),
		zap.Int("steps", req.Steps),
		zap.Int("size", req.Size),
		zap.Bool("img2img", len(req.Image) > 0),
		zap.Bool("inpaint", len(req.Mask) > 0))

	go s.stream(runCtx, run, req)
	return nil
}

func (s *Service) stream(ctx context.Context, run *genRun, req Request) {
	defer close(run.done)
	defer run.cancel()

	body, err := s.client.Stream(ctx, req)
	if err != nil {
		s.fail(ctx, run, err)
		return
	}
	defer body.Close()

	events := newEventReader(body)
	for {
		ev, err := events.Next()
		switch {
		case errors.Is(err, errStreamDone), errors.Is(err, io.EOF):
			s.finish(run, Error{Message: NoResultMessage})
			return
		case err != nil:
			s.fail(ctx, run, err)
			return
		}

		switch ev.Type {
		case "progress":
			s.publish(run, newProgress(ev.Step, ev.TotalSteps))
		case "complete":
			c, err := toComplete(ev)
			if err != nil {
				s.finish(run, Error{Message: err.Error()})
				return
			}
			s.logger.Info("generation complete",
				zap.String("request_id", run.id),
				zap.Duration("backend_time", c.BackendTime),
				zap.Int("width", c.Width),
				zap.Int("height", c.Height))
			s.finish(run, c)
			return
		case "error":
			s.logger.Warn("backend reported an error",
				zap.String("request_id", run.id), zap.String("message", ev.Message))
			s.finish(run, Error{Message: ev.Message})
			return
		default:
			s.logger.Debug("ignoring event", zap.String("type", ev.Type))
		}
	}
}

func toComplete(ev event) (Complete, error) {
	data, err := imageio.DecodeBase64(ev.Image)
	if err != nil {
		return Complete{}, fmt.Errorf("generation: bad image payload: %w", err)
	}
	if !imageio.IsPNG(data) {
		data, err = imageio.RawToPNG(data, ev.Width, ev.Height, ev.Channels)
		if err != nil {
			return Complete{}, fmt.Errorf("generation: bad image payload: %w", err)
		}
	}
	return Complete{
		Image:         data,
		Seed:          ev.Seed,
		Width:         ev.Width,
		Height:        ev.Height,
		BackendTime:   time.Duration(ev.GenerationTimeMS) * time.Millisecond,
		FirstStepTime: time.Duration(ev.FirstStepTimeMS) * time.Millisecond,
	}, nil
}

// fail publishes err unless the run was cancelled.
func (s *Service) fail(ctx context.Context, run *genRun, err error) {
	if ctx.Err() != nil {
		return
	}
	msg := err.Error()
	var be *BackendError
	if errors.As(err, &be) {
		msg = be.Message
		if msg == "" {
			msg = be.Error()
		}
	}
	s.logger.Warn("generation failed", zap.String("request_id", run.id), zap.Error(err))
	s.finish(run, Error{Message: msg})
}

// publish sets st if run is still the current run.
func (s *Service) publish(run *genRun, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == run {
		s.state.Set(st)
	}
}

// finish publishes a terminal state and retires run.
func (s *Service) finish(run *genRun, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != run {
		return
	}
	s.run = nil
	s.state.Set(st)
}

// Stop cancels the request in flight, if any, and publishes Idle.
func (s *Service) Stop() {
	s.mu.Lock()
	run := s.run
	s.run = nil
	s.state.Set(Idle{})
	s.mu.Unlock()

	if run == nil {
		return
	}
	run.cancel()
	select {
	case <-run.done:
	case <-time.After(stopWait):
		s.logger.Warn("generation stream did not stop in time", zap.String("request_id", run.id))
	}
	s.logger.Info("generation stopped", zap.String("request_id", run.id))
}

// ResetState publishes Idle. It does not cancel a running request.
func (s *Service) ResetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Set(Idle{})
}

// ClearCompleteState publishes Idle only when the current state is Complete.
func (s *Service) ClearCompleteState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.Value().(Complete); ok {
		s.state.Set(Idle{})
	}
}

// Close stops any request and ends state subscriptions.
func (s *Service) Close() {
	s.Stop()
	s.state.Close()
}
