// Package session is the headless model run screen. It owns the parameters,
// the source image and mask, and the latest result for one open model, and
// it turns generation and backend state changes into a single snapshot
// stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"localdream/backend"
	"localdream/core"
	"localdream/db"
	"localdream/flow"
	"localdream/gallery"
	"localdream/generation"
	"localdream/logging"
	"localdream/metrics"
	"localdream/models"
	"localdream/preferences"
	"localdream/report"
)

var (
	ErrNotOpen          = errors.New("session: no model is open")
	ErrBackendNotReady  = errors.New("session: backend is not ready")
	ErrNoImageSelected  = errors.New("session: no source image selected")
	ErrNoResult         = errors.New("session: no generated image")
	ErrNoLastSeed       = errors.New("session: no seed has been returned yet")
	ErrInvalidParameter = errors.New("session: invalid parameter")
)

// ErrGenerationInProgress is returned by Generate while a request runs.
var ErrGenerationInProgress = generation.ErrGenerationInProgress

const (
	persistTimeout = 5 * time.Second
	ReportThanks   = "Thanks for your report."
)

// Deps are the collaborators a session drives. Metrics is optional.
type Deps struct {
	Catalog     *models.Catalog
	Preferences *preferences.Store
	Debounce    time.Duration
	Backend     *backend.Service
	Generation  *generation.Service
	Gallery     *gallery.Gallery
	Reporter    *report.Client
	History     *db.Repository
	Metrics     metrics.Collector
	Logger      *logging.Logger
}

// Session is safe for concurrent use.
type Session struct {
	deps     Deps
	logger   *logging.Logger
	debounce *preferences.Debouncer
	now      func() time.Time

	snapshots *flow.State[Snapshot]

	// saveMu orders preference writes: a debounced save and a reset never
	// interleave. Taken before mu.
	saveMu sync.Mutex

	mu sync.Mutex

	open   bool
	model  models.Model
	params preferences.Preferences

	sourceImage  []byte
	croppedImage []byte
	mask         []byte
	maskStrokes  []Stroke
	inpaint      bool

	running    bool
	progress   float64
	step       int
	totalSteps int
	errorMsg   string
	notice     string

	backendStatus string
	backendReady  bool
	checking      bool

	result         []byte
	imageVersion   int
	lastSeed       *int64
	tmpParams      *core.GenerationParameters
	finalParams    *core.GenerationParameters
	generationTime string
	genStart       time.Time
	requestID      string
	historyID      string

	stopWatch context.CancelFunc
	watchers  sync.WaitGroup
}

// New returns a closed session.
func New(deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Debounce <= 0 {
		deps.Debounce = time.Duration(core.DefaultSaveDebounceMS) * time.Millisecond
	}
	return &Session{
		deps:          deps,
		logger:        deps.Logger.Named("session"),
		debounce:      preferences.NewDebouncer(deps.Debounce),
		now:           time.Now,
		snapshots:     flow.NewState(Snapshot{BackendStatus: backend.NotRunning.String()}),
		backendStatus: backend.NotRunning.String(),
	}
}

// Open loads modelID's preferences, applies externalPrompt if given, starts
// the backend when it is not already up and begins following generation
// state. Opening a different model first cleans up the current one.
func (s *Session) Open(ctx context.Context, modelID, externalPrompt string) error {
	model, err := s.deps.Catalog.Get(modelID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wasOpen := s.open
	s.mu.Unlock()
	if wasOpen {
		s.Cleanup()
	}

	prefs, _, err := s.deps.Preferences.Get(ctx, model.ID)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	if prefs.Prompt == "" && prefs.NegativePrompt == "" {
		if model.DefaultPrompt != "" {
			prefs.Prompt = model.DefaultPrompt
			if err := s.deps.Preferences.SavePrompt(ctx, model.ID, model.DefaultPrompt); err != nil {
				s.logger.Warn("failed to seed default prompt", zap.Error(err))
			}
		}
		if model.DefaultNegativePrompt != "" {
			prefs.NegativePrompt = model.DefaultNegativePrompt
			if err := s.deps.Preferences.SaveNegativePrompt(ctx, model.ID, model.DefaultNegativePrompt); err != nil {
				s.logger.Warn("failed to seed default negative prompt", zap.Error(err))
			}
		}
	}
	if externalPrompt != "" {
		prefs.Prompt = externalPrompt
		if err := s.deps.Preferences.SavePrompt(ctx, model.ID, externalPrompt); err != nil {
			s.logger.Warn("failed to save external prompt", zap.Error(err))
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	genSub := s.deps.Generation.State().Subscribe()
	backendSub := s.deps.Backend.State().Subscribe()

	s.mu.Lock()
	s.resetLocked()
	s.open = true
	s.model = model
	s.params = prefs
	s.stopWatch = cancel
	s.publishLocked()
	s.mu.Unlock()

	s.watchers.Add(2)
	go s.watchGeneration(watchCtx, genSub)
	go s.watchBackend(watchCtx, backendSub)

	s.logger.Info("session opened",
		zap.String("model_id", model.ID),
		zap.Bool("run_on_cpu", model.RunOnCPU),
		zap.Bool("external_prompt", externalPrompt != ""))

	if !s.deps.Backend.Current().Active() {
		if err := s.deps.Backend.Start(ctx, model); err != nil {
			s.mu.Lock()
			s.errorMsg = err.Error()
			s.publishLocked()
			s.mu.Unlock()
			return fmt.Errorf("failed to start backend: %w", err)
		}
	}
	return nil
}

// Model returns the open model.
func (s *Session) Model() (models.Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.open
}

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	return s.snapshots.Value()
}

// Changes subscribes to snapshots. The first value is the current one.
func (s *Session) Changes() *flow.Subscription[Snapshot] {
	return s.snapshots.Subscribe()
}

// Result returns a copy of the latest generated PNG and its version.
func (s *Session) Result() ([]byte, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil, s.imageVersion, false
	}
	return append([]byte(nil), s.result...), s.imageVersion, true
}

// ParamsPatch changes the fields that are set.
type ParamsPatch struct {
	Prompt          *string  `json:"prompt,omitempty"`
	NegativePrompt  *string  `json:"negative_prompt,omitempty"`
	Steps           *int     `json:"steps,omitempty"`
	CFG             *float64 `json:"cfg,omitempty"`
	Seed            *string  `json:"seed,omitempty"`
	Size            *int     `json:"size,omitempty"`
	DenoiseStrength *float64 `json:"denoise_strength,omitempty"`
}

// UpdateParams applies patch and schedules a debounced save of every field.
func (s *Session) UpdateParams(patch ParamsPatch) error {
	if err := validatePatch(patch); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}

	p := &s.params
	if patch.Prompt != nil {
		p.Prompt = *patch.Prompt
	}
	if patch.NegativePrompt != nil {
		p.NegativePrompt = *patch.NegativePrompt
	}
	if patch.Steps != nil {
		p.Steps = *patch.Steps
	}
	if patch.CFG != nil {
		p.CFG = *patch.CFG
	}
	if patch.Seed != nil {
		p.Seed = *patch.Seed
	}
	if patch.Size != nil {
		p.Size = *patch.Size
	}
	if patch.DenoiseStrength != nil {
		p.DenoiseStrength = *patch.DenoiseStrength
	}

	s.scheduleSaveLocked()
	s.publishLocked()
	return nil
}

func validatePatch(p ParamsPatch) error {
	switch {
	case p.Steps != nil && (*p.Steps < core.MinSteps || *p.Steps > core.MaxSteps):
		return fmt.Errorf("%w: steps must be between %d and %d", ErrInvalidParameter, core.MinSteps, core.MaxSteps)
	case p.CFG != nil && (*p.CFG < core.MinCFG || *p.CFG > core.MaxCFG):
		return fmt.Errorf("%w: cfg must be between %.0f and %.0f", ErrInvalidParameter, core.MinCFG, core.MaxCFG)
	case p.DenoiseStrength != nil && (*p.DenoiseStrength < 0 || *p.DenoiseStrength > 1):
		return fmt.Errorf("%w: denoise strength must be within [0, 1]", ErrInvalidParameter)
	case p.Prompt != nil && len(*p.Prompt) > core.MaxPromptLength,
		p.NegativePrompt != nil && len(*p.NegativePrompt) > core.MaxPromptLength:
		return fmt.Errorf("%w: prompt longer than %d bytes", ErrInvalidParameter, core.MaxPromptLength)
	}
	if p.Size != nil {
		if err := core.ValidateSize(*p.Size); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	if p.Seed != nil {
		if _, err := core.ParseSeed(*p.Seed); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
	}
	return nil
}

func (s *Session) scheduleSaveLocked() {
	s.debounce.Schedule(s.persist)
}

// persist writes the current parameters. It runs from the debouncer.
func (s *Session) persist() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	modelID, prefs := s.model.ID, s.params
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := s.deps.Preferences.SaveAll(ctx, modelID, prefs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn("failed to save preferences", zap.String("model_id", modelID), zap.Error(err))
		s.notice = "Save failed: " + err.Error()
	}
	s.publishLocked()
}

// FlushPreferences writes any pending parameter change now.
func (s *Session) FlushPreferences() {
	s.debounce.Flush()
}

// Generate starts a generation with the current parameters and, when
// selected, the cropped source image and inpaint mask.
func (s *Session) Generate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrNotOpen
	}
	if s.running || generation.Running(s.deps.Generation.Current()) {
		return ErrGenerationInProgress
	}
	if !s.backendReady {
		return ErrBackendNotReady
	}

	seed, err := core.ParseSeed(s.params.Seed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}

	tmp := core.GenerationParameters{
		Steps:           s.params.Steps,
		CFG:             s.params.CFG,
		Prompt:          s.params.Prompt,
		NegativePrompt:  s.params.NegativePrompt,
		Size:            s.targetSizeLocked(),
		RunOnCPU:        s.model.RunOnCPU,
		DenoiseStrength: s.params.DenoiseStrength,
	}

	withSeed := tmp
	withSeed.Seed = seed
	var image, mask []byte
	if s.croppedImage != nil {
		image = s.croppedImage
		if s.inpaint && s.mask != nil {
			mask = s.mask
		}
	}
	req := generation.NewRequest(withSeed, image, mask)
	req.ID = newRequestID()

	if err := s.deps.Generation.Start(ctx, req); err != nil {
		return err
	}

	s.tmpParams = &tmp
	s.requestID = req.ID
	s.errorMsg = ""
	s.notice = ""
	s.publishLocked()

	s.logger.Info("generation requested",
		zap.String("model_id", s.model.ID),
		zap.String("request_id", req.ID),
		zap.Bool("img2img", image != nil),
		zap.Bool("inpaint", mask != nil))
	return nil
}

// Stop cancels the running generation.
func (s *Session) Stop() {
	s.deps.Generation.Stop()
}

// UseLastSeed copies the seed of the latest result into the seed field.
func (s *Session) UseLastSeed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrNotOpen
	}
	if s.lastSeed == nil {
		return ErrNoLastSeed
	}
	s.params.Seed = core.FormatSeed(*s.lastSeed)
	s.scheduleSaveLocked()
	s.publishLocked()
	return nil
}

// ResetDefaults restores the default parameters with the model's prompts.
func (s *Session) ResetDefaults(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	model := s.model
	s.mu.Unlock()

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.debounce.Cancel()
	prefs, err := s.deps.Preferences.Reset(ctx, model.ID, model.DefaultPrompt, model.DefaultNegativePrompt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.params = prefs
	s.publishLocked()
	s.mu.Unlock()
	return nil
}

// Cleanup stops generation and the backend, flushes pending preferences and
// releases every image the session holds.
func (s *Session) Cleanup() {
	s.debounce.Flush()

	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	modelID := s.model.ID
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.watchers.Wait()

	s.deps.Generation.Stop()
	if err := s.deps.Backend.Stop(); err != nil {
		s.logger.Warn("failed to stop backend", zap.Error(err))
	}
	s.deps.Generation.ResetState()

	s.mu.Lock()
	s.resetLocked()
	s.publishLocked()
	s.mu.Unlock()

	if modelID != "" {
		s.logger.Info("session cleaned up", zap.String("model_id", modelID))
	}
}

// Exit cleans up and clears a completed generation so the next session
// starts from Idle.
func (s *Session) Exit() {
	s.Cleanup()
	s.deps.Generation.ClearCompleteState()
}

// Close exits and ends snapshot subscriptions.
func (s *Session) Close() {
	s.Exit()
	s.debounce.Close()
	s.snapshots.Close()
}

func (s *Session) resetLocked() {
	s.open = false
	s.model = models.Model{}
	s.params = preferences.Preferences{}
	s.sourceImage = nil
	s.croppedImage = nil
	s.mask = nil
	s.maskStrokes = nil
	s.inpaint = false
	s.running = false
	s.progress = 0
	s.step, s.totalSteps = 0, 0
	s.errorMsg = ""
	s.notice = ""
	s.backendStatus = backend.NotRunning.String()
	s.backendReady = false
	s.checking = false
	s.result = nil
	s.lastSeed = nil
	s.tmpParams = nil
	s.finalParams = nil
	s.generationTime = ""
	s.genStart = time.Time{}
	s.requestID = ""
	s.historyID = ""
}

func (s *Session) publishLocked() {
	snap := Snapshot{
		Open:            s.open,
		ModelID:         s.model.ID,
		ModelName:       s.model.Name,
		RunOnCPU:        s.model.RunOnCPU,
		Params:          s.params,
		SavePending:     s.debounce.Pending(),
		HasImage:        s.croppedImage != nil,
		HasMask:         s.mask != nil,
		InpaintMode:     s.inpaint,
		MaskStrokes:     len(s.maskStrokes),
		IsRunning:       s.running,
		Progress:        s.progress,
		Step:            s.step,
		TotalSteps:      s.totalSteps,
		CanGenerate:     s.open && s.backendReady && !s.running,
		ErrorMessage:    s.errorMsg,
		Notice:          s.notice,
		BackendStatus:   s.backendStatus,
		BackendReady:    s.backendReady,
		CheckingBackend: s.checking,
		HasResult:       s.result != nil,
		ImageVersion:    s.imageVersion,
		GenerationTime:  s.generationTime,
	}
	if s.lastSeed != nil {
		v := *s.lastSeed
		snap.LastSeed = &v
	}
	if s.finalParams != nil {
		p := s.finalParams.Clone()
		snap.Generation = &p
	}
	s.snapshots.Set(snap)
}
