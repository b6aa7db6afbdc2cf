package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"localdream/backend"
	"localdream/core"
	"localdream/db"
	"localdream/flow"
	"localdream/generation"
	"localdream/metrics"
)

func newRequestID() string {
	return uuid.NewString()
}

func (s *Session) watchGeneration(ctx context.Context, sub *flow.Subscription[generation.State]) {
	defer s.watchers.Done()
	defer sub.Close()

	first := true
	for {
		st, err := sub.Next(ctx)
		if err != nil {
			return
		}
		// The first value is whatever the service last published. Only a
		// generation still in flight is picked up; an old result belongs to
		// an earlier session.
		if first {
			first = false
			if !generation.Running(st) {
				continue
			}
		}
		s.apply(st)
	}
}

// apply folds one generation state into the session, in emission order.
func (s *Session) apply(st generation.State) {
	var task *metrics.TaskRecord
	var hist *db.HistoryRecord

	s.mu.Lock()
	switch st := st.(type) {
	case generation.Progress:
		if s.progress == 0 && s.genStart.IsZero() {
			s.genStart = s.now()
		}
		s.progress = st.Fraction
		s.step = st.Step
		s.totalSteps = st.TotalSteps
		s.running = true

	case generation.Complete:
		end := s.now()
		s.result = st.Image
		s.imageVersion++
		if st.Seed != nil {
			v := *st.Seed
			s.lastSeed = &v
		}
		s.running = false
		s.progress = 0
		s.step, s.totalSteps = 0, 0

		var genTime *string
		if !s.genStart.IsZero() {
			t := core.FormatGenerationTime(end.Sub(s.genStart))
			genTime = &t
		}
		s.finalParams = s.finalizeLocked(genTime)
		s.generationTime = ""
		if genTime != nil {
			s.generationTime = *genTime
		}

		task, hist = s.outcomeLocked(end, metrics.TaskStatusSuccess, "")
		s.historyID = hist.ID
		s.genStart = time.Time{}

	case generation.Error:
		end := s.now()
		s.errorMsg = st.Message
		s.running = false
		s.progress = 0
		s.step, s.totalSteps = 0, 0
		task, hist = s.outcomeLocked(end, metrics.TaskStatusError, st.Message)
		s.genStart = time.Time{}

	case generation.Idle:
		if s.running && s.requestID != "" {
			task = &metrics.TaskRecord{
				ID:        s.requestID,
				Type:      metrics.TaskTypeGenerate,
				ModelID:   s.model.ID,
				Status:    metrics.TaskStatusCancelled,
				StartTime: s.genStart,
				EndTime:   s.now(),
			}
		}
		s.running = false
		s.progress = 0
		s.step, s.totalSteps = 0, 0
		s.genStart = time.Time{}
	}
	s.publishLocked()
	s.mu.Unlock()

	if task != nil && s.deps.Metrics != nil {
		s.deps.Metrics.RecordTask(*task)
	}
	if hist != nil && s.deps.History != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := s.deps.History.InsertHistory(ctx, *hist); err != nil {
			s.logger.Warn("failed to record generation history", zap.Error(err))
		}
	}
}

// finalizeLocked builds the parameters that describe the image on screen:
// the request as sent plus the returned seed and the measured time.
func (s *Session) finalizeLocked(genTime *string) *core.GenerationParameters {
	var base core.GenerationParameters
	if s.tmpParams != nil {
		base = s.tmpParams.Clone()
	} else {
		base = core.GenerationParameters{
			Steps:           s.params.Steps,
			CFG:             s.params.CFG,
			Prompt:          s.params.Prompt,
			NegativePrompt:  s.params.NegativePrompt,
			Size:            s.targetSizeLocked(),
			DenoiseStrength: s.params.DenoiseStrength,
		}
	}

	final := core.GenerationParameters{
		Steps:           base.Steps,
		CFG:             base.CFG,
		Prompt:          base.Prompt,
		NegativePrompt:  base.NegativePrompt,
		Size:            base.Size,
		GenerationTime:  genTime,
		RunOnCPU:        s.model.RunOnCPU,
		DenoiseStrength: base.DenoiseStrength,
	}
	if s.lastSeed != nil {
		v := *s.lastSeed
		final.Seed = &v
	}
	return &final
}

// outcomeLocked builds the metrics and history records for a finished request.
func (s *Session) outcomeLocked(end time.Time, status, errMsg string) (*metrics.TaskRecord, *db.HistoryRecord) {
	id := s.requestID
	if id == "" {
		id = newRequestID()
	}

	var elapsed time.Duration
	if !s.genStart.IsZero() {
		elapsed = end.Sub(s.genStart)
	}
	task := &metrics.TaskRecord{
		ID:        id,
		Type:      metrics.TaskTypeGenerate,
		ModelID:   s.model.ID,
		Status:    status,
		StartTime: s.genStart,
		EndTime:   end,
		Duration:  elapsed,
		ErrorMsg:  errMsg,
	}

	hist := &db.HistoryRecord{
		ID:             id,
		ModelID:        s.model.ID,
		RunOnCPU:       s.model.RunOnCPU,
		Status:         db.StatusComplete,
		ErrorMessage:   errMsg,
		GenerationTime: s.generationTime,
	}
	if status == metrics.TaskStatusError {
		hist.Status = db.StatusError
		hist.GenerationTime = ""
	}
	p := s.finalParams
	if status == metrics.TaskStatusError || p == nil {
		p = s.tmpParams
	}
	if p != nil {
		hist.Prompt = p.Prompt
		hist.NegativePrompt = p.NegativePrompt
		hist.Steps = p.Steps
		hist.CFG = p.CFG
		hist.Size = p.Size
		if status == metrics.TaskStatusSuccess && p.Seed != nil {
			v := *p.Seed
			hist.Seed = &v
		}
	}
	s.requestID = ""
	return task, hist
}

func (s *Session) watchBackend(ctx context.Context, sub *flow.Subscription[backend.State]) {
	defer s.watchers.Done()
	defer sub.Close()

	for {
		st, err := sub.Next(ctx)
		if err != nil {
			return
		}

		s.mu.Lock()
		if st.ModelID != "" && st.ModelID != s.model.ID {
			s.mu.Unlock()
			continue
		}
		prev := s.backendStatus
		s.backendStatus = st.Status.String()
		switch st.Status {
		case backend.Starting:
			s.checking = true
			s.backendReady = false
		case backend.Running:
			s.checking = false
			s.backendReady = true
		case backend.Failed:
			s.checking = false
			s.backendReady = false
			if prev != backend.Failed.String() {
				s.errorMsg = st.Message
			}
		case backend.NotRunning:
			s.checking = false
			s.backendReady = false
		}
		modelID := s.model.ID
		s.publishLocked()
		s.mu.Unlock()

		if s.deps.Metrics != nil {
			s.deps.Metrics.SetBackendStatus(modelID, st.Status.String())
		}
	}
}
