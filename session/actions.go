package session

import (
	"context"

	"go.uber.org/zap"

	"localdream/db"
	"localdream/metrics"
)

// SaveImage writes the latest result to the gallery and returns its path.
// The outcome is also shown as the session notice.
func (s *Session) SaveImage(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return "", ErrNotOpen
	}
	if s.result == nil {
		s.mu.Unlock()
		return "", ErrNoResult
	}
	png := s.result
	modelID, historyID := s.model.ID, s.historyID
	s.mu.Unlock()

	start := s.now()
	path, err := s.deps.Gallery.Save(png)
	task := metrics.TaskRecord{
		ID:        historyID,
		Type:      metrics.TaskTypeSave,
		ModelID:   modelID,
		Status:    metrics.TaskStatusSuccess,
		StartTime: start,
		EndTime:   s.now(),
	}
	task.Duration = task.EndTime.Sub(start)

	s.mu.Lock()
	if err != nil {
		s.notice = err.Error()
		task.Status = metrics.TaskStatusError
		task.ErrorMsg = err.Error()
	} else {
		s.notice = "Image saved to " + path
	}
	s.publishLocked()
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTask(task)
	}
	if err != nil {
		return "", err
	}

	if historyID != "" && s.deps.History != nil {
		if herr := s.deps.History.SetHistoryImagePath(ctx, historyID, path); herr != nil {
			s.logger.Warn("failed to link saved image to history", zap.String("history_id", historyID), zap.Error(herr))
		}
	}
	return path, nil
}

// Report sends the latest result and the parameters that produced it to
// the report endpoint. The outcome is shown as the session notice.
func (s *Session) Report(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.result == nil || s.finalParams == nil {
		s.mu.Unlock()
		return ErrNoResult
	}
	png := s.result
	params := s.finalParams.Clone()
	model := s.model
	historyID := s.historyID
	s.mu.Unlock()

	start := s.now()
	err := s.deps.Reporter.Report(ctx, model.Name, params, png)
	task := metrics.TaskRecord{
		ID:        historyID,
		Type:      metrics.TaskTypeReport,
		ModelID:   model.ID,
		Status:    metrics.TaskStatusSuccess,
		StartTime: start,
		EndTime:   s.now(),
	}
	task.Duration = task.EndTime.Sub(start)

	s.mu.Lock()
	s.notice = ReportThanks
	if err != nil {
		s.notice = err.Error()
		task.Status = metrics.TaskStatusError
		task.ErrorMsg = s.notice
	}
	s.publishLocked()
	s.mu.Unlock()

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordTask(task)
	}
	return err
}

// History returns recent generations of the open model, newest first.
func (s *Session) History(ctx context.Context, limit int) ([]db.HistoryRecord, error) {
	if s.deps.History == nil {
		return nil, nil
	}
	s.mu.Lock()
	modelID := s.model.ID
	s.mu.Unlock()
	return s.deps.History.RecentHistory(ctx, modelID, limit)
}

// DismissMessages clears the error and notice lines.
func (s *Session) DismissMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorMsg = ""
	s.notice = ""
	s.publishLocked()
}
