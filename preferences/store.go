// Package preferences persists the per-model generation settings.
package preferences

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"localdream/core"
	"localdream/db"
	"localdream/logging"
)

// ErrNoModel is returned when a call is made without a model id.
var ErrNoModel = errors.New("preferences: model id is required")

// Preferences are the fields a model remembers between sessions. Seed is the
// text the user typed; empty means random.
type Preferences struct {
	Prompt          string  `json:"prompt"`
	NegativePrompt  string  `json:"negative_prompt"`
	Steps           int     `json:"steps"`
	CFG             float64 `json:"cfg"`
	Seed            string  `json:"seed"`
	Size            int     `json:"size"`
	DenoiseStrength float64 `json:"denoise_strength"`
}

// Defaults returns the reset values with the given prompts.
func Defaults(prompt, negativePrompt string) Preferences {
	return Preferences{
		Prompt:          prompt,
		NegativePrompt:  negativePrompt,
		Steps:           core.DefaultSteps,
		CFG:             core.DefaultCFG,
		Seed:            "",
		Size:            core.DefaultSize,
		DenoiseStrength: core.DefaultDenoiseStrength,
	}
}

// Store reads and writes preferences through the database repository.
type Store struct {
	repo   *db.Repository
	logger *logging.Logger
}

// NewStore returns a store over repo.
func NewStore(repo *db.Repository, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Store{repo: repo, logger: logger.Named("preferences")}
}

// Get returns the saved preferences for modelID. When nothing has been saved
// it returns Defaults("", "") and false.
func (s *Store) Get(ctx context.Context, modelID string) (Preferences, bool, error) {
	if modelID == "" {
		return Preferences{}, false, ErrNoModel
	}
	rec, ok, err := s.repo.GetPreferences(ctx, modelID)
	if err != nil {
		return Preferences{}, false, err
	}
	if !ok {
		return Defaults("", ""), false, nil
	}
	return Preferences{
		Prompt:          rec.Prompt,
		NegativePrompt:  rec.NegativePrompt,
		Steps:           rec.Steps,
		CFG:             rec.CFG,
		Seed:            rec.Seed,
		Size:            rec.Size,
		DenoiseStrength: rec.DenoiseStrength,
	}, true, nil
}

// SaveAll writes every field.
func (s *Store) SaveAll(ctx context.Context, modelID string, p Preferences) error {
	if modelID == "" {
		return ErrNoModel
	}
	err := s.repo.UpsertPreferences(ctx, db.PreferenceRecord{
		ModelID:         modelID,
		Prompt:          p.Prompt,
		NegativePrompt:  p.NegativePrompt,
		Steps:           p.Steps,
		CFG:             p.CFG,
		Seed:            p.Seed,
		Size:            p.Size,
		DenoiseStrength: p.DenoiseStrength,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("preferences saved", zap.String("model_id", modelID))
	return nil
}

// SavePrompt writes only the prompt.
func (s *Store) SavePrompt(ctx context.Context, modelID, prompt string) error {
	if modelID == "" {
		return ErrNoModel
	}
	return s.repo.UpdatePreferenceColumn(ctx, modelID, "prompt", prompt)
}

// SaveNegativePrompt writes only the negative prompt.
func (s *Store) SaveNegativePrompt(ctx context.Context, modelID, negativePrompt string) error {
	if modelID == "" {
		return ErrNoModel
	}
	return s.repo.UpdatePreferenceColumn(ctx, modelID, "negative_prompt", negativePrompt)
}

// Clear forgets the saved row so the next Get returns defaults.
func (s *Store) Clear(ctx context.Context, modelID string) error {
	if modelID == "" {
		return ErrNoModel
	}
	if err := s.repo.DeletePreferences(ctx, modelID); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	s.logger.Info("preferences cleared", zap.String("model_id", modelID))
	return nil
}

// Reset restores the defaults, keeping the model's default prompts, and
// returns what was written.
func (s *Store) Reset(ctx context.Context, modelID, defaultPrompt, defaultNegativePrompt string) (Preferences, error) {
	p := Defaults(defaultPrompt, defaultNegativePrompt)
	if err := s.SaveAll(ctx, modelID, p); err != nil {
		return Preferences{}, fmt.Errorf("reset: %w", err)
	}
	s.logger.Info("preferences reset", zap.String("model_id", modelID))
	return p, nil
}
