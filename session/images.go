package session

import (
	"go.uber.org/zap"

	"localdream/core"
	"localdream/imageio"
)

// saveFailed formats a failure to prepare a source image or mask.
func saveFailed(err error) string {
	return "Save failed: " + err.Error()
}

// targetSizeLocked is the edge length generated images will have: the
// preferred size on CPU models, the model's fixed size otherwise.
func (s *Session) targetSizeLocked() int {
	if s.model.RunOnCPU {
		return s.params.Size
	}
	if s.model.GenerationSize > 0 {
		return s.model.GenerationSize
	}
	return core.DefaultGenerationSize
}

// SelectImage decodes data, crops it to a centered square and scales it to
// the generation size. On failure the selection is cleared and the error
// message is shown. A new selection drops any previous mask.
func (s *Session) SelectImage(data []byte) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	size := s.targetSizeLocked()
	s.mu.Unlock()

	cropped, err := imageio.PrepareSource(data, size)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.mask = nil
	s.maskStrokes = nil
	s.inpaint = false
	if err != nil {
		s.sourceImage = nil
		s.croppedImage = nil
		s.notice = saveFailed(err)
		s.publishLocked()
		s.logger.Warn("source image rejected", zap.Error(err))
		return err
	}

	s.sourceImage = append([]byte(nil), data...)
	s.croppedImage = cropped
	s.notice = ""
	s.publishLocked()
	s.logger.Info("source image selected", zap.Int("bytes", len(data)), zap.Int("size", size))
	return nil
}

// SetMask installs an inpaint mask for the selected image. White pixels are
// regenerated. strokes are kept so the mask can be edited again.
func (s *Session) SetMask(png []byte, strokes []Stroke) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.croppedImage == nil {
		s.mu.Unlock()
		return ErrNoImageSelected
	}
	w, _, err := imageio.PNGSize(s.croppedImage)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	mask, coverage, err := imageio.PrepareMask(png, w)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.croppedImage == nil {
		return ErrNoImageSelected
	}
	if err != nil {
		s.mask = nil
		s.maskStrokes = nil
		s.inpaint = false
		s.notice = saveFailed(err)
		s.publishLocked()
		return err
	}

	s.mask = mask
	s.maskStrokes = append([]Stroke(nil), strokes...)
	s.inpaint = true
	s.notice = ""
	s.publishLocked()
	s.logger.Debug("inpaint mask set", zap.Float64("coverage", coverage), zap.Int("strokes", len(strokes)))
	return nil
}

// MaskStrokes returns the strokes of the current mask.
func (s *Session) MaskStrokes() []Stroke {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Stroke(nil), s.maskStrokes...)
}

// ClearImage drops the source image, the mask and inpaint mode.
func (s *Session) ClearImage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceImage = nil
	s.croppedImage = nil
	s.mask = nil
	s.maskStrokes = nil
	s.inpaint = false
	s.publishLocked()
}
