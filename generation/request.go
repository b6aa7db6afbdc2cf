package generation

import (
	"errors"
	"fmt"

	"localdream/core"
	"localdream/imageio"
)

// ErrMaskWithoutImage is returned when a request carries a mask but no source image.
var ErrMaskWithoutImage = errors.New("generation: mask requires a source image")

// Request is everything the backend needs for one generation. Image and
// Mask travel in memory as PNG bytes.
type Request struct {
	ID              string
	Prompt          string
	NegativePrompt  string
	Steps           int
	CFG             float64
	Seed            *int64
	Size            int
	DenoiseStrength float64
	Image           []byte
	Mask            []byte
}

// NewRequest builds a request from parameters plus the optional source
// image and inpaint mask.
func NewRequest(p core.GenerationParameters, image, mask []byte) Request {
	r := Request{
		Prompt:          p.Prompt,
		NegativePrompt:  p.NegativePrompt,
		Steps:           p.Steps,
		CFG:             p.CFG,
		Size:            p.Size,
		DenoiseStrength: p.DenoiseStrength,
		Image:           image,
		Mask:            mask,
	}
	if p.Seed != nil {
		s := *p.Seed
		r.Seed = &s
	}
	return r
}

// Params returns the request as generation parameters.
func (r Request) Params() core.GenerationParameters {
	return core.GenerationParameters{
		Steps:           r.Steps,
		CFG:             r.CFG,
		Seed:            r.Seed,
		Prompt:          r.Prompt,
		NegativePrompt:  r.NegativePrompt,
		Size:            r.Size,
		DenoiseStrength: r.DenoiseStrength,
		InputImage:      r.Image,
	}
}

// Validate checks the parameters and the attached images.
func (r Request) Validate() error {
	if err := core.ValidateParameters(r.Params()); err != nil {
		return err
	}
	if len(r.Mask) > 0 && len(r.Image) == 0 {
		return ErrMaskWithoutImage
	}
	if len(r.Image) > 0 {
		if err := imageio.ValidatePNG(r.Image); err != nil {
			return fmt.Errorf("source image: %w", err)
		}
	}
	if len(r.Mask) > 0 {
		if err := imageio.ValidatePNG(r.Mask); err != nil {
			return fmt.Errorf("mask: %w", err)
		}
	}
	return nil
}

type requestBody struct {
	Prompt          string  `json:"prompt"`
	NegativePrompt  string  `json:"negative_prompt"`
	Steps           int     `json:"steps"`
	CFG             float64 `json:"cfg"`
	UseCFG          bool    `json:"use_cfg"`
	Size            int     `json:"size"`
	DenoiseStrength float64 `json:"denoise_strength"`
	Seed            *int64  `json:"seed,omitempty"`
	Image           string  `json:"image,omitempty"`
	Mask            string  `json:"mask,omitempty"`
}

// body is the JSON document posted to /generate. Guidance is only enabled
// when cfg is above 1.
func (r Request) body() requestBody {
	b := requestBody{
		Prompt:          r.Prompt,
		NegativePrompt:  r.NegativePrompt,
		Steps:           r.Steps,
		CFG:             r.CFG,
		UseCFG:          r.CFG > 1.0,
		Size:            r.Size,
		DenoiseStrength: r.DenoiseStrength,
		Seed:            r.Seed,
	}
	if len(r.Image) > 0 {
		b.Image = imageio.EncodeBase64(r.Image)
		if len(r.Mask) > 0 {
			b.Mask = imageio.EncodeBase64(r.Mask)
		}
	}
	return b
}
