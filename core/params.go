package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// GenerationParameters describes one generation request as the user configured it.
// A temporary copy is built before each request; once the backend reports
// completion it is replaced by a final copy carrying the seed that was actually
// used and the measured generation time.
type GenerationParameters struct {
	Steps           int     `json:"steps"`
	CFG             float64 `json:"cfg"`
	Seed            *int64  `json:"seed"` // nil means random
	Prompt          string  `json:"prompt"`
	NegativePrompt  string  `json:"negative_prompt"`
	GenerationTime  *string `json:"generation_time"`
	Size            int     `json:"size"` // square edge length in pixels
	RunOnCPU        bool    `json:"run_on_cpu"`
	DenoiseStrength float64 `json:"denoise_strength"` // img2img only
	InputImage      []byte  `json:"-"`
}

// Parameter limits
const (
	MinSteps = 1
	MaxSteps = 100

	MinCFG = 1.0
	MaxCFG = 30.0

	MinImageSize      = 128
	MaxImageSize      = 2048
	ImageSizeMultiple = 8

	MaxPromptLength = 1000
)

// Defaults restored by a preferences reset.
const (
	DefaultSteps           = 20
	DefaultCFG             = 7.0
	DefaultSize            = 256
	DefaultDenoiseStrength = 0.6
	DefaultGenerationSize  = 512
)

var (
	ErrInvalidPrompt = errors.New("core: invalid prompt")
	ErrInvalidParams = errors.New("core: invalid generation parameters")
	ErrInvalidSeed   = errors.New("core: invalid seed")
)

// DefaultParameters returns the parameters a fresh model starts with.
func DefaultParameters() GenerationParameters {
	return GenerationParameters{
		Steps:           DefaultSteps,
		CFG:             DefaultCFG,
		Size:            DefaultSize,
		DenoiseStrength: DefaultDenoiseStrength,
	}
}

// Clone returns a deep copy so callers can hand parameters across goroutines.
func (p GenerationParameters) Clone() GenerationParameters {
	out := p
	if p.Seed != nil {
		s := *p.Seed
		out.Seed = &s
	}
	if p.GenerationTime != nil {
		g := *p.GenerationTime
		out.GenerationTime = &g
	}
	if p.InputImage != nil {
		out.InputImage = append([]byte(nil), p.InputImage...)
	}
	return out
}

// ValidatePrompt validates a prompt string for image generation.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}
	if strings.ContainsRune(prompt, '\x00') {
		return fmt.Errorf("%w: prompt contains null bytes", ErrInvalidPrompt)
	}
	if len(prompt) > MaxPromptLength {
		return fmt.Errorf("%w: prompt length %d exceeds maximum %d",
			ErrInvalidPrompt, len(prompt), MaxPromptLength)
	}
	return nil
}

// ValidateSize checks a square edge length.
func ValidateSize(size int) error {
	if size < MinImageSize || size > MaxImageSize {
		return fmt.Errorf("%w: size %d must be between %d and %d",
			ErrInvalidParams, size, MinImageSize, MaxImageSize)
	}
	if size%ImageSizeMultiple != 0 {
		return fmt.Errorf("%w: size %d must be divisible by %d",
			ErrInvalidParams, size, ImageSizeMultiple)
	}
	return nil
}

// ValidateParameters validates generation parameters and returns an error if invalid.
func ValidateParameters(p GenerationParameters) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}
	if len(p.NegativePrompt) > MaxPromptLength {
		return fmt.Errorf("%w: negative prompt length %d exceeds maximum %d",
			ErrInvalidParams, len(p.NegativePrompt), MaxPromptLength)
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: steps %d must be between %d and %d",
			ErrInvalidParams, p.Steps, MinSteps, MaxSteps)
	}
	if p.CFG < MinCFG || p.CFG > MaxCFG {
		return fmt.Errorf("%w: cfg %.2f must be between %.1f and %.1f",
			ErrInvalidParams, p.CFG, MinCFG, MaxCFG)
	}
	if err := ValidateSize(p.Size); err != nil {
		return err
	}
	if p.DenoiseStrength < 0 || p.DenoiseStrength > 1 {
		return fmt.Errorf("%w: denoise strength %.2f must be within [0, 1]",
			ErrInvalidParams, p.DenoiseStrength)
	}
	if p.Seed != nil && *p.Seed < 0 {
		return fmt.Errorf("%w: %d is negative", ErrInvalidSeed, *p.Seed)
	}
	return nil
}

// ParseSeed converts the seed text field into an optional seed.
// Empty text means a random seed.
func ParseSeed(text string) (*int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a whole number", ErrInvalidSeed, text)
	}
	if v < 0 {
		return nil, fmt.Errorf("%w: %d is negative", ErrInvalidSeed, v)
	}
	return &v, nil
}

// FormatSeed renders a seed for the seed text field.
func FormatSeed(seed int64) string {
	return strconv.FormatInt(seed, 10)
}
