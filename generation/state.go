// Package generation talks to the backend's /generate endpoint and publishes
// the progress of the request in flight as an ordered stream of states.
package generation

import "time"

// Kind names a State variant.
type Kind string

const (
	KindIdle     Kind = "idle"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// State is one of Idle, Progress, Complete or Error.
type State interface {
	Kind() Kind
}

// Idle means nothing is running and no result is pending.
type Idle struct{}

// Progress reports denoising progress. Fraction is Step/TotalSteps.
type Progress struct {
	Fraction   float64
	Step       int
	TotalSteps int
}

// Complete carries the finished image as PNG.
type Complete struct {
	Image         []byte
	Seed          *int64
	Width         int
	Height        int
	BackendTime   time.Duration
	FirstStepTime time.Duration
}

// Error carries the backend's message verbatim.
type Error struct {
	Message string
}

func (Idle) Kind() Kind     { return KindIdle }
func (Progress) Kind() Kind { return KindProgress }
func (Complete) Kind() Kind { return KindComplete }
func (Error) Kind() Kind    { return KindError }

// Running reports whether s is a Progress state.
func Running(s State) bool {
	_, ok := s.(Progress)
	return ok
}

func newProgress(step, total int) Progress {
	p := Progress{Step: step, TotalSteps: total}
	if total > 0 {
		p.Fraction = float64(step) / float64(total)
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}
	return p
}
