// Package backend manages the local inference server a model runs on: its
// process lifecycle, its published state, and the HTTP health probe.
package backend

import "fmt"

// Status is the coarse lifecycle of the backend.
type Status int

const (
	NotRunning Status = iota
	Starting
	Running
	Failed
)

func (s Status) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText lets Status appear as a string in JSON snapshots.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// State is what the service publishes. Message is set for Failed.
type State struct {
	Status  Status `json:"status"`
	ModelID string `json:"model_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// Active reports whether the backend is up or on its way up.
func (s State) Active() bool {
	return s.Status == Starting || s.Status == Running
}
