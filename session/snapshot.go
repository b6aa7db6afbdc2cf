package session

import (
	"localdream/core"
	"localdream/preferences"
)

// Point is one position of a mask brush stroke, in cropped-image pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one brush path drawn on the mask. The session keeps strokes so
// a client can reopen the mask editor where it left off.
type Stroke struct {
	Points    []Point `json:"points"`
	BrushSize float64 `json:"brush_size"`
	Erase     bool    `json:"erase,omitempty"`
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	Open      bool   `json:"open"`
	ModelID   string `json:"model_id,omitempty"`
	ModelName string `json:"model_name,omitempty"`
	RunOnCPU  bool   `json:"run_on_cpu"`

	Params      preferences.Preferences `json:"params"`
	SavePending bool                    `json:"save_pending"`

	HasImage    bool `json:"has_image"`
	HasMask     bool `json:"has_mask"`
	InpaintMode bool `json:"inpaint_mode"`
	MaskStrokes int  `json:"mask_strokes"`

	IsRunning   bool    `json:"is_running"`
	Progress    float64 `json:"progress"`
	Step        int     `json:"step"`
	TotalSteps  int     `json:"total_steps"`
	CanGenerate bool    `json:"can_generate"`

	ErrorMessage string `json:"error_message,omitempty"`
	Notice       string `json:"notice,omitempty"`

	BackendStatus   string `json:"backend_status"`
	BackendReady    bool   `json:"backend_ready"`
	CheckingBackend bool   `json:"checking_backend"`

	HasResult      bool                       `json:"has_result"`
	ImageVersion   int                        `json:"image_version"`
	LastSeed       *int64                     `json:"last_seed,omitempty"`
	Generation     *core.GenerationParameters `json:"generation,omitempty"`
	GenerationTime string                     `json:"generation_time,omitempty"`
}
