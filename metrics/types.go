// Package metrics records what the daemon did: generations, saves, reports
// and backend health. Values are kept in memory for the control API and
// exported to Prometheus.
package metrics

import "time"

// TaskRecord is one finished unit of work.
type TaskRecord struct {
	// ID is the generation request id or a history row id.
	ID string `json:"id"`

	// Type is one of the TaskType constants.
	Type string `json:"type"`

	ModelID string `json:"model_id"`

	// Status is "success", "error" or "cancelled".
	Status string `json:"status"`

	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time,omitempty"`
	Duration  time.Duration `json:"duration"`

	ErrorMsg string `json:"error_msg,omitempty"`
}

// SystemStatus is the overall daemon health.
type SystemStatus struct {
	// Health is "running", "error" or "stopped", derived from the backend.
	Health string `json:"health"`

	Version       string        `json:"version"`
	Uptime        time.Duration `json:"uptime"`
	LastCheck     time.Time     `json:"last_check"`
	BackendStatus string        `json:"backend_status"`
	ModelID       string        `json:"model_id,omitempty"`

	HealthProbes        int64 `json:"health_probes"`
	HealthProbeFailures int64 `json:"health_probe_failures"`
}

// TaskMetrics aggregates every recorded task.
type TaskMetrics struct {
	TotalProcessed int64                       `json:"total_processed"`
	TotalSuccess   int64                       `json:"total_success"`
	TotalErrors    int64                       `json:"total_errors"`
	ByType         map[string]*TaskTypeMetrics `json:"by_type"`
}

// TaskTypeMetrics aggregates one task type.
type TaskTypeMetrics struct {
	Count       int64         `json:"count"`
	SuccessRate float64       `json:"success_rate"` // 0-100
	AvgDuration time.Duration `json:"avg_duration"`
}

const (
	TaskStatusSuccess   = "success"
	TaskStatusError     = "error"
	TaskStatusCancelled = "cancelled"
)

const (
	SystemHealthRunning = "running"
	SystemHealthError   = "error"
	SystemHealthStopped = "stopped"
)

const (
	TaskTypeGenerate = "generate"
	TaskTypeSave     = "save"
	TaskTypeReport   = "report"
)
