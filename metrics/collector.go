package metrics

import "net/http"

// Collector is what the session and the control API need from metrics.
// Implementations are safe for concurrent use.
type Collector interface {
	// RecordTask adds a finished task.
	RecordTask(task TaskRecord)

	// ObserveHealthProbe counts one backend health attempt.
	ObserveHealthProbe(ok bool)

	// SetBackendStatus records the backend lifecycle status for modelID.
	SetBackendStatus(modelID, status string)

	GetTaskMetrics() TaskMetrics

	// GetRecentTasks returns up to limit tasks, oldest first.
	GetRecentTasks(limit int) []TaskRecord

	GetSystemStatus() SystemStatus

	// Handler serves the Prometheus exposition format.
	Handler() http.Handler
}
