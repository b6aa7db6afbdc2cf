package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsStore keeps a ring of recent tasks plus running totals, and mirrors
// every observation into its own Prometheus registry.
type MetricsStore struct {
	mu sync.RWMutex

	taskHistory []TaskRecord
	taskCap     int
	taskHead    int
	taskSize    int

	totalTasks   int64
	totalSuccess int64
	totalErrors  int64
	taskByType   map[string]*taskTypeStats

	probes        int64
	probeFailures int64
	backendStatus string
	modelID       string

	startTime time.Time
	version   string

	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	probesTotal  *prometheus.CounterVec
	backendUp    prometheus.Gauge
}

type taskTypeStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// StoreConfig configures a MetricsStore.
type StoreConfig struct {
	// TaskHistoryCapacity is the number of tasks kept for GetRecentTasks.
	TaskHistoryCapacity int
	Version             string
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TaskHistoryCapacity: 100,
		Version:             "0.0.0",
	}
}

// NewMetricsStore creates a store. startTime is used for uptime.
func NewMetricsStore(config StoreConfig, startTime time.Time) *MetricsStore {
	capacity := config.TaskHistoryCapacity
	if capacity < 1 {
		capacity = 100
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	s := &MetricsStore{
		taskHistory:   make([]TaskRecord, capacity),
		taskCap:       capacity,
		taskByType:    make(map[string]*taskTypeStats),
		backendStatus: "not_running",
		startTime:     startTime,
		version:       config.Version,
		registry:      reg,

		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localdream_tasks_total",
				Help: "Finished tasks by type and status",
			},
			[]string{"type", "status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "localdream_task_duration_seconds",
				Help:    "Task wall time in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"type"},
		),
		probesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localdream_backend_health_probes_total",
				Help: "Backend health probes by result",
			},
			[]string{"result"},
		),
		backendUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "localdream_backend_up",
				Help: "1 while the backend is running and healthy",
			},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "localdream_uptime_seconds",
			Help:        "Seconds since the daemon started",
			ConstLabels: prometheus.Labels{"version": config.Version},
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
	return s
}

// RecordTask adds a finished task.
func (s *MetricsStore) RecordTask(task TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.taskHistory[s.taskHead] = task
	s.taskHead = (s.taskHead + 1) % s.taskCap
	if s.taskSize < s.taskCap {
		s.taskSize++
	}

	s.totalTasks++
	switch task.Status {
	case TaskStatusSuccess:
		s.totalSuccess++
	case TaskStatusError:
		s.totalErrors++
	}

	stats, ok := s.taskByType[task.Type]
	if !ok {
		stats = &taskTypeStats{}
		s.taskByType[task.Type] = stats
	}
	stats.count++
	if task.Status == TaskStatusSuccess {
		stats.successCount++
	}
	stats.totalDuration += task.Duration

	s.tasksTotal.WithLabelValues(task.Type, task.Status).Inc()
	if task.Duration > 0 {
		s.taskDuration.WithLabelValues(task.Type).Observe(task.Duration.Seconds())
	}
}

// ObserveHealthProbe counts one health attempt.
func (s *MetricsStore) ObserveHealthProbe(ok bool) {
	s.mu.Lock()
	s.probes++
	if !ok {
		s.probeFailures++
	}
	s.mu.Unlock()

	result := "success"
	if !ok {
		result = "failure"
	}
	s.probesTotal.WithLabelValues(result).Inc()
}

// SetBackendStatus records the backend lifecycle status.
func (s *MetricsStore) SetBackendStatus(modelID, status string) {
	s.mu.Lock()
	s.modelID = modelID
	s.backendStatus = status
	s.mu.Unlock()

	if status == "running" {
		s.backendUp.Set(1)
	} else {
		s.backendUp.Set(0)
	}
}

// GetTaskMetrics returns aggregated statistics.
func (s *MetricsStore) GetTaskMetrics() TaskMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := TaskMetrics{
		TotalProcessed: s.totalTasks,
		TotalSuccess:   s.totalSuccess,
		TotalErrors:    s.totalErrors,
		ByType:         make(map[string]*TaskTypeMetrics, len(s.taskByType)),
	}
	for taskType, stats := range s.taskByType {
		var successRate float64
		var avg time.Duration
		if stats.count > 0 {
			successRate = float64(stats.successCount) / float64(stats.count) * 100
			avg = stats.totalDuration / time.Duration(stats.count)
		}
		m.ByType[taskType] = &TaskTypeMetrics{
			Count:       stats.count,
			SuccessRate: successRate,
			AvgDuration: avg,
		}
	}
	return m
}

// GetRecentTasks returns up to limit of the newest tasks, oldest first.
func (s *MetricsStore) GetRecentTasks(limit int) []TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || s.taskSize == 0 {
		return []TaskRecord{}
	}
	if limit > s.taskSize {
		limit = s.taskSize
	}

	result := make([]TaskRecord, limit)
	for i := 0; i < limit; i++ {
		idx := (s.taskHead - limit + i + s.taskCap) % s.taskCap
		result[i] = s.taskHistory[idx]
	}
	return result
}

// GetSystemStatus derives health from the backend status.
func (s *MetricsStore) GetSystemStatus() SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	health := SystemHealthStopped
	switch s.backendStatus {
	case "running", "starting":
		health = SystemHealthRunning
	case "failed":
		health = SystemHealthError
	}

	return SystemStatus{
		Health:              health,
		Version:             s.version,
		Uptime:              time.Since(s.startTime),
		LastCheck:           time.Now(),
		BackendStatus:       s.backendStatus,
		ModelID:             s.modelID,
		HealthProbes:        s.probes,
		HealthProbeFailures: s.probeFailures,
	}
}

// Registry returns the Prometheus registry backing the store.
func (s *MetricsStore) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *MetricsStore) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

var _ Collector = (*MetricsStore)(nil)
