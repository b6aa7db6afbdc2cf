package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsStore_RecordTask(t *testing.T) {
	s := NewMetricsStore(StoreConfig{TaskHistoryCapacity: 3, Version: "1.2.3"}, time.Now())

	s.RecordTask(TaskRecord{ID: "a", Type: TaskTypeGenerate, Status: TaskStatusSuccess, Duration: 2 * time.Second})
	s.RecordTask(TaskRecord{ID: "b", Type: TaskTypeGenerate, Status: TaskStatusError, Duration: 4 * time.Second})
	s.RecordTask(TaskRecord{ID: "c", Type: TaskTypeSave, Status: TaskStatusSuccess})

	m := s.GetTaskMetrics()
	if m.TotalProcessed != 3 || m.TotalSuccess != 2 || m.TotalErrors != 1 {
		t.Errorf("totals = %+v", m)
	}
	gen := m.ByType[TaskTypeGenerate]
	if gen == nil || gen.Count != 2 || gen.SuccessRate != 50 || gen.AvgDuration != 3*time.Second {
		t.Errorf("generate stats = %+v", gen)
	}

	if got := testutil.ToFloat64(s.tasksTotal.WithLabelValues(TaskTypeGenerate, TaskStatusError)); got != 1 {
		t.Errorf("prometheus error counter = %v", got)
	}
	if got := testutil.CollectAndCount(s.taskDuration); got != 1 {
		t.Errorf("duration series = %d, want 1 (save has no duration)", got)
	}
}

func TestMetricsStore_RecentTasksWraps(t *testing.T) {
	s := NewMetricsStore(StoreConfig{TaskHistoryCapacity: 3}, time.Now())
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		s.RecordTask(TaskRecord{ID: id, Type: TaskTypeGenerate, Status: TaskStatusSuccess})
	}

	tests := []struct {
		limit int
		want  string
	}{
		{0, ""},
		{2, "45"},
		{3, "345"},
		{10, "345"},
	}
	for _, tt := range tests {
		var ids strings.Builder
		for _, r := range s.GetRecentTasks(tt.limit) {
			ids.WriteString(r.ID)
		}
		if ids.String() != tt.want {
			t.Errorf("GetRecentTasks(%d) = %q, want %q", tt.limit, ids.String(), tt.want)
		}
	}
}

func TestMetricsStore_SystemStatus(t *testing.T) {
	s := NewMetricsStore(DefaultStoreConfig(), time.Now().Add(-time.Minute))

	if st := s.GetSystemStatus(); st.Health != SystemHealthStopped || st.BackendStatus != "not_running" {
		t.Errorf("initial = %+v", st)
	}

	tests := []struct {
		status string
		health string
		up     float64
	}{
		{"starting", SystemHealthRunning, 0},
		{"running", SystemHealthRunning, 1},
		{"failed", SystemHealthError, 0},
		{"not_running", SystemHealthStopped, 0},
	}
	for _, tt := range tests {
		s.SetBackendStatus("sd15", tt.status)
		st := s.GetSystemStatus()
		if st.Health != tt.health || st.ModelID != "sd15" {
			t.Errorf("%s: status = %+v", tt.status, st)
		}
		if got := testutil.ToFloat64(s.backendUp); got != tt.up {
			t.Errorf("%s: backend_up = %v, want %v", tt.status, got, tt.up)
		}
	}

	s.ObserveHealthProbe(false)
	s.ObserveHealthProbe(false)
	s.ObserveHealthProbe(true)
	st := s.GetSystemStatus()
	if st.HealthProbes != 3 || st.HealthProbeFailures != 2 {
		t.Errorf("probes = %d/%d", st.HealthProbes, st.HealthProbeFailures)
	}
	if st.Uptime < time.Minute || st.Version != "0.0.0" {
		t.Errorf("uptime/version = %v/%s", st.Uptime, st.Version)
	}
}

func TestMetricsStore_Handler(t *testing.T) {
	s := NewMetricsStore(DefaultStoreConfig(), time.Now())
	s.ObserveHealthProbe(true)
	s.RecordTask(TaskRecord{Type: TaskTypeReport, Status: TaskStatusSuccess, Duration: time.Second})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`localdream_backend_health_probes_total{result="success"} 1`,
		`localdream_tasks_total{status="success",type="report"} 1`,
		"localdream_uptime_seconds",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
