package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// ErrBackendUnhealthy is returned by WaitHealthy when the deadline passes
// without a successful probe.
var ErrBackendUnhealthy = errors.New("backend: health check deadline exceeded")

// HealthConfig configures the probe.
type HealthConfig struct {
	// BaseURL is the backend root, e.g. http://localhost:8081.
	BaseURL string

	// Interval between attempts. Defaults to 100ms.
	Interval time.Duration

	// Deadline for WaitHealthy. Defaults to 60s.
	Deadline time.Duration

	// AttemptTimeout bounds a single probe. Defaults to Interval.
	AttemptTimeout time.Duration

	// OnAttempt is called after every probe with its outcome. Optional.
	OnAttempt func(ok bool)
}

// HealthStats summarizes probe activity since the checker was created.
type HealthStats struct {
	Attempts    int64
	Failures    int64
	LastError   string
	LastSuccess time.Time
}

// HealthChecker polls GET <base>/health.
type HealthChecker struct {
	cfg    HealthConfig
	client *resty.Client

	attempts atomic.Int64
	failures atomic.Int64

	mu          sync.RWMutex
	lastErr     string
	lastSuccess time.Time
}

// NewHealthChecker applies defaults and builds the HTTP client.
func NewHealthChecker(cfg HealthConfig) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 60 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = cfg.Interval
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.AttemptTimeout).
		SetHeader("User-Agent", "localdream-health/1.0")

	return &HealthChecker{cfg: cfg, client: client}
}

// Check runs one probe. Any 2xx response is healthy.
func (h *HealthChecker) Check(ctx context.Context) error {
	h.attempts.Add(1)

	resp, err := h.client.R().SetContext(ctx).Get("/health")
	if err == nil && !resp.IsSuccess() {
		err = fmt.Errorf("health endpoint returned %d", resp.StatusCode())
	}

	if err != nil {
		h.failures.Add(1)
		h.mu.Lock()
		h.lastErr = err.Error()
		h.mu.Unlock()
	} else {
		h.mu.Lock()
		h.lastErr = ""
		h.lastSuccess = time.Now()
		h.mu.Unlock()
	}

	if h.cfg.OnAttempt != nil {
		h.cfg.OnAttempt(err == nil)
	}
	return err
}

// WaitHealthy probes immediately and then every Interval. It returns nil on
// the first success, ErrBackendUnhealthy once the deadline passes, or the
// context's error if ctx ends first.
func (h *HealthChecker) WaitHealthy(ctx context.Context) error {
	deadline := time.NewTimer(h.cfg.Deadline)
	defer deadline.Stop()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if h.Check(ctx) == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrBackendUnhealthy
		case <-ticker.C:
		}
	}
}

// Stats returns probe counters.
func (h *HealthChecker) Stats() HealthStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthStats{
		Attempts:    h.attempts.Load(),
		Failures:    h.failures.Load(),
		LastError:   h.lastErr,
		LastSuccess: h.lastSuccess,
	}
}

// Port returns the port of BaseURL, or 0 if it cannot be determined.
func (h *HealthChecker) Port() int {
	return portOf(h.cfg.BaseURL)
}
