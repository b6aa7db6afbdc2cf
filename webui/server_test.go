package webui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"localdream/core"
	"localdream/db"
	"localdream/logging"
	"localdream/metrics"
	"localdream/models"
	"localdream/report"
	"localdream/session"
	"localdream/webui/auth"
)

const testCatalog = `
models:
  - id: sd15
    name: Stable Diffusion 1.5
    generation_size: 512
    default_prompt: a lighthouse at dusk
    downloaded: true
  - id: cpu
    name: CPU Model
    run_on_cpu: true
    downloaded: false
`

// fakeSession is a Controller that records calls.
type fakeSession struct {
	mu sync.Mutex

	snap        session.Snapshot
	result      []byte
	version     int
	generated   int
	exited      bool
	dismissed   bool
	historyArg  int
	history     []db.HistoryRecord
	strokes     []session.Stroke
	image       []byte
	reportErr   error
	savePath    string
	lastPatch   session.ParamsPatch
	openedModel string
}

func (f *fakeSession) Open(_ context.Context, modelID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if modelID != "sd15" && modelID != "cpu" {
		return core.ErrModelNotFound(modelID)
	}
	f.openedModel = modelID
	f.snap.Open = true
	f.snap.ModelID = modelID
	f.snap.Params.Prompt = prompt
	return nil
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) UpdateParams(patch session.ParamsPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if patch.Steps != nil && *patch.Steps < 1 {
		return fmt.Errorf("%w: steps must be positive", session.ErrInvalidParameter)
	}
	f.lastPatch = patch
	if patch.Prompt != nil {
		f.snap.Params.Prompt = *patch.Prompt
	}
	if patch.Steps != nil {
		f.snap.Params.Steps = *patch.Steps
	}
	return nil
}

func (f *fakeSession) SelectImage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.image = data
	f.snap.HasImage = true
	return nil
}

func (f *fakeSession) ClearImage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.image = nil
	f.snap.HasImage = false
}

func (f *fakeSession) SetMask(png []byte, strokes []session.Stroke) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strokes = strokes
	f.snap.HasMask = len(png) > 0
	f.snap.MaskStrokes = len(strokes)
	return nil
}

func (f *fakeSession) MaskStrokes() []session.Stroke {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strokes
}

func (f *fakeSession) Generate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.snap.Open {
		return session.ErrNotOpen
	}
	f.generated++
	f.snap.IsRunning = true
	return nil
}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.IsRunning = false
}

func (f *fakeSession) UseLastSeed() error {
	return session.ErrNoLastSeed
}

func (f *fakeSession) ResetDefaults(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Params.Prompt = "a lighthouse at dusk"
	return nil
}

func (f *fakeSession) Result() ([]byte, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.version, f.result != nil
}

func (f *fakeSession) SaveImage(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.result == nil {
		return "", session.ErrNoResult
	}
	return f.savePath, nil
}

func (f *fakeSession) Report(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reportErr
}

func (f *fakeSession) History(_ context.Context, limit int) ([]db.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyArg = limit
	return f.history, nil
}

func (f *fakeSession) DismissMessages() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = true
	f.snap.ErrorMessage = ""
}

func (f *fakeSession) Exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = true
	f.snap = session.Snapshot{}
}

// chanSource feeds snapshots pushed by the test.
type chanSource struct {
	ch     chan session.Snapshot
	closed chan struct{}
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan session.Snapshot, 4), closed: make(chan struct{})}
}

func (c *chanSource) Next(ctx context.Context) (session.Snapshot, error) {
	select {
	case s := <-c.ch:
		return s, nil
	case <-c.closed:
		return session.Snapshot{}, errors.New("closed")
	case <-ctx.Done():
		return session.Snapshot{}, ctx.Err()
	}
}

func (c *chanSource) Close() {
	c.once.Do(func() { close(c.closed) })
}

type harness struct {
	sess    *fakeSession
	server  *Server
	handler http.Handler
	metrics *metrics.MetricsStore
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	catalog, err := models.ParseCatalog("test", []byte(testCatalog))
	require.NoError(t, err)

	h := &harness{
		sess:    &fakeSession{savePath: "/tmp/Pictures/localdream/img.png"},
		metrics: metrics.NewMetricsStore(metrics.DefaultStoreConfig(), time.Now()),
	}
	cfg := DefaultConfig()
	deps := Deps{Session: h.sess, Catalog: catalog, Metrics: h.metrics}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	h.server, err = NewServer(cfg, deps)
	require.NoError(t, err)
	h.handler = h.server.Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewServer_RequiresSessionAndCatalog(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, core.Version, body["version"])
}

func TestModels(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[[]modelView](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "sd15", list[0].ID)
	assert.Equal(t, 512, list[0].GenerationSize)
	assert.False(t, list[0].Managed)
	assert.True(t, list[1].RunOnCPU)
	assert.False(t, list[1].Downloaded)
}

func TestOpen(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/models/sd15/open", `{"prompt":"a castle"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[session.Snapshot](t, rec)
	assert.True(t, snap.Open)
	assert.Equal(t, "sd15", snap.ModelID)
	assert.Equal(t, "a castle", snap.Params.Prompt)

	rec = h.do(t, http.MethodPost, "/api/models/missing/open", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	errBody := decode[errorBody](t, rec)
	assert.Equal(t, core.ErrCodeModelNotFound, errBody.Code)

	rec = h.do(t, http.MethodPost, "/api/models/sd15/open", `{"unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParams(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"prompt":"a fox","steps":30}`, http.StatusOK},
		{"invalid value", `{"steps":0}`, http.StatusBadRequest},
		{"malformed", `{"steps":`, http.StatusBadRequest},
		{"wrong type", `{"steps":"many"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPatch, "/api/params", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	snap := h.sess.Snapshot()
	assert.Equal(t, "a fox", snap.Params.Prompt)
	assert.Equal(t, 30, snap.Params.Steps)
}

func TestGenerate(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/generate", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	h.do(t, http.MethodPost, "/api/models/sd15/open", "")
	rec = h.do(t, http.MethodPost, "/api/generate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[session.Snapshot](t, rec).IsRunning)
	assert.Equal(t, 1, h.sess.generated)

	rec = h.do(t, http.MethodPost, "/api/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[session.Snapshot](t, rec).IsRunning)
}

func TestLastSeed_NoneYet(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/api/seed/last", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResult(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/api/result.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.sess.result = []byte("\x89PNG fake")
	h.sess.version = 3

	rec = h.do(t, http.MethodGet, "/api/result.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"3"`, rec.Header().Get("ETag"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, h.sess.result, rec.Body.Bytes())

	req := httptest.NewRequest(http.MethodGet, "/api/result.png", nil)
	req.Header.Set("If-None-Match", `"3"`)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestSave(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/save", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.sess.result = []byte("png")
	rec = h.do(t, http.MethodPost, "/api/save", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, h.sess.savePath, decode[map[string]string](t, rec)["path"])
}

func TestReport_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"ok", nil, http.StatusOK},
		{"rate limited", report.ErrRateLimited, http.StatusTooManyRequests},
		{"upstream", &report.Error{Message: "Report failed: 500"}, http.StatusBadGateway},
		{"no result", session.ErrNoResult, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.sess.reportErr = tt.err
			rec := h.do(t, http.MethodPost, "/api/report", "")
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHistory(t *testing.T) {
	h := newHarness(t, nil)
	seed := int64(42)
	h.sess.history = []db.HistoryRecord{{
		ID:        "abc",
		ModelID:   "sd15",
		Prompt:    "a fox",
		Steps:     20,
		CFG:       7,
		Seed:      &seed,
		Size:      512,
		Status:    db.StatusComplete,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}}

	rec := h.do(t, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultHistoryLimit, h.sess.historyArg)
	rows := decode[[]historyView](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, "abc", rows[0].ID)
	assert.Equal(t, int64(42), *rows[0].Seed)
	assert.Equal(t, "2026-01-02T03:04:05Z", rows[0].CreatedAt)

	h.do(t, http.MethodGet, "/api/history?limit=5000", "")
	assert.Equal(t, maxHistoryLimit, h.sess.historyArg)

	rec = h.do(t, http.MethodGet, "/api/history?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageAndMask(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/api/image", "raw image bytes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("raw image bytes"), h.sess.image)

	body := `{"mask":"iVBORw0KGgo=","strokes":[{"points":[{"x":1,"y":2}],"brush_size":8}]}`
	rec = h.do(t, http.MethodPost, "/api/mask", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[session.Snapshot](t, rec).MaskStrokes)

	rec = h.do(t, http.MethodGet, "/api/mask/strokes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	strokes := decode[[]session.Stroke](t, rec)
	require.Len(t, strokes, 1)
	assert.Equal(t, 8.0, strokes[0].BrushSize)

	rec = h.do(t, http.MethodPost, "/api/mask", `{"mask":"%%%"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/image", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[session.Snapshot](t, rec).HasImage)
}

func TestDismissAndExit(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodPost, "/api/models/sd15/open", "")

	h.do(t, http.MethodPost, "/api/dismiss", "")
	assert.True(t, h.sess.dismissed)

	rec := h.do(t, http.MethodPost, "/api/exit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.sess.exited)
	assert.False(t, decode[session.Snapshot](t, rec).Open)
}

func TestStatusAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.metrics.RecordTask(metrics.TaskRecord{
		ID:        "t1",
		Type:      metrics.TaskTypeGenerate,
		Status:    metrics.TaskStatusSuccess,
		Duration:  time.Second,
		StartTime: time.Now().Add(-time.Second),
		EndTime:   time.Now(),
	})

	rec := h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusView](t, rec)
	assert.Equal(t, int64(1), status.Tasks.TotalProcessed)
	require.Len(t, status.Recent, 1)

	rec = h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "localdream_")
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/api/generate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAuth(t *testing.T) {
	hash, err := auth.HashPasswordWithCost("s3cret", auth.MinCost)
	require.NoError(t, err)
	h := newHarness(t, func(cfg *Config, _ *Deps) {
		cfg.PasswordHash = hash
	})

	rec := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/state", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.SetBasicAuth("anyone", "s3cret")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoggingMiddleware(t *testing.T) {
	obsCore, logs := observer.New(zapcore.DebugLevel)
	logger := logging.NewWithCore(obsCore)

	h := newHarness(t, func(cfg *Config, deps *Deps) {
		deps.Logger = logger
	})

	h.do(t, http.MethodGet, "/health", "")
	h.do(t, http.MethodGet, "/api/models", "")
	h.do(t, http.MethodPost, "/api/generate", "")

	requests := logs.FilterLoggerName("webui.http").All()
	require.Len(t, requests, 2)
	assert.Equal(t, zapcore.InfoLevel, requests[0].Level)
	assert.Equal(t, "/api/models", requests[0].ContextMap()["path"])
	assert.Equal(t, zapcore.WarnLevel, requests[1].Level)
	assert.Equal(t, int64(http.StatusConflict), requests[1].ContextMap()["status"])
}

func TestWebSocket_StreamsSnapshots(t *testing.T) {
	src := newChanSource()
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		deps.Changes = func() SnapshotSource { return src }
	})
	h.sess.snap = session.Snapshot{Open: true, ModelID: "sd15"}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ctx, ln) }()
	t.Cleanup(func() {
		require.NoError(t, h.server.Shutdown(context.Background()))
		require.NoError(t, <-done)
	})

	url := "ws://" + ln.Addr().String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() Message {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var raw struct {
			Type string           `json:"type"`
			Data session.Snapshot `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&raw))
		return Message{Type: raw.Type, Data: raw.Data}
	}

	first := read()
	assert.Equal(t, MessageTypeSnapshot, first.Type)
	assert.Equal(t, "sd15", first.Data.(session.Snapshot).ModelID)

	require.Eventually(t, func() bool { return h.server.Broadcaster().ClientCount() == 1 },
		time.Second, 5*time.Millisecond)
	src.ch <- session.Snapshot{Open: true, ModelID: "sd15", IsRunning: true, Step: 3}

	next := read()
	snap := next.Data.(session.Snapshot)
	assert.True(t, snap.IsRunning)
	assert.Equal(t, 3, snap.Step)
}
