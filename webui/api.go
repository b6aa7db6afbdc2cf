package webui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"localdream/core"
	"localdream/db"
	"localdream/generation"
	"localdream/imageio"
	"localdream/logging"
	"localdream/metrics"
	"localdream/models"
	"localdream/report"
	"localdream/session"
	"localdream/shutdown"
)

const (
	maxImageBytes = 32 << 20
	maxJSONBytes  = 48 << 20

	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

// Controller is the session surface the API drives.
type Controller interface {
	Open(ctx context.Context, modelID, externalPrompt string) error
	Snapshot() session.Snapshot
	UpdateParams(patch session.ParamsPatch) error
	SelectImage(data []byte) error
	ClearImage()
	SetMask(png []byte, strokes []session.Stroke) error
	MaskStrokes() []session.Stroke
	Generate(ctx context.Context) error
	Stop()
	UseLastSeed() error
	ResetDefaults(ctx context.Context) error
	Result() ([]byte, int, bool)
	SaveImage(ctx context.Context) (string, error)
	Report(ctx context.Context) error
	History(ctx context.Context, limit int) ([]db.HistoryRecord, error)
	DismissMessages()
	Exit()
}

// Tracker runs an operation that shutdown should wait for.
type Tracker interface {
	Track(ctx context.Context, name string, fn func(context.Context) error) error
}

type untracked struct{}

func (untracked) Track(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

// API holds the control endpoint handlers.
type API struct {
	session Controller
	catalog *models.Catalog
	metrics metrics.Collector
	tracker Tracker
	logger  *logging.Logger
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type modelView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	RunOnCPU       bool   `json:"run_on_cpu"`
	GenerationSize int    `json:"generation_size"`
	Downloaded     bool   `json:"downloaded"`
	Managed        bool   `json:"managed"`
}

type openRequest struct {
	Prompt string `json:"prompt"`
}

type maskRequest struct {
	Mask    string           `json:"mask"`
	Strokes []session.Stroke `json:"strokes"`
}

type historyView struct {
	ID             string  `json:"id"`
	ModelID        string  `json:"model_id"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Steps          int     `json:"steps"`
	CFG            float64 `json:"cfg"`
	Seed           *int64  `json:"seed"`
	Size           int     `json:"size"`
	RunOnCPU       bool    `json:"run_on_cpu"`
	GenerationTime string  `json:"generation_time,omitempty"`
	Status         string  `json:"status"`
	ErrorMessage   string  `json:"error_message,omitempty"`
	ImagePath      string  `json:"image_path,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

type statusView struct {
	System metrics.SystemStatus `json:"system"`
	Tasks  metrics.TaskMetrics  `json:"tasks"`
	Recent []metrics.TaskRecord `json:"recent"`
}

func (api *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (api *API) writeState(w http.ResponseWriter) {
	api.writeJSON(w, http.StatusOK, api.session.Snapshot())
}

// writeError maps domain errors to status codes.
func (api *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var cfgErr *core.ConfigError
	var repErr *report.Error

	switch {
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
		if cfgErr.Code == core.ErrCodeModelNotFound {
			status = http.StatusNotFound
		}
		api.writeJSON(w, status, errorBody{Error: cfgErr.Message, Code: cfgErr.Code})
		return
	case errors.Is(err, session.ErrNotOpen),
		errors.Is(err, session.ErrGenerationInProgress),
		errors.Is(err, session.ErrNoImageSelected),
		errors.Is(err, session.ErrNoLastSeed):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNoResult):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrBackendNotReady),
		errors.Is(err, shutdown.ErrTrackerClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrInvalidParameter),
		errors.Is(err, core.ErrInvalidPrompt),
		errors.Is(err, core.ErrInvalidParams),
		errors.Is(err, core.ErrInvalidSeed),
		errors.Is(err, generation.ErrMaskWithoutImage),
		errors.Is(err, imageio.ErrEmptyImage),
		errors.Is(err, imageio.ErrUnsupportedFormat),
		errors.Is(err, imageio.ErrInvalidImage),
		errors.Is(err, imageio.ErrInvalidDimensions),
		errors.Is(err, imageio.ErrNotPNG):
		status = http.StatusBadRequest
	case errors.Is(err, report.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.As(err, &repErr):
		status = http.StatusBadGateway
	}
	api.writeJSON(w, status, errorBody{Error: err.Error()})
}

func (api *API) badRequest(w http.ResponseWriter, msg string) {
	api.writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// tracked runs fn under the shutdown tracker and answers with the state.
func (api *API) tracked(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) error) {
	if err := api.tracker.Track(r.Context(), name, fn); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeState(w)
}

func (api *API) handleModels(w http.ResponseWriter, r *http.Request) {
	list := api.catalog.List()
	out := make([]modelView, 0, len(list))
	for _, m := range list {
		out = append(out, modelView{
			ID:             m.ID,
			Name:           m.Name,
			Description:    m.Description,
			RunOnCPU:       m.RunOnCPU,
			GenerationSize: m.GenerationSize,
			Downloaded:     m.Downloaded,
			Managed:        !m.ExternallyManaged(),
		})
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *API) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(r, &req); err != nil {
		api.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	id := r.PathValue("id")
	api.tracked(w, r, "open", func(ctx context.Context) error {
		return api.session.Open(ctx, id, req.Prompt)
	})
}

func (api *API) handleState(w http.ResponseWriter, r *http.Request) {
	api.writeState(w)
}

func (api *API) handleParams(w http.ResponseWriter, r *http.Request) {
	var patch session.ParamsPatch
	if err := decodeJSON(r, &patch); err != nil {
		api.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	if err := api.session.UpdateParams(patch); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeState(w)
}

func (api *API) handleSelectImage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBytes))
	if err != nil {
		api.writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
		return
	}
	if err := api.session.SelectImage(data); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeState(w)
}

func (api *API) handleClearImage(w http.ResponseWriter, r *http.Request) {
	api.session.ClearImage()
	api.writeState(w)
}

func (api *API) handleSetMask(w http.ResponseWriter, r *http.Request) {
	var req maskRequest
	if err := decodeJSON(r, &req); err != nil {
		api.badRequest(w, "invalid JSON: "+err.Error())
		return
	}
	png, err := imageio.DecodeBase64(req.Mask)
	if err != nil {
		api.badRequest(w, "mask is not valid base64")
		return
	}
	if err := api.session.SetMask(png, req.Strokes); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeState(w)
}

func (api *API) handleMaskStrokes(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.session.MaskStrokes())
}

func (api *API) handleGenerate(w http.ResponseWriter, r *http.Request) {
	api.tracked(w, r, "generate", api.session.Generate)
}

func (api *API) handleStop(w http.ResponseWriter, r *http.Request) {
	api.session.Stop()
	api.writeState(w)
}

func (api *API) handleLastSeed(w http.ResponseWriter, r *http.Request) {
	if err := api.session.UseLastSeed(); err != nil {
		api.writeError(w, err)
		return
	}
	api.writeState(w)
}

func (api *API) handleReset(w http.ResponseWriter, r *http.Request) {
	api.tracked(w, r, "reset", api.session.ResetDefaults)
}

func (api *API) handleResult(w http.ResponseWriter, r *http.Request) {
	png, version, ok := api.session.Result()
	if !ok {
		api.writeError(w, session.ErrNoResult)
		return
	}
	etag := `"` + strconv.Itoa(version) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}

func (api *API) handleSave(w http.ResponseWriter, r *http.Request) {
	var path string
	err := api.tracker.Track(r.Context(), "save", func(ctx context.Context) error {
		var err error
		path, err = api.session.SaveImage(ctx)
		return err
	})
	if err != nil {
		api.writeError(w, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (api *API) handleReport(w http.ResponseWriter, r *http.Request) {
	api.tracked(w, r, "report", api.session.Report)
}

func (api *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			api.badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := api.session.History(r.Context(), limit)
	if err != nil {
		api.writeError(w, err)
		return
	}
	out := make([]historyView, 0, len(rows))
	for _, h := range rows {
		out = append(out, historyView{
			ID:             h.ID,
			ModelID:        h.ModelID,
			Prompt:         h.Prompt,
			NegativePrompt: h.NegativePrompt,
			Steps:          h.Steps,
			CFG:            h.CFG,
			Seed:           h.Seed,
			Size:           h.Size,
			RunOnCPU:       h.RunOnCPU,
			GenerationTime: h.GenerationTime,
			Status:         h.Status,
			ErrorMessage:   h.ErrorMessage,
			ImagePath:      h.ImagePath,
			CreatedAt:      h.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if api.metrics == nil {
		api.writeJSON(w, http.StatusOK, statusView{})
		return
	}
	api.writeJSON(w, http.StatusOK, statusView{
		System: api.metrics.GetSystemStatus(),
		Tasks:  api.metrics.GetTaskMetrics(),
		Recent: api.metrics.GetRecentTasks(defaultHistoryLimit),
	})
}

func (api *API) handleDismiss(w http.ResponseWriter, r *http.Request) {
	api.session.DismissMessages()
	api.writeState(w)
}

func (api *API) handleExit(w http.ResponseWriter, r *http.Request) {
	api.session.Exit()
	api.writeState(w)
}
