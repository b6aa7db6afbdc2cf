package webui

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"localdream/logging"
)

// LoggingMiddleware logs one line per request with status and duration.
// Paths in skip are not logged.
type LoggingMiddleware struct {
	logger *logging.Logger
	skip   map[string]bool
}

func NewLoggingMiddleware(logger *logging.Logger, skip ...string) *LoggingMiddleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &LoggingMiddleware{logger: logger.Named("http"), skip: make(map[string]bool, len(skip))}
	for _, p := range skip {
		m.skip[p] = true
	}
	return m
}

// Handler wraps next.
func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skip[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Duration("duration", time.Since(start)),
			zap.Int64("bytes", rw.bytes),
			zap.String("remote_addr", r.RemoteAddr),
		}
		switch {
		case rw.status >= 500:
			m.logger.Error("request failed", fields...)
		case rw.status >= 400:
			m.logger.Warn("request rejected", fields...)
		default:
			m.logger.Info("request", fields...)
		}
	})
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("webui: response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
