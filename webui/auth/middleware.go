package auth

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"localdream/logging"
)

const (
	// Realm is sent in the WWW-Authenticate challenge.
	Realm = "localdream"

	// DefaultFailuresPerMinute and DefaultFailureBurst bound wrong-password
	// attempts per client address.
	DefaultFailuresPerMinute = 5
	DefaultFailureBurst      = 5
)

// Config tunes the middleware. Zero values use the defaults.
type Config struct {
	FailuresPerMinute int
	FailureBurst      int
}

// Middleware enforces Basic authentication. The user name is ignored.
// Each failed attempt spends a token from the client's limiter; a client
// with no tokens left gets 429 until the limiter refills.
type Middleware struct {
	hash   string
	logger *logging.Logger
	every  rate.Limit
	burst  int

	mu       sync.Mutex
	failures map[string]*rate.Limiter
}

// New returns a middleware checking against hash.
func New(hash string, cfg Config, logger *logging.Logger) *Middleware {
	if cfg.FailuresPerMinute <= 0 {
		cfg.FailuresPerMinute = DefaultFailuresPerMinute
	}
	if cfg.FailureBurst <= 0 {
		cfg.FailureBurst = DefaultFailureBurst
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Middleware{
		hash:     hash,
		logger:   logger.Named("auth"),
		every:    rate.Every(time.Minute / time.Duration(cfg.FailuresPerMinute)),
		burst:    cfg.FailureBurst,
		failures: make(map[string]*rate.Limiter),
	}
}

func (m *Middleware) limiter(ip string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.failures[ip]
	if !ok {
		l = rate.NewLimiter(m.every, m.burst)
		m.failures[ip] = l
	}
	return l
}

// Handler wraps next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		lim := m.limiter(ip)

		if lim.Tokens() < 1 {
			wait := lim.Reserve()
			delay := wait.Delay()
			wait.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}

		_, password, ok := r.BasicAuth()
		if ok && VerifyPassword(password, m.hash) == nil {
			next.ServeHTTP(w, r)
			return
		}

		lim.Allow()
		if ok {
			m.logger.Warn("rejected control API credentials",
				zap.String("remote_addr", ip), zap.String("path", r.URL.Path))
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`", charset="UTF-8"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
