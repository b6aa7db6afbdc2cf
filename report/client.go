// Package report sends a generated image and its parameters to the
// moderation endpoint.
package report

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"localdream/core"
	"localdream/imageio"
	"localdream/logging"
)

// NetworkErrorMessage is shown when the endpoint could not be reached.
const NetworkErrorMessage = "Network Error"

var (
	// ErrRateLimited is returned when reports are sent faster than allowed.
	ErrRateLimited = errors.New("report: too many reports, try again later")

	ErrNoImage = errors.New("report: no image to report")
)

// Error is a failed report. Message is meant for the user.
type Error struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

// Config configures the client.
type Config struct {
	URL            string
	ConnectTimeout time.Duration // default 30s
	Timeout        time.Duration // default 60s
	RatePerMinute  int           // 0 disables throttling
}

// Payload is the JSON document posted to the endpoint.
type Payload struct {
	ModelName        string           `json:"model_name"`
	GenerationParams GenerationParams `json:"generation_params"`
	ImageData        string           `json:"image_data"`
}

// GenerationParams is the parameter subset included in a report.
type GenerationParams struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CFG            float64 `json:"cfg"`
	Seed           *int64  `json:"seed"`
	Size           int     `json:"size"`
	RunOnCPU       bool    `json:"run_on_cpu"`
	GenerationTime *string `json:"generation_time"`
}

// NewPayload builds the report body for png generated with p.
func NewPayload(modelName string, p core.GenerationParameters, png []byte) Payload {
	return Payload{
		ModelName: modelName,
		GenerationParams: GenerationParams{
			Prompt:         p.Prompt,
			NegativePrompt: p.NegativePrompt,
			Steps:          p.Steps,
			CFG:            p.CFG,
			Seed:           p.Seed,
			Size:           p.Size,
			RunOnCPU:       p.RunOnCPU,
			GenerationTime: p.GenerationTime,
		},
		ImageData: imageio.EncodeBase64(png),
	}
}

// Client posts reports.
type Client struct {
	http    *resty.Client
	url     string
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewClient builds a client from cfg.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout,
		MaxIdleConns:        2,
		IdleConnTimeout:     90 * time.Second,
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerMinute > 0 {
		burst := cfg.RatePerMinute / 2
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), burst)
	}

	return &Client{
		http: resty.New().
			SetTransport(transport).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "localdream/1.0"),
		url:     cfg.URL,
		limiter: limiter,
		logger:  logger.Named("report"),
	}
}

// Report sends png and its parameters. A non-2xx reply becomes
// "Report failed: <code>" and a transport failure becomes "Network Error".
func (c *Client) Report(ctx context.Context, modelName string, p core.GenerationParameters, png []byte) error {
	if len(png) == 0 {
		return ErrNoImage
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(NewPayload(modelName, p, png)).
		Post(c.url)
	if err != nil {
		c.logger.Warn("report request failed", zap.Error(err))
		return &Error{Message: NetworkErrorMessage, Err: err}
	}
	if !resp.IsSuccess() {
		c.logger.Warn("report rejected", zap.Int("status", resp.StatusCode()))
		return &Error{
			Message:    fmt.Sprintf("Report failed: %d", resp.StatusCode()),
			StatusCode: resp.StatusCode(),
		}
	}

	c.logger.Info("image reported", zap.String("model", modelName), zap.Int("status", resp.StatusCode()))
	return nil
}
