package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
)

// BackendError is a non-2xx reply from /generate.
type BackendError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return e.Message
}

// Client posts generation requests to the backend.
type Client struct {
	http *resty.Client
}

// NewClient returns a client for the backend at baseURL. Requests have no
// overall timeout; cancel the context to abandon one.
func NewClient(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "text/event-stream").
			SetHeader("User-Agent", "localdream/1.0"),
	}
}

// Stream posts req and returns the open event stream. The caller closes it.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req.body()).
		SetDoNotParseResponse(true).
		Post("/generate")
	if err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}

	body := resp.RawBody()
	if resp.IsSuccess() {
		return body, nil
	}
	defer body.Close()
	return nil, parseBackendError(resp.StatusCode(), body)
}

func parseBackendError(status int, r io.Reader) error {
	data, _ := io.ReadAll(io.LimitReader(r, 64*1024))

	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	be := &BackendError{StatusCode: status}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		be.Message = envelope.Error.Message
		be.Type = envelope.Error.Type
	} else if text := strings.TrimSpace(string(data)); text != "" {
		be.Message = text
	}
	return be
}
