package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localdream/core"
	"localdream/imageio"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nfake")

func finalParams() core.GenerationParameters {
	p := core.DefaultParameters()
	p.Prompt = "a red fox"
	p.NegativePrompt = "lowres"
	seed := int64(99)
	p.Seed = &seed
	gt := "3.2s"
	p.GenerationTime = &gt
	p.RunOnCPU = true
	return p
}

func TestReport_Success(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL}, nil)
	require.NoError(t, c.Report(context.Background(), "Anything V5", finalParams(), fakePNG))
	got := <-bodies

	assert.Equal(t, "Anything V5", got["model_name"])
	assert.Equal(t, imageio.EncodeBase64(fakePNG), got["image_data"])

	params := got["generation_params"].(map[string]any)
	assert.Equal(t, "a red fox", params["prompt"])
	assert.Equal(t, "lowres", params["negative_prompt"])
	assert.EqualValues(t, 20, params["steps"])
	assert.EqualValues(t, 7, params["cfg"])
	assert.EqualValues(t, 99, params["seed"])
	assert.EqualValues(t, 256, params["size"])
	assert.Equal(t, true, params["run_on_cpu"])
	assert.Equal(t, "3.2s", params["generation_time"])
}

func TestPayload_NullSeedAndTime(t *testing.T) {
	p := core.DefaultParameters()
	p.Prompt = "x"

	raw, err := json.Marshal(NewPayload("m", p, fakePNG))
	require.NoError(t, err)

	var doc struct {
		GenerationParams map[string]any `json:"generation_params"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))

	gp := doc.GenerationParams
	v, ok := gp["seed"]
	assert.True(t, ok)
	assert.Nil(t, v)
	v, ok = gp["generation_time"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestReport_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewClient(Config{URL: srv.URL}, nil).Report(context.Background(), "m", finalParams(), fakePNG)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "Report failed: 429", re.Error())
	assert.Equal(t, http.StatusTooManyRequests, re.StatusCode)
}

func TestReport_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewClient(Config{URL: url}, nil).Report(context.Background(), "m", finalParams(), fakePNG)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, NetworkErrorMessage, re.Message)
	assert.NotNil(t, errors.Unwrap(re))
}

func TestReport_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewClient(Config{URL: srv.URL, RatePerMinute: 1}, nil)
	require.NoError(t, c.Report(context.Background(), "m", finalParams(), fakePNG))
	assert.ErrorIs(t, c.Report(context.Background(), "m", finalParams(), fakePNG), ErrRateLimited)
	assert.EqualValues(t, 1, calls.Load())
}

func TestReport_NoImage(t *testing.T) {
	c := NewClient(Config{URL: "http://127.0.0.1:1"}, nil)
	assert.ErrorIs(t, c.Report(context.Background(), "m", finalParams(), nil), ErrNoImage)
}
