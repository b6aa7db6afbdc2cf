package generation

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// errStreamDone marks the [DONE] terminator.
var errStreamDone = errors.New("generation: stream done")

// maxEventBytes bounds one SSE line. A complete event carries the whole
// image, so the limit is generous.
const maxEventBytes = 64 << 20

type event struct {
	Type             string `json:"type"`
	Step             int    `json:"step"`
	TotalSteps       int    `json:"total_steps"`
	Message          string `json:"message"`
	Image            string `json:"image"`
	Seed             *int64 `json:"seed"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Channels         int    `json:"channels"`
	GenerationTimeMS int64  `json:"generation_time_ms"`
	FirstStepTimeMS  int64  `json:"first_step_time_ms"`
}

// eventReader decodes "data:" events from a text/event-stream body.
type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventBytes)
	return &eventReader{sc: sc}
}

// Next returns the next event. It returns errStreamDone on [DONE] and
// io.EOF when the body ends without one.
func (r *eventReader) Next() (event, error) {
	var data []string
	for r.sc.Scan() {
		line := strings.TrimRight(r.sc.Text(), "\r")

		if line == "" {
			if len(data) == 0 {
				continue
			}
			return decodeEvent(strings.Join(data, "\n"))
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	if err := r.sc.Err(); err != nil {
		return event{}, err
	}
	if len(data) > 0 {
		return decodeEvent(strings.Join(data, "\n"))
	}
	return event{}, io.EOF
}

func decodeEvent(payload string) (event, error) {
	if strings.TrimSpace(payload) == "[DONE]" {
		return event{}, errStreamDone
	}
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return event{}, fmt.Errorf("generation: malformed event: %w", err)
	}
	return ev, nil
}
