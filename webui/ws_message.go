package webui

import "time"

// Message types sent over /ws.
const (
	MessageTypeSnapshot = "snapshot"
	MessageTypeError    = "error"
)

// Message is the envelope of every websocket frame.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewMessage(msgType string, data any) Message {
	return Message{Type: msgType, Timestamp: time.Now(), Data: data}
}

func NewErrorMessage(code, message string) Message {
	return NewMessage(MessageTypeError, ErrorData{Code: code, Message: message})
}
