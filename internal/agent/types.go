// Package agent implements the per-session tutor: event queue, drain loop,
// conversational memory and the outbox delivered to pollers.
package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/memory"
)

var (
	// ErrMissingType is returned when an event has no type.
	ErrMissingType = errors.New("type is required")
	// ErrEmptyMessage is returned when a speech event or chat has no text.
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// FailurePrefix starts the synthetic reply used when the model call fails.
const FailurePrefix = "Sorry, I couldn't generate a response: "

// EventRequest is the body of POST /api/tutor/events.
type EventRequest struct {
	SessionID    string          `json:"sessionId,omitempty"`
	Type         string          `json:"type"`
	UserMessage  string          `json:"userMessage,omitempty"`
	Code         string          `json:"code,omitempty"`
	Output       string          `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	QuestionJSON json.RawMessage `json:"questionJson,omitempty"`
}

// EventInput is a validated trigger ready to be queued.
type EventInput struct {
	Type         domain.EventType
	UserMessage  string
	Code         string
	RunOutput    string
	RunError     string
	QuestionJSON json.RawMessage
}

// Input converts and validates the request.
func (r EventRequest) Input() (EventInput, error) {
	in := EventInput{
		Type:         domain.ParseEventType(r.Type),
		UserMessage:  strings.TrimSpace(r.UserMessage),
		Code:         r.Code,
		RunOutput:    r.Output,
		RunError:     r.Error,
		QuestionJSON: r.QuestionJSON,
	}
	return in, in.Validate()
}

// Validate checks the caller-supplied fields.
func (in EventInput) Validate() error {
	if in.Type == "" {
		return ErrMissingType
	}
	if in.Type == domain.EventUserSpeech && strings.TrimSpace(in.UserMessage) == "" {
		return ErrEmptyMessage
	}
	return nil
}

func (in EventInput) event() domain.Event {
	ev := domain.NewEvent(in.Type)
	ev.UserMessage = in.UserMessage
	ev.Code = in.Code
	ev.RunOutput = in.RunOutput
	ev.RunError = in.RunError
	return ev
}

// EventResponse acknowledges a queued and drained event.
type EventResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
	Processed int    `json:"processed"`
}

// ChatRequest is the body of POST /api/tutor/chat.
type ChatRequest struct {
	SessionID    string          `json:"sessionId,omitempty"`
	Message      string          `json:"message"`
	Code         string          `json:"code,omitempty"`
	QuestionJSON json.RawMessage `json:"questionJson,omitempty"`
}

// ChatResponse carries the rendered reply and the raw model output.
type ChatResponse struct {
	OK        bool      `json:"ok"`
	SessionID string    `json:"sessionId"`
	Response  string    `json:"response"`
	Raw       string    `json:"raw"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PollResponse is returned by GET /api/tutor/poll.
type PollResponse struct {
	OK        bool             `json:"ok"`
	SessionID string           `json:"sessionId"`
	Count     int              `json:"count"`
	Messages  []domain.Message `json:"messages"`
}

// DrainResult is the outcome of processing one event.
type DrainResult struct {
	Rendered string
	Raw      string
	Update   memory.Update
	Err      error
}

// Config tunes the service.
type Config struct {
	HistoryWindow      int
	RunOutputLimit     int
	ChatRunOutputLimit int
	LLMTimeout         time.Duration
	// RateLimitRPS <= 0 disables per-session rate limiting.
	RateLimitRPS       float64
	RateLimitBurst     int
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:      10,
		RunOutputLimit:     1000,
		ChatRunOutputLimit: 2000,
		LLMTimeout:         60 * time.Second,
		RateLimitBurst:     10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.RunOutputLimit <= 0 {
		c.RunOutputLimit = d.RunOutputLimit
	}
	if c.ChatRunOutputLimit <= 0 {
		c.ChatRunOutputLimit = d.ChatRunOutputLimit
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = d.RateLimitBurst
	}
	return c
}

// ChatInput is a synchronous chat turn.
type ChatInput struct {
	Message      string
	Code         string
	QuestionJSON json.RawMessage
}

// Input converts and validates the request.
func (r ChatRequest) Input() (ChatInput, error) {
	in := ChatInput{
		Message:      strings.TrimSpace(r.Message),
		Code:         r.Code,
		QuestionJSON: r.QuestionJSON,
	}
	if in.Message == "" {
		return in, ErrEmptyMessage
	}
	return in, nil
}
