// Package llm wraps the language model backends the tutor talks to.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotConfigured is returned when no API key is available.
	ErrNotConfigured = errors.New("llm: not configured")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrUnknownProvider is returned for an unsupported provider name.
	ErrUnknownProvider = errors.New("llm: unknown provider")
)

// Client turns a prompt into model text.
type Client interface {
	Invoke(ctx context.Context, prompt, systemPrompt string) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt, systemPrompt string) (string, error)

// Invoke calls f.
func (f ClientFunc) Invoke(ctx context.Context, prompt, systemPrompt string) (string, error) {
	return f(ctx, prompt, systemPrompt)
}

// Provider names accepted by New.
const (
	ProviderGemini = "gemini"
	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"
)

// Defaults per provider.
const (
	DefaultGeminiModel = "gemini-2.5-flash"
	DefaultGroqModel   = "meta-llama/llama-4-scout-17b-16e-instruct"
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultMaxTokens   = 1024
)

// Config selects and tunes a backend.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
}

// New builds the client for cfg.Provider. A missing API key yields
// ErrNotConfigured so callers can fall back to Disabled.
func New(ctx context.Context, cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini, "":
		if cfg.Model == "" {
			cfg.Model = DefaultGeminiModel
		}
		g, err := NewGemini(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	case ProviderGroq:
		if cfg.Model == "" {
			cfg.Model = DefaultGroqModel
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = DefaultGroqBaseURL
		}
		return NewOpenAI(cfg), nil
	case ProviderOpenAI:
		if cfg.Model == "" {
			return nil, fmt.Errorf("llm: model is required for provider %q", cfg.Provider)
		}
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Provider)
	}
}

// Disabled is used when no backend is configured. Every call fails, which
// the drain loop turns into an apology message.
type Disabled struct{}

// Invoke always returns ErrNotConfigured.
func (Disabled) Invoke(context.Context, string, string) (string, error) {
	return "", ErrNotConfigured
}

type timeoutClient struct {
	next    Client
	timeout time.Duration
}

// WithTimeout bounds every call to d. The wrapper returns when the deadline
// passes even if the backend ignores ctx; the late result is discarded.
func WithTimeout(c Client, d time.Duration) Client {
	if d <= 0 {
		return c
	}
	return &timeoutClient{next: c, timeout: d}
}

type invokeResult struct {
	text string
	err  error
}

func (t *timeoutClient) Invoke(ctx context.Context, prompt, systemPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ch := make(chan invokeResult, 1)
	go func() {
		text, err := t.next.Invoke(ctx, prompt, systemPrompt)
		ch <- invokeResult{text: text, err: err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("llm call timed out after %s: %w", t.timeout, ctx.Err())
	}
}
