package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCompleter struct {
	mu    sync.Mutex
	resp  openai.ChatCompletionResponse
	err   error
	calls []openai.ChatCompletionRequest
}

func (m *mockCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	return m.resp, m.err
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: ProviderGroq})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), Config{Provider: "bard", APIKey: "k"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewGroqDefaults(t *testing.T) {
	c, err := New(context.Background(), Config{Provider: "GROQ", APIKey: "k"})
	require.NoError(t, err)

	o, ok := c.(*OpenAI)
	require.True(t, ok)
	assert.Equal(t, DefaultGroqModel, o.model)
	assert.Equal(t, DefaultMaxTokens, o.maxTokens)
}

func TestOpenAIInvoke(t *testing.T) {
	mock := &mockCompleter{resp: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "  hello  "}}},
	}}
	o := &OpenAI{client: mock, model: "m", maxTokens: 10}

	text, err := o.Invoke(context.Background(), "prompt", "system")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	require.Len(t, mock.calls, 1)
	msgs := mock.calls[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "prompt", msgs[1].Content)
}

func TestOpenAIInvokeEmptyAndError(t *testing.T) {
	o := &OpenAI{client: &mockCompleter{}, model: "m"}
	_, err := o.Invoke(context.Background(), "p", "")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	boom := errors.New("boom")
	o = &OpenAI{client: &mockCompleter{err: boom}, model: "m"}
	_, err = o.Invoke(context.Background(), "p", "")
	assert.ErrorIs(t, err, boom)
}

func TestOpenAIAgainstCompatibleServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "from server"}}},
		})
	}))
	defer srv.Close()

	c := NewOpenAI(Config{APIKey: "secret", BaseURL: srv.URL, Model: "llama", MaxTokens: 5})
	text, err := c.Invoke(context.Background(), "hi", "sys")
	require.NoError(t, err)
	assert.Equal(t, "from server", text)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Invoke(context.Background(), "p", "s")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestWithTimeoutAbandonsStuckCall(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stuck := ClientFunc(func(context.Context, string, string) (string, error) {
		<-release
		return "late", nil
	})

	start := time.Now()
	_, err := WithTimeout(stuck, 20*time.Millisecond).Invoke(context.Background(), "p", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	ok := ClientFunc(func(context.Context, string, string) (string, error) { return "fine", nil })
	text, err := WithTimeout(ok, time.Second).Invoke(context.Background(), "p", "")
	require.NoError(t, err)
	assert.Equal(t, "fine", text)

	_, wrapped := WithTimeout(ok, 0).(*timeoutClient)
	assert.False(t, wrapped)
}
