package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/identity"
	"github.com/ashureev/codetutor/internal/llm"
)

func newTestRouter(t *testing.T, cfg Config) (*Service, http.Handler) {
	t.Helper()
	svc := newTestService(t, llm.ClientFunc(func(_ context.Context, p, _ string) (string, error) {
		return "reply to " + eventOf(p) + "\n### Interview Snapshot\n- Help tier: Nudge\n- Struggle score: 10", nil
	}), cfg)

	r := chi.NewRouter()
	r.Use(identity.Middleware)
	NewHandler(svc, HandlerConfig{PollInterval: 10 * time.Millisecond, AllowedOrigins: []string{"*"}}).RegisterRoutes(r)
	return svc, r
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleEventDrainsBeforeResponding(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})

	w := doJSON(t, h, http.MethodPost, "/api/tutor/events",
		`{"sessionId":"abc","type":"CODE_RUN","code":"print(1)","output":"1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "abc", resp.SessionID)
	assert.Equal(t, 1, resp.Processed)

	w = doJSON(t, h, http.MethodGet, "/api/tutor/poll?sessionId=abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	var poll PollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &poll))
	require.Equal(t, 1, poll.Count)
	assert.Equal(t, "reply to CODE_RUN", poll.Messages[0].Content)

	w = doJSON(t, h, http.MethodGet, "/api/tutor/poll?sessionId=abc", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &poll))
	assert.Equal(t, 0, poll.Count)
	assert.NotNil(t, poll.Messages)
}

func TestHandleEventGeneratesSessionID(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})
	w := doJSON(t, h, http.MethodPost, "/api/tutor/events", `{"type":"SLM"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.SessionID, identity.GeneratedPrefix))
}

func TestHandleEventValidation(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})
	cases := map[string]string{
		"missing type": `{"sessionId":"a"}`,
		"empty speech": `{"sessionId":"a","type":"USER_SPEECH","userMessage":"   "}`,
		"invalid json": `{"sessionId":`,
		"wrong type":   `{"type":5}`,
	}
	for name, body := range cases {
		w := doJSON(t, h, http.MethodPost, "/api/tutor/events", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
	}
}

func TestHandleEventBurstAcceptedByDefault(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})

	const n = 15
	for i := 0; i < n; i++ {
		w := doJSON(t, h, http.MethodPost, "/api/tutor/events", `{"sessionId":"burst","type":"SLM"}`)
		require.Equal(t, http.StatusOK, w.Code, "event %d", i)
	}

	w := doJSON(t, h, http.MethodGet, "/api/tutor/poll?sessionId=burst", "")
	require.Equal(t, http.StatusOK, w.Code)
	var poll PollResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &poll))
	assert.Equal(t, n, poll.Count)
}

func TestHandleEventRateLimited(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{RateLimitRPS: 0.001, RateLimitBurst: 1})

	w := doJSON(t, h, http.MethodPost, "/api/tutor/events", `{"sessionId":"rl","type":"SLM"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, h, http.MethodPost, "/api/tutor/events", `{"sessionId":"rl","type":"SLM"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Buckets are per session.
	w = doJSON(t, h, http.MethodPost, "/api/tutor/events", `{"sessionId":"other","type":"SLM"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlePollRequiresSession(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})
	w := doJSON(t, h, http.MethodGet, "/api/tutor/poll", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/tutor/poll", nil)
	req.Header.Set(identity.SessionHeaderName, "hdr")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleChat(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})

	w := doJSON(t, h, http.MethodPost, "/api/tutor/chat", `{"sessionId":"c1","message":"why?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "reply to USER_SPEECH", resp.Response)
	assert.Contains(t, resp.Raw, "Struggle score: 10")

	w = doJSON(t, h, http.MethodPost, "/api/tutor/chat", `{"sessionId":"c1","message":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleState(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})
	w := doJSON(t, h, http.MethodGet, "/api/tutor/state?sessionId=nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	doJSON(t, h, http.MethodPost, "/api/tutor/events", `{"sessionId":"st","type":"USER_SPEECH","userMessage":"hi"}`)
	w = doJSON(t, h, http.MethodGet, "/api/tutor/state?sessionId=st", "")
	require.Equal(t, http.StatusOK, w.Code)

	var st SessionState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "st", st.SessionID)
	assert.Equal(t, 1, st.HelpLevel)
	assert.Equal(t, 10, st.StruggleScore)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, 2, st.Messages)
	assert.Equal(t, 1, st.Outbox)
}

func TestHandleStreamDeliversOutbox(t *testing.T) {
	t.Parallel()

	svc, h := newTestRouter(t, Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/tutor/stream?sessionId=sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	svc.Enqueue("sse", EventInput{Type: domain.EventSLM})
	svc.Drain(context.Background(), "sse")

	scanner := bufio.NewScanner(resp.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if event == "message" && strings.HasPrefix(line, "data: ") {
			var msg domain.Message
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg))
			assert.Equal(t, "reply to SLM", msg.Content)
			return
		}
	}
	t.Fatalf("stream ended without a message event: %v", scanner.Err())
}

func TestWebSocketSpeechAndPing(t *testing.T) {
	t.Parallel()

	_, h := newTestRouter(t, Config{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tutor?sessionId=ws1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	read := func() wsServerFrame {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var f wsServerFrame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	assert.Equal(t, "connected", read().Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", read().Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"speech","message":"hello"}`)))
	for {
		f := read()
		if f.Type != "messages" {
			continue
		}
		require.Len(t, f.Messages, 1)
		assert.Equal(t, "reply to USER_SPEECH", f.Messages[0].Content)
		return
	}
}

func TestOriginPatterns(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"localhost:3000", "example.com"},
		originPatterns([]string{"http://localhost:3000", "example.com"}))
	assert.Equal(t, []string{"*"}, originPatterns([]string{"http://a", "*"}))
}
