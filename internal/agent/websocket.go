package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// wsClientFrame is a frame sent by the browser.
type wsClientFrame struct {
	Type         string          `json:"type"`
	Message      string          `json:"message,omitempty"`
	Code         string          `json:"code,omitempty"`
	QuestionJSON json.RawMessage `json:"questionJson,omitempty"`
}

// wsServerFrame is a frame pushed to the browser.
type wsServerFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	Messages  []domain.Message `json:"messages,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// HandleWebSocket handles GET /ws/tutor. Outbox batches are pushed every
// poll interval; "speech" frames enqueue a USER_SPEECH event and drain.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		http.Error(w, `{"error": "sessionId is required"}`, http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(h.cfg.AllowedOrigins),
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("WebSocket close", "error", closeErr, "session_id", sessionID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	slog.Info("WebSocket connected", "session_id", sessionID, "remote_ip", identity.IPFromRequest(r))
	if err := writeFrame(ctx, ws, wsServerFrame{Type: "connected", SessionID: sessionID}); err != nil {
		return
	}

	go h.pushLoop(ctx, cancel, ws, sessionID)
	h.readLoop(ctx, ws, sessionID)
	slog.Info("WebSocket disconnected", "session_id", sessionID)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var frame wsClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = writeFrame(ctx, ws, wsServerFrame{Type: "error", Error: "invalid frame"})
			continue
		}

		switch strings.ToLower(frame.Type) {
		case "ping":
			if err := writeFrame(ctx, ws, wsServerFrame{Type: "pong"}); err != nil {
				return
			}
		case "speech":
			h.handleSpeech(ctx, ws, sessionID, frame)
		default:
			_ = writeFrame(ctx, ws, wsServerFrame{Type: "error", Error: "unknown frame type"})
		}
	}
}

func (h *Handler) handleSpeech(ctx context.Context, ws *websocket.Conn, sessionID string, frame wsClientFrame) {
	in := EventInput{
		Type:         domain.EventUserSpeech,
		UserMessage:  strings.TrimSpace(frame.Message),
		Code:         frame.Code,
		QuestionJSON: frame.QuestionJSON,
	}
	if err := in.Validate(); err != nil {
		_ = writeFrame(ctx, ws, wsServerFrame{Type: "error", Error: err.Error()})
		return
	}
	if !h.svc.Allow(sessionID) {
		_ = writeFrame(ctx, ws, wsServerFrame{Type: "error", Error: "rate limit exceeded"})
		return
	}

	h.svc.Enqueue(sessionID, in)
	// The reply reaches the client through the push loop.
	go h.svc.Drain(ctx, sessionID)
}

// pushLoop delivers the outbox. A failed write ends the connection.
func (h *Handler) pushLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, sessionID string) {
	defer cancel()

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs := h.svc.Poll(sessionID)
			if len(msgs) == 0 {
				continue
			}
			if err := writeFrame(ctx, ws, wsServerFrame{Type: "messages", SessionID: sessionID, Messages: msgs}); err != nil {
				slog.Warn("WebSocket push failed", "error", err, "session_id", sessionID, "lost", len(msgs))
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, ws *websocket.Conn, frame wsServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

// originPatterns turns configured CORS origins into host patterns.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
