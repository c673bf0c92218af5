package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/codetutor/internal/api"
	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/identity"
)

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	MaxRequestBodySize int64
	PollInterval       time.Duration
	KeepaliveInterval  time.Duration
	RetryDelay         time.Duration
	AllowedOrigins     []string
}

// Handler serves the tutor endpoints.
type Handler struct {
	svc       *Service
	cfg       HandlerConfig
	eventID   atomic.Int64
	streamSeq atomic.Int64
}

// NewHandler creates a handler for svc.
func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Handler{svc: svc, cfg: cfg}
}

// RegisterRoutes registers the tutor routes. Session ids are resolved by
// identity.Middleware, which the caller installs.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tutor", func(r chi.Router) {
		r.Post("/events", h.HandleEvent)
		r.Get("/poll", h.HandlePoll)
		r.Post("/chat", h.HandleChat)
		r.Get("/state", h.HandleState)
		r.Get("/stream", h.HandleStream)
	})
	r.Get("/ws/tutor", h.HandleWebSocket)
}

// HandleEvent handles POST /api/tutor/events: queue the event and drain the
// session before answering.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	in, err := req.Input()
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := identity.Resolve(r.Context(), req.SessionID)
	if !h.svc.Allow(sessionID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !in.Type.Known() {
		slog.Warn("Unknown event type queued with lowest priority", "session_id", sessionID, "event_type", in.Type)
	}

	h.svc.Enqueue(sessionID, in)
	processed := h.svc.Drain(r.Context(), sessionID)

	slog.Info("Tutor event handled",
		"session_id", sessionID,
		"event_type", in.Type,
		"processed", processed,
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	api.JSON(w, http.StatusOK, EventResponse{OK: true, SessionID: sessionID, Processed: processed})
}

// HandlePoll handles GET /api/tutor/poll.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	msgs := h.svc.Poll(sessionID)
	api.JSON(w, http.StatusOK, PollResponse{
		OK:        true,
		SessionID: sessionID,
		Count:     len(msgs),
		Messages:  msgs,
	})
}

// HandleChat handles POST /api/tutor/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := api.DecodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	in, err := req.Input()
	if err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := identity.Resolve(r.Context(), req.SessionID)
	if !h.svc.Allow(sessionID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	resp, err := h.svc.Chat(r.Context(), sessionID, in)
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			api.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Warn("Chat request abandoned", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

// HandleState handles GET /api/tutor/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	state, ok := h.svc.State(sessionID)
	if !ok {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}
	api.JSON(w, http.StatusOK, state)
}

// HandleStream handles GET /api/tutor/stream: a server-sent event stream
// that delivers the outbox as it fills. Delivered messages are removed from
// the outbox exactly as a poll would.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		api.Error(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "session_id", sessionID)
		return
	}
	connID := h.streamSeq.Add(1)
	connected := fmt.Sprintf(`{"status":"connected","session_id":%q,"conn_id":%d}`, sessionID, connID)
	if err := writeSSEWithID(w, h.eventID.Add(1), "connected", connected); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "session_id", sessionID)
		return
	}
	flusher.Flush()
	slog.Info("SSE connection established", "session_id", sessionID, "conn_id", connID, "remote_ip", identity.IPFromRequest(r))
	defer slog.Info("SSE connection closed", "session_id", sessionID, "conn_id", connID)

	poll := time.NewTicker(h.cfg.PollInterval)
	defer poll.Stop()
	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-poll.C:
			msgs := h.svc.Poll(sessionID)
			if len(msgs) == 0 {
				continue
			}
			if err := h.writeMessages(w, msgs); err != nil {
				slog.Warn("failed to write SSE message event", "error", err, "session_id", sessionID, "lost", len(msgs))
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) writeMessages(w io.Writer, msgs []domain.Message) error {
	for _, m := range msgs {
		data, err := marshalMessage(m)
		if err != nil {
			return err
		}
		if err := writeSSEWithID(w, h.eventID.Add(1), "message", data); err != nil {
			return err
		}
	}
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// marshalMessage encodes m on a single line, as an SSE data field requires.
func marshalMessage(m domain.Message) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return string(data), nil
}
