package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/identity"
	"github.com/ashureev/codetutor/internal/llm"
	"github.com/ashureev/codetutor/internal/metrics"
	"github.com/ashureev/codetutor/internal/patch"
	"github.com/ashureev/codetutor/internal/prompt"
	"github.com/ashureev/codetutor/internal/store"
)

// Review modes.
const (
	ModeFull  = "full"
	ModePatch = "patch"

	// progressiveStep is the simulated time, in seconds, between two reviews.
	progressiveStep = 30

	llmPathReview = "review"
)

var (
	errCodeRequired  = errors.New("code is required for mode=full")
	errPatchRequired = errors.New("patch is required for mode=patch")
	errBadMode       = errors.New("mode must be 'full' or 'patch'")
)

// GenerateRequest is the body of POST /api/llm/generate. Either the full code
// or a patch against the session's last snapshot is sent.
type GenerateRequest struct {
	SessionID    string         `json:"session_id,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	Code         string         `json:"code,omitempty"`
	Patch        string         `json:"patch,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	MetricsPatch map[string]any `json:"metrics_patch,omitempty"`
}

// GenerateResponse carries the model's review.
type GenerateResponse struct {
	Response string `json:"response"`
}

// SnapshotsResponse is returned by GET /api/llm/snapshots.
type SnapshotsResponse struct {
	SessionID string             `json:"session_id"`
	Count     int                `json:"count"`
	Snapshots []*domain.Snapshot `json:"snapshots"`
}

// ContextBuilder renders the per-session context sections of a prompt.
type ContextBuilder interface {
	Build(ctx context.Context, sessionID string, runOutputLimit int) []string
}

// ReviewLogFunc records one prompt/response pair.
type ReviewLogFunc func(sessionID, prompt, systemPrompt, response string)

// ReviewConfig tunes the review endpoint.
type ReviewConfig struct {
	RunOutputLimit     int
	MaxRequestBodySize int64
}

// ReviewHandler serves the code-review endpoints.
type ReviewHandler struct {
	snapshots store.SnapshotStore
	context   ContextBuilder
	client    llm.Client
	prompts   *prompt.Templates
	logReview ReviewLogFunc
	cfg       ReviewConfig
}

// NewReviewHandler creates a review handler. builder and logReview may be nil.
func NewReviewHandler(snapshots store.SnapshotStore, builder ContextBuilder, client llm.Client, prompts *prompt.Templates, logReview ReviewLogFunc, cfg ReviewConfig) *ReviewHandler {
	if prompts == nil {
		prompts = prompt.Default()
	}
	if client == nil {
		client = llm.Disabled{}
	}
	if logReview == nil {
		logReview = func(string, string, string, string) {}
	}
	if cfg.RunOutputLimit <= 0 {
		cfg.RunOutputLimit = 1000
	}
	return &ReviewHandler{
		snapshots: snapshots,
		context:   builder,
		client:    client,
		prompts:   prompts,
		logReview: logReview,
		cfg:       cfg,
	}
}

// RegisterRoutes registers the review routes.
func (h *ReviewHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/llm", func(r chi.Router) {
		r.Post("/generate", h.HandleGenerate)
		r.Get("/snapshots", h.HandleSnapshots)
	})
}

// HandleGenerate handles POST /api/llm/generate.
func (h *ReviewHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := DecodeJSON(w, r, h.cfg.MaxRequestBodySize, &req); err != nil {
		WriteDecodeError(w, err)
		return
	}

	text, err := h.Generate(r.Context(), req)
	switch {
	case errors.Is(err, errCodeRequired), errors.Is(err, errPatchRequired), errors.Is(err, errBadMode):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("Review generation failed", "session_id", req.SessionID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, GenerateResponse{Response: text})
}

// Generate runs one review round and returns the model's answer.
func (h *ReviewHandler) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ModeFull
		if req.Patch != "" {
			mode = ModePatch
		}
	}

	sessionID := identity.Sanitize(req.SessionID)
	if sessionID == "" {
		sessionID = identity.SessionIDFromContext(ctx)
	}
	switch mode {
	case ModeFull:
		if req.Code == "" {
			return "", errCodeRequired
		}
		return h.review(ctx, sessionID, req.Code, req.Metrics)
	case ModePatch:
		if req.Patch == "" {
			return "", errPatchRequired
		}
		code, merged := h.rebuild(ctx, sessionID, req.Patch, req.MetricsPatch)
		return h.review(ctx, sessionID, code, merged)
	default:
		return "", errBadMode
	}
}

// rebuild applies patchText to the session's last snapshot and merges the
// metric changes over its metrics. Without a session there is nothing to
// patch against.
func (h *ReviewHandler) rebuild(ctx context.Context, sessionID, patchText string, metricsPatch map[string]any) (string, map[string]any) {
	merged := map[string]any{}
	if sessionID == "" {
		return "", merged
	}

	base := ""
	if h.snapshots != nil {
		last, err := h.snapshots.LastSnapshot(ctx, sessionID)
		if err != nil {
			slog.Warn("Failed to load last snapshot, patching empty code", "session_id", sessionID, "error", err)
		}
		if last != nil {
			base = last.Code
			maps.Copy(merged, last.Metrics)
		}
	}
	maps.Copy(merged, metricsPatch)
	return patch.Apply(base, patchText), merged
}

func (h *ReviewHandler) review(ctx context.Context, sessionID, code string, snapMetrics map[string]any) (string, error) {
	promptMetrics := maps.Clone(snapMetrics)
	if promptMetrics == nil {
		promptMetrics = map[string]any{}
	}

	var sections []string
	if sessionID != "" {
		if h.snapshots != nil {
			n, err := h.snapshots.CountSnapshots(ctx, sessionID)
			if err != nil {
				slog.Warn("Failed to count snapshots", "session_id", sessionID, "error", err)
			} else {
				promptMetrics["progressiveSeconds"] = (n + 1) * progressiveStep
			}
		}
		if h.context != nil {
			sections = h.context.Build(ctx, sessionID, h.cfg.RunOutputLimit)
		}
	}

	text, system := h.prompts.Review(code, promptMetrics, sections)

	start := time.Now()
	response, err := h.client.Invoke(ctx, text, system)
	if err != nil {
		metrics.RecordLLMCall(llmPathReview, "error", time.Since(start))
		return "", fmt.Errorf("generate review: %w", err)
	}
	metrics.RecordLLMCall(llmPathReview, "ok", time.Since(start))

	h.logReview(sessionID, text, system, response)

	if sessionID != "" && h.snapshots != nil {
		if snapMetrics == nil {
			snapMetrics = map[string]any{}
		}
		snap := &domain.Snapshot{
			SessionID: sessionID,
			Code:      code,
			Metrics:   snapMetrics,
			Prompt:    text,
			Response:  response,
		}
		if _, err := h.snapshots.InsertSnapshot(context.WithoutCancel(ctx), snap); err != nil {
			slog.Warn("Failed to persist snapshot", "session_id", sessionID, "error", err)
		}
	}
	return response, nil
}

// HandleSnapshots handles GET /api/llm/snapshots.
func (h *ReviewHandler) HandleSnapshots(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if h.snapshots == nil {
		Error(w, http.StatusServiceUnavailable, "snapshot store unavailable")
		return
	}

	limit := store.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, store.DefaultListLimit)
	}

	snaps, err := h.snapshots.ListSnapshots(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("Failed to list snapshots", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snaps == nil {
		snaps = []*domain.Snapshot{}
	}
	JSON(w, http.StatusOK, SnapshotsResponse{SessionID: sessionID, Count: len(snaps), Snapshots: snaps})
}
