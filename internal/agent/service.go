package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/llm"
	"github.com/ashureev/codetutor/internal/memory"
	"github.com/ashureev/codetutor/internal/metrics"
	"github.com/ashureev/codetutor/internal/prompt"
)

const llmPathDrain = "drain"

// ContextBuilder renders the per-session context sections appended to a
// prompt. *compactor.Compactor implements it.
type ContextBuilder interface {
	Build(ctx context.Context, sessionID string, runOutputLimit int) []string
}

// Service owns the session registry and runs drain loops.
type Service struct {
	registry *Registry
	client   llm.Client
	prompts  *prompt.Templates
	context  ContextBuilder
	convLog  ConversationLogger
	limiter  *RateLimiter
	cfg      Config
	logger   *slog.Logger
}

// NewService wires a service. client is wrapped with cfg.LLMTimeout; builder
// and convLog may be nil.
func NewService(client llm.Client, prompts *prompt.Templates, builder ContextBuilder, convLog ConversationLogger, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if client == nil {
		client = llm.Disabled{}
	}
	if prompts == nil {
		prompts = prompt.Default()
	}
	if convLog == nil {
		convLog = noopConversationLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: NewRegistry(),
		client:   llm.WithTimeout(client, cfg.LLMTimeout),
		prompts:  prompts,
		context:  builder,
		convLog:  convLog,
		limiter:  NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		cfg:      cfg,
		logger:   logger,
	}
}

// Registry exposes the session registry.
func (s *Service) Registry() *Registry { return s.registry }

// Limiter exposes the per-session rate limiter.
func (s *Service) Limiter() *RateLimiter { return s.limiter }

// Allow reports whether sessionID may trigger another event now.
func (s *Service) Allow(sessionID string) bool {
	return s.limiter.Allow(sessionID)
}

// Enqueue records an event on the session, creating the session if needed.
// It never fails and does not start processing.
func (s *Service) Enqueue(sessionID string, in EventInput) {
	s.enqueue(sessionID, in.QuestionJSON, &pendingEvent{event: in.event()})
}

func (s *Service) enqueue(sessionID string, question []byte, p *pendingEvent) *Session {
	sess := s.registry.GetOrCreate(sessionID)
	if sess.setQuestion(question) {
		s.logger.Debug("Question updated", "session_id", sessionID)
	}
	sess.enqueue(p)
	metrics.RecordEnqueued(string(p.event.Type))
	return sess
}

// Drain processes the session's queue until it is empty and returns how many
// events this call handled. When another drain already owns the session it
// returns 0 immediately; the owner will pick up anything queued meanwhile.
// Processing is detached from ctx cancellation.
func (s *Service) Drain(ctx context.Context, sessionID string) int {
	sess := s.registry.GetOrCreate(sessionID)
	if !sess.tryBeginDrain() {
		return 0
	}
	ctx = context.WithoutCancel(ctx)

	metrics.DrainStarted()
	defer metrics.DrainFinished()

	processed := 0
	defer func() {
		if r := recover(); r != nil {
			left := sess.abortDrain()
			s.logger.Error("[DRAIN] Drain loop panicked", "session_id", sessionID, "panic", r, "dropped", len(left))
			for _, p := range left {
				p.deliver(DrainResult{Err: fmt.Errorf("drain aborted: %v", r)})
			}
		}
	}()

	for {
		p, ok := sess.next()
		if !ok {
			break
		}
		s.process(ctx, sess, p)
		processed++
	}

	if processed > 0 {
		s.logger.Info("[DRAIN] Queue drained", "session_id", sessionID, "processed", processed)
	}
	return processed
}

func (p *pendingEvent) deliver(res DrainResult) {
	if p.reply == nil {
		return
	}
	select {
	case p.reply <- res:
	default:
	}
}

// process handles one event. Failures of the model call are turned into a
// synthetic assistant message and leave the session memory untouched.
func (s *Service) process(ctx context.Context, sess *Session, p *pendingEvent) {
	ev := p.event
	res := s.respond(ctx, sess, p)

	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   res.Rendered,
		Timestamp: time.Now().UTC(),
		EventType: ev.Type,
	}
	if res.Err != nil {
		msg.Content = FailurePrefix + res.Err.Error()
		res.Rendered = msg.Content
		res.Update = memory.Update{}
		metrics.RecordProcessed(string(ev.Type), "error")
		s.logger.Warn("[DRAIN] Model call failed", "session_id", sess.ID(), "event_type", ev.Type, "error", res.Err)
	} else {
		metrics.RecordProcessed(string(ev.Type), "ok")
	}

	sess.complete(res.Update, msg)
	p.deliver(res)
}

func (s *Service) respond(ctx context.Context, sess *Session, p *pendingEvent) (res DrainResult) {
	defer func() {
		if r := recover(); r != nil {
			res = DrainResult{Err: fmt.Errorf("internal error: %v", r)}
		}
	}()

	ev := p.event
	view := sess.promptView(s.cfg.HistoryWindow)
	if ev.Type == domain.EventUserSpeech && ev.UserMessage != "" {
		sess.appendUser(ev.UserMessage, ev.Type)
	}

	limit := s.cfg.RunOutputLimit
	if p.reply != nil {
		limit = s.cfg.ChatRunOutputLimit
	}
	var sections []string
	if s.context != nil {
		sections = s.context.Build(ctx, sess.ID(), limit)
	}

	text, system := s.prompts.Tutor(prompt.TutorInput{
		Event:         ev,
		History:       view.history,
		QuestionJSON:  view.questionJSON,
		HelpLevel:     view.helpLevel,
		StruggleScore: view.struggleScore,
		Context:       sections,
	})
	s.logConversation(sess.ID(), ev, "outbound", "prompt", text, nil)

	start := time.Now()
	raw, err := s.client.Invoke(ctx, text, system)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
	}
	metrics.RecordLLMCall(llmPathDrain, outcome, time.Since(start))
	if err != nil {
		s.logConversation(sess.ID(), ev, "inbound", "error", err.Error(), nil)
		return DrainResult{Err: err}
	}

	update := memory.Extract(raw)
	s.logConversation(sess.ID(), ev, "inbound", "response", raw, map[string]any{
		"help_level_set":     update.HasHelpLevel,
		"struggle_score_set": update.HasStruggleScore,
		"latency_ms":         time.Since(start).Milliseconds(),
	})
	return DrainResult{
		Rendered: memory.Strip(raw),
		Raw:      raw,
		Update:   update,
	}
}

func (s *Service) logConversation(sessionID string, ev domain.Event, direction, kind, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["trigger"] = string(ev.Type)
	meta["seq"] = ev.Seq
	s.convLog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  sessionID,
		Channel:    "tutor_drain",
		Direction:  direction,
		EventType:  kind,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// Chat queues a USER_SPEECH turn, drains and waits for that turn's reply.
// If another drain owns the session, Chat waits for it to reach the turn.
// A failed model call is reported in the response, not as an error.
func (s *Service) Chat(ctx context.Context, sessionID string, in ChatInput) (*ChatResponse, error) {
	if in.Message == "" {
		return nil, ErrEmptyMessage
	}

	ev := domain.NewEvent(domain.EventUserSpeech)
	ev.UserMessage = in.Message
	ev.Code = in.Code
	p := &pendingEvent{event: ev, reply: make(chan DrainResult, 1)}
	s.enqueue(sessionID, in.QuestionJSON, p)

	s.Drain(ctx, sessionID)

	var res DrainResult
	select {
	case res = <-p.reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp := &ChatResponse{
		OK:        res.Err == nil,
		SessionID: sessionID,
		Response:  res.Rendered,
		Raw:       res.Raw,
		Timestamp: time.Now().UTC(),
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp, nil
}

// Poll hands over and clears the session's outbox. Unknown sessions are
// created and yield an empty, non-nil slice.
func (s *Service) Poll(sessionID string) []domain.Message {
	out := s.registry.GetOrCreate(sessionID).takeOutbox()
	metrics.RecordDelivered(len(out))
	return out
}

// State returns diagnostics for an existing session.
func (s *Service) State(sessionID string) (SessionState, bool) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return SessionState{}, false
	}
	return sess.State(), true
}

// Close flushes the conversation log.
func (s *Service) Close() error {
	return s.convLog.Close()
}
