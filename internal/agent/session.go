package agent

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/ashureev/codetutor/internal/domain"
	"github.com/ashureev/codetutor/internal/memory"
)

// DrainState is the per-session drain status.
type DrainState int

const (
	// StateIdle means no drain loop owns the session.
	StateIdle DrainState = iota
	// StateDraining means exactly one drain loop owns the session.
	StateDraining
)

func (s DrainState) String() string {
	if s == StateDraining {
		return "draining"
	}
	return "idle"
}

// Session is the in-memory tutoring state of one session id. All fields are
// guarded by mu.
type Session struct {
	id string

	mu            sync.Mutex
	messages      []domain.Message
	questionJSON  json.RawMessage
	helpLevel     int
	struggleScore int
	queue         eventQueue
	state         DrainState
	outbox        []domain.Message
	createdAt     time.Time
	lastActivity  time.Time
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{id: id, createdAt: now, lastActivity: now}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// enqueue appends an event regardless of the drain state.
func (s *Session) enqueue(p *pendingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.push(p)
	s.lastActivity = time.Now()
}

// setQuestion stores raw when it differs from the current question after JSON
// compaction. It reports whether the stored value changed.
func (s *Session) setQuestion(raw json.RawMessage) bool {
	next := compactJSON(raw)
	if len(next) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(s.questionJSON, next) {
		return false
	}
	s.questionJSON = next
	return true
}

// tryBeginDrain moves IDLE to DRAINING. Only one caller can win.
func (s *Session) tryBeginDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDraining {
		return false
	}
	s.state = StateDraining
	return true
}

// next pops the highest-priority event. When the queue is empty it returns
// the session to IDLE in the same critical section, so an event enqueued
// afterwards is always seen by a new drain.
func (s *Session) next() (*pendingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.queue.pop()
	if !ok {
		s.state = StateIdle
		return nil, false
	}
	return p, true
}

// abortDrain returns the session to IDLE and hands back whatever is still
// queued. Used when a drain loop panics.
func (s *Session) abortDrain() []*pendingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var left []*pendingEvent
	for {
		p, ok := s.queue.pop()
		if !ok {
			break
		}
		left = append(left, p)
	}
	s.state = StateIdle
	return left
}

// appendUser records the student's message in the conversation history.
func (s *Session) appendUser(content string, t domain.EventType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, domain.Message{
		Role:      domain.RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
		EventType: t,
	})
}

// promptView is the read-only slice of state a prompt is built from.
type promptView struct {
	history       []domain.Message
	questionJSON  string
	helpLevel     int
	struggleScore int
}

func (s *Session) promptView(window int) promptView {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := domain.RecentMessages(s.messages, window)
	history := make([]domain.Message, len(recent))
	copy(history, recent)

	return promptView{
		history:       history,
		questionJSON:  string(s.questionJSON),
		helpLevel:     s.helpLevel,
		struggleScore: s.struggleScore,
	}
}

// complete applies a parsed memory update and records the assistant message
// in both the history and the outbox.
func (s *Session) complete(update memory.Update, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.HasHelpLevel {
		s.helpLevel = memory.ClampHelpLevel(update.HelpLevel)
	}
	if update.HasStruggleScore {
		s.struggleScore = memory.ClampStruggleScore(update.StruggleScore)
	}
	s.messages = append(s.messages, msg)
	s.outbox = append(s.outbox, msg)
	s.lastActivity = time.Now()
}

// takeOutbox swaps the outbox for an empty one and returns what it held.
func (s *Session) takeOutbox() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	if out == nil {
		out = []domain.Message{}
	}
	return out
}

// SessionState is a diagnostic snapshot of a session.
type SessionState struct {
	SessionID     string          `json:"sessionId"`
	HelpLevel     int             `json:"helpLevel"`
	StruggleScore int             `json:"struggleScore"`
	State         string          `json:"state"`
	Draining      bool            `json:"draining"`
	Queued        int             `json:"queued"`
	Messages      int             `json:"messages"`
	Outbox        int             `json:"outbox"`
	QuestionJSON  json.RawMessage `json:"questionJson,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	LastActivity  time.Time       `json:"lastActivity"`
}

// State returns a diagnostic snapshot.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		SessionID:     s.id,
		HelpLevel:     s.helpLevel,
		StruggleScore: s.struggleScore,
		State:         s.state.String(),
		Draining:      s.state == StateDraining,
		Queued:        s.queue.len(),
		Messages:      len(s.messages),
		Outbox:        len(s.outbox),
		QuestionJSON:  append(json.RawMessage(nil), s.questionJSON...),
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
}

func compactJSON(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		// Not valid JSON; keep the caller's bytes as-is.
		return append(json.RawMessage(nil), trimmed...)
	}
	return buf.Bytes()
}
