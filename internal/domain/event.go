package domain

import (
	"strings"
	"time"
)

// EventType categorizes a trigger that asks the tutor to respond.
type EventType string

const (
	// EventUserSpeech is a chat or voice message from the student.
	EventUserSpeech EventType = "USER_SPEECH"
	// EventCodeRun fires when the student's code finished running.
	EventCodeRun EventType = "CODE_RUN"
	// EventSLM is a background "should the tutor intervene" signal.
	EventSLM EventType = "SLM"
)

// Priority table, ascending importance. Unknown types rank lowest.
var eventPriorities = map[EventType]int{
	EventSLM:        1,
	EventCodeRun:    2,
	EventUserSpeech: 3,
}

// ParseEventType normalizes a caller-supplied type name.
func ParseEventType(s string) EventType {
	return EventType(strings.ToUpper(strings.TrimSpace(s)))
}

// Priority returns the scheduling priority for the event type.
func (t EventType) Priority() int {
	return eventPriorities[t]
}

// Known reports whether the type has an entry in the priority table.
func (t EventType) Known() bool {
	_, ok := eventPriorities[t]
	return ok
}

// Event is a pending trigger in a session queue. Events are never mutated
// after they are enqueued.
type Event struct {
	Type        EventType
	Priority    int
	UserMessage string
	Code        string
	RunOutput   string
	RunError    string
	EnqueuedAt  time.Time
	Seq         uint64
}

// NewEvent builds an event with its priority derived from the type.
func NewEvent(t EventType) Event {
	return Event{
		Type:       t,
		Priority:   t.Priority(),
		EnqueuedAt: time.Now(),
	}
}
