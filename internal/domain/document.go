package domain

// SessionDocument is the editor-side session record kept by the frontend
// backend. Only the fields used for prompt context are modeled.
type SessionDocument struct {
	SessionID   string
	LineHistory []LineHistory
	Submissions []Submission
}

// LineHistory holds the recorded edits of a single source line, oldest first.
type LineHistory struct {
	Line    string
	Entries []LineEntry
}

// LineEntry is one recorded version of a line.
type LineEntry struct {
	Timestamp string
	Content   string
	Metrics   []Metric
}

// Metric is an ordered key/value pair.
type Metric struct {
	Key   string
	Value string
}

// Submission is a recorded code run.
type Submission struct {
	Timestamp string
	Output    string
	Error     string
}
