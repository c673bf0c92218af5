// Package prompt loads the tutor prompt templates and assembles prompts from
// session state and compacted context.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/codetutor/internal/domain"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Templates holds the prompt fragments used by the tutor and review paths.
type Templates struct {
	TutorSystem          string            `yaml:"tutor_system"`
	ReviewSystem         string            `yaml:"review_system"`
	SnapshotInstructions string            `yaml:"snapshot_instructions"`
	Events               map[string]string `yaml:"events"`
	DefaultEvent         string            `yaml:"default_event"`
}

// Default returns the embedded templates.
func Default() *Templates {
	t, err := parse(defaultTemplates)
	if err != nil {
		panic(fmt.Sprintf("embedded prompt templates: %v", err))
	}
	return t
}

// Load reads templates from path. Fields missing from the file fall back to
// the embedded defaults. An empty path returns the defaults.
func Load(path string) (*Templates, error) {
	base := Default()
	if path == "" {
		return base, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt templates: %w", err)
	}
	override, err := parse(data)
	if err != nil {
		return nil, err
	}

	base.merge(override)
	return base, nil
}

func parse(data []byte) (*Templates, error) {
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &t, nil
}

func (t *Templates) merge(o *Templates) {
	if o.TutorSystem != "" {
		t.TutorSystem = o.TutorSystem
	}
	if o.ReviewSystem != "" {
		t.ReviewSystem = o.ReviewSystem
	}
	if o.SnapshotInstructions != "" {
		t.SnapshotInstructions = o.SnapshotInstructions
	}
	if o.DefaultEvent != "" {
		t.DefaultEvent = o.DefaultEvent
	}
	if t.Events == nil {
		t.Events = make(map[string]string)
	}
	for k, v := range o.Events {
		t.Events[strings.ToUpper(k)] = v
	}
}

// TutorInput is the session view a drain step builds its prompt from.
type TutorInput struct {
	Event         domain.Event
	History       []domain.Message
	QuestionJSON  string
	HelpLevel     int
	StruggleScore int
	Context       []string
}

// Tutor assembles the prompt and system prompt for one queued event.
func (t *Templates) Tutor(in TutorInput) (string, string) {
	var b strings.Builder

	instruction, ok := t.Events[string(in.Event.Type)]
	if !ok {
		instruction = t.DefaultEvent
	}
	fmt.Fprintf(&b, "EVENT: %s\n", in.Event.Type)
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n")

	if in.QuestionJSON != "" {
		b.WriteString("\nQUESTION:\n")
		b.WriteString(in.QuestionJSON)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nSESSION MEMORY:\n- help level: %d\n- struggle score: %d\n", in.HelpLevel, in.StruggleScore)

	if len(in.History) > 0 {
		b.WriteString("\nCONVERSATION:\n")
		for _, m := range in.History {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Content)
		}
	}

	if in.Event.Code != "" {
		b.WriteString("\nCURRENT CODE:\n")
		b.WriteString(in.Event.Code)
		b.WriteString("\n")
	}
	if in.Event.Type == domain.EventCodeRun {
		fmt.Fprintf(&b, "\nRUN OUTPUT:\n%s\nRUN ERROR:\n%s\n", in.Event.RunOutput, in.Event.RunError)
	}
	if in.Event.UserMessage != "" {
		fmt.Fprintf(&b, "\nSTUDENT: %s\n", in.Event.UserMessage)
	}

	for _, section := range in.Context {
		b.WriteString("\n")
		b.WriteString(section)
		b.WriteString("\n")
	}

	system := strings.TrimSpace(t.TutorSystem)
	if t.SnapshotInstructions != "" {
		system += "\n\n" + strings.TrimSpace(t.SnapshotInstructions)
	}
	return strings.TrimRight(b.String(), "\n"), system
}

// Review assembles the code-review prompt: the code, its metrics and the
// context sections, separated by blank lines.
func (t *Templates) Review(code string, metrics map[string]any, sections []string) (string, string) {
	parts := []string{"CURRENT CODE:", code}
	if len(metrics) > 0 {
		parts = append(parts, "", "METRICS:")
		parts = append(parts, domain.MetricLines(metrics)...)
	}
	for _, s := range sections {
		parts = append(parts, "", s)
	}
	return strings.Join(parts, "\n"), strings.TrimSpace(t.ReviewSystem)
}
