package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSnapshotSection(t *testing.T) {
	t.Parallel()

	text := "Nice progress on the loop.\n\n### Interview Snapshot\n- Help tier: Guide\n- Struggle score: 57\n### Next Steps\n- try an edge case"
	u := Extract(text)

	assert.True(t, u.HasHelpLevel)
	assert.Equal(t, 2, u.HelpLevel)
	assert.True(t, u.HasStruggleScore)
	assert.Equal(t, 57, u.StruggleScore)
}

func TestExtractWithoutMarker(t *testing.T) {
	t.Parallel()

	u := Extract("- Help tier: Direction\n- Struggle score: 90")
	assert.True(t, u.Empty())
}

func TestExtractHelpTierPrecedence(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		level int
		ok    bool
	}{
		"Direction":                   {3, true},
		"Guide with direction":        {3, true},
		"Guide":                       {2, true},
		"Nudge":                       {1, true},
		"Self-sufficient":             {0, true},
		"sufficient for now":          {0, true},
		"No hint needed":              {0, true},
		"something the model made up": {0, false},
	}

	for label, want := range cases {
		u := Extract("## Interview Snapshot\n- help tier: " + label + "\n")
		assert.Equal(t, want.ok, u.HasHelpLevel, label)
		if want.ok {
			assert.Equal(t, want.level, u.HelpLevel, label)
		}
	}
}

func TestExtractStruggleScoreClampsAndConcatenatesDigits(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		score int
		ok    bool
	}{
		"- Struggle score: 42":                     {42, true},
		"- Struggle score: 250":                    {100, true},
		"- Struggle score: 5/10":                   {100, true},
		"- Struggle score: 0":                      {0, true},
		"- Struggle score: 99999999999999999999999": {100, true},
		"- Struggle score: unknown":                {0, false},
		"- Struggle score 40":                      {0, false},
	}

	for line, want := range cases {
		u := Extract("### Interview Snapshot\n" + line)
		assert.Equal(t, want.ok, u.HasStruggleScore, line)
		if want.ok {
			assert.Equal(t, want.score, u.StruggleScore, line)
		}
	}
}

func TestExtractPartialRecovery(t *testing.T) {
	t.Parallel()

	u := Extract("### INTERVIEW SNAPSHOT\n- Help tier: ???\n- Struggle score: 12\n")
	assert.False(t, u.HasHelpLevel)
	assert.True(t, u.HasStruggleScore)
	assert.Equal(t, 12, u.StruggleScore)
}

func TestExtractPrefersHeadingOverMention(t *testing.T) {
	t.Parallel()

	text := "I updated the Interview Snapshot below.\n\n### Interview Snapshot\n- Help tier: Guide\n- Struggle score: 57\n### Next Steps"
	u := Extract(text)
	assert.True(t, u.HasHelpLevel)
	assert.Equal(t, 2, u.HelpLevel)
	assert.True(t, u.HasStruggleScore)
	assert.Equal(t, 57, u.StruggleScore)

	assert.Equal(t, "I updated the Interview Snapshot below.\n\n### Next Steps", Strip(text))
}

func TestExtractBareMarkerWithoutHeading(t *testing.T) {
	t.Parallel()

	u := Extract("Interview Snapshot:\n- Help tier: Self-sufficient\n- Struggle score: 5")
	assert.True(t, u.HasHelpLevel)
	assert.Equal(t, 0, u.HelpLevel)
	assert.Equal(t, 5, u.StruggleScore)
}

func TestExtractStopsAtNextHeading(t *testing.T) {
	t.Parallel()

	u := Extract("### Interview Snapshot\n- Help tier: Nudge\n### Notes\n- Struggle score: 80\n")
	assert.True(t, u.HasHelpLevel)
	assert.Equal(t, 1, u.HelpLevel)
	assert.False(t, u.HasStruggleScore)
}

func TestStrip(t *testing.T) {
	t.Parallel()

	text := "Check your base case.\n\n### Interview Snapshot\n- Help tier: Nudge\n- Struggle score: 30\n### Next Steps\nRun it again."
	assert.Equal(t, "Check your base case.\n\n### Next Steps\nRun it again.", Strip(text))
	assert.Equal(t, "plain reply", Strip("  plain reply \n"))

	only := "### Interview Snapshot\n- Help tier: Nudge"
	assert.Equal(t, only, Strip(only))
}

func TestClamp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ClampHelpLevel(-4))
	assert.Equal(t, 3, ClampHelpLevel(9))
	assert.Equal(t, 2, ClampHelpLevel(2))
	assert.Equal(t, 0, ClampStruggleScore(-1))
	assert.Equal(t, 100, ClampStruggleScore(101))
}
