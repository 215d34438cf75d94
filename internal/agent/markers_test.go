package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractQuestions(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			"single question",
			"working...\n[QUESTION_FOR_USER]Should I use Postgres?[/QUESTION_FOR_USER]\nmore work",
			[]string{"Should I use Postgres?"},
		},
		{
			"multiline question",
			"[QUESTION_FOR_USER]\nTwo options:\n1. a\n2. b\nWhich one?\n[/QUESTION_FOR_USER]",
			[]string{"Two options:\n1. a\n2. b\nWhich one?"},
		},
		{
			"multiple questions",
			"[QUESTION_FOR_USER]first[/QUESTION_FOR_USER] text [QUESTION_FOR_USER]second[/QUESTION_FOR_USER]",
			[]string{"first", "second"},
		},
		{"empty question skipped", "[QUESTION_FOR_USER]  [/QUESTION_FOR_USER]", nil},
		{"unterminated marker ignored", "[QUESTION_FOR_USER]dangling", nil},
		{"no markers", "just output", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractQuestions(tt.output))
		})
	}
}

func TestHasTaskComplete(t *testing.T) {
	assert.True(t, hasTaskComplete("all done\n[TASK_COMPLETE]\n"))
	assert.False(t, hasTaskComplete("still working on [TASK_"))
}

func TestExtractResumeID(t *testing.T) {
	assert.Equal(t, "", extractResumeID("no token here"))
	assert.Equal(t, "abc-123", extractResumeID("Resume ID: abc-123"))

	// The last mention wins.
	out := "Resume ID: old-token\nsome work\nResume ID: new-token"
	assert.Equal(t, "new-token", extractResumeID(out))
}
