package agent

import (
	"regexp"
	"strings"
)

// Marker contract inside free-text agent output. Markers are best-effort
// hints: task-group completion and commit presence remain the authoritative
// completion signals, so a missed marker only delays, never breaks, the
// pipeline.
const (
	markerTaskComplete = "[TASK_COMPLETE]"
)

var (
	questionRe = regexp.MustCompile(`(?s)\[QUESTION_FOR_USER\](.*?)\[/QUESTION_FOR_USER\]`)
	resumeIDRe = regexp.MustCompile(`Resume ID:\s*(\S+)`)
)

// extractQuestions returns the text of every question marker in output.
func extractQuestions(output string) []string {
	var questions []string
	for _, m := range questionRe.FindAllStringSubmatch(output, -1) {
		q := strings.TrimSpace(m[1])
		if q != "" {
			questions = append(questions, q)
		}
	}
	return questions
}

// hasTaskComplete reports whether the completion marker appears in output.
func hasTaskComplete(output string) bool {
	return strings.Contains(output, markerTaskComplete)
}

// extractResumeID returns the last resume token mentioned in output, or "".
func extractResumeID(output string) string {
	matches := resumeIDRe.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}
