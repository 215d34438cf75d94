package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

const maxSlugLen = 40

var caseFolder = cases.Fold()

// Slugify turns free text into a stable id fragment: case-folded,
// non-alphanumerics collapsed to single hyphens, capped at 40 characters.
// Idempotent: slugifying a slug returns it unchanged.
func Slugify(s string) string {
	s = caseFolder.String(s)

	var b strings.Builder
	prevHyphen := true // suppress leading hyphen
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// SpecIDForIssue computes the semantic spec id for an issue-backed roadmap
// item. Deterministic: the same issue number and title always map to the
// same id, so spec ids survive daemon restarts.
func SpecIDForIssue(issueNumber int, title string) string {
	return fmt.Sprintf("iss-%d-%s", issueNumber, Slugify(title))
}

// SpecIDLive computes the spec id for a roadmap item created directly by the
// user, with a random suffix to keep ids unique across similar titles.
func SpecIDLive(title string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("live-%s-%s", Slugify(title), suffix)
}
