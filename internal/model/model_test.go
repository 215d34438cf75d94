package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from SpecStatus
		to   SpecStatus
		want bool
	}{
		{"draft to pending review", SpecDraft, SpecPendingReview, true},
		{"pending review to approved", SpecPendingReview, SpecApproved, true},
		{"approved to in progress", SpecApproved, SpecInProgress, true},
		{"in progress to validating", SpecInProgress, SpecValidating, true},
		{"validating to merging", SpecValidating, SpecMerging, true},
		{"merging to done", SpecMerging, SpecDone, true},
		{"skip forward is allowed", SpecDraft, SpecApproved, true},
		{"no going back", SpecApproved, SpecDraft, false},
		{"no leaving done", SpecDone, SpecInProgress, false},
		{"no leaving error", SpecError, SpecDraft, false},
		{"error reachable from draft", SpecDraft, SpecError, true},
		{"error reachable from merging", SpecMerging, SpecError, true},
		{"self transition is a no-op", SpecValidating, SpecValidating, true},
		{"unknown status", SpecStatus("bogus"), SpecDone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidResolutionMethod(t *testing.T) {
	for _, m := range []ResolutionMethod{ResolutionMergeAndPush, ResolutionCreatePR, ResolutionPushBranch, ResolutionManual} {
		assert.True(t, ValidResolutionMethod(m), string(m))
	}
	assert.False(t, ValidResolutionMethod("rebase_and_pray"))
}
