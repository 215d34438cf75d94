package orchestrator

import (
	"fmt"
	"strings"

	"devswarm/internal/gitops"
	"devswarm/internal/model"
)

const resumePrompt = "You were interrupted by a daemon restart. Review the state of your worktree and continue where you left off."

// specRequestPrompt asks the main agent to draft a spec for a roadmap item.
func specRequestPrompt(item *model.RoadmapItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A roadmap item is ready for a spec.\n\n")
	fmt.Fprintf(&b, "Item ID: %s\nTitle: %s\n", item.ID, item.Title)
	if item.IssueNumber > 0 {
		fmt.Fprintf(&b, "Issue: #%d (%s)\n", item.IssueNumber, item.IssueURL)
	}
	if item.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", item.Description)
	}
	b.WriteString("\nWrite an implementation spec for this item and create it via the API (POST /api/specs). A human reviews and approves it before work starts.")
	return b.String()
}

// coordinatorPrompt seeds a freshly spawned coordinator with its spec.
func coordinatorPrompt(spec *model.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the coordinator for spec %s. You work in your own git worktree on branch %s.\n\n", spec.ID, gitops.BranchForWorktree(spec.WorktreeName))
	b.WriteString("Break the spec into task groups and tasks, record them via the API, implement the work, and commit as you go. ")
	b.WriteString("When everything is implemented and committed, output [TASK_COMPLETE]. ")
	b.WriteString("If you need a human decision, wrap the question in [QUESTION_FOR_USER]...[/QUESTION_FOR_USER] and keep working on what is not blocked.\n\n")
	b.WriteString("Spec:\n\n")
	b.WriteString(spec.Content)
	return b.String()
}

// validationFailureMessage reports a failed validation gate to the main agent.
func validationFailureMessage(spec *model.Spec, failure string) string {
	return fmt.Sprintf("Pre-resolution validation failed for spec %s in worktree %s. The spec is marked error; fix the worktree or adjust the spec.\n\n%s",
		spec.ID, spec.WorktreeName, failure)
}

// conflictMessage reports a merge conflict left in the main worktree.
func conflictMessage(spec *model.Spec, conflicts []string) string {
	return fmt.Sprintf("Merging spec %s (branch %s) into main hit conflicts. The merge state is left in the main worktree for resolution. Conflicting files:\n%s\n\nResolve the conflicts, commit the merge, and the next cycle will push main.",
		spec.ID, gitops.BranchForWorktree(spec.WorktreeName), "- "+strings.Join(conflicts, "\n- "))
}

// manualResolutionMessage hands a finished worktree to the main agent.
func manualResolutionMessage(spec *model.Spec) string {
	branch := gitops.BranchForWorktree(spec.WorktreeName)
	return fmt.Sprintf("Spec %s is implemented and validated in worktree %s (branch %s). Its roadmap item requests manual resolution: integrate the branch yourself, e.g.\n\n  git merge --no-ff %s\n  git push origin main\n\nor dispose of it however the work warrants.",
		spec.ID, spec.WorktreeName, branch, branch)
}

// pullRequestBody is the body used for resolution via pull request.
func pullRequestBody(spec *model.Spec, item *model.RoadmapItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated implementation of roadmap item %q (spec %s).\n", item.Title, spec.ID)
	if item.IssueNumber > 0 {
		fmt.Fprintf(&b, "\nCloses #%d\n", item.IssueNumber)
	}
	return b.String()
}
