package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"devswarm/internal/gitops"
	"devswarm/internal/model"
	"devswarm/internal/store"
)

const validationTailBytes = 2 * 1024

// beginResolution claims a spec for resolution. The tick loop and the
// task-complete fast-path run in different goroutines and can both decide a
// spec is finished; the status write alone is no gate because a repeated
// in_progress to validating transition also succeeds. Exactly one claimant
// gets true.
func (o *Orchestrator) beginResolution(specID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.resolving[specID] {
		return false
	}
	o.resolving[specID] = true
	return true
}

func (o *Orchestrator) endResolution(specID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.resolving, specID)
}

// resolveSpec runs the validation gate and then the roadmap item's resolution
// method. Validation failures mark the spec error and tell the main agent;
// merge conflicts are left in place for a human and the spec stays in merging.
// At most one resolution runs per spec at a time.
func (o *Orchestrator) resolveSpec(ctx context.Context, spec *model.Spec) {
	if !o.beginResolution(spec.ID) {
		return
	}
	defer o.endResolution(spec.ID)

	if _, err := o.store.UpdateSpec(spec.ID, store.SpecUpdate{Status: statusPtr(model.SpecValidating)}); err != nil {
		o.logger.Error("Failed to move spec to validating", "spec", spec.ID, "error", err)
		return
	}

	if failure := o.validateWorktree(ctx, spec.WorktreeName); failure != "" {
		msg := "Pre-resolution validation failed:\n" + failure
		if _, err := o.store.UpdateSpec(spec.ID, store.SpecUpdate{
			Status:       statusPtr(model.SpecError),
			ErrorMessage: &msg,
		}); err != nil {
			o.logger.Error("Failed to mark spec error", "spec", spec.ID, "error", err)
		}
		if err := o.SendToMain(ctx, validationFailureMessage(spec, failure)); err != nil {
			o.logger.Warn("Could not report validation failure to main agent", "error", err)
		}
		o.logger.Warn("Validation failed", "spec", spec.ID)
		return
	}

	if _, err := o.store.UpdateSpec(spec.ID, store.SpecUpdate{Status: statusPtr(model.SpecMerging)}); err != nil {
		o.logger.Error("Failed to move spec to merging", "spec", spec.ID, "error", err)
		return
	}

	item, err := o.store.GetRoadmapItem(spec.RoadmapItemID)
	if err != nil {
		o.failSpec(spec.ID, fmt.Sprintf("resolution aborted, roadmap item missing: %v", err))
		return
	}

	switch item.Resolution {
	case model.ResolutionMergeAndPush:
		o.resolveMergeAndPush(ctx, spec)
	case model.ResolutionCreatePR:
		o.resolveCreatePR(ctx, spec, item)
	case model.ResolutionPushBranch:
		o.resolvePushBranch(ctx, spec)
	case model.ResolutionManual:
		o.resolveManual(ctx, spec)
	default:
		o.failSpec(spec.ID, fmt.Sprintf("unknown resolution method %q", item.Resolution))
	}
}

// validateWorktree runs the configured lint and build commands in the
// worktree. It returns "" on success, or a bounded tail of the failing
// command's output. The test command is configured but deliberately not run
// here; agents run tests themselves during implementation.
func (o *Orchestrator) validateWorktree(ctx context.Context, worktree string) string {
	checks := []struct {
		label   string
		command string
	}{
		{"lint", o.cfg.LintCommand},
		{"build", o.cfg.BuildCommand},
	}

	for _, check := range checks {
		if check.command == "" {
			continue
		}
		output, err := o.worktrees.RunCommand(ctx, worktree, check.command, o.cfg.ValidationTimeout)
		if err != nil {
			o.logger.Warn("Validation command failed", "worktree", worktree, "check", check.label, "error", err)
			return fmt.Sprintf("%s (%s):\n%s", check.label, check.command, tail(output, validationTailBytes))
		}
	}
	return ""
}

// tail returns at most max bytes from the end of s, cut at a line boundary
// where possible.
func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	s = s[len(s)-max:]
	if idx := strings.IndexByte(s, '\n'); idx >= 0 && idx < len(s)-1 {
		s = s[idx+1:]
	}
	return s
}

func (o *Orchestrator) resolveMergeAndPush(ctx context.Context, spec *model.Spec) {
	result, err := o.worktrees.Merge(ctx, spec.WorktreeName, gitops.MainWorktree)
	if err != nil {
		o.failSpec(spec.ID, fmt.Sprintf("merge failed: %v", err))
		return
	}
	if !result.Success {
		// Merge state stays in the main worktree for a human to resolve.
		if err := o.SendToMain(ctx, conflictMessage(spec, result.Conflicts)); err != nil {
			o.logger.Warn("Could not report merge conflict to main agent", "error", err)
		}
		o.logger.Warn("Merge conflict, awaiting resolution", "spec", spec.ID, "files", len(result.Conflicts))
		return
	}

	if err := o.worktrees.Push(ctx, gitops.MainWorktree); err != nil {
		o.failSpec(spec.ID, fmt.Sprintf("push of main failed: %v", err))
		return
	}
	o.mu.Lock()
	o.pushedMain[spec.ID] = true
	o.mu.Unlock()

	o.completeSpec(spec.ID)
	o.logger.Info("Spec merged and pushed", "spec", spec.ID)
}

func (o *Orchestrator) resolveCreatePR(ctx context.Context, spec *model.Spec, item *model.RoadmapItem) {
	title := "[DevSwarm] " + item.Title
	body := pullRequestBody(spec, item)

	pr, err := o.worktrees.CreatePullRequest(ctx, spec.WorktreeName, title, body)
	if err != nil {
		o.failSpec(spec.ID, fmt.Sprintf("pull request creation failed: %v", err))
		return
	}

	o.completeSpec(spec.ID)
	if err := o.SendToMain(ctx, fmt.Sprintf("Opened pull request for %q: %s", item.Title, pr.URL)); err != nil {
		o.logger.Warn("Could not report pull request to main agent", "error", err)
	}
	o.logger.Info("Pull request opened", "spec", spec.ID, "url", pr.URL)
}

func (o *Orchestrator) resolvePushBranch(ctx context.Context, spec *model.Spec) {
	if err := o.worktrees.Push(ctx, spec.WorktreeName); err != nil {
		o.failSpec(spec.ID, fmt.Sprintf("branch push failed: %v", err))
		return
	}
	o.completeSpec(spec.ID)
	o.logger.Info("Spec branch pushed", "spec", spec.ID, "branch", gitops.BranchForWorktree(spec.WorktreeName))
}

func (o *Orchestrator) resolveManual(ctx context.Context, spec *model.Spec) {
	if err := o.SendToMain(ctx, manualResolutionMessage(spec)); err != nil {
		o.logger.Warn("Could not hand off manual resolution", "error", err)
		return
	}
	o.completeSpec(spec.ID)
	o.logger.Info("Spec handed off for manual resolution", "spec", spec.ID)
}

func (o *Orchestrator) completeSpec(specID string) {
	if _, err := o.store.UpdateSpec(specID, store.SpecUpdate{Status: statusPtr(model.SpecDone)}); err != nil {
		o.logger.Error("Failed to mark spec done", "spec", specID, "error", err)
	}
}

func (o *Orchestrator) failSpec(specID, message string) {
	o.logger.Error("Spec resolution failed", "spec", specID, "reason", message)
	if _, err := o.store.UpdateSpec(specID, store.SpecUpdate{
		Status:       statusPtr(model.SpecError),
		ErrorMessage: &message,
	}); err != nil {
		o.logger.Error("Failed to mark spec error", "spec", specID, "error", err)
	}
}
