package orchestrator

import (
	"context"
	"errors"
	"time"

	"devswarm/internal/github"
	"devswarm/internal/model"
	"devswarm/internal/store"
)

// maybeSyncIssues runs the upstream sync when the sync interval has elapsed.
func (o *Orchestrator) maybeSyncIssues(ctx context.Context) error {
	o.mu.Lock()
	due := time.Since(o.lastSync) >= o.cfg.SyncInterval
	o.mu.Unlock()
	if !due {
		return nil
	}

	if err := o.syncIssues(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	o.lastSync = time.Now()
	o.mu.Unlock()
	return nil
}

// syncIssues imports open upstream issues as roadmap items and mirrors the
// dependency references their bodies declare. Items are never deleted here;
// an issue closed upstream simply stops appearing.
func (o *Orchestrator) syncIssues(ctx context.Context) error {
	issues, err := o.github.ListOpenIssues(ctx)
	if err != nil {
		return err
	}

	// First pass: make sure every issue has a roadmap item, so dependency
	// edges in the second pass can point at freshly imported blockers.
	byIssue := make(map[int]*model.RoadmapItem, len(issues))
	for _, issue := range issues {
		item, err := o.store.GetRoadmapItemByIssue(issue.Number)
		if errors.Is(err, store.ErrNotFound) {
			item = &model.RoadmapItem{
				Title:       issue.Title,
				Description: issue.Body,
				IssueNumber: issue.Number,
				IssueURL:    issue.URL,
			}
			if err := o.store.CreateRoadmapItem(item); err != nil {
				o.logger.Error("Failed to import issue", "issue", issue.Number, "error", err)
				continue
			}
			o.logger.Info("Imported issue as roadmap item", "issue", issue.Number, "title", issue.Title)
		} else if err != nil {
			o.logger.Error("Failed to look up issue", "issue", issue.Number, "error", err)
			continue
		}
		byIssue[issue.Number] = item
	}

	for _, issue := range issues {
		item := byIssue[issue.Number]
		if item == nil {
			continue
		}
		o.syncIssueDependencies(issue, item, byIssue)
	}
	return nil
}

// syncIssueDependencies mirrors one issue body's references into the
// dependency graph. Blockers referencing issues not yet imported are skipped;
// the next sync pass picks them up once both sides exist.
func (o *Orchestrator) syncIssueDependencies(issue github.Issue, item *model.RoadmapItem, byIssue map[int]*model.RoadmapItem) {
	refs := github.ParseDependencyRefs(issue.Body)

	for _, blockerIssue := range refs.Blocking {
		blocker := byIssue[blockerIssue]
		if blocker == nil {
			var err error
			blocker, err = o.store.GetRoadmapItemByIssue(blockerIssue)
			if err != nil {
				continue
			}
		}
		if blocker.Status == model.RoadmapDone {
			continue
		}

		dep := &model.Dependency{
			BlockedKind: model.KindRoadmapItem,
			BlockedID:   item.ID,
			BlockerKind: model.KindRoadmapItem,
			BlockerID:   blocker.ID,
		}
		err := o.store.AddDependency(dep)
		switch {
		case err == nil:
			o.logger.Info("Dependency imported", "blocked", item.ID, "blocker", blocker.ID)
		case errors.Is(err, store.ErrConflict):
			// Already recorded.
		case errors.Is(err, store.ErrDependencyCycle):
			o.logger.Warn("Issue body declares a dependency cycle", "issue", issue.Number, "blocker", blockerIssue)
		default:
			o.logger.Error("Failed to record dependency", "issue", issue.Number, "error", err)
		}
	}

	for _, resolvedIssue := range refs.Resolved {
		blocker, err := o.store.GetRoadmapItemByIssue(resolvedIssue)
		if err != nil {
			continue
		}
		deps, err := o.store.GetDependenciesWithDetails(model.KindRoadmapItem, item.ID)
		if err != nil {
			o.logger.Error("Failed to list dependencies", "item", item.ID, "error", err)
			continue
		}
		for _, d := range deps {
			if d.Resolved || d.BlockerKind != model.KindRoadmapItem || d.BlockerID != blocker.ID {
				continue
			}
			if err := o.store.ResolveDependency(d.ID); err != nil {
				o.logger.Error("Failed to resolve dependency", "dependency", d.ID, "error", err)
			} else {
				o.logger.Info("Dependency resolved from issue body", "blocked", item.ID, "blocker", blocker.ID)
			}
		}
	}
}
