// Package orchestrator implements the control loop that drives work items
// through their lifecycle: syncing issues into the roadmap, requesting specs,
// starting coordinators in dedicated worktrees, detecting completion, and
// resolving finished work back upstream.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"devswarm/internal/agent"
	"devswarm/internal/bus"
	"devswarm/internal/github"
	"devswarm/internal/gitops"
	"devswarm/internal/model"
	"devswarm/internal/store"
)

// Config holds orchestrator configuration.
type Config struct {
	TickInterval      time.Duration // control loop period
	SyncInterval      time.Duration // issue sync period
	IdleCompleteAfter time.Duration // coordinator silence implying completion
	ValidationTimeout time.Duration // per validation command
	AgentMaxRuntime   time.Duration // coordinator/worker runtime bound

	LintCommand  string
	BuildCommand string
	TestCommand  string // reserved, read but not executed

	AgentBinary string
	MainBranch  string

	MaxStartFailures int // spec start attempts before marking error
}

// DefaultConfig returns the standard intervals and bounds.
func DefaultConfig() Config {
	return Config{
		TickInterval:      5 * time.Second,
		SyncInterval:      60 * time.Second,
		IdleCompleteAfter: 60 * time.Second,
		ValidationTimeout: 5 * time.Minute,
		AgentMaxRuntime:   time.Hour,
		AgentBinary:       "claude",
		MainBranch:        "main",
		MaxStartFailures:  3,
	}
}

// Orchestrator coordinates the agent fleet for one repository.
type Orchestrator struct {
	cfg       Config
	store     *store.Store
	worktrees *gitops.Manager
	github    github.Client
	events    *bus.Bus
	logger    *slog.Logger

	mu            sync.Mutex
	agents        map[string]*agent.Instance
	notified      map[string]bool // roadmap items already asked for a spec this run
	startFailures map[string]int  // per-spec consecutive start failures
	pushedMain    map[string]bool // spec ids whose completion already pushed main
	resolving     map[string]bool // specs with resolution in flight
	lastSync      time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator over the shared components.
func New(cfg Config, st *store.Store, worktrees *gitops.Manager, gh github.Client, events *bus.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		store:         st,
		worktrees:     worktrees,
		github:        gh,
		events:        events,
		logger:        logger,
		agents:        make(map[string]*agent.Instance),
		notified:      make(map[string]bool),
		startFailures: make(map[string]int),
		pushedMain:    make(map[string]bool),
		resolving:     make(map[string]bool),
	}
}

// Start resumes paused agents, ensures the main agent exists, and runs the
// tick loop until the context is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.resumePausedAgents(ctx); err != nil {
		o.logger.Warn("Agent resumption incomplete", "error", err)
	}
	if _, err := o.ensureMainAgent(ctx); err != nil {
		return fmt.Errorf("failed to start main agent: %w", err)
	}

	sub := o.events.Subscribe(256)
	o.wg.Add(1)
	go o.watchAgentEvents(ctx, sub)

	o.wg.Add(1)
	go o.runLoop(ctx)
	return nil
}

// runLoop drives the fixed-period tick.
func (o *Orchestrator) runLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	o.logger.Info("Control loop started", "interval", o.cfg.TickInterval)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Control loop stopping")
			return
		case <-ticker.C:
			o.runTick(ctx)
		}
	}
}

// runTick executes one cycle. Anything that fails inside a tick is logged
// and retried on the next tick; only startup-class failures are fatal, and
// those never reach here.
func (o *Orchestrator) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Tick panicked", "panic", r)
		}
	}()

	if err := o.maybeSyncIssues(ctx); err != nil {
		o.logger.Warn("Issue sync failed", "error", err)
	}
	o.notifyPendingItems(ctx)
	o.startApprovedSpecs(ctx)
	o.checkCompletions(ctx)
	o.progressRoadmap(ctx)
	o.closeFinishedIssues(ctx)
	o.broadcastState()
}

// watchAgentEvents reacts to agent events between ticks. A task-complete
// marker from a coordinator triggers its spec's completion check promptly
// instead of waiting for idle detection.
func (o *Orchestrator) watchAgentEvents(ctx context.Context, sub *bus.Subscription) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			o.events.Unsubscribe(sub)
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type != bus.TypeTaskComplete {
				continue
			}
			payload, ok := ev.Payload.(map[string]interface{})
			if !ok {
				continue
			}
			instanceID, _ := payload["instanceId"].(string)
			specID, found := strings.CutPrefix(instanceID, "coordinator-")
			if !found {
				continue
			}
			spec, err := o.store.GetSpec(specID)
			if err != nil || spec.Status != model.SpecInProgress {
				continue
			}
			if o.specComplete(ctx, spec) {
				o.resolveSpec(ctx, spec)
			}
		}
	}
}

// Shutdown pauses every supervised agent, persisting resume handles, and
// stops the loop. Idempotent.
func (o *Orchestrator) Shutdown() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.Lock()
	agents := make([]*agent.Instance, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	o.agents = make(map[string]*agent.Instance)
	o.mu.Unlock()

	for _, a := range agents {
		if err := a.Pause(); err != nil {
			o.logger.Error("Failed to pause agent", "agent", a.ID, "error", err)
		}
	}
	o.logger.Info("Orchestrator stopped", "agents_paused", len(agents))
}

// Agents returns the currently supervised instances.
func (o *Orchestrator) Agents() []*agent.Instance {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*agent.Instance, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, a)
	}
	return out
}

// SendToMain injects a message into the main agent's session.
func (o *Orchestrator) SendToMain(ctx context.Context, text string) error {
	main, err := o.ensureMainAgent(ctx)
	if err != nil {
		return err
	}
	return main.SendMessage(ctx, text)
}

// AnswerQuestion records the human response and forwards it to the agent
// that asked.
func (o *Orchestrator) AnswerQuestion(ctx context.Context, questionID, response string) error {
	q, err := o.store.AnswerQuestion(questionID, response)
	if err != nil {
		return err
	}

	o.mu.Lock()
	asker := o.agents[q.AgentID]
	o.mu.Unlock()

	if asker == nil {
		o.logger.Warn("Answer recorded but asking agent is gone", "agent", q.AgentID)
		return nil
	}
	return asker.SendMessage(ctx, fmt.Sprintf("Answer to your question: %s", response))
}

// ensureMainAgent returns the singleton main agent, creating and starting it
// on first use.
func (o *Orchestrator) ensureMainAgent(ctx context.Context) (*agent.Instance, error) {
	o.mu.Lock()
	if a, ok := o.agents[model.MainAgentID]; ok {
		o.mu.Unlock()
		return a, nil
	}
	o.mu.Unlock()

	a := agent.New(model.MainAgentID, model.RoleMain, gitops.MainWorktree,
		o.worktrees.WorktreePath(gitops.MainWorktree),
		agent.Config{Binary: o.cfg.AgentBinary},
		o.store, o.events, o.logger)

	// Re-attach the previous session when one was persisted.
	if prev, err := o.store.GetAgentInstance(model.MainAgentID); err == nil && prev.ResumeHandle != "" {
		a.SetResumeHandle(prev.ResumeHandle)
	}

	if err := a.Start("", ""); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.agents[model.MainAgentID] = a
	o.mu.Unlock()
	return a, nil
}

// resumePausedAgents re-spawns agents paused by a previous daemon run. An
// instance without a resume handle and worktree cannot be re-attached and is
// moved to stopped.
func (o *Orchestrator) resumePausedAgents(ctx context.Context) error {
	paused, err := o.store.ListAgentsByStatus(model.AgentPaused)
	if err != nil {
		return err
	}

	for _, rec := range paused {
		if rec.ResumeHandle == "" || rec.WorktreeName == "" {
			o.logger.Warn("Paused agent cannot be resumed", "agent", rec.ID)
			if err := o.store.UpdateAgentStatus(rec.ID, model.AgentStopped, ""); err != nil {
				o.logger.Error("Failed to stop unresumable agent", "agent", rec.ID, "error", err)
			}
			continue
		}

		cfg := agent.Config{Binary: o.cfg.AgentBinary}
		if rec.Role == model.RoleCoordinator || rec.Role == model.RoleWorker {
			cfg.MaxRuntime = o.cfg.AgentMaxRuntime
		}

		a := agent.New(rec.ID, rec.Role, rec.WorktreeName,
			o.worktrees.WorktreePath(rec.WorktreeName), cfg, o.store, o.events, o.logger)
		a.SetResumeHandle(rec.ResumeHandle)

		if err := a.Start(rec.ContextKind, rec.ContextID); err != nil {
			o.logger.Error("Failed to resume agent", "agent", rec.ID, "error", err)
			continue
		}
		if err := a.SendMessage(ctx, resumePrompt); err != nil {
			o.logger.Error("Failed to message resumed agent", "agent", rec.ID, "error", err)
		}

		o.mu.Lock()
		o.agents[rec.ID] = a
		o.mu.Unlock()
		o.logger.Info("Resumed paused agent", "agent", rec.ID, "worktree", rec.WorktreeName)
	}
	return nil
}

// notifyPendingItems asks the main agent to write a spec for each pending,
// unblocked roadmap item. The in-memory notified set keeps this idempotent
// across ticks; it is cleared when the item reaches done.
func (o *Orchestrator) notifyPendingItems(ctx context.Context) {
	items, err := o.store.ListRoadmapItems()
	if err != nil {
		o.logger.Error("Failed to list roadmap items", "error", err)
		return
	}

	for _, item := range items {
		if item.Status != model.RoadmapPending || item.SpecID != "" {
			continue
		}

		o.mu.Lock()
		seen := o.notified[item.ID]
		o.mu.Unlock()
		if seen {
			continue
		}

		blocked, err := o.store.HasUnresolvedDependencies(model.KindRoadmapItem, item.ID)
		if err != nil {
			o.logger.Error("Failed to check dependencies", "item", item.ID, "error", err)
			continue
		}
		if blocked {
			continue
		}

		if err := o.SendToMain(ctx, specRequestPrompt(&item)); err != nil {
			o.logger.Warn("Could not notify main agent", "item", item.ID, "error", err)
			continue
		}

		o.mu.Lock()
		o.notified[item.ID] = true
		o.mu.Unlock()
		o.logger.Info("Requested spec for roadmap item", "item", item.ID, "title", item.Title)
	}
}

// startApprovedSpecs allocates a worktree and spawns a coordinator for each
// approved, unblocked spec. Three consecutive failures mark the spec error.
func (o *Orchestrator) startApprovedSpecs(ctx context.Context) {
	specs, err := o.store.ListSpecsByStatus(model.SpecApproved)
	if err != nil {
		o.logger.Error("Failed to list approved specs", "error", err)
		return
	}

	for _, spec := range specs {
		blocked, err := o.store.HasUnresolvedDependencies(model.KindRoadmapItem, spec.RoadmapItemID)
		if err != nil {
			o.logger.Error("Failed to check dependencies", "spec", spec.ID, "error", err)
			continue
		}
		if blocked {
			continue
		}

		if err := o.startSpec(ctx, &spec); err != nil {
			o.mu.Lock()
			o.startFailures[spec.ID]++
			failures := o.startFailures[spec.ID]
			o.mu.Unlock()

			o.logger.Error("Failed to start spec", "spec", spec.ID, "attempt", failures, "error", err)

			if failures >= o.cfg.MaxStartFailures {
				msg := fmt.Sprintf("Failed to start implementation after %d attempts: %v", failures, err)
				if _, uErr := o.store.UpdateSpec(spec.ID, store.SpecUpdate{
					Status:       statusPtr(model.SpecError),
					ErrorMessage: &msg,
				}); uErr != nil {
					o.logger.Error("Failed to mark spec error", "spec", spec.ID, "error", uErr)
				}
			}
			continue
		}

		o.mu.Lock()
		delete(o.startFailures, spec.ID)
		o.mu.Unlock()
	}
}

// startSpec creates the worktree, spawns the coordinator, and moves the spec
// to in_progress.
func (o *Orchestrator) startSpec(ctx context.Context, spec *model.Spec) error {
	worktreeName := "spec-" + spec.ID
	if _, err := o.worktrees.CreateWorktree(ctx, worktreeName, o.cfg.MainBranch); err != nil {
		return fmt.Errorf("worktree allocation failed: %w", err)
	}

	instanceID := "coordinator-" + spec.ID
	a := agent.New(instanceID, model.RoleCoordinator, worktreeName,
		o.worktrees.WorktreePath(worktreeName),
		agent.Config{Binary: o.cfg.AgentBinary, MaxRuntime: o.cfg.AgentMaxRuntime},
		o.store, o.events, o.logger)

	if err := a.Start("spec", spec.ID); err != nil {
		return fmt.Errorf("coordinator start failed: %w", err)
	}
	if err := a.SendMessage(ctx, coordinatorPrompt(spec)); err != nil {
		return fmt.Errorf("coordinator prompt failed: %w", err)
	}

	branch := gitops.BranchForWorktree(worktreeName)
	if _, err := o.store.UpdateSpec(spec.ID, store.SpecUpdate{
		Status:       statusPtr(model.SpecInProgress),
		WorktreeName: &worktreeName,
		BranchName:   &branch,
	}); err != nil {
		return fmt.Errorf("failed to record spec start: %w", err)
	}

	o.mu.Lock()
	o.agents[instanceID] = a
	o.mu.Unlock()

	o.logger.Info("Spec implementation started", "spec", spec.ID, "worktree", worktreeName)
	return nil
}

// checkCompletions runs the completion test for every in-progress spec.
func (o *Orchestrator) checkCompletions(ctx context.Context) {
	specs, err := o.store.ListSpecsByStatus(model.SpecInProgress)
	if err != nil {
		o.logger.Error("Failed to list in-progress specs", "error", err)
		return
	}

	for _, spec := range specs {
		if o.specComplete(ctx, &spec) {
			o.resolveSpec(ctx, &spec)
		}
	}
}

// specComplete decides whether a spec's implementation is finished: either
// every task group is done (and at least one exists), or the worktree has
// commits off main and the coordinator has been silent long enough. Markers
// alone never gate this.
func (o *Orchestrator) specComplete(ctx context.Context, spec *model.Spec) bool {
	groups, err := o.store.ListTaskGroups(spec.ID)
	if err != nil {
		o.logger.Error("Failed to list task groups", "spec", spec.ID, "error", err)
		return false
	}
	if len(groups) > 0 {
		allDone := true
		for _, g := range groups {
			if g.Status != model.StepDone {
				allDone = false
				break
			}
		}
		if allDone {
			return true
		}
	}

	if spec.WorktreeName == "" {
		return false
	}

	o.mu.Lock()
	coordinator := o.agents["coordinator-"+spec.ID]
	o.mu.Unlock()
	if coordinator == nil || coordinator.Busy() {
		return false
	}
	last := coordinator.LastOutputAt()
	if last.IsZero() || time.Since(last) < o.cfg.IdleCompleteAfter {
		return false
	}

	ahead, err := o.worktrees.CommitsAheadOf(ctx, spec.WorktreeName, o.cfg.MainBranch)
	if err != nil {
		o.logger.Warn("Failed to count commits", "spec", spec.ID, "error", err)
		return false
	}
	return ahead > 0
}

// progressRoadmap pushes main for done specs (at most once per spec) and
// completes their roadmap items.
func (o *Orchestrator) progressRoadmap(ctx context.Context) {
	specs, err := o.store.ListSpecsByStatus(model.SpecDone)
	if err != nil {
		o.logger.Error("Failed to list done specs", "error", err)
		return
	}

	for _, spec := range specs {
		o.pushMainOnce(ctx, spec.ID)

		item, err := o.store.GetRoadmapItem(spec.RoadmapItemID)
		if err != nil {
			o.logger.Error("Done spec has no roadmap item", "spec", spec.ID, "error", err)
			continue
		}
		if item.Status == model.RoadmapDone {
			continue
		}

		if _, err := o.store.UpdateRoadmapItem(item.ID, store.RoadmapItemUpdate{
			Status: roadmapStatusPtr(model.RoadmapDone),
		}); err != nil {
			o.logger.Error("Failed to complete roadmap item", "item", item.ID, "error", err)
			continue
		}

		o.mu.Lock()
		delete(o.notified, item.ID)
		o.mu.Unlock()
		o.logger.Info("Roadmap item completed", "item", item.ID, "spec", spec.ID)
	}
}

// pushMainOnce pushes main if it has unpushed commits, coalescing so a spec
// completion triggers at most one push per daemon lifetime.
func (o *Orchestrator) pushMainOnce(ctx context.Context, specID string) {
	o.mu.Lock()
	done := o.pushedMain[specID]
	o.mu.Unlock()
	if done {
		return
	}

	unpushed, err := o.worktrees.HasUnpushedCommits(ctx, gitops.MainWorktree)
	if err != nil {
		o.logger.Warn("Failed to check unpushed commits", "error", err)
		return
	}
	if unpushed {
		if err := o.worktrees.Push(ctx, gitops.MainWorktree); err != nil {
			o.logger.Error("Failed to push main", "spec", specID, "error", err)
			return
		}
		o.logger.Info("Pushed main", "spec", specID)
	}

	o.mu.Lock()
	o.pushedMain[specID] = true
	o.mu.Unlock()
}

// closeFinishedIssues closes upstream issues for done roadmap items.
// Failures are logged per item; other items continue.
func (o *Orchestrator) closeFinishedIssues(ctx context.Context) {
	items, err := o.store.ListRoadmapItems()
	if err != nil {
		o.logger.Error("Failed to list roadmap items", "error", err)
		return
	}

	for _, item := range items {
		if item.Status != model.RoadmapDone || item.IssueClosed || item.IssueNumber == 0 {
			continue
		}

		if err := o.github.CloseIssue(ctx, item.IssueNumber); err != nil {
			o.logger.Warn("Failed to close issue", "issue", item.IssueNumber, "error", err)
			continue
		}

		closed := true
		if _, err := o.store.UpdateRoadmapItem(item.ID, store.RoadmapItemUpdate{IssueClosed: &closed}); err != nil {
			o.logger.Error("Failed to record issue closure", "item", item.ID, "error", err)
		}
	}
}

// broadcastState publishes the full snapshot for observers.
func (o *Orchestrator) broadcastState() {
	snapshot, err := o.store.GetSnapshot()
	if err != nil {
		o.logger.Error("Failed to build state snapshot", "error", err)
		return
	}
	o.events.Publish(bus.TypeState, snapshot)
}

func statusPtr(s model.SpecStatus) *model.SpecStatus          { return &s }
func roadmapStatusPtr(s model.RoadmapStatus) *model.RoadmapStatus { return &s }
