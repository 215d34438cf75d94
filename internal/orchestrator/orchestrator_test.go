package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devswarm/internal/bus"
	"devswarm/internal/github"
	"devswarm/internal/gitops"
	"devswarm/internal/model"
	"devswarm/internal/store"
)

// fakeGitHub is an in-memory code host.
type fakeGitHub struct {
	issues   []github.Issue
	closed   []int
	closeErr error
}

func (f *fakeGitHub) ListOpenIssues(ctx context.Context) ([]github.Issue, error) {
	return f.issues, nil
}

func (f *fakeGitHub) CloseIssue(ctx context.Context, number int) error {
	if f.closeErr != nil {
		return f.closeErr
	}
	f.closed = append(f.closed, number)
	return nil
}

func newTestOrchestrator(t *testing.T, gh github.Client) (*Orchestrator, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	events := bus.New(slog.Default())
	st := store.New(db, events)
	o := New(DefaultConfig(), st, nil, gh, events, slog.Default())
	return o, st
}

// withLocalAgents gives the orchestrator a real worktree manager over a temp
// directory and a no-op agent binary, so paths that message agents can run
// without a repository.
func withLocalAgents(t *testing.T, o *Orchestrator) {
	t.Helper()
	o.worktrees = gitops.NewManager(t.TempDir(), "main", 9418, slog.Default())
	require.NoError(t, os.MkdirAll(o.worktrees.WorktreePath(gitops.MainWorktree), 0o755))
	o.cfg.AgentBinary = "true"
}

// inProgressSpec creates a roadmap item and walks its spec to in_progress.
func inProgressSpec(t *testing.T, st *store.Store, resolution model.ResolutionMethod) *model.Spec {
	t.Helper()
	item := &model.RoadmapItem{Title: "work item", Resolution: resolution}
	require.NoError(t, st.CreateRoadmapItem(item))
	spec, err := st.CreateSpec(item.ID, "plan")
	require.NoError(t, err)

	for _, status := range []model.SpecStatus{model.SpecPendingReview, model.SpecApproved, model.SpecInProgress} {
		s := status
		spec, err = st.UpdateSpec(spec.ID, store.SpecUpdate{Status: &s})
		require.NoError(t, err)
	}
	return spec
}

func TestNotifyPendingItemsRequestsSpecs(t *testing.T) {
	o, st := newTestOrchestrator(t, &fakeGitHub{})
	withLocalAgents(t, o)

	ready := &model.RoadmapItem{Title: "Add login", Description: "with sessions"}
	require.NoError(t, st.CreateRoadmapItem(ready))
	blocked := &model.RoadmapItem{Title: "later"}
	require.NoError(t, st.CreateRoadmapItem(blocked))
	require.NoError(t, st.AddDependency(&model.Dependency{
		BlockedKind: model.KindRoadmapItem, BlockedID: blocked.ID,
		BlockerKind: model.KindRoadmapItem, BlockerID: ready.ID,
	}))

	o.notifyPendingItems(context.Background())

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.True(t, o.notified[ready.ID], "unblocked pending item must be handed to the main agent")
	assert.False(t, o.notified[blocked.ID], "blocked items wait for their blockers")
}

func TestSyncIssuesImportsRoadmapItems(t *testing.T) {
	gh := &fakeGitHub{issues: []github.Issue{
		{Number: 1, Title: "Add login", Body: "plain body", URL: "https://example.test/1"},
		{Number: 2, Title: "Add sessions", Body: "blocked by #1"},
	}}
	o, st := newTestOrchestrator(t, gh)

	require.NoError(t, o.syncIssues(context.Background()))

	items, err := st.ListRoadmapItems()
	require.NoError(t, err)
	require.Len(t, items, 2)

	first, err := st.GetRoadmapItemByIssue(1)
	require.NoError(t, err)
	assert.Equal(t, "Add login", first.Title)
	assert.Equal(t, "https://example.test/1", first.IssueURL)
	assert.Equal(t, model.RoadmapPending, first.Status)

	// The body phrase became a dependency edge.
	second, err := st.GetRoadmapItemByIssue(2)
	require.NoError(t, err)
	blocked, err := st.HasUnresolvedDependencies(model.KindRoadmapItem, second.ID)
	require.NoError(t, err)
	assert.True(t, blocked)

	// A second sync pass is idempotent: no duplicate items or edges.
	require.NoError(t, o.syncIssues(context.Background()))
	items, err = st.ListRoadmapItems()
	require.NoError(t, err)
	assert.Len(t, items, 2)
	deps, err := st.GetDependenciesWithDetails(model.KindRoadmapItem, second.ID)
	require.NoError(t, err)
	assert.Len(t, deps, 1)
}

func TestSyncIssuesResolvesCheckedReferences(t *testing.T) {
	gh := &fakeGitHub{issues: []github.Issue{
		{Number: 1, Title: "Foundation", Body: ""},
		{Number: 2, Title: "Tower", Body: "- [ ] #1"},
	}}
	o, st := newTestOrchestrator(t, gh)

	require.NoError(t, o.syncIssues(context.Background()))

	tower, err := st.GetRoadmapItemByIssue(2)
	require.NoError(t, err)
	blocked, err := st.HasUnresolvedDependencies(model.KindRoadmapItem, tower.ID)
	require.NoError(t, err)
	require.True(t, blocked)

	// The issue author checks the box upstream; the next sync resolves the
	// edge instead of duplicating it.
	gh.issues[1].Body = "- [x] #1"
	require.NoError(t, o.syncIssues(context.Background()))

	blocked, err = st.HasUnresolvedDependencies(model.KindRoadmapItem, tower.ID)
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestSyncIssuesSkipsCyclicBodies(t *testing.T) {
	gh := &fakeGitHub{issues: []github.Issue{
		{Number: 1, Title: "A", Body: "blocked by #2"},
		{Number: 2, Title: "B", Body: "blocked by #1"},
	}}
	o, st := newTestOrchestrator(t, gh)

	// One direction wins, the closing edge is refused; sync itself succeeds.
	require.NoError(t, o.syncIssues(context.Background()))

	a, err := st.GetRoadmapItemByIssue(1)
	require.NoError(t, err)
	b, err := st.GetRoadmapItemByIssue(2)
	require.NoError(t, err)

	aBlocked, err := st.HasUnresolvedDependencies(model.KindRoadmapItem, a.ID)
	require.NoError(t, err)
	bBlocked, err := st.HasUnresolvedDependencies(model.KindRoadmapItem, b.ID)
	require.NoError(t, err)
	assert.NotEqual(t, aBlocked, bBlocked, "exactly one direction of the cycle must be recorded")
}

func TestCloseFinishedIssues(t *testing.T) {
	gh := &fakeGitHub{}
	o, st := newTestOrchestrator(t, gh)

	item := &model.RoadmapItem{Title: "done work", IssueNumber: 5, Status: model.RoadmapDone}
	require.NoError(t, st.CreateRoadmapItem(item))
	liveItem := &model.RoadmapItem{Title: "live work", Status: model.RoadmapDone}
	require.NoError(t, st.CreateRoadmapItem(liveItem))

	o.closeFinishedIssues(context.Background())

	assert.Equal(t, []int{5}, gh.closed, "only issue-backed items close issues")

	got, err := st.GetRoadmapItem(item.ID)
	require.NoError(t, err)
	assert.True(t, got.IssueClosed)

	// Already-closed items are not closed again.
	o.closeFinishedIssues(context.Background())
	assert.Equal(t, []int{5}, gh.closed)
}

func TestCloseFinishedIssuesKeepsRetrying(t *testing.T) {
	gh := &fakeGitHub{closeErr: fmt.Errorf("gh: network down")}
	o, st := newTestOrchestrator(t, gh)

	item := &model.RoadmapItem{Title: "x", IssueNumber: 9, Status: model.RoadmapDone}
	require.NoError(t, st.CreateRoadmapItem(item))

	o.closeFinishedIssues(context.Background())

	// Failure leaves the flag unset so the next tick retries.
	got, err := st.GetRoadmapItem(item.ID)
	require.NoError(t, err)
	assert.False(t, got.IssueClosed)

	gh.closeErr = nil
	o.closeFinishedIssues(context.Background())
	got, err = st.GetRoadmapItem(item.ID)
	require.NoError(t, err)
	assert.True(t, got.IssueClosed)
}

func TestSpecCompleteByTaskGroups(t *testing.T) {
	o, st := newTestOrchestrator(t, &fakeGitHub{})

	item := &model.RoadmapItem{Title: "work", IssueNumber: 3}
	require.NoError(t, st.CreateRoadmapItem(item))
	spec, err := st.CreateSpec(item.ID, "plan")
	require.NoError(t, err)

	// No groups and no coordinator: not complete.
	assert.False(t, o.specComplete(context.Background(), spec))

	g1 := &model.TaskGroup{SpecID: spec.ID, Name: "one"}
	g2 := &model.TaskGroup{SpecID: spec.ID, Name: "two"}
	require.NoError(t, st.CreateTaskGroup(g1))
	require.NoError(t, st.CreateTaskGroup(g2))

	// One group still pending: not complete.
	_, err = st.UpdateTaskGroupStatus(g1.ID, model.StepDone)
	require.NoError(t, err)
	assert.False(t, o.specComplete(context.Background(), spec))

	_, err = st.UpdateTaskGroupStatus(g2.ID, model.StepDone)
	require.NoError(t, err)
	assert.True(t, o.specComplete(context.Background(), spec))
}

func TestResolveSpecRunsAtMostOnce(t *testing.T) {
	o, st := newTestOrchestrator(t, &fakeGitHub{})
	withLocalAgents(t, o)

	spec := inProgressSpec(t, st, model.ResolutionManual)

	sub := o.events.Subscribe(64)
	defer o.events.Unsubscribe(sub)

	// The tick's completion check and the task-complete fast-path can both
	// decide the same spec is finished at the same moment.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh, err := st.GetSpec(spec.ID)
			if err != nil {
				return
			}
			o.resolveSpec(context.Background(), fresh)
		}()
	}
	wg.Wait()

	got, err := st.GetSpec(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecDone, got.Status)

	validating := 0
drain:
	for {
		select {
		case ev := <-sub.C:
			if ev.Type != bus.TypeSpecUpdate {
				continue
			}
			if s, ok := ev.Payload.(model.Spec); ok && s.Status == model.SpecValidating {
				validating++
			}
		default:
			break drain
		}
	}
	assert.Equal(t, 1, validating, "only one caller may run the resolution pipeline")
}

func TestResolveSpecValidationFailure(t *testing.T) {
	o, st := newTestOrchestrator(t, &fakeGitHub{})
	withLocalAgents(t, o)
	o.cfg.LintCommand = "echo lint error in foo.ts; exit 1"

	spec := inProgressSpec(t, st, model.ResolutionMergeAndPush)

	worktree := "spec-" + spec.ID
	require.NoError(t, os.MkdirAll(o.worktrees.WorktreePath(worktree), 0o755))
	spec, err := st.UpdateSpec(spec.ID, store.SpecUpdate{WorktreeName: &worktree})
	require.NoError(t, err)

	o.resolveSpec(context.Background(), spec)

	got, err := st.GetSpec(spec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SpecError, got.Status)
	assert.True(t, strings.HasPrefix(got.ErrorMessage, "Pre-resolution validation failed:"), got.ErrorMessage)
	assert.Contains(t, got.ErrorMessage, "lint error in foo.ts")
	assert.Contains(t, got.ErrorMessage, "lint (", "message names the failing check")

	// The failure was also routed to the main agent.
	main, err := st.GetAgentInstance(model.MainAgentID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentRunning, main.Status)
}

func TestValidationTail(t *testing.T) {
	assert.Equal(t, "short", tail("short", 2048))

	long := strings.Repeat("line of build output\n", 300)
	got := tail(long, 2048)
	assert.LessOrEqual(t, len(got), 2048)
	// Cut lands on a line boundary.
	assert.True(t, strings.HasPrefix(got, "line of build output"), got[:40])
}
