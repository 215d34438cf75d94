package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devswarm/internal/model"
)

func makeSpec(t *testing.T, s *Store, issue int) *model.Spec {
	t.Helper()
	item := makeItem(t, s, "work", issue)
	spec, err := s.CreateSpec(item.ID, "# plan")
	require.NoError(t, err)
	return spec
}

func TestTaskGroupsAndTasks(t *testing.T) {
	s := newTestStore(t)
	spec := makeSpec(t, s, 10)

	g1 := &model.TaskGroup{SpecID: spec.ID, Name: "scaffolding", Seq: 1}
	g2 := &model.TaskGroup{SpecID: spec.ID, Name: "wiring", Seq: 2}
	require.NoError(t, s.CreateTaskGroup(g2))
	require.NoError(t, s.CreateTaskGroup(g1))

	// Missing spec is rejected.
	err := s.CreateTaskGroup(&model.TaskGroup{SpecID: "nope", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	task := &model.Task{GroupID: g1.ID, Description: "create files", Seq: 1}
	require.NoError(t, s.CreateTask(task))
	assert.Equal(t, model.StepPending, task.Status)

	done := model.StepDone
	hash := "abc1234"
	updated, err := s.UpdateTask(task.ID, TaskUpdate{Status: &done, CommitHash: &hash})
	require.NoError(t, err)
	assert.Equal(t, model.StepDone, updated.Status)
	assert.Equal(t, hash, updated.CommitHash)

	// Sequence ordering with embedded tasks.
	groups, err := s.ListTaskGroups(spec.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "scaffolding", groups[0].Name)
	assert.Equal(t, "wiring", groups[1].Name)
	require.Len(t, groups[0].Tasks, 1)
	assert.Equal(t, "create files", groups[0].Tasks[0].Description)

	g, err := s.UpdateTaskGroupStatus(g1.ID, model.StepInProgress)
	require.NoError(t, err)
	assert.Equal(t, model.StepInProgress, g.Status)

	_, err = s.UpdateTaskGroupStatus("missing", model.StepDone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentInstanceLifecycle(t *testing.T) {
	s := newTestStore(t)

	// The main role's id is reserved.
	err := s.SaveAgentInstance(&model.AgentInstance{ID: "other", Role: model.RoleMain, Status: model.AgentRunning})
	assert.ErrorIs(t, err, ErrConflict)

	a := &model.AgentInstance{
		ID:           "coordinator-iss-1-x",
		Role:         model.RoleCoordinator,
		Status:       model.AgentRunning,
		WorktreeName: "spec-iss-1-x",
		ContextKind:  "spec",
		ContextID:    "iss-1-x",
	}
	require.NoError(t, s.SaveAgentInstance(a))

	// Upsert keeps the id stable.
	a.Status = model.AgentRunning
	require.NoError(t, s.SaveAgentInstance(a))
	all, err := s.ListAgentInstances()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.SetAgentResumeHandle(a.ID, "sess-123"))
	require.NoError(t, s.UpdateAgentStatus(a.ID, model.AgentPaused, "sess-456"))

	got, err := s.GetAgentInstance(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AgentPaused, got.Status)
	assert.Equal(t, "sess-456", got.ResumeHandle)

	// An empty handle on a status change keeps the stored one.
	require.NoError(t, s.UpdateAgentStatus(a.ID, model.AgentStopped, ""))
	got, err = s.GetAgentInstance(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-456", got.ResumeHandle)

	paused, err := s.ListAgentsByStatus(model.AgentPaused)
	require.NoError(t, err)
	assert.Empty(t, paused)

	assert.ErrorIs(t, s.UpdateAgentStatus("missing", model.AgentStopped, ""), ErrNotFound)
	assert.ErrorIs(t, s.SetAgentResumeHandle("missing", "h"), ErrNotFound)
}

func TestQuestions(t *testing.T) {
	s := newTestStore(t)

	q := &model.UserQuestion{AgentID: "main", Question: "Which database?"}
	require.NoError(t, s.CreateQuestion(q))
	assert.Equal(t, model.QuestionPending, q.Status)

	pending, err := s.ListPendingQuestions()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	answered, err := s.AnswerQuestion(q.ID, "sqlite")
	require.NoError(t, err)
	assert.Equal(t, model.QuestionAnswered, answered.Status)
	assert.Equal(t, "sqlite", answered.Response)

	// Answering twice is rejected.
	_, err = s.AnswerQuestion(q.ID, "postgres")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	pending, err = s.ListPendingQuestions()
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.AnswerQuestion("missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuthState(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetAuthState("token")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetAuthState("token", "abc"))
	require.NoError(t, s.SetAuthState("token", "def")) // upsert

	v, err = s.GetAuthState("token")
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}

func TestAgentRunAudit(t *testing.T) {
	s := newTestStore(t)

	runID, err := s.StartAgentRun("main")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, s.CompleteAgentRun(runID, "failed", "exit status 1"))
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	spec := makeSpec(t, s, 5)
	require.NoError(t, s.SaveAgentInstance(&model.AgentInstance{
		ID: model.MainAgentID, Role: model.RoleMain, Status: model.AgentRunning,
	}))
	require.NoError(t, s.CreateQuestion(&model.UserQuestion{AgentID: model.MainAgentID, Question: "?"}))

	snap, err := s.GetSnapshot()
	require.NoError(t, err)
	assert.Len(t, snap.RoadmapItems, 1)
	require.Len(t, snap.Specs, 1)
	assert.Equal(t, spec.ID, snap.Specs[0].ID)
	assert.Len(t, snap.Agents, 1)
	assert.Len(t, snap.Questions, 1)
	assert.False(t, snap.Time.IsZero())
}
