package agent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devswarm/internal/bus"
	"devswarm/internal/model"
)

// fakeStore records supervisor persistence calls.
type fakeStore struct {
	saved        []*model.AgentInstance
	statuses     []model.AgentStatus
	handles      []string
	questions    []*model.UserQuestion
	runsStarted  int
	runsComplete int
}

func (f *fakeStore) SaveAgentInstance(a *model.AgentInstance) error { f.saved = append(f.saved, a); return nil }
func (f *fakeStore) UpdateAgentStatus(id string, status model.AgentStatus, resumeHandle string) error {
	f.statuses = append(f.statuses, status)
	return nil
}
func (f *fakeStore) SetAgentResumeHandle(id, handle string) error {
	f.handles = append(f.handles, handle)
	return nil
}
func (f *fakeStore) CreateQuestion(q *model.UserQuestion) error {
	f.questions = append(f.questions, q)
	return nil
}
func (f *fakeStore) StartAgentRun(agentID string) (string, error) { f.runsStarted++; return "run-1", nil }
func (f *fakeStore) CompleteAgentRun(runID, status, detail string) error {
	f.runsComplete++
	return nil
}

func newTestInstance(t *testing.T) (*Instance, *fakeStore, *bus.Bus) {
	t.Helper()
	st := &fakeStore{}
	events := bus.New(slog.Default())
	inst := New("coordinator-iss-1-x", model.RoleCoordinator, "spec-iss-1-x", t.TempDir(),
		Config{}, st, events, slog.Default())
	return inst, st, events
}

func TestStartPersistsRunningInstance(t *testing.T) {
	inst, st, _ := newTestInstance(t)
	inst.SetResumeHandle("sess-1")

	require.NoError(t, inst.Start("spec", "iss-1-x"))

	require.Len(t, st.saved, 1)
	rec := st.saved[0]
	assert.Equal(t, "coordinator-iss-1-x", rec.ID)
	assert.Equal(t, model.AgentRunning, rec.Status)
	assert.Equal(t, "sess-1", rec.ResumeHandle)
	assert.Equal(t, "spec", rec.ContextKind)
	assert.Equal(t, "iss-1-x", rec.ContextID)
}

func TestSendMessageRefusedWhileBusy(t *testing.T) {
	inst, _, _ := newTestInstance(t)

	inst.mu.Lock()
	inst.busy = true
	inst.mu.Unlock()

	err := inst.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already processing")
}

func TestHandleMessageEmitsOutputAndMarkers(t *testing.T) {
	inst, st, events := newTestInstance(t)
	sub := events.Subscribe(16)
	defer events.Unsubscribe(sub)

	raw := `{"type":"assistant","session_id":"sess-9","message":{"id":"m1","content":[` +
		`{"type":"text","text":"working\n[QUESTION_FOR_USER]Use Redis?[/QUESTION_FOR_USER]"}]}}`
	msg, ok := parseStreamMessage([]byte(raw))
	require.True(t, ok)

	inst.handleMessage(msg)

	// The session id was cached and persisted as the resume handle.
	assert.Equal(t, "sess-9", inst.ResumeHandle())
	assert.Equal(t, []string{"sess-9"}, st.handles)

	// The question marker became a persisted question.
	require.Len(t, st.questions, 1)
	assert.Equal(t, "Use Redis?", st.questions[0].Question)
	assert.Equal(t, "coordinator-iss-1-x", st.questions[0].AgentID)

	// Output was published.
	ev := <-sub.C
	require.Equal(t, bus.TypeClaudeOutput, ev.Type)
	out, ok := ev.Payload.(OutputEvent)
	require.True(t, ok)
	assert.Contains(t, out.Text, "working")
	assert.Equal(t, "assistant", out.MessageType)

	assert.False(t, inst.LastOutputAt().IsZero())
}

func TestHandleResultEmitsTaskComplete(t *testing.T) {
	inst, _, events := newTestInstance(t)
	sub := events.Subscribe(16)
	defer events.Unsubscribe(sub)

	msg, ok := parseStreamMessage([]byte(`{"type":"result","result":"all groups done\n[TASK_COMPLETE]"}`))
	require.True(t, ok)
	inst.handleMessage(msg)

	var types []string
	deadline := time.After(time.Second)
	for len(types) < 3 {
		select {
		case ev := <-sub.C:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("expected 3 events, got %v", types)
		}
	}
	assert.Equal(t, []string{bus.TypeClaudeOutput, bus.TypeTaskComplete, bus.TypeMessageComplete}, types)
}

func TestResumeHandlePersistedOnlyOnChange(t *testing.T) {
	inst, st, _ := newTestInstance(t)

	inst.cacheResumeHandle("sess-1")
	inst.cacheResumeHandle("sess-1") // unchanged, no second write
	inst.cacheResumeHandle("sess-2")

	assert.Equal(t, []string{"sess-1", "sess-2"}, st.handles)
}

func TestResumeIDMarkerUpdatesHandle(t *testing.T) {
	inst, _, _ := newTestInstance(t)

	inst.scanMarkers("checkpoint saved\nResume ID: tok-42\n")
	assert.Equal(t, "tok-42", inst.ResumeHandle())
}
