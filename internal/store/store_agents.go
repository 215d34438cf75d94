package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"devswarm/internal/bus"
	"devswarm/internal/model"

	"github.com/google/uuid"
)

// --- Task Groups ---

// CreateTaskGroup inserts a task group under an existing spec.
func (s *Store) CreateTaskGroup(g *model.TaskGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getSpec(g.SpecID); err != nil {
		return err
	}

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = model.StepPending
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO task_groups (id, spec_id, name, description, status, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.SpecID, g.Name, g.Description, g.Status, g.Seq, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task group %s", ErrConflict, g.ID)
		}
		return fmt.Errorf("failed to create task group: %w", err)
	}

	s.publish(bus.TypeTaskGroupUpdate, *g)
	return nil
}

// UpdateTaskGroupStatus moves a task group to a new status.
func (s *Store) UpdateTaskGroupStatus(id string, status model.StepStatus) (*model.TaskGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE task_groups SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: task group %s", ErrNotFound, id)
	}

	g, err := s.getTaskGroup(id)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TypeTaskGroupUpdate, *g)
	return g, nil
}

func (s *Store) getTaskGroup(id string) (*model.TaskGroup, error) {
	row := s.db.QueryRow(`
		SELECT id, spec_id, name, description, status, seq, created_at, updated_at
		FROM task_groups WHERE id = ?
	`, id)
	g, err := scanTaskGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task group %s", ErrNotFound, id)
	}
	return g, err
}

// GetTaskGroup retrieves a task group with its tasks.
func (s *Store) GetTaskGroup(id string) (*model.TaskGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.getTaskGroup(id)
	if err != nil {
		return nil, err
	}
	tasks, err := s.listTasks(id)
	if err != nil {
		return nil, err
	}
	g.Tasks = tasks
	return g, nil
}

// ListTaskGroups returns a spec's task groups in sequence order, each with
// its tasks embedded.
func (s *Store) ListTaskGroups(specID string) ([]model.TaskGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listTaskGroups(specID)
}

func (s *Store) listTaskGroups(specID string) ([]model.TaskGroup, error) {
	rows, err := s.db.Query(`
		SELECT id, spec_id, name, description, status, seq, created_at, updated_at
		FROM task_groups WHERE spec_id = ? ORDER BY seq, created_at
	`, specID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task groups: %w", err)
	}
	defer rows.Close()

	var groups []model.TaskGroup
	for rows.Next() {
		g, err := scanTaskGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range groups {
		tasks, err := s.listTasks(groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Tasks = tasks
	}
	return groups, nil
}

func scanTaskGroup(row rowScanner) (*model.TaskGroup, error) {
	var g model.TaskGroup
	var description sql.NullString
	err := row.Scan(&g.ID, &g.SpecID, &g.Name, &description, &g.Status, &g.Seq,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return nil, err
	}
	g.Description = description.String
	return &g, nil
}

// --- Tasks ---

// CreateTask inserts a task under an existing group.
func (s *Store) CreateTask(t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getTaskGroup(t.GroupID); err != nil {
		return err
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.StepPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, group_id, description, status, commit_hash, seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.GroupID, t.Description, t.Status, nullable(t.CommitHash), t.Seq, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task %s", ErrConflict, t.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}

	s.publish(bus.TypeTaskUpdate, *t)
	return nil
}

// TaskUpdate carries optional field changes for a task.
type TaskUpdate struct {
	Description *string
	Status      *model.StepStatus
	CommitHash  *string
}

// UpdateTask applies the update.
func (s *Store) UpdateTask(id string, upd TaskUpdate) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.getTask(id)
	if err != nil {
		return nil, err
	}

	if upd.Description != nil {
		t.Description = *upd.Description
	}
	if upd.Status != nil {
		t.Status = *upd.Status
	}
	if upd.CommitHash != nil {
		t.CommitHash = *upd.CommitHash
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		UPDATE tasks SET description = ?, status = ?, commit_hash = ?, updated_at = ?
		WHERE id = ?
	`, t.Description, t.Status, nullable(t.CommitHash), t.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	s.publish(bus.TypeTaskUpdate, *t)
	return t, nil
}

func (s *Store) getTask(id string) (*model.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, group_id, description, status, commit_hash, seq, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	return t, err
}

func (s *Store) listTasks(groupID string) ([]model.Task, error) {
	rows, err := s.db.Query(`
		SELECT id, group_id, description, status, commit_hash, seq, created_at, updated_at
		FROM tasks WHERE group_id = ? ORDER BY seq, created_at
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*model.Task, error) {
	var t model.Task
	var commitHash sql.NullString
	err := row.Scan(&t.ID, &t.GroupID, &t.Description, &t.Status, &commitHash,
		&t.Seq, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.CommitHash = commitHash.String
	return &t, nil
}

// --- Agent Instances ---

// SaveAgentInstance upserts an agent instance record. Only one main-role
// instance may exist; its id is reserved.
func (s *Store) SaveAgentInstance(a *model.AgentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Role == model.RoleMain && a.ID != model.MainAgentID {
		return fmt.Errorf("%w: main agent id is reserved", ErrConflict)
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO agent_instances (id, role, status, resume_handle, worktree_name, context_kind, context_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			resume_handle = excluded.resume_handle,
			worktree_name = excluded.worktree_name,
			context_kind = excluded.context_kind,
			context_id = excluded.context_id,
			updated_at = excluded.updated_at
	`, a.ID, a.Role, a.Status, nullable(a.ResumeHandle), nullable(a.WorktreeName),
		nullable(a.ContextKind), nullable(a.ContextID), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save agent instance: %w", err)
	}

	s.publish(bus.TypeClaudeUpdate, *a)
	return nil
}

// GetAgentInstance retrieves an agent instance by id.
func (s *Store) GetAgentInstance(id string) (*model.AgentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(selectAgent+" WHERE id = ?", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return a, err
}

// ListAgentInstances returns all agent instances.
func (s *Store) ListAgentInstances() ([]model.AgentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryAgents(selectAgent + " ORDER BY created_at, id")
}

// ListAgentsByStatus returns agent instances in the given status.
func (s *Store) ListAgentsByStatus(status model.AgentStatus) ([]model.AgentInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryAgents(selectAgent+" WHERE status = ? ORDER BY created_at, id", status)
}

func (s *Store) queryAgents(query string, args ...interface{}) ([]model.AgentInstance, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []model.AgentInstance
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus records a status change, keeping the resume handle when
// one is provided.
func (s *Store) UpdateAgentStatus(id string, status model.AgentStatus, resumeHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var res sql.Result
	var err error
	if resumeHandle != "" {
		res, err = s.db.Exec(`UPDATE agent_instances SET status = ?, resume_handle = ?, updated_at = ? WHERE id = ?`,
			status, resumeHandle, now, id)
	} else {
		res, err = s.db.Exec(`UPDATE agent_instances SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}

	s.publish(bus.TypeClaudeUpdate, map[string]interface{}{
		"id": id, "status": status,
	})
	return nil
}

// SetAgentResumeHandle caches the session token that lets a prior agent
// session be re-attached after restart.
func (s *Store) SetAgentResumeHandle(id, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE agent_instances SET resume_handle = ?, updated_at = ? WHERE id = ?`,
		handle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set resume handle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

const selectAgent = `
	SELECT id, role, status, resume_handle, worktree_name, context_kind, context_id, created_at, updated_at
	FROM agent_instances`

func scanAgent(row rowScanner) (*model.AgentInstance, error) {
	var a model.AgentInstance
	var resume, worktree, ctxKind, ctxID sql.NullString
	err := row.Scan(&a.ID, &a.Role, &a.Status, &resume, &worktree, &ctxKind, &ctxID,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ResumeHandle = resume.String
	a.WorktreeName = worktree.String
	a.ContextKind = ctxKind.String
	a.ContextID = ctxID.String
	return &a, nil
}

// --- User Questions ---

// CreateQuestion records a pending question from an agent.
func (s *Store) CreateQuestion(q *model.UserQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.Status = model.QuestionPending
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO user_questions (id, agent_id, question, response, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.AgentID, q.Question, nullable(q.Response), q.Status, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: question %s", ErrConflict, q.ID)
		}
		return fmt.Errorf("failed to create question: %w", err)
	}

	s.publish(bus.TypeQuestion, *q)
	return nil
}

// GetQuestion retrieves a question by id.
func (s *Store) GetQuestion(id string) (*model.UserQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getQuestion(id)
}

func (s *Store) getQuestion(id string) (*model.UserQuestion, error) {
	row := s.db.QueryRow(`
		SELECT id, agent_id, question, response, status, created_at, updated_at
		FROM user_questions WHERE id = ?
	`, id)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: question %s", ErrNotFound, id)
	}
	return q, err
}

// AnswerQuestion records the human response and marks the question answered.
func (s *Store) AnswerQuestion(id, response string) (*model.UserQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.getQuestion(id)
	if err != nil {
		return nil, err
	}
	if q.Status == model.QuestionAnswered {
		return nil, fmt.Errorf("%w: question %s already answered", ErrInvalidTransition, id)
	}

	q.Response = response
	q.Status = model.QuestionAnswered
	q.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`UPDATE user_questions SET response = ?, status = ?, updated_at = ? WHERE id = ?`,
		q.Response, q.Status, q.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("failed to answer question: %w", err)
	}

	s.publish(bus.TypeQuestion, *q)
	return q, nil
}

// ListPendingQuestions returns unanswered questions, oldest first.
func (s *Store) ListPendingQuestions() ([]model.UserQuestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, agent_id, question, response, status, created_at, updated_at
		FROM user_questions WHERE status = 'pending' ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	var questions []model.UserQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, *q)
	}
	return questions, rows.Err()
}

func scanQuestion(row rowScanner) (*model.UserQuestion, error) {
	var q model.UserQuestion
	var response sql.NullString
	err := row.Scan(&q.ID, &q.AgentID, &q.Question, &response, &q.Status,
		&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.Response = response.String
	return &q, nil
}

// --- Auth State ---

// GetAuthState reads an opaque auth value; empty string when absent.
func (s *Store) GetAuthState(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	row := s.db.QueryRow(`SELECT value FROM auth_state WHERE key = ?`, key)
	err := row.Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read auth state: %w", err)
	}
	return value, nil
}

// SetAuthState upserts an opaque auth value.
func (s *Store) SetAuthState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO auth_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set auth state: %w", err)
	}
	return nil
}

// --- Agent Runs (audit trail) ---

// StartAgentRun records the beginning of one runtime invocation.
func (s *Store) StartAgentRun(agentID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(`
		INSERT INTO agent_runs (id, agent_id, status, started_at) VALUES (?, ?, 'running', ?)
	`, id, agentID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record agent run: %w", err)
	}
	return id, nil
}

// CompleteAgentRun closes an invocation record.
func (s *Store) CompleteAgentRun(runID, status, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE agent_runs SET status = ?, detail = ?, ended_at = ? WHERE id = ?`,
		status, nullable(detail), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to complete agent run: %w", err)
	}
	return nil
}

// --- Snapshot ---

// Snapshot is the full roadmap+specs+agents view published as the state
// event and served for dashboard resnapshot.
type Snapshot struct {
	RoadmapItems []model.RoadmapItem   `json:"roadmapItems"`
	Specs        []model.Spec          `json:"specs"`
	Agents       []model.AgentInstance `json:"agents"`
	Questions    []model.UserQuestion  `json:"pendingQuestions"`
	Time         time.Time             `json:"ts"`
}

// GetSnapshot assembles the current full state.
func (s *Store) GetSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items, err := s.listRoadmapItems()
	if err != nil {
		return nil, err
	}
	specs, err := s.querySpecs(selectSpec + " ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	agents, err := s.queryAgents(selectAgent + " ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, agent_id, question, response, status, created_at, updated_at
		FROM user_questions WHERE status = 'pending' ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	var questions []model.UserQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &Snapshot{
		RoadmapItems: items,
		Specs:        specs,
		Agents:       agents,
		Questions:    questions,
		Time:         time.Now().UTC(),
	}, nil
}
