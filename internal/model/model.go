// Package model defines the domain entities tracked by the devswarm daemon:
// roadmap items, specs, task groups, tasks, agent instances, user questions,
// and the dependency graph between roadmap items.
package model

import "time"

// RoadmapStatus represents the current stage of a roadmap item.
type RoadmapStatus string

const (
	RoadmapPending    RoadmapStatus = "pending"
	RoadmapInProgress RoadmapStatus = "in_progress"
	RoadmapDone       RoadmapStatus = "done"
)

// ResolutionMethod determines how a completed spec is returned upstream.
type ResolutionMethod string

const (
	ResolutionMergeAndPush ResolutionMethod = "merge_and_push"
	ResolutionCreatePR     ResolutionMethod = "create_pr"
	ResolutionPushBranch   ResolutionMethod = "push_branch"
	ResolutionManual       ResolutionMethod = "manual"
)

// ValidResolutionMethod reports whether m is a known resolution method.
func ValidResolutionMethod(m ResolutionMethod) bool {
	switch m {
	case ResolutionMergeAndPush, ResolutionCreatePR, ResolutionPushBranch, ResolutionManual:
		return true
	}
	return false
}

// RoadmapItem is a unit of planned work, usually mapped from one upstream issue.
type RoadmapItem struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Status      RoadmapStatus    `json:"status"`
	IssueNumber int              `json:"issueNumber,omitempty"` // 0 when not issue-backed
	IssueURL    string           `json:"issueUrl,omitempty"`
	IssueClosed bool             `json:"issueClosed"`
	SpecID      string           `json:"specId,omitempty"`
	Resolution  ResolutionMethod `json:"resolutionMethod"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// SpecStatus represents the lifecycle stage of a spec.
type SpecStatus string

const (
	SpecDraft         SpecStatus = "draft"
	SpecPendingReview SpecStatus = "pending_review"
	SpecApproved      SpecStatus = "approved"
	SpecInProgress    SpecStatus = "in_progress"
	SpecValidating    SpecStatus = "validating"
	SpecMerging       SpecStatus = "merging"
	SpecDone          SpecStatus = "done"
	SpecError         SpecStatus = "error"
)

// specOrder is the linear prefix of the spec lifecycle. Transitions move
// forward along this order; error is reachable from any non-terminal state.
var specOrder = map[SpecStatus]int{
	SpecDraft:         0,
	SpecPendingReview: 1,
	SpecApproved:      2,
	SpecInProgress:    3,
	SpecValidating:    4,
	SpecMerging:       5,
	SpecDone:          6,
}

// CanTransition reports whether a spec may move from one status to another.
func CanTransition(from, to SpecStatus) bool {
	if from == to {
		return true
	}
	if from == SpecDone || from == SpecError {
		return false
	}
	if to == SpecError {
		return true
	}
	fo, ok := specOrder[from]
	if !ok {
		return false
	}
	to2, ok := specOrder[to]
	if !ok {
		return false
	}
	return to2 > fo
}

// Spec is a written plan for implementing one roadmap item.
type Spec struct {
	ID            string     `json:"id"`
	RoadmapItemID string     `json:"roadmapItemId"`
	Content       string     `json:"content"`
	Status        SpecStatus `json:"status"`
	WorktreeName  string     `json:"worktreeName,omitempty"`
	BranchName    string     `json:"branchName,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// StepStatus is shared by task groups and tasks.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
)

// TaskGroup is a coarse, sequenced step within a spec.
type TaskGroup struct {
	ID          string     `json:"id"`
	SpecID      string     `json:"specId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Seq         int        `json:"seq"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	Tasks       []Task     `json:"tasks,omitempty"`
}

// Task is a leaf step within a task group.
type Task struct {
	ID          string     `json:"id"`
	GroupID     string     `json:"groupId"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	CommitHash  string     `json:"commitHash,omitempty"`
	Seq         int        `json:"seq"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// AgentRole identifies what kind of work an agent instance does.
type AgentRole string

const (
	RoleMain        AgentRole = "main"
	RoleSpecCreator AgentRole = "spec_creator"
	RoleCoordinator AgentRole = "coordinator"
	RoleWorker      AgentRole = "worker"
)

// MainAgentID is the reserved instance id for the singleton main agent.
const MainAgentID = "main"

// AgentStatus represents the lifecycle of a supervised agent process.
type AgentStatus string

const (
	AgentCreated AgentStatus = "created"
	AgentRunning AgentStatus = "running"
	AgentPaused  AgentStatus = "paused"
	AgentStopped AgentStatus = "stopped"
)

// AgentInstance records one supervised child process of the agent runtime.
type AgentInstance struct {
	ID           string      `json:"id"`
	Role         AgentRole   `json:"role"`
	Status       AgentStatus `json:"status"`
	ResumeHandle string      `json:"resumeHandle,omitempty"`
	WorktreeName string      `json:"worktreeName,omitempty"`
	ContextKind  string      `json:"contextKind,omitempty"` // e.g. "spec", "roadmap_item"
	ContextID    string      `json:"contextId,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// QuestionStatus represents the state of a user question.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
)

// UserQuestion is a blocking prompt from an agent to the human operator.
type UserQuestion struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agentId"`
	Question  string         `json:"question"`
	Response  string         `json:"response,omitempty"`
	Status    QuestionStatus `json:"status"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// DependencyKind identifies the entity kind a dependency endpoint refers to.
type DependencyKind string

const (
	KindRoadmapItem DependencyKind = "roadmap_item"
	KindSpec        DependencyKind = "spec"
)

// Dependency is a blocking edge: blocked cannot proceed until blocker is done.
type Dependency struct {
	ID          string         `json:"id"`
	BlockerKind DependencyKind `json:"blockerKind"`
	BlockerID   string         `json:"blockerId"`
	BlockedKind DependencyKind `json:"blockedKind"`
	BlockedID   string         `json:"blockedId"`
	Resolved    bool           `json:"resolved"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// DependencyDetail is a dependency joined with its blocker's roadmap row,
// used for display and for 400 responses listing blockers.
type DependencyDetail struct {
	Dependency
	BlockerTitle  string        `json:"blockerTitle"`
	BlockerStatus RoadmapStatus `json:"blockerStatus"`
}

// AgentRun is one invocation of the agent runtime by a supervisor, kept as an
// audit trail.
type AgentRun struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agentId"`
	Status    string     `json:"status"` // running, success, failed, interrupted
	Detail    string     `json:"detail,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}
