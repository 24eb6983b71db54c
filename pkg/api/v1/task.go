package v1

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending          TaskStatus = "PENDING"
	TaskStatusPlanning         TaskStatus = "PLANNING"
	TaskStatusAwaitingApproval TaskStatus = "AWAITING_APPROVAL"
	TaskStatusQueued           TaskStatus = "QUEUED"
	TaskStatusRunning          TaskStatus = "RUNNING"
	TaskStatusCompleted        TaskStatus = "COMPLETED"
	TaskStatusFailed           TaskStatus = "FAILED"
	TaskStatusCancelled        TaskStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// RiskLevel classifies how dangerous a plan or command is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	rank := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Command is a single shell command within a plan.
type Command struct {
	Dir              string            `json:"dir,omitempty"`
	Run              string            `json:"run"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	ContinueOnError  bool              `json:"continue_on_error,omitempty"`
	ApprovalRequired bool              `json:"approval_required,omitempty"`
}

// Plan is a validated sequence of commands derived from a natural-language
// request by the planner backend.
type Plan struct {
	TargetAgent              string    `json:"target_agent,omitempty"`
	Workspace                string    `json:"workspace,omitempty"`
	WorkspaceType            string    `json:"workspace_type,omitempty"` // bare, docker, venv
	Steps                    []string  `json:"steps,omitempty"`
	Commands                 []Command `json:"commands"`
	Reasoning                string    `json:"reasoning,omitempty"`
	EstimatedDurationSeconds int       `json:"estimated_duration_seconds,omitempty"`
	RiskLevel                RiskLevel `json:"risk_level,omitempty"`
	RequiresApproval         bool      `json:"requires_approval,omitempty"`
}

// Task tracks one natural-language request through planning, approval,
// dispatch, and completion.
type Task struct {
	ID            string     `json:"id"`
	Status        TaskStatus `json:"status"`
	Request       string     `json:"request"`
	CorrelationID string     `json:"correlation_id"`

	// Target selection: a specific agent, a role, or any available agent.
	TargetAgentID string `json:"target_agent_id,omitempty"`
	TargetRole    string `json:"target_role,omitempty"`

	Priority         int    `json:"priority"` // 1..10, higher first
	Plan             *Plan  `json:"plan,omitempty"`
	RequiresApproval bool   `json:"requires_approval,omitempty"`
	AssignedAgentID  string `json:"assigned_agent_id,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Output           string `json:"output,omitempty"`
	Error            string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	PlannedAt   *time.Time `json:"planned_at,omitempty"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	Request       string `json:"request" binding:"required"`
	TargetAgentID string `json:"target_agent_id,omitempty"`
	TargetRole    string `json:"target_role,omitempty"`
	Priority      int    `json:"priority,omitempty"`
}

// ApproveTaskRequest is the body of POST /tasks/:id/approve.
type ApproveTaskRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// CancelTaskRequest is the body of POST /tasks/:id/cancel.
type CancelTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}
