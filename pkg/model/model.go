// Package model holds the entities shared across the orchestrator's layers,
// mirroring the persisted rows in internal/store.
package model

import "time"

type Project struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Repo struct {
	ID            string
	ProjectID     string
	Name          string
	GitRemote     string
	RootPath      string
	DefaultBranch string
	SetupScript   string
	CopyFiles     []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      TaskStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WorkspaceStatus string

const (
	WorkspaceActive  WorkspaceStatus = "active"
	WorkspaceStale   WorkspaceStatus = "stale"
	WorkspaceExpired WorkspaceStatus = "expired"
	WorkspaceClosed  WorkspaceStatus = "closed"
)

// Workspace is a collection of one or more WorkspaceRepo worktrees created
// for a single Task attempt.
type Workspace struct {
	ID            string
	TaskID        string
	BranchSuffix  string
	Status        WorkspaceStatus
	ContainerRef  string // host directory root holding the worktrees, empty once swept
	LastActiveAt  time.Time
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// WorkspaceRepo links a Workspace to a Repo via a concrete git worktree and
// branch. Distinct from the store's repository-struct WorkspaceRepoTable type.
type WorkspaceRepo struct {
	ID            string
	WorkspaceID   string
	RepoID        string
	WorktreePath  string
	BranchName    string
	BaseBranch    string
	BaseCommit    string
}

type Session struct {
	ID            string
	WorkspaceID   string
	ExecutorName  string
	AgentSessionID string // executor-side session id, for SESSION_FORK resume
	CreatedAt     time.Time
}

type ExecutionProcessReason string

const (
	ReasonCodingAgent ExecutionProcessReason = "coding_agent"
	ReasonSetupScript ExecutionProcessReason = "setup_script"
	ReasonDevServer   ExecutionProcessReason = "dev_server"
	ReasonCleanupScript ExecutionProcessReason = "cleanup_script"
)

type ExecutionProcessStatus string

const (
	ProcessRunning   ExecutionProcessStatus = "running"
	ProcessCompleted ExecutionProcessStatus = "completed"
	ProcessFailed    ExecutionProcessStatus = "failed"
	ProcessKilled    ExecutionProcessStatus = "killed"
)

// ExecutorActionKind discriminates the variants of ExecutorAction.
type ExecutorActionKind string

const (
	ActionCodingAgentInitialRequest  ExecutorActionKind = "CodingAgentInitialRequest"
	ActionCodingAgentFollowUpRequest ExecutorActionKind = "CodingAgentFollowUpRequest"
	ActionReviewRequest              ExecutorActionKind = "ReviewRequest"
	ActionScriptRequest              ExecutorActionKind = "ScriptRequest"
)

// ExecutorAction is the discriminated union describing how an
// ExecutionProcess was invoked, stored verbatim on the process row so the
// exact invocation can be replayed or inspected later. Only the fields
// relevant to Kind are populated; the rest are left zero.
type ExecutorAction struct {
	Kind ExecutorActionKind

	// Prompt carries the user-facing instruction for the three coding-agent
	// kinds (initial request, follow-up request, review request).
	Prompt string

	// ExistingSessionID is set on CodingAgentFollowUpRequest to resume a
	// prior agent-side session.
	ExistingSessionID string

	// Script carries the shell command for ScriptRequest (setup/cleanup/dev
	// server invocations).
	Script string
}

type ExecutionProcess struct {
	ID          string
	SessionID   string
	WorkspaceID string
	Reason      ExecutionProcessReason
	Status      ExecutionProcessStatus
	// Action records the structured invocation this process ran, stored
	// verbatim alongside the row.
	Action ExecutorAction
	PID    int
	// Dropped marks a process excluded from the current history view by a
	// restore/trim boundary. It stays listed in the process table but is
	// hidden from logs/timeline reconstruction.
	Dropped   bool
	StartedAt time.Time
	ExitedAt  time.Time
	ExitCode  *int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExecutionProcessRepoState captures the before/after HEAD of one repo in a
// workspace for a given ExecutionProcess, used to compute diffs and whether a
// process touched a given repo at all.
type ExecutionProcessRepoState struct {
	ExecutionProcessID string
	RepoID              string
	BeforeHeadCommit    string
	AfterHeadCommit     string
}

type MergeStatus string

const (
	MergeOpen     MergeStatus = "open"
	MergeMerged   MergeStatus = "merged"
	MergeClosed   MergeStatus = "closed"
	MergeConflict MergeStatus = "conflict"
)

type Merge struct {
	ID            string
	WorkspaceID   string
	RepoID        string
	PRNumber      int
	PRURL         string
	Status        MergeStatus
	TargetBranch  string
	MergeCommit   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
