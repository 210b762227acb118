package domain

import (
	"time"
)

type ProjectMode string

const (
	ProjectModeGenesis   ProjectMode = "genesis"
	ProjectModeEvolution ProjectMode = "evolution"
)

type ProjectStatus string

const (
	ProjectStatusIdle      ProjectStatus = "idle"
	ProjectStatusPlanning  ProjectStatus = "planning"
	ProjectStatusExecuting ProjectStatus = "executing"
	ProjectStatusReviewing ProjectStatus = "reviewing"
	ProjectStatusStopping  ProjectStatus = "stopping"
	ProjectStatusPaused    ProjectStatus = "paused"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusFailed    ProjectStatus = "failed"
)

func (s ProjectStatus) IsTerminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed
}

type FeaturePriority string

const (
	FeaturePriorityMust   FeaturePriority = "must"
	FeaturePriorityShould FeaturePriority = "should"
	FeaturePriorityCould  FeaturePriority = "could"
	FeaturePriorityWont   FeaturePriority = "wont"
)

type FeatureComplexity string

const (
	FeatureComplexitySimple  FeatureComplexity = "simple"
	FeatureComplexityComplex FeatureComplexity = "complex"
)

type FeatureStatus string

const (
	FeatureStatusBacklog    FeatureStatus = "backlog"
	FeatureStatusPlanning   FeatureStatus = "planning"
	FeatureStatusInProgress FeatureStatus = "in_progress"
	FeatureStatusCompleted  FeatureStatus = "completed"
	FeatureStatusFailed     FeatureStatus = "failed"
)

type TaskType string

const (
	TaskTypeAuto       TaskType = "auto"
	TaskTypeCheckpoint TaskType = "checkpoint"
	TaskTypeTDD        TaskType = "tdd"
)

type TaskSize string

const (
	TaskSizeSmall  TaskSize = "small"
	TaskSizeMedium TaskSize = "medium"
	TaskSizeLarge  TaskSize = "large"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type AgentType string

const (
	AgentTypePlanner  AgentType = "planner"
	AgentTypeCoder    AgentType = "coder"
	AgentTypeTester   AgentType = "tester"
	AgentTypeReviewer AgentType = "reviewer"
	AgentTypeMerger   AgentType = "merger"
)

// AgentTypes is the closed set of agent roles. The pool rejects
// acquisition for anything not listed here.
var AgentTypes = []AgentType{
	AgentTypePlanner,
	AgentTypeCoder,
	AgentTypeTester,
	AgentTypeReviewer,
	AgentTypeMerger,
}

func ValidAgentType(t AgentType) bool {
	for _, item := range AgentTypes {
		if item == t {
			return true
		}
	}
	return false
}

type AgentStatus string

const (
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusAssigned   AgentStatus = "assigned"
	AgentStatusWorking    AgentStatus = "working"
	AgentStatusWaiting    AgentStatus = "waiting"
	AgentStatusError      AgentStatus = "error"
	AgentStatusTerminated AgentStatus = "terminated"
)

type QualityStep string

const (
	QualityStepBuild  QualityStep = "build"
	QualityStepLint   QualityStep = "lint"
	QualityStepTest   QualityStep = "test"
	QualityStepReview QualityStep = "review"
)

// QualitySteps is the fixed execution order; the iteration engine
// short-circuits at the first failing step.
var QualitySteps = []QualityStep{
	QualityStepBuild,
	QualityStepLint,
	QualityStepTest,
	QualityStepReview,
}

type ProjectSettings struct {
	MaxParallelAgents int  `json:"max_parallel_agents"`
	MaxTaskMinutes    int  `json:"max_task_minutes"`
	MaxQAIterations   int  `json:"max_qa_iterations"`
	AutoMerge         bool `json:"auto_merge"`
}

type ProjectMetrics struct {
	TasksCompleted  int `json:"tasks_completed"`
	TasksFailed     int `json:"tasks_failed"`
	TasksEscalated  int `json:"tasks_escalated"`
	IterationsTotal int `json:"iterations_total"`
	TokensUsed      int `json:"tokens_used"`
	WavesExecuted   int `json:"waves_executed"`
	ReplansApplied  int `json:"replans_applied"`
}

type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Mode      ProjectMode     `json:"mode"`
	Status    ProjectStatus   `json:"status"`
	Settings  ProjectSettings `json:"settings"`
	Metrics   ProjectMetrics  `json:"metrics"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Feature struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	Name             string            `json:"name"`
	Priority         FeaturePriority   `json:"priority"`
	Complexity       FeatureComplexity `json:"complexity"`
	Status           FeatureStatus     `json:"status"`
	SubFeatures      []string          `json:"sub_features,omitempty"`
	EstimatedTasks   int               `json:"estimated_tasks"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

type Task struct {
	ID               string     `json:"id"`
	ProjectID        string     `json:"project_id"`
	FeatureID        string     `json:"feature_id"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	Type             TaskType   `json:"type"`
	Size             TaskSize   `json:"size"`
	Status           TaskStatus `json:"status"`
	Priority         int        `json:"priority"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	AssignedAgentID  string     `json:"assigned_agent_id,omitempty"`
	AgentType        AgentType  `json:"agent_type"`
	Iterations       int        `json:"iterations"`
	MaxIterations    int        `json:"max_iterations"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	FilesTouched     []string   `json:"files_touched,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type AgentMetrics struct {
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`
	TokensUsed     int `json:"tokens_used"`
	Iterations     int `json:"iterations"`
}

type Agent struct {
	ID            string       `json:"id"`
	Type          AgentType    `json:"type"`
	Status        AgentStatus  `json:"status"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	Metrics       AgentMetrics `json:"metrics"`
	SpawnedAt     time.Time    `json:"spawned_at"`
}

// Wave is an ephemeral scheduling grouping. It is recomputed at every
// scheduling instant and never persisted.
type Wave struct {
	Number           int    `json:"number"`
	Tasks            []Task `json:"tasks"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

type StepResult struct {
	Step     QualityStep   `json:"step"`
	Success  bool          `json:"success"`
	Errors   []string      `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

type IterationRecord struct {
	ID               int64         `json:"id"`
	TaskID           string        `json:"task_id"`
	Iteration        int           `json:"iteration"`
	Steps            []StepResult  `json:"steps"`
	Success          bool          `json:"success"`
	FailureSignature string        `json:"failure_signature,omitempty"`
	FilesChanged     []string      `json:"files_changed,omitempty"`
	DiffRef          string        `json:"diff_ref,omitempty"`
	AgentSummary     string        `json:"agent_summary,omitempty"`
	TokensUsed       int           `json:"tokens_used"`
	Duration         time.Duration `json:"duration"`
	CreatedAt        time.Time     `json:"created_at"`
}

type Checkpoint struct {
	ID               string        `json:"id"`
	ProjectID        string        `json:"project_id"`
	WaveNumber       int           `json:"wave_number"`
	CompletedTaskIDs []string      `json:"completed_task_ids"`
	PendingTaskIDs   []string      `json:"pending_task_ids"`
	CoordinatorState ProjectStatus `json:"coordinator_state"`
	VCSRef           string        `json:"vcs_ref,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// TaskContext is the fresh context handed to the agent backend on every
// iteration: the prior attempt's diff ref plus aggregated error text,
// never raw historical transcripts.
type TaskContext struct {
	Iteration      int      `json:"iteration"`
	PriorDiffRef   string   `json:"prior_diff_ref,omitempty"`
	FailureContext []string `json:"failure_context,omitempty"`
	Workdir        string   `json:"workdir"`
}

type BackendResult struct {
	FilesChanged []string `json:"files_changed"`
	Success      bool     `json:"success"`
	TokensUsed   int      `json:"tokens_used"`
	Summary      string   `json:"summary,omitempty"`
	DiffRef      string   `json:"diff_ref,omitempty"`
}

type DecisionLog struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Decomposition is what the external decomposition capability returns,
// both for initial planning and for feature-scoped replans.
type Decomposition struct {
	Features []Feature `json:"features,omitempty"`
	Tasks    []Task    `json:"tasks"`
}
