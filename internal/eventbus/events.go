package eventbus

import (
	"time"

	"crucible/internal/domain"
)

// Event is anything that can travel over the bus. EventType returns the
// wire name subscribers filter on, e.g. "task:completed".
type Event interface {
	EventType() string
}

const (
	TypeProjectStateChanged = "project:state-changed"
	TypeWaveStarted         = "wave:started"
	TypeWaveCompleted       = "wave:completed"
	TypeTaskAssigned        = "task:assigned"
	TypeTaskStarted         = "task:started"
	TypeTaskCompleted       = "task:completed"
	TypeTaskFailed          = "task:failed"
	TypeTaskBlocked         = "task:blocked"
	TypeTaskEscalated       = "task:escalated"
	TypeQAStepCompleted     = "qa:step-completed"
	TypeIterationCompleted  = "qa:iteration-completed"
	TypeReplanTriggered     = "replan:triggered"
	TypeReplanApplied       = "replan:applied"
	TypeCheckpointCreated   = "system:checkpoint-created"
	TypeSystemError         = "system:error"
)

type ProjectStateChanged struct {
	ProjectID string
	From      domain.ProjectStatus
	To        domain.ProjectStatus
	At        time.Time
}

func (ProjectStateChanged) EventType() string { return TypeProjectStateChanged }

type WaveStarted struct {
	ProjectID string
	Number    int
	TaskIDs   []string
	At        time.Time
}

func (WaveStarted) EventType() string { return TypeWaveStarted }

type WaveCompleted struct {
	ProjectID string
	Number    int
	Completed []string
	Failed    []string
	Escalated []string
	At        time.Time
}

func (WaveCompleted) EventType() string { return TypeWaveCompleted }

type TaskAssigned struct {
	TaskID  string
	AgentID string
	At      time.Time
}

func (TaskAssigned) EventType() string { return TypeTaskAssigned }

type TaskStarted struct {
	TaskID  string
	AgentID string
	At      time.Time
}

func (TaskStarted) EventType() string { return TypeTaskStarted }

type TaskCompleted struct {
	TaskID     string
	AgentID    string
	Iterations int
	At         time.Time
}

func (TaskCompleted) EventType() string { return TypeTaskCompleted }

type TaskFailed struct {
	TaskID string
	Reason string
	At     time.Time
}

func (TaskFailed) EventType() string { return TypeTaskFailed }

type TaskBlocked struct {
	TaskID    string
	BlockedBy string
	Reason    string
	At        time.Time
}

func (TaskBlocked) EventType() string { return TypeTaskBlocked }

type TaskEscalated struct {
	TaskID     string
	Reason     string
	Signatures []string
	Iterations int
	At         time.Time
}

func (TaskEscalated) EventType() string { return TypeTaskEscalated }

type QAStepCompleted struct {
	TaskID    string
	Iteration int
	Step      domain.QualityStep
	Success   bool
	At        time.Time
}

func (QAStepCompleted) EventType() string { return TypeQAStepCompleted }

type IterationCompleted struct {
	TaskID    string
	Iteration int
	Success   bool
	Signature string
	At        time.Time
}

func (IterationCompleted) EventType() string { return TypeIterationCompleted }

type ReplanTriggered struct {
	ProjectID string
	FeatureID string
	Trigger   string
	Reason    string
	At        time.Time
}

func (ReplanTriggered) EventType() string { return TypeReplanTriggered }

type ReplanApplied struct {
	ProjectID    string
	FeatureID    string
	Trigger      string
	RemovedTasks []string
	AddedTasks   []string
	At           time.Time
}

func (ReplanApplied) EventType() string { return TypeReplanApplied }

type CheckpointCreated struct {
	ProjectID    string
	CheckpointID string
	WaveNumber   int
	At           time.Time
}

func (CheckpointCreated) EventType() string { return TypeCheckpointCreated }

type SystemError struct {
	ProjectID string
	Err       string
	At        time.Time
}

func (SystemError) EventType() string { return TypeSystemError }
