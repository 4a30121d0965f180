package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
	JobPaused    JobStatus = "paused"
)

// Lower values are serviced first.
const (
	PriorityCritical   = -10
	PriorityHigh       = -5
	PriorityNormal     = 0
	PriorityLow        = 5
	PriorityBackground = 10
)

// Job is the queue-level unit of work. Jobs are owned by a single queue
// engine; everything outside the engine only ever sees copies.
type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           JobStatus       `json:"status"`
	Priority         int             `json:"priority"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	CreatedAt        time.Time       `json:"created_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
	Error            string          `json:"error,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	TenantID         string          `json:"tenant_id,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	DelayUntil       *time.Time      `json:"delay_until,omitempty"`
	BackoffBaseMs    int64           `json:"backoff_base_ms"`
	Seq              uint64          `json:"seq"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
}

// Clone returns a deep copy that is safe to hand to another goroutine.
func (j *Job) Clone() Job {
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	c.ProcessedAt = cloneTime(j.ProcessedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.FailedAt = cloneTime(j.FailedAt)
	c.DelayUntil = cloneTime(j.DelayUntil)
	return c
}

// Terminal reports whether the job reached completed or failed.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Task is the orchestrator-level wrapper around one job.
type Task struct {
	TaskID     string         `json:"task_id"`
	TenantID   string         `json:"tenant_id"`
	SkillID    string         `json:"skill_id"`
	Params     map[string]any `json:"params,omitempty"`
	Priority   int            `json:"priority"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepKey    string         `json:"step_key,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskUnknown   TaskStatus = "unknown"
)

// TaskResult is the terminal record of a task in the execution history.
type TaskResult struct {
	TaskID             string        `json:"task_id"`
	JobID              string        `json:"job_id"`
	TenantID           string        `json:"tenant_id"`
	SkillID            string        `json:"skill_id"`
	WorkflowID         string        `json:"workflow_id,omitempty"`
	StepKey            string        `json:"step_key,omitempty"`
	Status             TaskStatus    `json:"status"`
	Data               any           `json:"data,omitempty"`
	Error              string        `json:"error,omitempty"`
	Attempts           int           `json:"attempts"`
	UsedAlternative    bool          `json:"used_alternative,omitempty"`
	AlternativeSkillID string        `json:"alternative_skill_id,omitempty"`
	OriginalError      string        `json:"original_error,omitempty"`
	Duration           time.Duration `json:"duration"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
}

// Succeeded reports whether the task produced a result.
func (r TaskResult) Succeeded() bool { return r.Status == TaskCompleted }

// TaskState is what status lookups return for a task that may still be live.
type TaskState struct {
	TaskID   string      `json:"task_id"`
	JobID    string      `json:"job_id,omitempty"`
	Status   TaskStatus  `json:"status"`
	Attempts int         `json:"attempts"`
	Error    string      `json:"error,omitempty"`
	Result   *TaskResult `json:"result,omitempty"`
}

type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowPartial   WorkflowStatus = "partial"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowStep declares one skill invocation inside a workflow.
type WorkflowStep struct {
	Key       string         `json:"key" yaml:"key"`
	SkillID   string         `json:"skill_id" yaml:"skill_id"`
	Params    map[string]any `json:"params,omitempty" yaml:"params"`
	Priority  int            `json:"priority,omitempty" yaml:"priority"`
	OnSuccess string         `json:"on_success,omitempty" yaml:"on_success"`
	OnFailure string         `json:"on_failure,omitempty" yaml:"on_failure"`
	Condition string         `json:"condition,omitempty" yaml:"condition"`
}

// WorkflowDefinition is what callers submit.
type WorkflowDefinition struct {
	Name            string         `json:"name"`
	Steps           []WorkflowStep `json:"steps"`
	Parallel        bool           `json:"parallel"`
	ContinueOnError bool           `json:"continue_on_error"`
	Timeout         time.Duration  `json:"timeout,omitempty"`
}

type Workflow struct {
	WorkflowID      string                `json:"workflow_id"`
	TenantID        string                `json:"tenant_id"`
	Name            string                `json:"name"`
	Steps           []WorkflowStep        `json:"steps"`
	Parallel        bool                  `json:"parallel"`
	ContinueOnError bool                  `json:"continue_on_error"`
	Timeout         time.Duration         `json:"timeout,omitempty"`
	Status          WorkflowStatus        `json:"status"`
	Results         map[string]TaskResult `json:"results"`
	Errors          map[string]string     `json:"errors"`
	Metadata        map[string]any        `json:"metadata,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	StartedAt       *time.Time            `json:"started_at,omitempty"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Clone copies the workflow including its result maps.
func (w *Workflow) Clone() Workflow {
	c := *w
	c.Steps = append([]WorkflowStep(nil), w.Steps...)
	c.Results = make(map[string]TaskResult, len(w.Results))
	for k, v := range w.Results {
		c.Results[k] = v
	}
	c.Errors = make(map[string]string, len(w.Errors))
	for k, v := range w.Errors {
		c.Errors[k] = v
	}
	c.StartedAt = cloneTime(w.StartedAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	return c
}

type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
	ScheduleCron     ScheduleType = "cron"
)

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleExpired   ScheduleStatus = "expired"
)

// ScheduleDefinition is a recurring task owned by the scheduler.
type ScheduleDefinition struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	TenantID       string         `json:"tenant_id"`
	SkillID        string         `json:"skill_id"`
	Params         map[string]any `json:"params,omitempty"`
	Priority       int            `json:"priority"`
	ScheduleType   ScheduleType   `json:"schedule_type"`
	ScheduleValue  string         `json:"schedule_value"`
	Enabled        bool           `json:"enabled"`
	StartDate      *time.Time     `json:"start_date,omitempty"`
	EndDate        *time.Time     `json:"end_date,omitempty"`
	MaxExecutions  int            `json:"max_executions,omitempty"`
	ExecutionCount int            `json:"execution_count"`
	NextRun        time.Time      `json:"next_run"`
	LastRun        *time.Time     `json:"last_run,omitempty"`
	Status         ScheduleStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone copies the definition so callers cannot mutate scheduler state.
func (s *ScheduleDefinition) Clone() ScheduleDefinition {
	c := *s
	if s.Params != nil {
		c.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	c.StartDate = cloneTime(s.StartDate)
	c.EndDate = cloneTime(s.EndDate)
	c.LastRun = cloneTime(s.LastRun)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
