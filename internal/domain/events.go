package domain

import "time"

// QueueMetrics is recomputed by a queue engine on every job transition.
type QueueMetrics struct {
	Queue           string        `json:"queue"`
	Waiting         int           `json:"waiting"`
	Active          int           `json:"active"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Delayed         int           `json:"delayed"`
	Paused          int           `json:"paused"`
	TotalCompleted  int64         `json:"total_completed"`
	TotalFailed     int64         `json:"total_failed"`
	ErrorRate       float64       `json:"error_rate"`
	Throughput      float64       `json:"throughput"`
	AverageDuration time.Duration `json:"average_duration"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// TaskEvent is published for task:active, task:completed and task:failed.
type TaskEvent struct {
	TaskID          string        `json:"task_id"`
	JobID           string        `json:"job_id"`
	TenantID        string        `json:"tenant_id"`
	SkillID         string        `json:"skill_id"`
	WorkflowID      string        `json:"workflow_id,omitempty"`
	Attempt         int           `json:"attempt"`
	Final           bool          `json:"final"`
	UsedAlternative bool          `json:"used_alternative,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
	At              time.Time     `json:"at"`
}

// WorkflowEvent is published once per workflow on workflow:completed.
type WorkflowEvent struct {
	WorkflowID string         `json:"workflow_id"`
	TenantID   string         `json:"tenant_id"`
	Name       string         `json:"name"`
	Status     WorkflowStatus `json:"status"`
	Steps      int            `json:"steps"`
	Results    int            `json:"results"`
	Errors     int            `json:"errors"`
	Duration   time.Duration  `json:"duration"`
	At         time.Time      `json:"at"`
}

type AlertKind string

const (
	AlertHighErrorRate  AlertKind = "high_error_rate"
	AlertScheduleFailed AlertKind = "schedule_failed"
)

type Alert struct {
	Kind    AlertKind `json:"kind"`
	Scope   string    `json:"scope"`
	Message string    `json:"message"`
	Value   float64   `json:"value,omitempty"`
	At      time.Time `json:"at"`
}

// ScheduleEvent is published every time a recurring definition fires.
type ScheduleEvent struct {
	ScheduleID      string    `json:"schedule_id"`
	TenantID        string    `json:"tenant_id"`
	SkillID         string    `json:"skill_id"`
	TaskID          string    `json:"task_id"`
	ExecutionNumber int       `json:"execution_number"`
	At              time.Time `json:"at"`
}
