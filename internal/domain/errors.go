package domain

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound      = errors.New("skillflow: job not found")
	ErrTaskNotFound     = errors.New("skillflow: task not found")
	ErrWorkflowNotFound = errors.New("skillflow: workflow not found")
	ErrScheduleNotFound = errors.New("skillflow: schedule not found")
	ErrQueueNotFound    = errors.New("skillflow: queue not found")
	ErrQueueClosed      = errors.New("skillflow: queue closed")

	// ErrNotCancellable is returned for jobs that already left the waiting
	// or delayed state. Active jobs are not preemptible.
	ErrNotCancellable = errors.New("skillflow: job is not cancellable")

	// ErrTimeout marks a bounded wait that ran out. It is recorded as a
	// result marker, never raised out of a workflow.
	ErrTimeout = errors.New("skillflow: timed out")
)

// RejectReason classifies synchronous submit rejections.
type RejectReason string

const (
	RejectInvalidInput   RejectReason = "invalid_input"
	RejectInvalidLicense RejectReason = "invalid_license"
	RejectSkillDisabled  RejectReason = "skill_disabled"
	RejectSkillBlocked   RejectReason = "skill_not_allowed"
	RejectRateLimited    RejectReason = "rate_limited"
	RejectQuotaExceeded  RejectReason = "quota_exceeded"
)

// ValidationError rejects bad submit or schedule input before anything is queued.
type ValidationError struct {
	Reason  RejectReason
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed (%s): %s: %s", e.Reason, e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Message)
}

// Invalid builds an invalid-input ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: RejectInvalidInput, Field: field, Message: fmt.Sprintf(format, args...)}
}

// CapacityError is returned when a tenant exceeds its rate limit or quota.
type CapacityError struct {
	Reason   RejectReason
	TenantID string
	Message  string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded for %s (%s): %s", e.TenantID, e.Reason, e.Message)
}

// HandlerError wraps a skill failure, whether returned or thrown.
type HandlerError struct {
	SkillID string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("skill %s failed: %v", e.SkillID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// PersistenceError reports a snapshot read or write failure. It is logged
// and never stops an engine.
type PersistenceError struct {
	Op    string
	Queue string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s for queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RejectionReason extracts the reason from a synchronous submit error.
func RejectionReason(err error) (RejectReason, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	var ce *CapacityError
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return "", false
}
