// Package orchestrator turns skill invocations into queue jobs, runs
// multi-step workflows on top of them and keeps the execution history.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skillflow/internal/domain"
	"skillflow/internal/event"
	"skillflow/internal/queue"
	"skillflow/internal/skill"
)

const (
	SkillsQueue    = "skills"
	WorkflowsQueue = "workflows"
)

type Config struct {
	// WaitTimeout bounds how long a workflow waits for a step.
	WaitTimeout  time.Duration
	PollInterval time.Duration
	// TaskTimeout bounds a single handler call. Zero leaves only the
	// queue's job timeout.
	TaskTimeout         time.Duration
	HistorySize         int
	WorkflowRetention   int
	SkillConcurrency    int
	WorkflowConcurrency int
	Failover            map[string][]string
}

func DefaultConfig() Config {
	return Config{
		WaitTimeout:         60 * time.Second,
		PollInterval:        25 * time.Millisecond,
		TaskTimeout:         2 * time.Minute,
		HistorySize:         1000,
		WorkflowRetention:   1000,
		WorkflowConcurrency: 2,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.WorkflowRetention <= 0 {
		c.WorkflowRetention = d.WorkflowRetention
	}
	if c.WorkflowConcurrency <= 0 {
		c.WorkflowConcurrency = d.WorkflowConcurrency
	}
}

// LicenseChecker validates a submission against the tenant's license and
// records usage once it is queued. CheckAll covers a workflow: every skill
// it may run, the quota its steps consume and a single rate-limit token.
type LicenseChecker interface {
	Check(ctx context.Context, tenantID, skillID string) error
	CheckAll(ctx context.Context, tenantID string, skillIDs []string, executions int) error
	RecordUsage(ctx context.Context, tenantID string)
}

// TaskOptions tune a single task submission.
type TaskOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Metadata    map[string]any
}


type Orchestrator struct {
	cfg       Config
	registry  *skill.Registry
	licenses  LicenseChecker
	bus       *event.Bus
	skills    *queue.Engine
	workflows *queue.Engine
	history   *History
	failover  *FailoverTable
	logger    zerolog.Logger

	mu      sync.RWMutex
	wfs     map[string]*domain.Workflow
	wfOrder []string
}

// New wires the orchestrator to the "skills" and "workflows" queues of qm
// and registers their processors. licenses may be nil to skip license
// enforcement.
func New(qm *queue.Manager, registry *skill.Registry, licenses LicenseChecker, bus *event.Bus, cfg Config) *Orchestrator {
	cfg.normalize()
	if bus == nil {
		bus = event.NewBus()
	}
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		licenses: licenses,
		bus:      bus,
		history:  NewHistory(cfg.HistorySize),
		failover: NewFailoverTable(cfg.Failover),
		logger:   log.With().Str("component", "orchestrator").Logger(),
		wfs:      make(map[string]*domain.Workflow),
	}
	o.skills = qm.CreateQueue(SkillsQueue, func(opts *queue.Options) {
		if cfg.SkillConcurrency > 0 {
			opts.Concurrency = cfg.SkillConcurrency
		}
	})
	o.workflows = qm.CreateQueue(WorkflowsQueue, func(opts *queue.Options) {
		opts.Concurrency = cfg.WorkflowConcurrency
		opts.DefaultMaxAttempts = 1
		// a workflow outlives any single job timeout
		opts.JobTimeout = 0
	})
	o.skills.Process(queue.Wildcard, 0, o.processTask)
	o.workflows.Process(queue.Wildcard, 0, o.processWorkflow)
	return o
}

func (o *Orchestrator) History() *History { return o.history }

func (o *Orchestrator) Failover() *FailoverTable { return o.failover }

func (o *Orchestrator) Bus() *event.Bus { return o.bus }

// SubmitTask validates and queues one skill invocation and returns its
// task id. Rejections are *domain.ValidationError, *domain.CapacityError
// or *skill.UnknownSkillError and nothing is queued.
func (o *Orchestrator) SubmitTask(ctx context.Context, tenantID, skillID string, params map[string]any, opts TaskOptions) (string, error) {
	if err := o.validate(ctx, tenantID, skillID, params, true); err != nil {
		return "", err
	}
	return o.enqueue(ctx, domain.Task{
		TenantID: tenantID,
		SkillID:  skillID,
		Params:   params,
		Metadata: opts.Metadata,
	}, opts)
}

// validate runs the synchronous submit checks. withLicense is false for
// workflow steps, which are checked once at workflow submission.
func (o *Orchestrator) validate(ctx context.Context, tenantID, skillID string, params map[string]any, withLicense bool) error {
	if skillID == "" {
		return domain.Invalid("skill_id", "skill id is required")
	}
	h, err := o.registry.Get(skillID)
	if err != nil {
		return err
	}
	if !o.registry.Enabled(skillID) {
		return &domain.ValidationError{Reason: domain.RejectSkillDisabled, Field: "skill_id", Message: fmt.Sprintf("skill %s is disabled", skillID)}
	}
	if err := h.Validate(params); err != nil {
		return domain.Invalid("params", "%v", err)
	}
	if withLicense && o.licenses != nil {
		if err := o.licenses.Check(ctx, tenantID, skillID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, p domain.Task, opts TaskOptions) (string, error) {
	p.TaskID = newID("task")
	p.Priority = opts.Priority
	addOpts := []queue.AddOption{
		queue.WithPriority(opts.Priority),
		queue.WithTenant(p.TenantID),
		queue.WithCorrelationID(p.TaskID),
	}
	if opts.Delay > 0 {
		addOpts = append(addOpts, queue.WithDelay(opts.Delay))
	}
	if opts.MaxAttempts > 0 {
		addOpts = append(addOpts, queue.WithMaxAttempts(opts.MaxAttempts))
	}
	job, err := o.skills.Add(p.SkillID, p, addOpts...)
	if err != nil {
		return "", fmt.Errorf("queue task: %w", err)
	}
	if o.licenses != nil {
		o.licenses.RecordUsage(ctx, p.TenantID)
	}
	o.logger.Debug().
		Str("task_id", p.TaskID).
		Str("job_id", job.ID).
		Str("tenant_id", p.TenantID).
		Str("skill_id", p.SkillID).
		Str("workflow_id", p.WorkflowID).
		Msg("task submitted")
	return p.TaskID, nil
}

// processTask is the skills queue processor for every job name.
func (o *Orchestrator) processTask(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	var p domain.Task
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	attempt := job.Attempts + 1
	final := attempt >= job.MaxAttempts
	started := time.Now()
	base := domain.TaskEvent{
		TaskID:     p.TaskID,
		JobID:      job.ID,
		TenantID:   p.TenantID,
		SkillID:    p.SkillID,
		WorkflowID: p.WorkflowID,
		Attempt:    attempt,
	}
	active := base
	active.At = started
	o.bus.TaskActive.Publish(active)

	res, runErr := o.executeWithTimeout(ctx, p.SkillID, p.Params)
	result := domain.TaskResult{
		TaskID:     p.TaskID,
		JobID:      job.ID,
		TenantID:   p.TenantID,
		SkillID:    p.SkillID,
		WorkflowID: p.WorkflowID,
		StepKey:    p.StepKey,
		Attempts:   attempt,
		StartedAt:  started,
	}

	if runErr != nil && final {
		if alt, altRes, ok := o.tryFailover(ctx, p); ok {
			result.UsedAlternative = true
			result.AlternativeSkillID = alt
			result.OriginalError = runErr.Error()
			res, runErr = altRes, nil
		}
	}

	finished := time.Now()
	result.FinishedAt = finished
	result.Duration = finished.Sub(started)
	evt := base
	evt.Duration = result.Duration
	evt.At = finished

	if runErr != nil {
		evt.Final = final
		evt.Error = runErr.Error()
		if final {
			result.Status = domain.TaskFailed
			result.Error = runErr.Error()
			o.history.Append(result)
		}
		o.bus.TaskFailed.Publish(evt)
		return nil, runErr
	}

	result.Status = domain.TaskCompleted
	result.Data = res.Data
	o.history.Append(result)
	evt.Final = true
	evt.UsedAlternative = result.UsedAlternative
	o.bus.TaskCompleted.Publish(evt)

	if res.Data == nil {
		return nil, nil
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		o.logger.Warn().Err(err).Str("task_id", p.TaskID).Msg("task result is not JSON encodable")
		return nil, nil
	}
	return data, nil
}

// tryFailover runs the first enabled alternative that accepts the params
// and succeeds. ctx is the job context; each alternative gets its own
// TaskTimeout.
func (o *Orchestrator) tryFailover(ctx context.Context, p domain.Task) (string, skill.Result, bool) {
	for _, alt := range o.failover.Alternatives(p.SkillID) {
		if !o.registry.Enabled(alt) {
			continue
		}
		h, err := o.registry.Get(alt)
		if err != nil || h.Validate(p.Params) != nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		res, err := o.executeWithTimeout(ctx, alt, p.Params)
		if err != nil {
			o.logger.Warn().Err(err).Str("task_id", p.TaskID).Str("alternative", alt).Msg("failover alternative failed")
			continue
		}
		o.logger.Info().
			Str("task_id", p.TaskID).
			Str("skill_id", p.SkillID).
			Str("alternative", alt).
			Msg("task recovered by failover")
		return alt, res, true
	}
	return "", skill.Result{}, false
}

func (o *Orchestrator) executeWithTimeout(ctx context.Context, skillID string, params map[string]any) (skill.Result, error) {
	if o.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.TaskTimeout)
		defer cancel()
	}
	return o.execute(ctx, skillID, params)
}

type execOutcome struct {
	res skill.Result
	err error
}

// execute calls the handler and turns panics, hangs past ctx and
// Success=false results into *domain.HandlerError.
func (o *Orchestrator) execute(ctx context.Context, skillID string, params map[string]any) (skill.Result, error) {
	h, err := o.registry.Get(skillID)
	if err != nil {
		return skill.Result{}, err
	}

	ch := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error().
					Str("skill_id", skillID).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("skill handler panicked")
				ch <- execOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := h.Execute(ctx, params)
		ch <- execOutcome{res: res, err: err}
	}()

	var out execOutcome
	select {
	case out = <-ch:
	case <-ctx.Done():
		return skill.Result{}, &domain.HandlerError{SkillID: skillID, Err: ctx.Err()}
	}
	if out.err != nil {
		return out.res, &domain.HandlerError{SkillID: skillID, Err: out.err}
	}
	if !out.res.Success {
		msg := out.res.Error
		if msg == "" {
			msg = "handler reported failure"
		}
		return out.res, &domain.HandlerError{SkillID: skillID, Err: errors.New(msg)}
	}
	return out.res, nil
}

// WaitForTask polls the history until taskID has a terminal result. It
// returns false when timeout or ctx runs out first; that is not a failure.
func (o *Orchestrator) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*domain.TaskResult, bool) {
	if timeout <= 0 {
		timeout = o.cfg.WaitTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.cfg.PollInterval)
	defer tick.Stop()

	for {
		if r, ok := o.history.Get(taskID); ok {
			return &r, true
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-deadline.C:
			return nil, false
		case <-tick.C:
		}
	}
}

// GetTaskStatus reports a task from the history when it is terminal and
// from the live skills queue otherwise.
func (o *Orchestrator) GetTaskStatus(taskID string) (domain.TaskState, error) {
	if r, ok := o.history.Get(taskID); ok {
		return domain.TaskState{
			TaskID:   taskID,
			JobID:    r.JobID,
			Status:   r.Status,
			Attempts: r.Attempts,
			Error:    r.Error,
			Result:   &r,
		}, nil
	}
	job, ok := o.skills.FindByCorrelation(taskID)
	if !ok {
		return domain.TaskState{}, domain.ErrTaskNotFound
	}
	return domain.TaskState{
		TaskID:   taskID,
		JobID:    job.ID,
		Status:   jobTaskStatus(job.Status),
		Attempts: job.Attempts,
		Error:    job.Error,
	}, nil
}

func jobTaskStatus(s domain.JobStatus) domain.TaskStatus {
	switch s {
	case domain.JobWaiting, domain.JobPaused, domain.JobDelayed:
		return domain.TaskPending
	case domain.JobActive:
		return domain.TaskRunning
	case domain.JobCompleted:
		return domain.TaskCompleted
	case domain.JobFailed:
		return domain.TaskFailed
	}
	return domain.TaskUnknown
}

// CancelTask removes a task that has not started. The cancellation is
// recorded in the history so status lookups stay answerable.
func (o *Orchestrator) CancelTask(taskID string) error {
	job, err := o.skills.CancelByCorrelation(taskID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		if _, ok := o.history.Get(taskID); ok {
			return fmt.Errorf("task %s already finished: %w", taskID, domain.ErrNotCancellable)
		}
		return domain.ErrTaskNotFound
	case err != nil:
		return err
	}

	var p domain.Task
	_ = json.Unmarshal(job.Payload, &p)
	now := time.Now()
	o.history.Append(domain.TaskResult{
		TaskID:     taskID,
		JobID:      job.ID,
		TenantID:   job.TenantID,
		SkillID:    job.Name,
		WorkflowID: p.WorkflowID,
		StepKey:    p.StepKey,
		Status:     domain.TaskCancelled,
		Error:      "cancelled",
		Attempts:   job.Attempts,
		StartedAt:  job.CreatedAt,
		FinishedAt: now,
	})
	o.logger.Info().Str("task_id", taskID).Str("job_id", job.ID).Msg("task cancelled")
	return nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
