package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"skillflow/internal/domain"
	"skillflow/internal/queue"
)

// SubmitWorkflow validates every step up front, records the workflow as
// pending and queues it on the workflows queue.
func (o *Orchestrator) SubmitWorkflow(ctx context.Context, tenantID string, def domain.WorkflowDefinition, metadata map[string]any) (string, error) {
	steps, err := o.validateWorkflow(ctx, tenantID, def)
	if err != nil {
		return "", err
	}

	name := def.Name
	if name == "" {
		name = "workflow"
	}
	now := time.Now()
	wf := &domain.Workflow{
		WorkflowID:      newID("wf"),
		TenantID:        tenantID,
		Name:            name,
		Steps:           steps,
		Parallel:        def.Parallel,
		ContinueOnError: def.ContinueOnError,
		Timeout:         def.Timeout,
		Status:          domain.WorkflowPending,
		Results:         map[string]domain.TaskResult{},
		Errors:          map[string]string{},
		Metadata:        metadata,
		CreatedAt:       now,
	}
	o.track(wf)

	_, err = o.workflows.Add(wf.Name, wf.Clone(),
		queue.WithMaxAttempts(1),
		queue.WithTenant(tenantID),
		queue.WithCorrelationID(wf.WorkflowID),
	)
	if err != nil {
		o.untrack(wf.WorkflowID)
		return "", fmt.Errorf("queue workflow: %w", err)
	}

	o.logger.Info().
		Str("workflow_id", wf.WorkflowID).
		Str("tenant_id", tenantID).
		Str("name", wf.Name).
		Int("steps", len(steps)).
		Bool("parallel", wf.Parallel).
		Msg("workflow submitted")
	return wf.WorkflowID, nil
}

func (o *Orchestrator) validateWorkflow(ctx context.Context, tenantID string, def domain.WorkflowDefinition) ([]domain.WorkflowStep, error) {
	if len(def.Steps) == 0 {
		return nil, domain.Invalid("steps", "workflow needs at least one step")
	}
	steps := make([]domain.WorkflowStep, len(def.Steps))
	seen := make(map[string]bool, len(def.Steps))
	var skills []string
	for i, step := range def.Steps {
		if step.Key == "" {
			step.Key = fmt.Sprintf("step%d", i+1)
		}
		if seen[step.Key] {
			return nil, domain.Invalid("steps", "duplicate step key %q", step.Key)
		}
		if err := o.validate(ctx, tenantID, step.SkillID, step.Params, false); err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Key, err)
		}
		skills = append(skills, step.SkillID)
		for _, follow := range []string{step.OnSuccess, step.OnFailure} {
			if follow == "" {
				continue
			}
			if _, err := o.registry.Get(follow); err != nil {
				return nil, fmt.Errorf("step %s: %w", step.Key, err)
			}
			skills = append(skills, follow)
		}
		cond, err := parseCondition(step.Condition)
		if err != nil {
			return nil, domain.Invalid("steps", "step %s: %v", step.Key, err)
		}
		if cond.step != "" {
			// parallel steps start together, so only earlier sequential
			// steps can be referenced
			if def.Parallel {
				return nil, domain.Invalid("steps", "step %s: parallel steps cannot depend on %s", step.Key, cond.step)
			}
			if !seen[cond.step] {
				return nil, domain.Invalid("steps", "step %s: condition references unknown or later step %q", step.Key, cond.step)
			}
		}
		seen[step.Key] = true
		steps[i] = step
	}
	// follow-ups are conditional, so only the steps reserve quota
	if o.licenses != nil {
		if err := o.licenses.CheckAll(ctx, tenantID, skills, len(steps)); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

func (o *Orchestrator) track(wf *domain.Workflow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.wfs[wf.WorkflowID]; ok {
		return
	}
	o.wfs[wf.WorkflowID] = wf
	o.wfOrder = append(o.wfOrder, wf.WorkflowID)

	// evict the oldest finished workflows past the retention limit
	for len(o.wfOrder) > o.cfg.WorkflowRetention {
		evicted := false
		for i, id := range o.wfOrder {
			w := o.wfs[id]
			if w == nil || w.CompletedAt != nil {
				delete(o.wfs, id)
				o.wfOrder = append(o.wfOrder[:i], o.wfOrder[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			break
		}
	}
}

func (o *Orchestrator) untrack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.wfs, id)
	for i, v := range o.wfOrder {
		if v == id {
			o.wfOrder = append(o.wfOrder[:i], o.wfOrder[i+1:]...)
			break
		}
	}
}

// GetWorkflowStatus returns a copy of the workflow.
func (o *Orchestrator) GetWorkflowStatus(workflowID string) (domain.Workflow, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	wf, ok := o.wfs[workflowID]
	if !ok {
		return domain.Workflow{}, domain.ErrWorkflowNotFound
	}
	return wf.Clone(), nil
}

// Workflows lists retained workflows for tenantID (all when empty), oldest first.
func (o *Orchestrator) Workflows(tenantID string) []domain.Workflow {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.Workflow, 0, len(o.wfOrder))
	for _, id := range o.wfOrder {
		wf := o.wfs[id]
		if wf == nil || (tenantID != "" && wf.TenantID != tenantID) {
			continue
		}
		out = append(out, wf.Clone())
	}
	return out
}

// processWorkflow is the workflows queue processor. Step failures end up
// in the workflow's Errors map; the job itself only fails when the payload
// is unusable.
func (o *Orchestrator) processWorkflow(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	var decoded domain.Workflow
	if err := json.Unmarshal(job.Payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode workflow payload: %w", err)
	}
	if decoded.Results == nil {
		decoded.Results = map[string]domain.TaskResult{}
	}
	if decoded.Errors == nil {
		decoded.Errors = map[string]string{}
	}
	// after a restart the record only survives in the job payload
	o.track(&decoded)

	o.mu.Lock()
	wf := o.wfs[decoded.WorkflowID]
	now := time.Now()
	wf.Status = domain.WorkflowRunning
	wf.StartedAt = &now
	o.mu.Unlock()

	o.logger.Info().Str("workflow_id", wf.WorkflowID).Str("name", wf.Name).Msg("workflow started")

	if wf.Parallel {
		o.runParallel(ctx, wf)
	} else {
		o.runSequential(ctx, wf)
	}

	summary := o.finishWorkflow(wf, now)
	return json.Marshal(summary)
}

func (o *Orchestrator) stepTimeout(wf *domain.Workflow) time.Duration {
	if wf.Timeout > 0 {
		return wf.Timeout
	}
	return o.cfg.WaitTimeout
}

func (o *Orchestrator) runSequential(ctx context.Context, wf *domain.Workflow) {
	for _, step := range wf.Steps {
		if !o.shouldRun(wf, step) {
			o.logger.Debug().Str("workflow_id", wf.WorkflowID).Str("step", step.Key).Msg("step skipped")
			continue
		}
		ok := o.runStep(ctx, wf, step, o.stepTimeout(wf))
		if !ok && !wf.ContinueOnError {
			return
		}
	}
}

// runParallel submits every step at once and waits for all of them under
// one shared deadline.
func (o *Orchestrator) runParallel(ctx context.Context, wf *domain.Workflow) {
	ctx, cancel := context.WithTimeout(ctx, o.stepTimeout(wf))
	defer cancel()

	var g errgroup.Group
	for _, step := range wf.Steps {
		if !o.shouldRun(wf, step) {
			continue
		}
		step := step
		g.Go(func() error {
			o.runStep(ctx, wf, step, o.stepTimeout(wf))
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) shouldRun(wf *domain.Workflow, step domain.WorkflowStep) bool {
	cond, err := parseCondition(step.Condition)
	if err != nil {
		return false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return cond.eval(wf.Results, wf.Errors)
}

// runStep runs one step and its follow-up and reports whether the step
// itself succeeded.
func (o *Orchestrator) runStep(ctx context.Context, wf *domain.Workflow, step domain.WorkflowStep, timeout time.Duration) bool {
	res, err := o.runWorkflowTask(ctx, wf, step.Key, step.SkillID, step.Params, step.Priority, timeout)
	o.record(wf, step.Key, res, err)
	ok := err == nil && res.Succeeded()

	follow, suffix := step.OnSuccess, ".onSuccess"
	if !ok {
		follow, suffix = step.OnFailure, ".onFailure"
	}
	if follow != "" && ctx.Err() == nil {
		key := step.Key + suffix
		fres, ferr := o.runWorkflowTask(ctx, wf, key, follow, followUpParams(step, res, err), step.Priority, timeout)
		o.record(wf, key, fres, ferr)
	}
	return ok
}

func (o *Orchestrator) runWorkflowTask(ctx context.Context, wf *domain.Workflow, key, skillID string, params map[string]any, priority int, timeout time.Duration) (domain.TaskResult, error) {
	if err := o.validate(ctx, wf.TenantID, skillID, params, false); err != nil {
		return domain.TaskResult{}, err
	}
	taskID, err := o.enqueue(ctx, domain.Task{
		TenantID:   wf.TenantID,
		SkillID:    skillID,
		Params:     params,
		WorkflowID: wf.WorkflowID,
		StepKey:    key,
	}, TaskOptions{Priority: priority})
	if err != nil {
		return domain.TaskResult{}, err
	}
	res, ok := o.WaitForTask(ctx, taskID, timeout)
	if !ok {
		return domain.TaskResult{TaskID: taskID}, domain.ErrTimeout
	}
	return *res, nil
}

func (o *Orchestrator) record(wf *domain.Workflow, key string, res domain.TaskResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case err != nil:
		wf.Errors[key] = err.Error()
	case res.Succeeded():
		wf.Results[key] = res
	default:
		msg := res.Error
		if msg == "" {
			msg = string(res.Status)
		}
		wf.Errors[key] = msg
	}
}

func followUpParams(step domain.WorkflowStep, res domain.TaskResult, err error) map[string]any {
	params := make(map[string]any, len(step.Params)+1)
	for k, v := range step.Params {
		params[k] = v
	}
	trigger := map[string]any{
		"step":    step.Key,
		"task_id": res.TaskID,
		"status":  string(res.Status),
	}
	if res.Data != nil {
		trigger["data"] = res.Data
	}
	if err != nil {
		trigger["error"] = err.Error()
	} else if res.Error != "" {
		trigger["error"] = res.Error
	}
	params["trigger"] = trigger
	return params
}

// finishWorkflow derives the final status and publishes workflow:completed.
func (o *Orchestrator) finishWorkflow(wf *domain.Workflow, started time.Time) domain.WorkflowEvent {
	o.mu.Lock()
	now := time.Now()
	switch {
	case len(wf.Errors) == 0:
		wf.Status = domain.WorkflowCompleted
	case len(wf.Results) > 0:
		wf.Status = domain.WorkflowPartial
	default:
		wf.Status = domain.WorkflowFailed
	}
	wf.CompletedAt = &now
	evt := domain.WorkflowEvent{
		WorkflowID: wf.WorkflowID,
		TenantID:   wf.TenantID,
		Name:       wf.Name,
		Status:     wf.Status,
		Steps:      len(wf.Steps),
		Results:    len(wf.Results),
		Errors:     len(wf.Errors),
		Duration:   now.Sub(started),
		At:         now,
	}
	o.mu.Unlock()

	o.logger.Info().
		Str("workflow_id", evt.WorkflowID).
		Str("status", string(evt.Status)).
		Int("results", evt.Results).
		Int("errors", evt.Errors).
		Dur("duration", evt.Duration).
		Msg("workflow finished")
	o.bus.WorkflowCompleted.Publish(evt)
	return evt
}
