package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skillflow/internal/domain"
	"skillflow/internal/event"
	"skillflow/internal/worker"
)

// Wildcard binds a processor to any job name.
const Wildcard = worker.Wildcard

// Engine is one named queue: the job table, the ordered waiting list, the
// delayed set and the worker pool that drains them. All job mutation goes
// through engine methods under a single mutex.
type Engine struct {
	name   string
	opts   Options
	store  SnapshotStore
	bus    *event.Bus
	pool   *worker.Pool
	logger zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]*domain.Job
	waiting waitList
	delayed map[string]struct{}
	paused  bool
	closed  bool
	started bool
	seq     uint64
	stats   stats

	wake   chan struct{}
	stopCh chan struct{}
	loops  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine builds an engine. store and bus may be nil.
func NewEngine(name string, opts Options, store SnapshotStore, bus *event.Bus) *Engine {
	opts.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		name:    name,
		opts:    opts,
		store:   store,
		bus:     bus,
		pool:    worker.NewPool(opts.Concurrency, opts.JobTimeout),
		logger:  log.With().Str("queue", name).Logger(),
		jobs:    make(map[string]*domain.Job),
		delayed: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (e *Engine) Name() string { return e.name }

// Process binds fn to jobs named name ("*" for any) with at most
// concurrency simultaneous workers.
func (e *Engine) Process(name string, concurrency int, fn worker.Processor) {
	e.pool.Register(name, concurrency, fn)
	e.signal()
}

// Start restores the last snapshot and launches the dispatcher, the
// delayed-job promoter and the snapshot loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.ErrQueueClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.restore(ctx)

	e.loops.Add(2)
	go e.dispatchLoop()
	go e.promoteLoop()
	if e.store != nil && e.opts.SnapshotInterval > 0 {
		e.loops.Add(1)
		go e.snapshotLoop()
	}

	e.logger.Info().
		Int("concurrency", e.opts.Concurrency).
		Dur("promote_interval", e.opts.PromoteInterval).
		Msg("queue started")
	return nil
}

// Add creates a job. payload may be json.RawMessage, []byte or any
// JSON-marshalable value. Add never blocks on workers.
func (e *Engine) Add(name string, payload any, opts ...AddOption) (domain.Job, error) {
	if name == "" {
		return domain.Job{}, domain.Invalid("name", "job name is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return domain.Job{}, domain.Invalid("payload", "%v", err)
	}
	o := newAddOptions(opts)

	now := time.Now()
	j := &domain.Job{
		ID:               o.jobID,
		Queue:            e.name,
		Name:             name,
		Payload:          raw,
		Priority:         o.priority,
		MaxAttempts:      o.maxAttempts,
		CreatedAt:        now,
		TenantID:         o.tenantID,
		CorrelationID:    o.correlationID,
		RemoveOnComplete: e.opts.RemoveOnComplete && !o.keepOnComplete,
	}
	if j.ID == "" {
		j.ID = newJobID(now)
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = e.opts.DefaultMaxAttempts
	}
	backoff := e.opts.DefaultBackoff
	if o.backoff != nil {
		backoff = *o.backoff
	}
	j.BackoffBaseMs = backoff.Milliseconds()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.Job{}, domain.ErrQueueClosed
	}
	if _, exists := e.jobs[j.ID]; exists {
		e.mu.Unlock()
		return domain.Job{}, fmt.Errorf("queue %s: job %s already exists", e.name, j.ID)
	}
	e.jobs[j.ID] = j
	if o.delay > 0 {
		until := now.Add(o.delay)
		j.Status = domain.JobDelayed
		j.DelayUntil = &until
		e.delayed[j.ID] = struct{}{}
	} else {
		e.enqueueLocked(j)
	}
	out := j.Clone()
	m := e.metricsLocked(now)
	e.mu.Unlock()

	e.logger.Debug().
		Str("job_id", out.ID).
		Str("job_name", name).
		Int("priority", out.Priority).
		Str("status", string(out.Status)).
		Msg("job added")
	e.publish(m)
	e.signal()
	return out, nil
}

// enqueueLocked appends j to the waiting list with a fresh arrival number.
func (e *Engine) enqueueLocked(j *domain.Job) {
	e.seq++
	j.Seq = e.seq
	j.DelayUntil = nil
	if e.paused {
		j.Status = domain.JobPaused
	} else {
		j.Status = domain.JobWaiting
	}
	e.waiting.push(waitEntry{id: j.ID, priority: j.Priority, seq: j.Seq})
}

func (e *Engine) dispatchLoop() {
	defer e.loops.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		if e.dispatchOne() {
			continue
		}
		select {
		case <-e.stopCh:
			return
		case <-e.wake:
		case <-time.After(e.opts.IdleBackoff):
		}
	}
}

// dispatchOne hands the most urgent runnable waiting job to a free worker.
func (e *Engine) dispatchOne() bool {
	e.mu.Lock()
	if e.paused || e.closed || e.waiting.len() == 0 || e.pool.Active() >= e.pool.Size() {
		e.mu.Unlock()
		return false
	}

	var (
		picked *domain.Job
		slot   *worker.Slot
	)
	for i, entry := range e.waiting.items {
		j := e.jobs[entry.id]
		if j == nil {
			continue
		}
		if s, ok := e.pool.TryAcquire(j.Name); ok {
			picked, slot = j, s
			e.waiting.removeAt(i)
			break
		}
	}
	if picked == nil {
		e.mu.Unlock()
		return false
	}

	now := time.Now()
	picked.Status = domain.JobActive
	picked.ProcessedAt = &now
	job := picked.Clone()
	m := e.metricsLocked(now)
	e.mu.Unlock()

	e.publish(m)
	e.pool.Run(e.ctx, slot, job, func(res json.RawMessage, err error, elapsed time.Duration) {
		e.finish(job.ID, res, err, elapsed)
	})
	return true
}

// finish records the outcome of one run. Only the worker that held the
// job active calls it.
func (e *Engine) finish(id string, res json.RawMessage, runErr error, elapsed time.Duration) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok || j.Status != domain.JobActive {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	e.stats.recordDuration(elapsed)

	level := zerolog.InfoLevel
	var retryIn time.Duration
	if runErr == nil {
		j.Status = domain.JobCompleted
		j.CompletedAt = &now
		j.Result = res
		j.Error = ""
		e.stats.recordCompleted(now)
		if j.RemoveOnComplete {
			delete(e.jobs, id)
		}
	} else {
		j.Attempts++
		j.Error = runErr.Error()
		if j.Attempts < j.MaxAttempts {
			retryIn = e.opts.Backoff.Delay(time.Duration(j.BackoffBaseMs)*time.Millisecond, j.Attempts)
			until := now.Add(retryIn)
			j.Status = domain.JobDelayed
			j.DelayUntil = &until
			e.delayed[id] = struct{}{}
			level = zerolog.WarnLevel
		} else {
			j.Status = domain.JobFailed
			j.FailedAt = &now
			e.stats.recordFailed()
			level = zerolog.ErrorLevel
		}
	}
	status, attempts, errMsg := j.Status, j.Attempts, j.Error
	m := e.metricsLocked(now)
	e.mu.Unlock()

	evt := e.logger.WithLevel(level).
		Str("job_id", id).
		Str("status", string(status)).
		Int("attempts", attempts).
		Dur("elapsed", elapsed)
	if errMsg != "" {
		evt = evt.Str("error", errMsg)
	}
	if retryIn > 0 {
		evt = evt.Dur("retry_in", retryIn)
	}
	evt.Msg("job finished")
	e.publish(m)
	e.signal()
}

func (e *Engine) promoteLoop() {
	defer e.loops.Done()
	t := time.NewTicker(e.opts.PromoteInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case now := <-t.C:
			e.promoteDue(now)
		}
	}
}

// promoteDue moves delayed jobs whose time has come into the waiting list.
func (e *Engine) promoteDue(now time.Time) int {
	e.mu.Lock()
	n := 0
	for id := range e.delayed {
		j := e.jobs[id]
		if j == nil {
			delete(e.delayed, id)
			continue
		}
		if j.DelayUntil != nil && j.DelayUntil.After(now) {
			continue
		}
		delete(e.delayed, id)
		e.enqueueLocked(j)
		n++
	}
	var m domain.QueueMetrics
	if n > 0 {
		m = e.metricsLocked(now)
	}
	e.mu.Unlock()

	if n > 0 {
		e.logger.Debug().Int("promoted", n).Msg("delayed jobs promoted")
		e.publish(m)
		e.signal()
	}
	return n
}

// Pause stops dispatching. Waiting jobs are kept and marked paused.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	for _, id := range e.waiting.ids() {
		if j := e.jobs[id]; j != nil {
			j.Status = domain.JobPaused
		}
	}
	m := e.metricsLocked(time.Now())
	e.mu.Unlock()
	e.logger.Info().Msg("queue paused")
	e.publish(m)
}

// Resume restarts dispatching.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	for _, id := range e.waiting.ids() {
		if j := e.jobs[id]; j != nil {
			j.Status = domain.JobWaiting
		}
	}
	m := e.metricsLocked(time.Now())
	e.mu.Unlock()
	e.logger.Info().Msg("queue resumed")
	e.publish(m)
	e.signal()
}

func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Clear purges jobs with the given status, or every non-active job when
// status is empty. Active jobs are never purged.
func (e *Engine) Clear(status domain.JobStatus) int {
	e.mu.Lock()
	n := 0
	for id, j := range e.jobs {
		if j.Status == domain.JobActive {
			continue
		}
		if status != "" && j.Status != status {
			continue
		}
		e.dropLocked(id)
		n++
	}
	m := e.metricsLocked(time.Now())
	e.mu.Unlock()

	e.logger.Info().Str("status", string(status)).Int("cleared", n).Msg("queue cleared")
	e.publish(m)
	return n
}

func (e *Engine) dropLocked(id string) {
	delete(e.jobs, id)
	delete(e.delayed, id)
	e.waiting.remove(id)
}

// Cancel removes a job that has not started yet.
func (e *Engine) Cancel(id string) (domain.Job, error) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return domain.Job{}, domain.ErrJobNotFound
	}
	switch j.Status {
	case domain.JobWaiting, domain.JobPaused, domain.JobDelayed:
	default:
		e.mu.Unlock()
		return domain.Job{}, fmt.Errorf("job %s is %s: %w", id, j.Status, domain.ErrNotCancellable)
	}
	out := j.Clone()
	e.dropLocked(id)
	m := e.metricsLocked(time.Now())
	e.mu.Unlock()

	e.logger.Info().Str("job_id", id).Msg("job cancelled")
	e.publish(m)
	return out, nil
}

// CancelByCorrelation cancels the job carrying the given correlation id.
func (e *Engine) CancelByCorrelation(correlationID string) (domain.Job, error) {
	j, ok := e.FindByCorrelation(correlationID)
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return e.Cancel(j.ID)
}

// Get returns a copy of the job.
func (e *Engine) Get(id string) (domain.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return domain.Job{}, false
	}
	return j.Clone(), true
}

// FindByCorrelation returns the most recent job with the correlation id.
func (e *Engine) FindByCorrelation(correlationID string) (domain.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var found *domain.Job
	for _, j := range e.jobs {
		if j.CorrelationID != correlationID {
			continue
		}
		if found == nil || j.CreatedAt.After(found.CreatedAt) {
			found = j
		}
	}
	if found == nil {
		return domain.Job{}, false
	}
	return found.Clone(), true
}

// Jobs lists copies of jobs with the given status (all when empty),
// oldest first.
func (e *Engine) Jobs(status domain.JobStatus) []domain.Job {
	e.mu.Lock()
	out := make([]domain.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		if status == "" || j.Status == status {
			out = append(out, j.Clone())
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// Waiting returns waiting (or paused) job ids in dispatch order.
func (e *Engine) Waiting() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiting.ids()
}

// Metrics returns a fresh metrics snapshot.
func (e *Engine) Metrics() domain.QueueMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsLocked(time.Now())
}

// Close stops dispatching, waits for running jobs until ctx is done and
// writes a final snapshot.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	close(e.stopCh)
	e.loops.Wait()

	if err := e.pool.Wait(ctx); err != nil {
		e.logger.Warn().Err(err).Int("active", e.pool.Active()).Msg("drain timed out, cancelling active jobs")
		e.cancel()
		_ = e.pool.Wait(context.Background())
	}
	e.cancel()

	var err error
	if started {
		err = e.Snapshot(context.WithoutCancel(ctx))
	}
	e.logger.Info().Msg("queue closed")
	return err
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) publish(m domain.QueueMetrics) {
	if e.bus != nil {
		e.bus.MetricsUpdated.Publish(m)
	}
}

// newJobID is time-ordered with a random suffix.
func newJobID(now time.Time) string {
	return fmt.Sprintf("job_%d_%s", now.UnixNano(), uuid.NewString()[:8])
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}
