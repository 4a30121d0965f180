// Package scheduler fires recurring skill invocations. Calendar schedules
// are polled by a coarse ticker; interval schedules get their own ticker.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skillflow/internal/domain"
	"skillflow/internal/event"
	"skillflow/internal/orchestrator"
)

// Submitter queues the task a schedule fires. The orchestrator satisfies it.
type Submitter interface {
	SubmitTask(ctx context.Context, tenantID, skillID string, params map[string]any, opts orchestrator.TaskOptions) (string, error)
}

// Store persists definitions across restarts.
type Store interface {
	Save(ctx context.Context, def domain.ScheduleDefinition) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.ScheduleDefinition, error)
}

type Config struct {
	TickInterval time.Duration
	FireTimeout  time.Duration
	Calculator   NextRunCalculator
}

func (c *Config) normalize() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
	if c.Calculator == nil {
		c.Calculator = SubsetCalculator{}
	}
}

// ScheduleConfig is the input of ScheduleRecurring. Enabled defaults to true.
type ScheduleConfig struct {
	Name          string         `json:"name"`
	TenantID      string         `json:"tenant_id"`
	SkillID       string         `json:"skill_id"`
	Params        map[string]any `json:"params,omitempty"`
	Priority      int            `json:"priority"`
	ScheduleType  string         `json:"schedule_type"`
	ScheduleValue string         `json:"schedule_value"`
	StartDate     *time.Time     `json:"start_date,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	MaxExecutions int            `json:"max_executions,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

// ScheduleUpdate changes the non-nil fields of a definition.
type ScheduleUpdate struct {
	Name          *string        `json:"name,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	ScheduleType  *string        `json:"schedule_type,omitempty"`
	ScheduleValue *string        `json:"schedule_value,omitempty"`
	StartDate     *time.Time     `json:"start_date,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	MaxExecutions *int           `json:"max_executions,omitempty"`
}

type Scheduler struct {
	cfg       Config
	submitter Submitter
	store     Store
	bus       *event.Bus
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	defs    map[string]*domain.ScheduleDefinition
	timers  map[string]chan struct{}
	firing  map[string]bool
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a scheduler. store and bus may be nil.
func New(submitter Submitter, store Store, bus *event.Bus, cfg Config) *Scheduler {
	cfg.normalize()
	return &Scheduler{
		cfg:       cfg,
		submitter: submitter,
		store:     store,
		bus:       bus,
		logger:    log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		defs:      make(map[string]*domain.ScheduleDefinition),
		timers:    make(map[string]chan struct{}),
		firing:    make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start reloads persisted definitions and launches the coarse ticker and
// the interval timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.store != nil {
		defs, err := s.store.List(ctx)
		if err != nil {
			return fmt.Errorf("load schedules: %w", err)
		}
		s.mu.Lock()
		for i := range defs {
			def := defs[i]
			s.defs[def.ID] = &def
		}
		s.mu.Unlock()
		s.logger.Info().Int("schedules", len(defs)).Msg("schedules restored")
	}

	s.mu.Lock()
	for _, def := range s.defs {
		if runnable(def) && def.ScheduleType == domain.ScheduleInterval {
			s.startTimerLocked(def)
		}
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info().Dur("interval", s.cfg.TickInterval).Msg("schedule service started")
	return nil
}

// Stop halts the ticker and every interval timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stop:
		s.mu.Unlock()
		return
	default:
	}
	close(s.stop)
	for id, ch := range s.timers {
		close(ch)
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func runnable(def *domain.ScheduleDefinition) bool {
	return def.Enabled && def.Status == domain.ScheduleActive
}

// ScheduleRecurring validates cfg and registers a new definition.
func (s *Scheduler) ScheduleRecurring(ctx context.Context, cfg ScheduleConfig) (string, error) {
	if cfg.TenantID == "" {
		return "", domain.Invalid("tenant_id", "tenant id is required")
	}
	if cfg.SkillID == "" {
		return "", domain.Invalid("skill_id", "skill id is required")
	}
	if cfg.MaxExecutions < 0 {
		return "", domain.Invalid("max_executions", "must not be negative")
	}
	typ := domain.ScheduleType(cfg.ScheduleType)
	if err := s.cfg.Calculator.Validate(typ, cfg.ScheduleValue); err != nil {
		return "", domain.Invalid("schedule_value", "%v", err)
	}
	if cfg.StartDate != nil && cfg.EndDate != nil && !cfg.EndDate.After(*cfg.StartDate) {
		return "", domain.Invalid("end_date", "end date must be after start date")
	}

	now := s.now()
	def := &domain.ScheduleDefinition{
		ID:            "sched_" + uuid.NewString(),
		Name:          cfg.Name,
		TenantID:      cfg.TenantID,
		SkillID:       cfg.SkillID,
		Params:        cfg.Params,
		Priority:      cfg.Priority,
		ScheduleType:  typ,
		ScheduleValue: cfg.ScheduleValue,
		Enabled:       cfg.Enabled == nil || *cfg.Enabled,
		StartDate:     cfg.StartDate,
		EndDate:       cfg.EndDate,
		MaxExecutions: cfg.MaxExecutions,
		Status:        domain.ScheduleActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if !def.Enabled {
		def.Status = domain.SchedulePaused
	}
	if err := s.computeNext(def, now); err != nil {
		return "", domain.Invalid("schedule_value", "%v", err)
	}

	s.mu.Lock()
	s.defs[def.ID] = def
	if runnable(def) && def.ScheduleType == domain.ScheduleInterval {
		s.startTimerLocked(def)
	}
	snapshot := def.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.logger.Info().
		Str("schedule_id", snapshot.ID).
		Str("tenant_id", snapshot.TenantID).
		Str("skill_id", snapshot.SkillID).
		Str("type", string(snapshot.ScheduleType)).
		Str("value", snapshot.ScheduleValue).
		Time("next_run", snapshot.NextRun).
		Msg("schedule created")
	return snapshot.ID, nil
}

// computeNext sets NextRun from the later of now and the start date.
func (s *Scheduler) computeNext(def *domain.ScheduleDefinition, now time.Time) error {
	from := now
	if def.StartDate != nil && def.StartDate.After(from) {
		from = *def.StartDate
	}
	next, err := s.cfg.Calculator.Next(def.ScheduleType, def.ScheduleValue, from)
	if err != nil {
		return err
	}
	def.NextRun = next
	return nil
}

func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(def *domain.ScheduleDefinition) error {
		if def.Status != domain.ScheduleActive {
			return domain.Invalid("status", "schedule is %s", def.Status)
		}
		def.Enabled = false
		def.Status = domain.SchedulePaused
		return nil
	})
}

func (s *Scheduler) Resume(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(def *domain.ScheduleDefinition) error {
		if def.Status != domain.SchedulePaused {
			return domain.Invalid("status", "schedule is %s", def.Status)
		}
		def.Enabled = true
		def.Status = domain.ScheduleActive
		return s.computeNext(def, s.now())
	})
}

// Update applies upd, recomputes NextRun and restarts the timer.
func (s *Scheduler) Update(ctx context.Context, id string, upd ScheduleUpdate) error {
	return s.mutate(ctx, id, func(def *domain.ScheduleDefinition) error {
		next := def.Clone()
		if upd.Name != nil {
			next.Name = *upd.Name
		}
		if upd.Params != nil {
			next.Params = upd.Params
		}
		if upd.Priority != nil {
			next.Priority = *upd.Priority
		}
		if upd.ScheduleType != nil {
			next.ScheduleType = domain.ScheduleType(*upd.ScheduleType)
		}
		if upd.ScheduleValue != nil {
			next.ScheduleValue = *upd.ScheduleValue
		}
		if upd.StartDate != nil {
			next.StartDate = upd.StartDate
		}
		if upd.EndDate != nil {
			next.EndDate = upd.EndDate
		}
		if upd.MaxExecutions != nil {
			if *upd.MaxExecutions < 0 {
				return domain.Invalid("max_executions", "must not be negative")
			}
			next.MaxExecutions = *upd.MaxExecutions
		}
		if err := s.cfg.Calculator.Validate(next.ScheduleType, next.ScheduleValue); err != nil {
			return domain.Invalid("schedule_value", "%v", err)
		}
		if err := s.computeNext(&next, s.now()); err != nil {
			return domain.Invalid("schedule_value", "%v", err)
		}
		*def = next
		return nil
	})
}

// mutate applies fn under the lock, then restarts or stops the interval
// timer to match the new state and persists the definition.
func (s *Scheduler) mutate(ctx context.Context, id string, fn func(*domain.ScheduleDefinition) error) error {
	s.mu.Lock()
	def, ok := s.defs[id]
	if !ok {
		s.mu.Unlock()
		return domain.ErrScheduleNotFound
	}
	if err := fn(def); err != nil {
		s.mu.Unlock()
		return err
	}
	def.UpdatedAt = s.now()
	s.stopTimerLocked(id)
	if runnable(def) && def.ScheduleType == domain.ScheduleInterval {
		s.startTimerLocked(def)
	}
	snapshot := def.Clone()
	s.mu.Unlock()

	s.persist(ctx, snapshot)
	s.logger.Info().
		Str("schedule_id", id).
		Str("status", string(snapshot.Status)).
		Time("next_run", snapshot.NextRun).
		Msg("schedule updated")
	return nil
}

// Cancel removes the definition for good.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.defs[id]; !ok {
		s.mu.Unlock()
		return domain.ErrScheduleNotFound
	}
	s.stopTimerLocked(id)
	delete(s.defs, id)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("schedule_id", id).Msg("failed to delete schedule")
		}
	}
	s.logger.Info().Str("schedule_id", id).Msg("schedule cancelled")
	return nil
}

func (s *Scheduler) Get(id string) (domain.ScheduleDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[id]
	if !ok {
		return domain.ScheduleDefinition{}, domain.ErrScheduleNotFound
	}
	return def.Clone(), nil
}

// List returns definitions for tenantID (all when empty), oldest first.
func (s *Scheduler) List(tenantID string) []domain.ScheduleDefinition {
	s.mu.Lock()
	out := make([]domain.ScheduleDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		if tenantID == "" || def.TenantID == tenantID {
			out = append(out, def.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.fireDue(s.now())
		}
	}
}

// fireDue fires every calendar definition whose NextRun has passed.
// Interval definitions run off their own timers.
func (s *Scheduler) fireDue(now time.Time) int {
	s.mu.Lock()
	var due []string
	for id, def := range s.defs {
		if !runnable(def) || def.ScheduleType == domain.ScheduleInterval {
			continue
		}
		if !def.NextRun.After(now) {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.fire(id, now)
	}
	return len(due)
}

func (s *Scheduler) startTimerLocked(def *domain.ScheduleDefinition) {
	d, err := ParseInterval(def.ScheduleValue)
	if err != nil {
		s.logger.Error().Err(err).Str("schedule_id", def.ID).Msg("invalid interval")
		return
	}
	select {
	case <-s.stop:
		return
	default:
	}
	if !s.started {
		return
	}
	done := make(chan struct{})
	s.timers[def.ID] = done
	id := def.ID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.fire(id, s.now())
			}
		}
	}()
}

func (s *Scheduler) stopTimerLocked(id string) {
	if ch, ok := s.timers[id]; ok {
		close(ch)
		delete(s.timers, id)
	}
}

// fire submits one execution of the definition. Submission errors are
// recorded and alerted; they never stop the timers.
func (s *Scheduler) fire(id string, now time.Time) {
	s.mu.Lock()
	def, ok := s.defs[id]
	if !ok || !runnable(def) || s.firing[id] {
		s.mu.Unlock()
		return
	}
	if def.StartDate != nil && now.Before(*def.StartDate) {
		s.mu.Unlock()
		return
	}
	if def.EndDate != nil && now.After(*def.EndDate) {
		def.Status = domain.ScheduleExpired
		def.UpdatedAt = now
		s.stopTimerLocked(id)
		snapshot := def.Clone()
		s.mu.Unlock()
		s.logger.Info().Str("schedule_id", id).Msg("schedule expired")
		s.persist(context.Background(), snapshot)
		return
	}
	s.firing[id] = true
	execution := def.ExecutionCount + 1
	tenantID, skillID, priority := def.TenantID, def.SkillID, def.Priority
	params := def.Clone().Params
	s.mu.Unlock()

	taskID, err := s.submit(tenantID, skillID, params, orchestrator.TaskOptions{
		Priority: priority,
		Metadata: map[string]any{"scheduledJobId": id, "executionNumber": execution},
	})

	s.mu.Lock()
	delete(s.firing, id)
	def, ok = s.defs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	def.LastRun = &now
	def.UpdatedAt = now
	if err != nil {
		def.LastError = err.Error()
	} else {
		def.LastError = ""
		def.ExecutionCount = execution
	}
	s.advanceLocked(def, now)
	snapshot := def.Clone()
	s.mu.Unlock()

	s.persist(context.Background(), snapshot)
	if err != nil {
		s.logger.Error().Err(err).Str("schedule_id", id).Int("execution", execution).Msg("scheduled task failed to submit")
		if s.bus != nil {
			s.bus.Alerts.Publish(domain.Alert{
				Kind:    domain.AlertScheduleFailed,
				Scope:   id,
				Message: err.Error(),
				At:      now,
			})
		}
		return
	}

	s.logger.Info().
		Str("schedule_id", id).
		Str("task_id", taskID).
		Int("execution", execution).
		Time("next_run", snapshot.NextRun).
		Str("status", string(snapshot.Status)).
		Msg("scheduled task enqueued")
	if s.bus != nil {
		s.bus.ScheduleFired.Publish(domain.ScheduleEvent{
			ScheduleID:      id,
			TenantID:        tenantID,
			SkillID:         skillID,
			TaskID:          taskID,
			ExecutionNumber: execution,
			At:              now,
		})
	}
}

// advanceLocked computes the next run and retires the definition once it
// reached MaxExecutions or its next run falls after EndDate.
func (s *Scheduler) advanceLocked(def *domain.ScheduleDefinition, now time.Time) {
	if def.MaxExecutions > 0 && def.ExecutionCount >= def.MaxExecutions {
		def.Status = domain.ScheduleCompleted
		s.stopTimerLocked(def.ID)
		return
	}
	next, err := s.cfg.Calculator.Next(def.ScheduleType, def.ScheduleValue, now)
	if err != nil {
		def.LastError = err.Error()
		return
	}
	def.NextRun = next
	if def.EndDate != nil && next.After(*def.EndDate) {
		def.Status = domain.ScheduleExpired
		s.stopTimerLocked(def.ID)
	}
}

type submitOutcome struct {
	taskID string
	err    error
}

// submit bounds the submission with the fire timeout.
func (s *Scheduler) submit(tenantID, skillID string, params map[string]any, opts orchestrator.TaskOptions) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FireTimeout)
	defer cancel()

	ch := make(chan submitOutcome, 1)
	go func() {
		id, err := s.submitter.SubmitTask(ctx, tenantID, skillID, params, opts)
		ch <- submitOutcome{id, err}
	}()
	select {
	case out := <-ch:
		return out.taskID, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("submit %s: %w", skillID, domain.ErrTimeout)
	}
}

func (s *Scheduler) persist(ctx context.Context, def domain.ScheduleDefinition) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(ctx, def); err != nil {
		s.logger.Warn().Err(err).Str("schedule_id", def.ID).Msg("failed to persist schedule")
	}
}
