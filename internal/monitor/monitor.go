// Package monitor observes task, workflow and queue events and keeps
// global, per-tenant, per-skill and per-queue metrics. It never calls back
// into the queues or the orchestrator.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"skillflow/internal/domain"
	"skillflow/internal/event"
)

type Config struct {
	UpdateInterval  time.Duration
	RecentWorkflows int
	DistinctErrors  int
	// ThroughputWindow is the span completions are counted over.
	ThroughputWindow time.Duration

	AlertErrorRate  float64
	AlertMinSamples int64
	AlertCooldown   time.Duration

	Thresholds Thresholds
}

// Thresholds drive GetHealthStatus.
type Thresholds struct {
	CriticalErrorRate float64
	WarningErrorRate  float64
	CriticalInFlight  int
	SlowDuration      time.Duration
	StuckAfter        time.Duration
}

func DefaultConfig() Config {
	return Config{
		UpdateInterval:   time.Second,
		RecentWorkflows:  50,
		DistinctErrors:   20,
		ThroughputWindow: time.Minute,
		AlertErrorRate:   0.2,
		AlertMinSamples:  10,
		AlertCooldown:    5 * time.Minute,
		Thresholds: Thresholds{
			CriticalErrorRate: 0.2,
			WarningErrorRate:  0.1,
			CriticalInFlight:  10,
			SlowDuration:      30 * time.Second,
			StuckAfter:        5 * time.Minute,
		},
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	if c.RecentWorkflows <= 0 {
		c.RecentWorkflows = d.RecentWorkflows
	}
	if c.DistinctErrors <= 0 {
		c.DistinctErrors = d.DistinctErrors
	}
	if c.ThroughputWindow <= 0 {
		c.ThroughputWindow = d.ThroughputWindow
	}
	if c.AlertErrorRate <= 0 {
		c.AlertErrorRate = d.AlertErrorRate
	}
	if c.AlertMinSamples <= 0 {
		c.AlertMinSamples = d.AlertMinSamples
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
}

// InFlightTask is a task seen on task:active that has not finished yet.
type InFlightTask struct {
	TaskID   string    `json:"task_id"`
	TenantID string    `json:"tenant_id"`
	SkillID  string    `json:"skill_id"`
	Attempt  int       `json:"attempt"`
	Since    time.Time `json:"since"`
}

type tenantState struct {
	c      *counter
	recent []domain.WorkflowEvent
}

type skillState struct {
	c            *counter
	errors       []string
	alternatives int64
}

type Monitor struct {
	cfg    Config
	bus    *event.Bus
	logger zerolog.Logger
	now    func() time.Time

	updates *event.Topic[Snapshot]

	mu         sync.Mutex
	global     *counter
	tenants    map[string]*tenantState
	skills     map[string]*skillState
	queues     map[string]domain.QueueMetrics
	inflight   map[string]InFlightTask
	workflows  WorkflowCounts
	lastAlerts map[string]time.Time

	unsubs []func()
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New builds a monitor and subscribes it to bus.
func New(bus *event.Bus, cfg Config) *Monitor {
	cfg.normalize()
	m := &Monitor{
		cfg:        cfg,
		bus:        bus,
		logger:     log.With().Str("component", "monitor").Logger(),
		now:        time.Now,
		updates:    event.NewTopic[Snapshot](event.MonitorUpdate),
		global:     newCounter(),
		tenants:    make(map[string]*tenantState),
		skills:     make(map[string]*skillState),
		queues:     make(map[string]domain.QueueMetrics),
		inflight:   make(map[string]InFlightTask),
		lastAlerts: make(map[string]time.Time),
		stop:       make(chan struct{}),
	}
	m.unsubs = []func(){
		bus.TaskActive.Subscribe(m.onActive),
		bus.TaskCompleted.Subscribe(m.onCompleted),
		bus.TaskFailed.Subscribe(m.onFailed),
		bus.WorkflowCompleted.Subscribe(m.onWorkflow),
		bus.MetricsUpdated.Subscribe(m.onQueueMetrics),
	}
	return m
}

// Updates is the monitor:update topic carrying periodic snapshots.
func (m *Monitor) Updates() *event.Topic[Snapshot] { return m.updates }

// Start pushes a snapshot every UpdateInterval until ctx ends or Close.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.UpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.updates.Publish(m.GetMetrics())
			}
		}
	}()
	m.logger.Info().Dur("interval", m.cfg.UpdateInterval).Msg("monitor started")
}

// Close unsubscribes from the bus and stops the snapshot ticker.
func (m *Monitor) Close() {
	m.mu.Lock()
	select {
	case <-m.stop:
		m.mu.Unlock()
		return
	default:
	}
	close(m.stop)
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	m.wg.Wait()
}

func (m *Monitor) onActive(e domain.TaskEvent) {
	since := e.At
	if since.IsZero() {
		since = m.now()
	}
	m.mu.Lock()
	m.inflight[e.TaskID] = InFlightTask{TaskID: e.TaskID, TenantID: e.TenantID, SkillID: e.SkillID, Attempt: e.Attempt, Since: since}
	m.mu.Unlock()
}

func (m *Monitor) onCompleted(e domain.TaskEvent) {
	m.mu.Lock()
	delete(m.inflight, e.TaskID)
	m.applyLocked(e.TenantID, e.SkillID, true, e.UsedAlternative, "", e.Duration, m.eventTime(e.At))
	alerts := m.checkAlertsLocked(e.SkillID)
	m.mu.Unlock()
	m.publishAlerts(alerts)
}

func (m *Monitor) onFailed(e domain.TaskEvent) {
	m.mu.Lock()
	delete(m.inflight, e.TaskID)
	var alerts []domain.Alert
	if e.Final {
		m.applyLocked(e.TenantID, e.SkillID, false, false, e.Error, e.Duration, m.eventTime(e.At))
		alerts = m.checkAlertsLocked(e.SkillID)
	} else {
		m.global.retries++
		m.tenantLocked(e.TenantID).c.retries++
		m.skillLocked(e.SkillID).c.retries++
	}
	m.mu.Unlock()
	m.publishAlerts(alerts)
}

func (m *Monitor) onWorkflow(e domain.WorkflowEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch e.Status {
	case domain.WorkflowCompleted:
		m.workflows.Completed++
	case domain.WorkflowPartial:
		m.workflows.Partial++
	case domain.WorkflowFailed:
		m.workflows.Failed++
	}
	t := m.tenantLocked(e.TenantID)
	t.recent = append(t.recent, e)
	if over := len(t.recent) - m.cfg.RecentWorkflows; over > 0 {
		t.recent = append([]domain.WorkflowEvent(nil), t.recent[over:]...)
	}
}

func (m *Monitor) onQueueMetrics(q domain.QueueMetrics) {
	m.mu.Lock()
	m.queues[q.Queue] = q
	m.mu.Unlock()
}

func (m *Monitor) eventTime(at time.Time) time.Time {
	if at.IsZero() {
		return m.now()
	}
	return at
}

func (m *Monitor) tenantLocked(id string) *tenantState {
	t, ok := m.tenants[id]
	if !ok {
		t = &tenantState{c: newCounter()}
		m.tenants[id] = t
	}
	return t
}

func (m *Monitor) skillLocked(id string) *skillState {
	s, ok := m.skills[id]
	if !ok {
		s = &skillState{c: newCounter()}
		m.skills[id] = s
	}
	return s
}

// applyLocked records one terminal outcome in every scope.
func (m *Monitor) applyLocked(tenantID, skillID string, success, usedAlt bool, errMsg string, d time.Duration, at time.Time) {
	window := m.cfg.ThroughputWindow
	m.global.record(success, d, at, window)
	m.tenantLocked(tenantID).c.record(success, d, at, window)
	s := m.skillLocked(skillID)
	s.c.record(success, d, at, window)
	if usedAlt {
		s.alternatives++
	}
	if !success && errMsg != "" {
		for _, known := range s.errors {
			if known == errMsg {
				return
			}
		}
		if len(s.errors) < m.cfg.DistinctErrors {
			s.errors = append(s.errors, errMsg)
		}
	}
}

// checkAlertsLocked raises high error rate alerts for the global and the
// skill scope, each at most once per cooldown.
func (m *Monitor) checkAlertsLocked(skillID string) []domain.Alert {
	now := m.now()
	var out []domain.Alert
	check := func(scope string, c *counter) {
		if c.executions < m.cfg.AlertMinSamples {
			return
		}
		rate := c.errorRate()
		if rate <= m.cfg.AlertErrorRate {
			return
		}
		if last, ok := m.lastAlerts[scope]; ok && now.Sub(last) < m.cfg.AlertCooldown {
			return
		}
		m.lastAlerts[scope] = now
		out = append(out, domain.Alert{
			Kind:    domain.AlertHighErrorRate,
			Scope:   scope,
			Message: "error rate above threshold",
			Value:   rate,
			At:      now,
		})
	}
	check("global", m.global)
	if s, ok := m.skills[skillID]; ok {
		check("skill:"+skillID, s.c)
	}
	return out
}

func (m *Monitor) publishAlerts(alerts []domain.Alert) {
	for _, a := range alerts {
		m.logger.Warn().Str("scope", a.Scope).Float64("error_rate", a.Value).Msg("high error rate")
		if m.bus != nil {
			m.bus.Alerts.Publish(a)
		}
	}
}

// Replay rebuilds the execution counters from history. Counters are reset
// first, so replaying the same results twice gives the same metrics.
// Cancelled and unknown entries are ignored.
func (m *Monitor) Replay(results []domain.TaskResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = newCounter()
	for _, t := range m.tenants {
		t.c = newCounter()
	}
	for _, s := range m.skills {
		s.c = newCounter()
		s.errors = nil
		s.alternatives = 0
	}
	for _, r := range results {
		switch r.Status {
		case domain.TaskCompleted, domain.TaskFailed:
		default:
			continue
		}
		at := r.FinishedAt
		if at.IsZero() {
			at = m.now()
		}
		m.applyLocked(r.TenantID, r.SkillID, r.Succeeded(), r.UsedAlternative, r.Error, r.Duration, at)
	}
	m.logger.Info().Int("results", len(results)).Msg("metrics rebuilt from history")
}

// GetMetrics returns a consolidated snapshot.
func (m *Monitor) GetMetrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	snap := Snapshot{
		Global:    m.global.snapshot(now, m.cfg.ThroughputWindow),
		Tenants:   make(map[string]Counters, len(m.tenants)),
		Skills:    make(map[string]Counters, len(m.skills)),
		Queues:    make(map[string]domain.QueueMetrics, len(m.queues)),
		Workflows: m.workflows,
		InFlight:  len(m.inflight),
		At:        now,
	}
	for id, t := range m.tenants {
		snap.Tenants[id] = t.c.snapshot(now, m.cfg.ThroughputWindow)
	}
	for id, s := range m.skills {
		snap.Skills[id] = s.c.snapshot(now, m.cfg.ThroughputWindow)
	}
	for name, q := range m.queues {
		snap.Queues[name] = q
	}
	snap.Health = m.healthLocked(now, snap.Global)
	return snap
}

// GetLicenseMetrics returns the tenant's counters and recent workflows.
func (m *Monitor) GetLicenseMetrics(tenantID string) (TenantMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return TenantMetrics{}, false
	}
	now := m.now()
	out := TenantMetrics{
		TenantID:        tenantID,
		Counters:        t.c.snapshot(now, m.cfg.ThroughputWindow),
		RecentWorkflows: append([]domain.WorkflowEvent(nil), t.recent...),
	}
	for _, f := range m.inflight {
		if f.TenantID == tenantID {
			out.InFlight++
		}
	}
	return out, true
}

// GetSkillMetrics returns the skill's counters and distinct errors.
func (m *Monitor) GetSkillMetrics(skillID string) (SkillMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[skillID]
	if !ok {
		return SkillMetrics{}, false
	}
	return SkillMetrics{
		SkillID:      skillID,
		Counters:     s.c.snapshot(m.now(), m.cfg.ThroughputWindow),
		Errors:       append([]string(nil), s.errors...),
		Alternatives: s.alternatives,
	}, true
}

// InFlight lists executing tasks, oldest first.
func (m *Monitor) InFlight() []InFlightTask {
	m.mu.Lock()
	out := make([]InFlightTask, 0, len(m.inflight))
	for _, f := range m.inflight {
		out = append(out, f)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}
