package monitor

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"skillflow/internal/domain"
	"skillflow/internal/event"
)

func newMonitor(t *testing.T, cfg Config) (*Monitor, *event.Bus, time.Time) {
	t.Helper()
	bus := event.NewBus()
	m := New(bus, cfg)
	t.Cleanup(m.Close)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, bus, now
}

func TestReplay_Idempotent(t *testing.T) {
	m, _, now := newMonitor(t, Config{})
	results := []domain.TaskResult{
		{TaskID: "t1", TenantID: "lic_1", SkillID: "a", Status: domain.TaskCompleted, Duration: 100 * time.Millisecond, FinishedAt: now},
		{TaskID: "t2", TenantID: "lic_1", SkillID: "a", Status: domain.TaskCompleted, Duration: 300 * time.Millisecond, FinishedAt: now},
		{TaskID: "t3", TenantID: "lic_2", SkillID: "a", Status: domain.TaskCompleted, Duration: 200 * time.Millisecond, FinishedAt: now},
		{TaskID: "t4", TenantID: "lic_2", SkillID: "b", Status: domain.TaskFailed, Error: "boom", FinishedAt: now},
		{TaskID: "t5", TenantID: "lic_2", SkillID: "b", Status: domain.TaskCancelled, FinishedAt: now},
	}

	m.Replay(results)
	first := m.GetMetrics()
	m.Replay(results)
	second := m.GetMetrics()

	if first.Global != second.Global {
		t.Fatalf("replay not idempotent:\n%+v\n%+v", first.Global, second.Global)
	}
	g := second.Global
	if g.Executions != 4 || g.Failures != 1 || g.ErrorRate != 0.25 {
		t.Errorf("global = %+v", g)
	}
	if g.AverageDuration != 150*time.Millisecond {
		t.Errorf("average = %s", g.AverageDuration)
	}
	if second.Tenants["lic_2"].Executions != 2 {
		t.Errorf("tenant lic_2 = %+v", second.Tenants["lic_2"])
	}
	sm, ok := m.GetSkillMetrics("b")
	if !ok || len(sm.Errors) != 1 || sm.Errors[0] != "boom" {
		t.Errorf("skill b = %+v", sm)
	}
}

func TestMonitor_TaskEvents(t *testing.T) {
	m, bus, now := newMonitor(t, Config{})

	bus.TaskActive.Publish(domain.TaskEvent{TaskID: "t1", TenantID: "lic_1", SkillID: "a", Attempt: 1, At: now})
	if got := len(m.InFlight()); got != 1 {
		t.Fatalf("in flight = %d", got)
	}
	bus.TaskFailed.Publish(domain.TaskEvent{TaskID: "t1", TenantID: "lic_1", SkillID: "a", Attempt: 1, Error: "flaky", At: now})
	bus.TaskActive.Publish(domain.TaskEvent{TaskID: "t1", TenantID: "lic_1", SkillID: "a", Attempt: 2, At: now})
	bus.TaskCompleted.Publish(domain.TaskEvent{TaskID: "t1", TenantID: "lic_1", SkillID: "a", Attempt: 2, UsedAlternative: true, Duration: time.Second, At: now})
	bus.TaskFailed.Publish(domain.TaskEvent{TaskID: "t2", TenantID: "lic_1", SkillID: "a", Attempt: 3, Final: true, Error: "dead", At: now})

	snap := m.GetMetrics()
	if snap.InFlight != 0 {
		t.Errorf("in flight = %d", snap.InFlight)
	}
	g := snap.Global
	if g.Executions != 2 || g.Successes != 1 || g.Failures != 1 || g.Retries != 1 {
		t.Errorf("global = %+v", g)
	}
	if g.Throughput != 2 {
		t.Errorf("throughput = %v, want 2/min", g.Throughput)
	}
	sm, _ := m.GetSkillMetrics("a")
	if sm.Alternatives != 1 || len(sm.Errors) != 1 || sm.Errors[0] != "dead" {
		t.Errorf("skill = %+v", sm)
	}
	if _, ok := m.GetLicenseMetrics("nobody"); ok {
		t.Error("unknown tenant reported metrics")
	}
}

func TestMonitor_QueueMetrics(t *testing.T) {
	m, bus, _ := newMonitor(t, Config{})
	bus.MetricsUpdated.Publish(domain.QueueMetrics{Queue: "skills", Waiting: 3})
	bus.MetricsUpdated.Publish(domain.QueueMetrics{Queue: "skills", Waiting: 1})
	if q := m.GetMetrics().Queues["skills"]; q.Waiting != 1 {
		t.Errorf("queue = %+v", q)
	}
}

func TestMonitor_RecentWorkflowsCapped(t *testing.T) {
	m, bus, _ := newMonitor(t, Config{RecentWorkflows: 2})
	for _, e := range []domain.WorkflowEvent{
		{WorkflowID: "w1", TenantID: "lic_1", Status: domain.WorkflowCompleted},
		{WorkflowID: "w2", TenantID: "lic_1", Status: domain.WorkflowPartial},
		{WorkflowID: "w3", TenantID: "lic_1", Status: domain.WorkflowFailed},
	} {
		bus.WorkflowCompleted.Publish(e)
	}
	tm, ok := m.GetLicenseMetrics("lic_1")
	if !ok || len(tm.RecentWorkflows) != 2 || tm.RecentWorkflows[1].WorkflowID != "w3" {
		t.Fatalf("tenant = %+v", tm)
	}
	if w := m.GetMetrics().Workflows; w != (WorkflowCounts{Completed: 1, Partial: 1, Failed: 1}) {
		t.Errorf("workflows = %+v", w)
	}
}

func TestGetHealthStatus(t *testing.T) {
	tests := []struct {
		name  string
		feed  func(bus *event.Bus, now time.Time)
		want  HealthStatus
		issue string
	}{
		{
			name: "healthy",
			feed: func(bus *event.Bus, now time.Time) {
				for i := 0; i < 10; i++ {
					bus.TaskCompleted.Publish(domain.TaskEvent{SkillID: "a", At: now})
				}
			},
			want: Healthy,
		},
		{
			name: "elevated error rate",
			feed: func(bus *event.Bus, now time.Time) {
				for i := 0; i < 17; i++ {
					bus.TaskCompleted.Publish(domain.TaskEvent{SkillID: "a", At: now})
				}
				for i := 0; i < 3; i++ {
					bus.TaskFailed.Publish(domain.TaskEvent{SkillID: "a", Final: true, At: now})
				}
			},
			want:  Warning,
			issue: "error rate",
		},
		{
			name: "high error rate",
			feed: func(bus *event.Bus, now time.Time) {
				for i := 0; i < 3; i++ {
					bus.TaskCompleted.Publish(domain.TaskEvent{SkillID: "a", At: now})
				}
				bus.TaskFailed.Publish(domain.TaskEvent{SkillID: "a", Final: true, At: now})
			},
			want:  Critical,
			issue: "error rate",
		},
		{
			name: "stalled with work in flight",
			feed: func(bus *event.Bus, now time.Time) {
				for i := 0; i < 10; i++ {
					bus.TaskActive.Publish(domain.TaskEvent{TaskID: string(rune('a' + i)), At: now})
				}
			},
			want:  Critical,
			issue: "no throughput",
		},
		{
			name: "slow tasks",
			feed: func(bus *event.Bus, now time.Time) {
				bus.TaskCompleted.Publish(domain.TaskEvent{SkillID: "a", Duration: 45 * time.Second, At: now})
			},
			want:  Warning,
			issue: "average duration",
		},
		{
			name: "stuck task",
			feed: func(bus *event.Bus, now time.Time) {
				bus.TaskCompleted.Publish(domain.TaskEvent{TaskID: "done", SkillID: "a", At: now})
				bus.TaskActive.Publish(domain.TaskEvent{TaskID: "old", At: now.Add(-10 * time.Minute)})
			},
			want:  Warning,
			issue: "stuck",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, bus, now := newMonitor(t, Config{})
			tt.feed(bus, now)
			h := m.GetHealthStatus()
			if h.Status != tt.want {
				t.Fatalf("status = %s, want %s (issues %v)", h.Status, tt.want, h.Issues)
			}
			if tt.issue == "" {
				if len(h.Issues) != 0 {
					t.Errorf("issues = %v", h.Issues)
				}
				return
			}
			found := false
			for _, is := range h.Issues {
				if strings.Contains(is, tt.issue) {
					found = true
				}
			}
			if !found {
				t.Errorf("issues %v missing %q", h.Issues, tt.issue)
			}
		})
	}
}

func TestMonitor_HighErrorRateAlert(t *testing.T) {
	_, bus, now := newMonitor(t, Config{AlertMinSamples: 4, AlertCooldown: time.Hour})
	var global atomic.Int32
	bus.Alerts.Subscribe(func(a domain.Alert) {
		if a.Kind == domain.AlertHighErrorRate && a.Scope == "global" {
			global.Add(1)
		}
	})
	for i := 0; i < 3; i++ {
		bus.TaskFailed.Publish(domain.TaskEvent{SkillID: "a", Final: true, At: now})
	}
	if global.Load() != 0 {
		t.Fatal("alert raised below the minimum sample count")
	}
	for i := 0; i < 5; i++ {
		bus.TaskFailed.Publish(domain.TaskEvent{SkillID: "a", Final: true, At: now})
	}
	if global.Load() != 1 {
		t.Errorf("global alerts = %d, want 1 inside the cooldown", global.Load())
	}
}

func TestMonitor_PublishesUpdates(t *testing.T) {
	m, _, _ := newMonitor(t, Config{UpdateInterval: 10 * time.Millisecond})
	ch, unsub := m.Updates().SubscribeChan(1)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	select {
	case snap := <-ch:
		if snap.Health.Status != Healthy {
			t.Errorf("health = %+v", snap.Health)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no monitor:update published")
	}
}
