package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"skillflow/internal/domain"
	"skillflow/internal/event"
)

func testOptions() Options {
	o := DefaultOptions()
	o.Concurrency = 1
	o.PromoteInterval = 10 * time.Millisecond
	o.IdleBackoff = 5 * time.Millisecond
	o.DefaultBackoff = 5 * time.Millisecond
	o.SnapshotInterval = 0
	return o
}

func startEngine(t *testing.T, opts Options, store SnapshotStore) *Engine {
	t.Helper()
	e := NewEngine("test", opts, store, event.NewBus())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

type recorder struct {
	mu    sync.Mutex
	order []int
}

func (r *recorder) process(_ context.Context, j domain.Job) (json.RawMessage, error) {
	var n int
	if err := json.Unmarshal(j.Payload, &n); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.order = append(r.order, n)
	r.mu.Unlock()
	return j.Payload, nil
}

func (r *recorder) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

func TestEngine_PriorityOrdering(t *testing.T) {
	e := startEngine(t, testOptions(), nil)
	rec := &recorder{}
	e.Process("job", 1, rec.process)

	e.Pause()
	for _, p := range []int{domain.PriorityLow, domain.PriorityCritical, domain.PriorityNormal, domain.PriorityHigh} {
		if _, err := e.Add("job", p, WithPriority(p)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	e.Resume()

	waitFor(t, 2*time.Second, func() bool { return len(rec.seen()) == 4 })
	want := []int{domain.PriorityCritical, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}
	got := rec.seen()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestEngine_FIFOTieBreak(t *testing.T) {
	e := startEngine(t, testOptions(), nil)
	rec := &recorder{}
	e.Process("job", 1, rec.process)

	e.Pause()
	for i := 0; i < 5; i++ {
		if _, err := e.Add("job", i); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if got := len(e.Jobs(domain.JobPaused)); got != 5 {
		t.Fatalf("paused jobs = %d, want 5", got)
	}
	e.Resume()

	waitFor(t, 2*time.Second, func() bool { return len(rec.seen()) == 5 })
	for i, n := range rec.seen() {
		if n != i {
			t.Fatalf("order = %v, want ascending", rec.seen())
		}
	}
}

func TestEngine_RetryTermination(t *testing.T) {
	e := startEngine(t, testOptions(), nil)
	var calls atomic.Int32
	e.Process("flaky", 1, func(context.Context, domain.Job) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("always fails")
	})

	j, err := e.Add("flaky", nil, WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		got, ok := e.Get(j.ID)
		return ok && got.Status == domain.JobFailed
	})
	got, _ := e.Get(j.ID)
	if got.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", got.Attempts)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("handler calls = %d, want 3 (initial + 2 retries)", n)
	}
	if got.Error != "always fails" {
		t.Errorf("Error = %q", got.Error)
	}
	if got.FailedAt == nil {
		t.Error("FailedAt not set")
	}
	if m := e.Metrics(); m.TotalFailed != 1 || m.ErrorRate != 1 {
		t.Errorf("metrics = %+v, want one failure and error rate 1", m)
	}
}

func TestEngine_LinearBackoffBetweenAttempts(t *testing.T) {
	opts := testOptions()
	opts.DefaultBackoff = 40 * time.Millisecond
	e := startEngine(t, opts, nil)

	var (
		mu    sync.Mutex
		times []time.Time
	)
	e.Process("flaky", 1, func(context.Context, domain.Job) (json.RawMessage, error) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		return nil, errors.New("nope")
	})
	j, _ := e.Add("flaky", nil, WithMaxAttempts(3))
	waitFor(t, 2*time.Second, func() bool {
		got, _ := e.Get(j.ID)
		return got.Status == domain.JobFailed
	})

	mu.Lock()
	defer mu.Unlock()
	if gap := times[1].Sub(times[0]); gap < 40*time.Millisecond {
		t.Errorf("first retry after %v, want >= 40ms", gap)
	}
	if gap := times[2].Sub(times[1]); gap < 80*time.Millisecond {
		t.Errorf("second retry after %v, want >= 80ms", gap)
	}
}

func TestEngine_DelayCorrectness(t *testing.T) {
	opts := testOptions()
	opts.PromoteInterval = 20 * time.Millisecond
	e := startEngine(t, opts, nil)

	const delay = 150 * time.Millisecond
	added := time.Now()
	j, err := e.Add("unprocessed", nil, WithDelay(delay))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if j.Status != domain.JobDelayed || j.DelayUntil == nil {
		t.Fatalf("job = %+v, want delayed with DelayUntil", j)
	}

	var appeared time.Time
	waitFor(t, time.Second, func() bool {
		for _, id := range e.Waiting() {
			if id == j.ID {
				appeared = time.Now()
				return true
			}
		}
		return false
	})
	if appeared.Sub(added) < delay {
		t.Errorf("job entered waiting after %v, before its delay of %v", appeared.Sub(added), delay)
	}
	if late := appeared.Sub(added) - delay; late > 3*opts.PromoteInterval+50*time.Millisecond {
		t.Errorf("job promoted %v after its delay, want within about one tick", late)
	}
}

func TestEngine_TenJobsTwoWorkers(t *testing.T) {
	opts := testOptions()
	opts.Concurrency = 2
	e := startEngine(t, opts, nil)
	e.Process("work", 2, func(context.Context, domain.Job) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		return json.RawMessage(`{"ok":true}`), nil
	})

	start := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := e.Add("work", i); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return e.Metrics().TotalCompleted == 10 })
	elapsed := time.Since(start)

	if elapsed < 250*time.Millisecond {
		t.Errorf("finished in %v, faster than two workers allow", elapsed)
	}
	if elapsed > time.Second {
		t.Errorf("finished in %v, want roughly 250-500ms", elapsed)
	}
	m := e.Metrics()
	if m.ErrorRate != 0 {
		t.Errorf("ErrorRate = %v, want 0", m.ErrorRate)
	}
	if m.Completed != 0 {
		t.Errorf("Completed in table = %d, want 0 with remove-on-complete", m.Completed)
	}
	if m.Throughput != 60 {
		t.Errorf("Throughput = %v, want 60 (10 completions in window x6)", m.Throughput)
	}
	if m.AverageDuration < 50*time.Millisecond {
		t.Errorf("AverageDuration = %v, want >= 50ms", m.AverageDuration)
	}
}

func TestEngine_KeepOnComplete(t *testing.T) {
	e := startEngine(t, testOptions(), nil)
	e.Process(Wildcard, 0, func(_ context.Context, j domain.Job) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})

	kept, _ := e.Add("a", nil, KeepOnComplete(), WithCorrelationID("tsk_1"))
	dropped, _ := e.Add("b", nil)

	waitFor(t, time.Second, func() bool { return e.Metrics().TotalCompleted == 2 })
	got, ok := e.Get(kept.ID)
	if !ok || got.Status != domain.JobCompleted || string(got.Result) != `"done"` {
		t.Fatalf("kept job = %+v, ok=%v", got, ok)
	}
	if got.CompletedAt == nil || got.ProcessedAt == nil {
		t.Error("timestamps not set")
	}
	if _, ok := e.Get(dropped.ID); ok {
		t.Error("job without KeepOnComplete should be removed after completion")
	}
	if found, ok := e.FindByCorrelation("tsk_1"); !ok || found.ID != kept.ID {
		t.Errorf("FindByCorrelation = %+v, %v", found, ok)
	}
}

func TestEngine_CancelAndClear(t *testing.T) {
	e := startEngine(t, testOptions(), nil)
	release := make(chan struct{})
	e.Process("block", 1, func(context.Context, domain.Job) (json.RawMessage, error) {
		<-release
		return nil, nil
	})

	active, _ := e.Add("block", nil)
	waitFor(t, time.Second, func() bool {
		j, _ := e.Get(active.ID)
		return j.Status == domain.JobActive
	})
	if _, err := e.Cancel(active.ID); !errors.Is(err, domain.ErrNotCancellable) {
		t.Errorf("Cancel(active) err = %v, want ErrNotCancellable", err)
	}

	waiting, _ := e.Add("block", nil, WithCorrelationID("tsk_w"))
	delayed, _ := e.Add("block", nil, WithDelay(time.Hour))
	if _, err := e.CancelByCorrelation("tsk_w"); err != nil {
		t.Errorf("CancelByCorrelation: %v", err)
	}
	if _, ok := e.Get(waiting.ID); ok {
		t.Error("cancelled job still present")
	}
	if _, err := e.Cancel("job_missing"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Cancel(missing) err = %v", err)
	}

	if n := e.Clear(domain.JobDelayed); n != 1 {
		t.Errorf("Clear(delayed) = %d, want 1", n)
	}
	if _, ok := e.Get(delayed.ID); ok {
		t.Error("delayed job survived Clear")
	}
	if n := e.Clear(""); n != 0 {
		t.Errorf("Clear(all) removed %d jobs, active jobs must survive", n)
	}
	close(release)
}

func TestEngine_AddValidation(t *testing.T) {
	e := startEngine(t, testOptions(), nil)
	var ve *domain.ValidationError
	if _, err := e.Add("", nil); !errors.As(err, &ve) {
		t.Errorf("Add with empty name err = %v, want ValidationError", err)
	}
	if _, err := e.Add("x", json.RawMessage(`{bad`)); !errors.As(err, &ve) {
		t.Errorf("Add with invalid JSON err = %v, want ValidationError", err)
	}
	j, err := e.Add("x", map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if j.MaxAttempts != 3 || j.Priority != domain.PriorityNormal {
		t.Errorf("defaults = attempts %d priority %d, want 3 and NORMAL", j.MaxAttempts, j.Priority)
	}
}

func TestEngine_PublishesMetrics(t *testing.T) {
	bus := event.NewBus()
	var got atomic.Int32
	bus.MetricsUpdated.Subscribe(func(m domain.QueueMetrics) {
		if m.Queue == "observed" {
			got.Add(1)
		}
	})
	e := NewEngine("observed", testOptions(), nil, bus)
	_ = e.Start(context.Background())
	defer e.Close(context.Background())

	_, _ = e.Add("x", nil)
	if got.Load() == 0 {
		t.Fatal("no metrics:updated event after Add")
	}
}

func TestEngine_AddAfterClose(t *testing.T) {
	e := NewEngine("closed", testOptions(), nil, nil)
	_ = e.Start(context.Background())
	_ = e.Close(context.Background())
	if _, err := e.Add("x", nil); !errors.Is(err, domain.ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}
