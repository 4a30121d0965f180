package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"skillflow/internal/domain"
	"skillflow/internal/storage"
)

func TestEngine_SnapshotRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	first := NewEngine("skills", testOptions(), store, nil)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	low, _ := first.Add("noop", 1, WithPriority(domain.PriorityLow))
	high, _ := first.Add("noop", 2, WithPriority(domain.PriorityHigh))
	delayed, _ := first.Add("noop", 3, WithDelay(time.Hour))
	if err := first.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := NewEngine("skills", testOptions(), store, nil)
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer second.Close(context.Background())

	waiting := second.Waiting()
	if len(waiting) != 2 || waiting[0] != high.ID || waiting[1] != low.ID {
		t.Errorf("restored waiting = %v, want [%s %s]", waiting, high.ID, low.ID)
	}
	got, ok := second.Get(delayed.ID)
	if !ok || got.Status != domain.JobDelayed || got.DelayUntil == nil {
		t.Errorf("restored delayed job = %+v, ok=%v", got, ok)
	}
}

func TestEngine_RestoreRequeuesActiveJobs(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	now := time.Now()
	err := store.Save(context.Background(), &Snapshot{
		Name: "skills",
		Jobs: []domain.Job{
			{ID: "job_a", Name: "noop", Status: domain.JobActive, MaxAttempts: 3, ProcessedAt: &now, Seq: 1},
			{ID: "job_f", Name: "noop", Status: domain.JobFailed, MaxAttempts: 3, Seq: 2},
		},
		Metrics:   domain.QueueMetrics{TotalFailed: 4},
		Timestamp: now,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	e := NewEngine("skills", testOptions(), store, nil)
	_ = e.Start(context.Background())
	defer e.Close(context.Background())

	if got, _ := e.Get("job_a"); got.Status != domain.JobWaiting {
		t.Errorf("active job restored as %s, want waiting", got.Status)
	}
	if got, _ := e.Get("job_f"); got.Status != domain.JobFailed {
		t.Errorf("failed job restored as %s", got.Status)
	}
	if m := e.Metrics(); m.TotalFailed != 4 {
		t.Errorf("TotalFailed = %d, want 4 carried from snapshot", m.TotalFailed)
	}
}

func TestEngine_CorruptSnapshotStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir)
	if err := os.WriteFile(filepath.Join(dir, "skills.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEngine("skills", testOptions(), store, nil)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start should tolerate a corrupt snapshot: %v", err)
	}
	defer e.Close(context.Background())
	if n := len(e.Jobs("")); n != 0 {
		t.Errorf("jobs = %d, want 0", n)
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	store, _ := NewFileStore(t.TempDir())
	snap, err := store.Load(context.Background(), "nothing/here")
	if err != nil || snap != nil {
		t.Errorf("Load(missing) = %v, %v; want nil, nil", snap, err)
	}
}

func TestSQLiteStore_SaveLoadList(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	store := NewSQLiteStore(db)
	ctx := context.Background()

	if snap, err := store.Load(ctx, "skills"); err != nil || snap != nil {
		t.Fatalf("Load(empty) = %v, %v", snap, err)
	}
	for i := 0; i < 2; i++ {
		snap := &Snapshot{Name: "skills", Jobs: make([]domain.Job, i+1), Timestamp: time.Now()}
		if err := store.Save(ctx, snap); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	got, err := store.Load(ctx, "skills")
	if err != nil || got == nil || len(got.Jobs) != 2 {
		t.Fatalf("Load = %+v, %v; want the second save", got, err)
	}
	infos, err := store.List(ctx)
	if err != nil || len(infos) != 1 || infos[0].JobCount != 2 {
		t.Errorf("List = %+v, %v", infos, err)
	}
}

func TestRedisStore_SaveLoad(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: redis not reachable at %s: %v", addr, err)
	}

	prefix := "skillflow:test:" + time.Now().Format("150405.000000") + ":"
	store := NewRedisStore(client, prefix)
	defer client.Del(context.Background(), prefix+"skills")

	if snap, err := store.Load(ctx, "skills"); err != nil || snap != nil {
		t.Fatalf("Load(empty) = %v, %v", snap, err)
	}
	if err := store.Save(ctx, &Snapshot{Name: "skills", Jobs: []domain.Job{{ID: "job_1"}}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load(ctx, "skills")
	if err != nil || got == nil || len(got.Jobs) != 1 || got.Jobs[0].ID != "job_1" {
		t.Errorf("Load = %+v, %v", got, err)
	}
}
