package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"skillflow/internal/domain"
)

// Snapshot is the persisted form of one queue.
type Snapshot struct {
	Name      string              `json:"name"`
	Jobs      []domain.Job        `json:"jobs"`
	Metrics   domain.QueueMetrics `json:"metrics"`
	Timestamp time.Time           `json:"timestamp"`
}

// SnapshotStore saves and loads queue snapshots. Load returns a nil
// snapshot and no error when the queue was never saved.
type SnapshotStore interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context, name string) (*Snapshot, error)
}

// FileStore keeps one JSON document per queue in a directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, unsafeName.ReplaceAllString(name, "_")+".json")
}

// Save writes through a temp file and rename so readers never see a
// partially written snapshot.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(snap.Name))
}

func (s *FileStore) Load(_ context.Context, name string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Snapshot serializes the whole job table to the store.
func (e *Engine) Snapshot(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	now := time.Now()
	e.mu.Lock()
	snap := &Snapshot{
		Name:      e.name,
		Jobs:      make([]domain.Job, 0, len(e.jobs)),
		Metrics:   e.metricsLocked(now),
		Timestamp: now,
	}
	for _, j := range e.jobs {
		snap.Jobs = append(snap.Jobs, j.Clone())
	}
	e.mu.Unlock()
	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].Seq < snap.Jobs[b].Seq })

	if err := e.store.Save(ctx, snap); err != nil {
		perr := &domain.PersistenceError{Op: "save", Queue: e.name, Err: err}
		e.logger.Error().Err(perr).Msg("snapshot failed")
		return perr
	}
	e.logger.Debug().Int("jobs", len(snap.Jobs)).Msg("snapshot saved")
	return nil
}

func (e *Engine) snapshotLoop() {
	defer e.loops.Done()
	t := time.NewTicker(e.opts.SnapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-t.C:
			_ = e.Snapshot(e.ctx)
		}
	}
}

// restore reloads the last snapshot. A load failure leaves the engine empty.
// Jobs that were active when the snapshot was taken go back to waiting, so
// their handler may run twice.
func (e *Engine) restore(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap, err := e.store.Load(ctx, e.name)
	if err != nil {
		e.logger.Error().Err(&domain.PersistenceError{Op: "load", Queue: e.name, Err: err}).Msg("starting with an empty queue")
		return
	}
	if snap == nil {
		return
	}

	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].Seq < snap.Jobs[b].Seq })

	now := time.Now()
	recovered := 0
	e.mu.Lock()
	for i := range snap.Jobs {
		j := snap.Jobs[i]
		if j.ID == "" {
			continue
		}
		e.jobs[j.ID] = &j
		switch j.Status {
		case domain.JobWaiting, domain.JobPaused:
			e.enqueueLocked(&j)
		case domain.JobActive:
			j.ProcessedAt = nil
			e.enqueueLocked(&j)
			recovered++
		case domain.JobDelayed:
			if j.DelayUntil == nil {
				j.DelayUntil = &now
			}
			e.delayed[j.ID] = struct{}{}
		}
	}
	e.stats.totalCompleted = snap.Metrics.TotalCompleted
	e.stats.totalFailed = snap.Metrics.TotalFailed
	restored := len(e.jobs)
	e.mu.Unlock()

	e.logger.Info().
		Int("jobs", restored).
		Int("requeued_active", recovered).
		Time("snapshot_at", snap.Timestamp).
		Msg("snapshot restored")
}
