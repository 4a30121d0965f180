package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// SQLiteStore keeps snapshots as JSON blobs in the queue_snapshots table
// created by storage.EnsureSchema.
type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue_snapshots (name, data, job_count, taken_at, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(name) DO UPDATE SET
  data = excluded.data,
  job_count = excluded.job_count,
  taken_at = excluded.taken_at,
  updated_at = CURRENT_TIMESTAMP
`, snap.Name, data, len(snap.Jobs), snap.Timestamp.UTC())
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, name string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM queue_snapshots WHERE name = ?`, name)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SnapshotInfo describes one stored snapshot without decoding it.
type SnapshotInfo struct {
	Name     string    `json:"name"`
	JobCount int       `json:"job_count"`
	TakenAt  time.Time `json:"taken_at"`
}

// List returns every stored snapshot, by name.
func (s *SQLiteStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, job_count, taken_at FROM queue_snapshots ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.Name, &info.JobCount, &info.TakenAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}
