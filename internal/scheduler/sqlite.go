package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"skillflow/internal/domain"
)

// SQLiteStore keeps definitions in the schedules table created by
// storage.EnsureSchema. The full definition is stored as JSON; the other
// columns exist for querying.
type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) Save(ctx context.Context, def domain.ScheduleDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO schedules (id, tenant_id, skill_id, status, enabled, next_run, definition, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  enabled = excluded.enabled,
  next_run = excluded.next_run,
  definition = excluded.definition,
  updated_at = excluded.updated_at
`, def.ID, def.TenantID, def.SkillID, string(def.Status), def.Enabled, def.NextRun.UTC(), data, def.CreatedAt.UTC(), def.UpdatedAt.UTC())
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (domain.ScheduleDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT definition FROM schedules WHERE id = ?`, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ScheduleDefinition{}, domain.ErrScheduleNotFound
		}
		return domain.ScheduleDefinition{}, err
	}
	var def domain.ScheduleDefinition
	err := json.Unmarshal(data, &def)
	return def, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// List returns every stored definition ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.ScheduleDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduleDefinition
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var def domain.ScheduleDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}
