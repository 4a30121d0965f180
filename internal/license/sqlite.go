package license

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// SQLiteStore reads licenses from the licenses table created by
// storage.EnsureSchema.
type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

func (s *SQLiteStore) Get(ctx context.Context, key string) (License, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT license_key, tier, active, quota, used, rate_limit, rate_burst, allowed_skills, blocked_skills, expires_at
FROM licenses WHERE license_key = ?`, key)

	var (
		l                License
		allowed, blocked string
		expires          sql.NullTime
	)
	err := row.Scan(&l.Key, &l.Tier, &l.Active, &l.Quota, &l.Used, &l.RateLimit, &l.RateBurst, &allowed, &blocked, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return License{}, ErrNotFound
	}
	if err != nil {
		return License{}, err
	}
	l.AllowedSkills = splitList(allowed)
	l.BlockedSkills = splitList(blocked)
	if expires.Valid {
		t := expires.Time
		l.ExpiresAt = &t
	}
	return l, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, key string, n int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE licenses SET used = used + ?, updated_at = CURRENT_TIMESTAMP WHERE license_key = ?`, n, key)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Put inserts or replaces a license. Used for seeding from config.
func (s *SQLiteStore) Put(ctx context.Context, l License) error {
	var expires any
	if l.ExpiresAt != nil {
		expires = l.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO licenses (license_key, tier, active, quota, used, rate_limit, rate_burst, allowed_skills, blocked_skills, expires_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(license_key) DO UPDATE SET
  tier = excluded.tier,
  active = excluded.active,
  quota = excluded.quota,
  rate_limit = excluded.rate_limit,
  rate_burst = excluded.rate_burst,
  allowed_skills = excluded.allowed_skills,
  blocked_skills = excluded.blocked_skills,
  expires_at = excluded.expires_at,
  updated_at = CURRENT_TIMESTAMP
`, l.Key, l.Tier, l.Active, l.Quota, l.Used, l.RateLimit, l.RateBurst,
		strings.Join(l.AllowedSkills, ","), strings.Join(l.BlockedSkills, ","), expires, time.Now().UTC())
	return err
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
