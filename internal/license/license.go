// Package license reads tenant licenses and enforces their skill lists,
// quota and rate limit at submit time.
package license

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("license: not found")

// License is a tenant's entitlement record. Quota 0 means unlimited and
// RateLimit 0 disables rate limiting.
type License struct {
	Key           string     `json:"key"`
	Tier          string     `json:"tier"`
	Active        bool       `json:"active"`
	Quota         int64      `json:"quota"`
	Used          int64      `json:"used"`
	RateLimit     float64    `json:"rate_limit"` // submissions per second
	RateBurst     int        `json:"rate_burst"`
	AllowedSkills []string   `json:"allowed_skills,omitempty"`
	BlockedSkills []string   `json:"blocked_skills,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the license has an expiry in the past.
func (l License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Allows reports whether skillID passes the allow and block lists. An
// empty allow list allows every skill that is not blocked.
func (l License) Allows(skillID string) bool {
	for _, s := range l.BlockedSkills {
		if s == skillID {
			return false
		}
	}
	if len(l.AllowedSkills) == 0 {
		return true
	}
	for _, s := range l.AllowedSkills {
		if s == skillID || s == "*" {
			return true
		}
	}
	return false
}

// Store is the external license record store. The core only reads
// licenses and bumps usage counters.
type Store interface {
	Get(ctx context.Context, key string) (License, error)
	IncrementUsage(ctx context.Context, key string, n int64) error
}

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu       sync.RWMutex
	licenses map[string]License
}

func NewMemoryStore(licenses ...License) *MemoryStore {
	s := &MemoryStore{licenses: make(map[string]License, len(licenses))}
	for _, l := range licenses {
		s.licenses[l.Key] = l
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, l License) error {
	s.mu.Lock()
	s.licenses[l.Key] = l
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.licenses[key]
	if !ok {
		return License{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, key string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[key]
	if !ok {
		return ErrNotFound
	}
	l.Used += n
	s.licenses[key] = l
	return nil
}
