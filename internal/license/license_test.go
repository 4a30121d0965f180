package license

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"skillflow/internal/domain"
	"skillflow/internal/storage"
)

func TestValidator_Check(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	store := NewMemoryStore(
		License{Key: "ok", Tier: "pro", Active: true},
		License{Key: "inactive", Active: false},
		License{Key: "expired", Active: true, ExpiresAt: &past},
		License{Key: "limited", Active: true, AllowedSkills: []string{"email.send"}, BlockedSkills: []string{"sms.send"}},
		License{Key: "spent", Active: true, Quota: 5, Used: 5},
	)
	v := NewValidator(store)

	tests := []struct {
		name   string
		tenant string
		skill  string
		reason domain.RejectReason
	}{
		{"valid", "ok", "any.skill", ""},
		{"missing key", "", "any.skill", domain.RejectInvalidLicense},
		{"unknown", "nope", "any.skill", domain.RejectInvalidLicense},
		{"inactive", "inactive", "any.skill", domain.RejectInvalidLicense},
		{"expired", "expired", "any.skill", domain.RejectInvalidLicense},
		{"allowed", "limited", "email.send", ""},
		{"not in allow list", "limited", "pdf.render", domain.RejectSkillBlocked},
		{"quota", "spent", "any.skill", domain.RejectQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(context.Background(), tt.tenant, tt.skill)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("Check: %v", err)
				}
				return
			}
			got, ok := domain.RejectionReason(err)
			if !ok || got != tt.reason {
				t.Fatalf("Check err = %v, want reason %s", err, tt.reason)
			}
		})
	}
}

func TestValidator_RateLimit(t *testing.T) {
	store := NewMemoryStore(License{Key: "t1", Active: true, RateLimit: 1, RateBurst: 2})
	v := NewValidator(store)
	now := time.Now()
	v.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if err := v.Check(context.Background(), "t1", "s"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	err := v.Check(context.Background(), "t1", "s")
	var ce *domain.CapacityError
	if !errors.As(err, &ce) || ce.Reason != domain.RejectRateLimited {
		t.Fatalf("third check err = %v, want rate limited", err)
	}

	now = now.Add(time.Second)
	if err := v.Check(context.Background(), "t1", "s"); err != nil {
		t.Fatalf("check after refill: %v", err)
	}
}

func TestValidator_CheckAll(t *testing.T) {
	store := NewMemoryStore(
		License{Key: "quota", Active: true, Quota: 3, Used: 1},
		License{Key: "lists", Active: true, BlockedSkills: []string{"sms.send"}},
		License{Key: "rate", Active: true, RateLimit: 1, RateBurst: 1},
	)
	v := NewValidator(store)
	now := time.Now()
	v.now = func() time.Time { return now }
	ctx := context.Background()

	if err := v.CheckAll(ctx, "quota", []string{"a", "b"}, 2); err != nil {
		t.Fatalf("two executions within quota: %v", err)
	}
	if got, _ := domain.RejectionReason(v.CheckAll(ctx, "quota", []string{"a", "b", "c"}, 3)); got != domain.RejectQuotaExceeded {
		t.Fatalf("three executions over quota: reason %q", got)
	}
	if got, _ := domain.RejectionReason(v.CheckAll(ctx, "lists", []string{"email.send", "sms.send"}, 2)); got != domain.RejectSkillBlocked {
		t.Fatalf("blocked second skill: reason %q", got)
	}
	// one token covers the whole batch
	if err := v.CheckAll(ctx, "rate", []string{"a", "b", "c"}, 3); err != nil {
		t.Fatalf("batch with burst 1: %v", err)
	}
	if got, _ := domain.RejectionReason(v.CheckAll(ctx, "rate", []string{"a"}, 1)); got != domain.RejectRateLimited {
		t.Fatalf("second batch: reason %q", got)
	}
}

func TestValidator_RecordUsage(t *testing.T) {
	store := NewMemoryStore(License{Key: "t1", Active: true, Quota: 2})
	v := NewValidator(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := v.Check(ctx, "t1", "s"); err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		v.RecordUsage(ctx, "t1")
	}
	if _, ok := domain.RejectionReason(v.Check(ctx, "t1", "s")); !ok {
		t.Fatal("quota should be exhausted after two recorded uses")
	}
}

func TestSQLiteStore(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "skillflow.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	s := NewSQLiteStore(db)
	if _, err := s.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	exp := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	in := License{Key: "t1", Tier: "pro", Active: true, Quota: 10, RateLimit: 2.5, RateBurst: 3,
		AllowedSkills: []string{"a", "b"}, BlockedSkills: []string{"c"}, ExpiresAt: &exp}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.IncrementUsage(ctx, "t1", 2); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Used != 2 || got.Tier != "pro" || got.RateLimit != 2.5 || len(got.AllowedSkills) != 2 || got.BlockedSkills[0] != "c" {
		t.Errorf("Get = %+v", got)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, exp)
	}
	if err := s.IncrementUsage(ctx, "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementUsage missing = %v", err)
	}
}
