package license

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"skillflow/internal/domain"
)

type limiterEntry struct {
	limit   rate.Limit
	burst   int
	limiter *rate.Limiter
}

// Validator checks a submission against the tenant's license. Each tenant
// gets its own token bucket sized from the license.
type Validator struct {
	store Store
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store, now: time.Now, limiters: make(map[string]*limiterEntry)}
}

// Check returns a *domain.ValidationError for a missing, inactive or
// expired license or a skill outside its lists, and a *domain.CapacityError
// when the quota is used up or the rate limit is hit.
func (v *Validator) Check(ctx context.Context, tenantID, skillID string) error {
	return v.CheckAll(ctx, tenantID, []string{skillID}, 1)
}

// CheckAll validates one submission that will run every skill in skillIDs
// and consume executions units of quota. It takes a single rate-limit
// token however many skills are listed.
func (v *Validator) CheckAll(ctx context.Context, tenantID string, skillIDs []string, executions int) error {
	if tenantID == "" {
		return &domain.ValidationError{Reason: domain.RejectInvalidLicense, Field: "tenant_id", Message: "license key is required"}
	}
	l, err := v.store.Get(ctx, tenantID)
	if errors.Is(err, ErrNotFound) {
		return &domain.ValidationError{Reason: domain.RejectInvalidLicense, Field: "tenant_id", Message: "unknown license"}
	}
	if err != nil {
		return fmt.Errorf("load license %s: %w", tenantID, err)
	}

	now := v.now()
	switch {
	case !l.Active:
		return &domain.ValidationError{Reason: domain.RejectInvalidLicense, Field: "tenant_id", Message: "license is inactive"}
	case l.Expired(now):
		return &domain.ValidationError{Reason: domain.RejectInvalidLicense, Field: "tenant_id", Message: "license expired"}
	}
	for _, skillID := range skillIDs {
		if !l.Allows(skillID) {
			return &domain.ValidationError{Reason: domain.RejectSkillBlocked, Field: "skill_id", Message: fmt.Sprintf("skill %s is not allowed for tier %s", skillID, l.Tier)}
		}
	}
	if executions < 1 {
		executions = 1
	}
	if l.Quota > 0 && l.Used+int64(executions) > l.Quota {
		return &domain.CapacityError{Reason: domain.RejectQuotaExceeded, TenantID: tenantID, Message: fmt.Sprintf("quota of %d executions used (%d used, %d requested)", l.Quota, l.Used, executions)}
	}

	if lim := v.limiter(l); lim != nil && !lim.AllowN(now, 1) {
		return &domain.CapacityError{Reason: domain.RejectRateLimited, TenantID: tenantID, Message: fmt.Sprintf("rate limit of %.2f/s exceeded", l.RateLimit)}
	}
	return nil
}

// RecordUsage bumps the tenant's usage counter. Failures are logged only;
// the submission already happened.
func (v *Validator) RecordUsage(ctx context.Context, tenantID string) {
	if err := v.store.IncrementUsage(ctx, tenantID, 1); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to record license usage")
	}
}

func (v *Validator) limiter(l License) *rate.Limiter {
	if l.RateLimit <= 0 {
		return nil
	}
	limit := rate.Limit(l.RateLimit)
	burst := l.RateBurst
	if burst <= 0 {
		burst = 1
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.limiters[l.Key]
	if !ok || e.limit != limit || e.burst != burst {
		e = &limiterEntry{limit: limit, burst: burst, limiter: rate.NewLimiter(limit, burst)}
		v.limiters[l.Key] = e
	}
	return e.limiter
}
