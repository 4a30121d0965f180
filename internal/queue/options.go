package queue

import (
	"time"

	"skillflow/internal/domain"
)

// Options configure one engine.
type Options struct {
	Concurrency        int
	DefaultMaxAttempts int
	DefaultBackoff     time.Duration
	Backoff            Backoff
	// PromoteInterval is how often delayed jobs are checked. Capped at 1s.
	PromoteInterval time.Duration
	// IdleBackoff bounds how long the dispatcher sleeps when nothing can run.
	IdleBackoff      time.Duration
	SnapshotInterval time.Duration
	JobTimeout       time.Duration
	RemoveOnComplete bool
}

func DefaultOptions() Options {
	return Options{
		Concurrency:        4,
		DefaultMaxAttempts: 3,
		DefaultBackoff:     time.Second,
		Backoff:            Linear{},
		PromoteInterval:    time.Second,
		IdleBackoff:        50 * time.Millisecond,
		SnapshotInterval:   5 * time.Second,
		JobTimeout:         5 * time.Minute,
		RemoveOnComplete:   true,
	}
}

func (o *Options) normalize() {
	d := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = d.DefaultMaxAttempts
	}
	if o.DefaultBackoff < 0 {
		o.DefaultBackoff = 0
	}
	if o.Backoff == nil {
		o.Backoff = d.Backoff
	}
	if o.PromoteInterval <= 0 || o.PromoteInterval > time.Second {
		o.PromoteInterval = d.PromoteInterval
	}
	if o.IdleBackoff <= 0 {
		o.IdleBackoff = d.IdleBackoff
	}
}

type addOptions struct {
	jobID          string
	priority       int
	delay          time.Duration
	maxAttempts    int
	backoff        *time.Duration
	tenantID       string
	correlationID  string
	keepOnComplete bool
}

// AddOption customizes a single Add call.
type AddOption func(*addOptions)

func WithPriority(p int) AddOption {
	return func(o *addOptions) { o.priority = p }
}

// WithDelay holds the job in the delayed state for d.
func WithDelay(d time.Duration) AddOption {
	return func(o *addOptions) { o.delay = d }
}

func WithMaxAttempts(n int) AddOption {
	return func(o *addOptions) { o.maxAttempts = n }
}

// WithBackoff sets the per-job backoff base.
func WithBackoff(d time.Duration) AddOption {
	return func(o *addOptions) { o.backoff = &d }
}

func WithTenant(tenantID string) AddOption {
	return func(o *addOptions) { o.tenantID = tenantID }
}

func WithCorrelationID(id string) AddOption {
	return func(o *addOptions) { o.correlationID = id }
}

func WithJobID(id string) AddOption {
	return func(o *addOptions) { o.jobID = id }
}

// KeepOnComplete retains the job in the table after it completes.
func KeepOnComplete() AddOption {
	return func(o *addOptions) { o.keepOnComplete = true }
}

func newAddOptions(opts []AddOption) addOptions {
	o := addOptions{priority: domain.PriorityNormal}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
