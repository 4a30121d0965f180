package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"skillflow/internal/domain"
)

// Wildcard binds a processor to every job name without a dedicated one.
const Wildcard = "*"

// Processor handles one job and returns its JSON result.
type Processor func(ctx context.Context, job domain.Job) (json.RawMessage, error)

type binding struct {
	name string
	fn   Processor
	sem  chan struct{}
}

// Pool is a fixed-size set of workers. Each worker slot is bound to a
// named processor (or the wildcard) and runs one job to completion.
type Pool struct {
	sem      chan struct{}
	timeout  time.Duration
	mu       sync.RWMutex
	bindings map[string]*binding
	wg       sync.WaitGroup
	active   atomic.Int64
}

// NewPool creates a pool with size workers. A positive timeout bounds how
// long a single processor call may run.
func NewPool(size int, timeout time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size), timeout: timeout, bindings: map[string]*binding{}}
}

// Register binds fn to jobs named name. concurrency caps how many workers
// the binding may hold at once; zero or anything above the pool size
// means the whole pool.
func (p *Pool) Register(name string, concurrency int, fn Processor) {
	if concurrency <= 0 || concurrency > cap(p.sem) {
		concurrency = cap(p.sem)
	}
	p.mu.Lock()
	p.bindings[name] = &binding{name: name, fn: fn, sem: make(chan struct{}, concurrency)}
	p.mu.Unlock()
}

// HasProcessor reports whether a job named name can ever be served.
func (p *Pool) HasProcessor(name string) bool {
	return p.lookup(name) != nil
}

func (p *Pool) lookup(name string) *binding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if b, ok := p.bindings[name]; ok {
		return b
	}
	return p.bindings[Wildcard]
}

// Slot is a reserved worker. It must be passed to Run exactly once.
type Slot struct {
	b *binding
}

// TryAcquire reserves a free worker for a job named name without blocking.
func (p *Pool) TryAcquire(name string) (*Slot, bool) {
	b := p.lookup(name)
	if b == nil {
		return nil, false
	}
	select {
	case p.sem <- struct{}{}:
	default:
		return nil, false
	}
	select {
	case b.sem <- struct{}{}:
	default:
		<-p.sem
		return nil, false
	}
	return &Slot{b: b}, true
}

// Run executes job on the slot's processor in its own goroutine, then
// frees the slot and reports the outcome through done.
func (p *Pool) Run(ctx context.Context, s *Slot, job domain.Job, done func(result json.RawMessage, err error, elapsed time.Duration)) {
	p.wg.Add(1)
	p.active.Add(1)
	go func() {
		defer p.wg.Done()
		start := time.Now()
		res, err := p.invoke(ctx, s.b.fn, job)
		elapsed := time.Since(start)
		<-s.b.sem
		<-p.sem
		p.active.Add(-1)
		done(res, err, elapsed)
	}()
}

type outcome struct {
	res json.RawMessage
	err error
}

// invoke runs fn with panic recovery. A processor that ignores its context
// is abandoned once the timeout passes; its goroutine exits on its own.
func (p *Pool) invoke(ctx context.Context, fn Processor, job domain.Job) (json.RawMessage, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("job_id", job.ID).
					Str("job_name", job.Name).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("processor panicked")
				ch <- outcome{err: fmt.Errorf("panic in job %s: %v", job.Name, r)}
			}
		}()
		res, err := fn(ctx, job)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("job %s: %w", job.ID, ctx.Err())
	}
}

// Wait blocks until every running job has reported or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of busy workers.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Size returns the number of workers.
func (p *Pool) Size() int { return cap(p.sem) }
