package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"skillflow/internal/event"
)

// Manager owns one engine per logical queue name for the process lifetime.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	store   SnapshotStore
	bus     *event.Bus
	engines map[string]*Engine
	closed  bool
}

func NewManager(opts Options, store SnapshotStore, bus *event.Bus) *Manager {
	return &Manager{opts: opts, store: store, bus: bus, engines: make(map[string]*Engine)}
}

// CreateQueue returns the engine for name, creating and starting it on
// first use. configure adjusts the default options of a new engine and is
// ignored when the engine already exists. After CloseAll a new engine is
// returned closed, so Add fails with domain.ErrQueueClosed.
func (m *Manager) CreateQueue(name string, configure ...func(*Options)) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[name]; ok {
		return e
	}
	opts := m.opts
	for _, fn := range configure {
		fn(&opts)
	}
	e := NewEngine(name, opts, m.store, m.bus)
	m.engines[name] = e
	if m.closed {
		_ = e.Close(context.Background())
		return e
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Start(ctx); err != nil {
		log.Error().Err(err).Str("queue", name).Msg("start queue")
	}
	return e
}

func (m *Manager) GetQueue(name string) (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engines[name]
	return e, ok
}

// Names lists registered queues in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloseAll drains every engine and writes its final snapshot.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	engines := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, e := range engines {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			if err := e.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(e)
	}
	wg.Wait()
	return errors.Join(errs...)
}
