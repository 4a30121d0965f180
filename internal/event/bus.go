// Package event provides typed in-process publish/subscribe topics. Every
// event type has its own Topic, so subscribers receive concrete payloads.
package event

import (
	"sync"

	"github.com/rs/zerolog/log"

	"skillflow/internal/domain"
)

const (
	TaskActive        = "task:active"
	TaskCompleted     = "task:completed"
	TaskFailed        = "task:failed"
	WorkflowCompleted = "workflow:completed"
	MetricsUpdated    = "metrics:updated"
	AlertRaised       = "alert"
	ScheduleFired     = "schedule:fired"
	MonitorUpdate     = "monitor:update"
)

// Topic fans a payload of type T out to its subscribers. Callback
// subscribers run synchronously on the publishing goroutine; channel
// subscribers never block the publisher and drop events when full.
type Topic[T any] struct {
	name string
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name, subs: make(map[int]func(T))}
}

func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) func() {
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

// SubscribeChan returns a buffered channel of events and an unsubscribe
// function that also closes the channel.
func (t *Topic[T]) SubscribeChan(buf int) (<-chan T, func()) {
	ch := make(chan T, buf)
	var (
		mu     sync.Mutex
		closed bool
	)
	unsub := t.Subscribe(func(v T) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
			// slow subscriber, drop
		}
	})
	return ch, func() {
		unsub()
		mu.Lock()
		if !closed {
			closed = true
			close(ch)
		}
		mu.Unlock()
	}
}

// Publish delivers v to every current subscriber.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		t.deliver(fn, v)
	}
}

// Subscribers reports the number of registered subscribers.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("topic", t.name).Interface("panic", r).Msg("event subscriber panicked")
		}
	}()
	fn(v)
}

// Bus groups the topics shared by the queue engines, orchestrator,
// scheduler and monitor.
type Bus struct {
	TaskActive        *Topic[domain.TaskEvent]
	TaskCompleted     *Topic[domain.TaskEvent]
	TaskFailed        *Topic[domain.TaskEvent]
	WorkflowCompleted *Topic[domain.WorkflowEvent]
	MetricsUpdated    *Topic[domain.QueueMetrics]
	Alerts            *Topic[domain.Alert]
	ScheduleFired     *Topic[domain.ScheduleEvent]
}

func NewBus() *Bus {
	return &Bus{
		TaskActive:        NewTopic[domain.TaskEvent](TaskActive),
		TaskCompleted:     NewTopic[domain.TaskEvent](TaskCompleted),
		TaskFailed:        NewTopic[domain.TaskEvent](TaskFailed),
		WorkflowCompleted: NewTopic[domain.WorkflowEvent](WorkflowCompleted),
		MetricsUpdated:    NewTopic[domain.QueueMetrics](MetricsUpdated),
		Alerts:            NewTopic[domain.Alert](AlertRaised),
		ScheduleFired:     NewTopic[domain.ScheduleEvent](ScheduleFired),
	}
}
