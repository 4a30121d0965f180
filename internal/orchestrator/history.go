package orchestrator

import (
	"sync"

	"skillflow/internal/domain"
)

// History is a fixed-size ring of terminal task results. The orchestrator
// is its only writer; the monitor and the API read it.
type History struct {
	mu   sync.RWMutex
	buf  []domain.TaskResult
	next int
	n    int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = 1000
	}
	return &History{buf: make([]domain.TaskResult, size)}
}

// Append records r, evicting the oldest entry when full.
func (h *History) Append(r domain.TaskResult) {
	h.mu.Lock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.n < len(h.buf) {
		h.n++
	}
	h.mu.Unlock()
}

// Get returns the newest entry for taskID.
func (h *History) Get(taskID string) (domain.TaskResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := 1; i <= h.n; i++ {
		r := h.buf[(h.next-i+len(h.buf))%len(h.buf)]
		if r.TaskID == taskID {
			return r, true
		}
	}
	return domain.TaskResult{}, false
}

// All returns the retained entries, oldest first.
func (h *History) All() []domain.TaskResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.TaskResult, 0, h.n)
	start := (h.next - h.n + len(h.buf)) % len(h.buf)
	for i := 0; i < h.n; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

func (h *History) Cap() int { return len(h.buf) }
