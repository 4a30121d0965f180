package orchestrator

import "sync"

// FailoverTable maps a skill to the ordered alternatives tried when its
// last attempt fails.
type FailoverTable struct {
	mu   sync.RWMutex
	alts map[string][]string
}

func NewFailoverTable(m map[string][]string) *FailoverTable {
	t := &FailoverTable{alts: make(map[string][]string, len(m))}
	for k, v := range m {
		t.alts[k] = append([]string(nil), v...)
	}
	return t
}

// Set replaces the alternatives for skillID. No alternatives removes it.
func (t *FailoverTable) Set(skillID string, alternatives ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(alternatives) == 0 {
		delete(t.alts, skillID)
		return
	}
	t.alts[skillID] = append([]string(nil), alternatives...)
}

func (t *FailoverTable) Alternatives(skillID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.alts[skillID]...)
}
