package queue

import "sort"

type waitEntry struct {
	id       string
	priority int
	seq      uint64
}

// waitList keeps waiting job ids ordered by (priority asc, seq asc).
type waitList struct {
	items []waitEntry
}

func entryLess(a, b waitEntry) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (w *waitList) push(e waitEntry) {
	i := sort.Search(len(w.items), func(i int) bool { return entryLess(e, w.items[i]) })
	w.items = append(w.items, waitEntry{})
	copy(w.items[i+1:], w.items[i:])
	w.items[i] = e
}

func (w *waitList) removeAt(i int) waitEntry {
	e := w.items[i]
	w.items = append(w.items[:i], w.items[i+1:]...)
	return e
}

func (w *waitList) remove(id string) bool {
	for i, e := range w.items {
		if e.id == id {
			w.removeAt(i)
			return true
		}
	}
	return false
}

func (w *waitList) len() int { return len(w.items) }

func (w *waitList) ids() []string {
	out := make([]string, len(w.items))
	for i, e := range w.items {
		out[i] = e.id
	}
	return out
}
