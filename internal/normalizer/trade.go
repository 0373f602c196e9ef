package normalizer

// tradeWindow is a bounded set of recently seen exchange trade ids.
// Seen returns true for ids already in the window; once capacity is
// reached the oldest id is evicted first.
type tradeWindow struct {
	capacity int
	ids      map[string]struct{}
	order    []string
	head     int
}

func newTradeWindow(capacity int) *tradeWindow {
	if capacity <= 0 {
		capacity = 1024
	}
	return &tradeWindow{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

// Seen records the id and reports whether it was already present.
func (w *tradeWindow) Seen(id string) bool {
	if _, ok := w.ids[id]; ok {
		return true
	}
	if len(w.ids) == w.capacity {
		oldest := w.order[w.head]
		delete(w.ids, oldest)
	}
	w.order[w.head] = id
	w.head = (w.head + 1) % w.capacity
	w.ids[id] = struct{}{}
	return false
}
