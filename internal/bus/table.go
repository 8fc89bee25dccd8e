package bus

import "sync"

// table reference-counts handler registrations by event name (or
// pattern) so the last removal for a name can tear down the broker
// subscription for that channel.
type table struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func newTable() *table {
	return &table{subs: make(map[string]map[uint64]Handler)}
}

// add registers a handler under name; first reports whether this is the
// first handler for that name.
func (t *table) add(name string, h Handler) (id uint64, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id = t.nextID

	set, ok := t.subs[name]
	if !ok {
		set = make(map[uint64]Handler)
		t.subs[name] = set
	}
	set[id] = h
	return id, len(set) == 1
}

// remove unregisters a handler; last reports whether no handlers remain
// for that name. Removing twice is a no-op.
func (t *table) remove(name string, id uint64) (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.subs[name]
	if !ok {
		return false
	}
	if _, ok := set[id]; !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(t.subs, name)
		return true
	}
	return false
}

// handlers returns a snapshot of the handlers registered under name.
func (t *table) handlers(name string) []Handler {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.subs[name]
	if len(set) == 0 {
		return nil
	}
	out := make([]Handler, 0, len(set))
	for _, h := range set {
		out = append(out, h)
	}
	return out
}

// names returns all names with at least one handler.
func (t *table) names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.subs))
	for name := range t.subs {
		out = append(out, name)
	}
	return out
}
