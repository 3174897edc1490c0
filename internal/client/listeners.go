package client

import (
	"sync"

	"mathstream/server/internal/net/proto"
)

// Listener receives every inbound command.
type Listener func(proto.Command)

// Listeners is an ordered registry keyed by id. Re-adding an id replaces its
// callback in place.
type Listeners struct {
	mu    sync.RWMutex
	order []string
	fns   map[string]Listener
}

// NewListeners constructs an empty registry.
func NewListeners() *Listeners {
	return &Listeners{fns: make(map[string]Listener)}
}

// Add registers fn under id.
func (l *Listeners) Add(id string, fn Listener) {
	if l == nil || fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.fns[id]; !exists {
		l.order = append(l.order, id)
	}
	l.fns[id] = fn
}

// Remove unregisters id and reports whether it was present.
func (l *Listeners) Remove(id string) bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.fns[id]; !exists {
		return false
	}
	delete(l.fns, id)
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Len reports the number of registered listeners.
func (l *Listeners) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Dispatch invokes every listener in registration order. Callbacks run
// without the registry lock held so they may add or remove listeners.
func (l *Listeners) Dispatch(cmd proto.Command) {
	if l == nil {
		return
	}
	l.mu.RLock()
	snapshot := make([]Listener, 0, len(l.order))
	for _, id := range l.order {
		snapshot = append(snapshot, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range snapshot {
		fn(cmd)
	}
}
