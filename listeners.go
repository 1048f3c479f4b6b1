package state

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Notification describes one flushed batch of effective changes.
type Notification struct {
	// ChangedKeys is the sorted union of keys changed since the last flush.
	ChangedKeys []string
	// StateChanges holds the new values of ChangedKeys. Keys removed by a
	// reset are present with a nil value.
	StateChanges State
	// NewState is a copy of the full state at flush time.
	NewState State
	// Version is the broker version at flush time.
	Version uint64
	// External is true when every change in the batch came from a tagged
	// external writer (see UseSync).
	External bool
	// Sources lists the external writer tags that contributed to the batch.
	Sources []string
}

// Changed reports whether key is among the changed keys.
func (n Notification) Changed(key string) bool {
	i := sort.SearchStrings(n.ChangedKeys, key)
	return i < len(n.ChangedKeys) && n.ChangedKeys[i] == key
}

// ListenerFunc receives flushed notifications.
type ListenerFunc func(n Notification)

// Listener is one registered subscriber.
type Listener struct {
	ID       uint64
	Order    int
	callback ListenerFunc
	latency  atomic.Int64
}

// Latency returns the duration of the listener's last invocation.
func (l *Listener) Latency() time.Duration {
	return time.Duration(l.latency.Load())
}

// ListenerRegistry holds the subscribers of one broker.
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners []*Listener
	nextID    atomic.Uint64
}

// NewListenerRegistry creates an empty registry
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{}
}

// Add registers callback. Lower orders are notified first.
func (r *ListenerRegistry) Add(order int, callback ListenerFunc) *Listener {
	l := &Listener{
		ID:       r.nextID.Add(1),
		Order:    order,
		callback: callback,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	sort.SliceStable(r.listeners, func(i, j int) bool {
		return r.listeners[i].Order < r.listeners[j].Order
	})
	return l
}

// Remove unregisters the listener with the given id.
func (r *ListenerRegistry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, l := range r.listeners {
		if l.ID == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (r *ListenerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *ListenerRegistry) contains(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if l.ID == id {
			return true
		}
	}
	return false
}

// Snapshot returns the listeners in flush order: order ascending, then
// faster previous invocations first, then newer listeners first.
func (r *ListenerRegistry) Snapshot() []*Listener {
	r.mu.Lock()
	out := make([]*Listener, len(r.listeners))
	copy(out, r.listeners)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if la, lb := a.Latency(), b.Latency(); la != lb {
			return la < lb
		}
		return a.ID > b.ID
	})
	return out
}

// Notify invokes every listener with n. Listeners removed by an earlier
// callback of the same flush are skipped.
func (r *ListenerRegistry) Notify(n Notification) {
	for _, l := range r.Snapshot() {
		if !r.contains(l.ID) {
			continue
		}

		own := n
		own.NewState = n.NewState.Clone()
		own.StateChanges = n.StateChanges.Clone()

		start := time.Now()
		l.callback(own)
		l.latency.Store(int64(time.Since(start)))
	}
}
