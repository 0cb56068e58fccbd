package document

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot pairs a store with the retrieval index generation built from the same files.
// The two are only valid together.
type Snapshot struct {
	RunID       string
	IndexName   string
	Store       *Store
	PublishedAt time.Time

	// guarded by Registry.pinMu
	pins   int
	onIdle func()
}

// Registry publishes snapshots. Publish replaces the current snapshot in one step;
// Current always returns either the previous or the new snapshot, never a mix.
// Acquire pins a snapshot so its index generation outlives a concurrent Publish
// until the pin is released.
type Registry struct {
	current atomic.Pointer[Snapshot]
	pinMu   sync.Mutex

	mu        sync.Mutex
	listeners []func(*Snapshot)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the published snapshot, or nil before the first Publish.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Publish installs snap and returns the snapshot it replaced.
func (r *Registry) Publish(snap *Snapshot) *Snapshot {
	if snap.PublishedAt.IsZero() {
		snap.PublishedAt = time.Now()
	}
	r.pinMu.Lock()
	prev := r.current.Swap(snap)
	r.pinMu.Unlock()

	r.mu.Lock()
	listeners := append([]func(*Snapshot){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return prev
}

// Acquire pins the current snapshot and returns it with a func that releases the
// pin. Release may be called more than once. Before the first Publish the
// snapshot is nil and release does nothing.
func (r *Registry) Acquire() (*Snapshot, func()) {
	r.pinMu.Lock()
	snap := r.current.Load()
	if snap == nil {
		r.pinMu.Unlock()
		return nil, func() {}
	}
	snap.pins++
	r.pinMu.Unlock()

	var once sync.Once
	return snap, func() {
		once.Do(func() { r.release(snap) })
	}
}

func (r *Registry) release(snap *Snapshot) {
	r.pinMu.Lock()
	snap.pins--
	var fn func()
	if snap.pins == 0 && snap.onIdle != nil {
		fn, snap.onIdle = snap.onIdle, nil
	}
	r.pinMu.Unlock()

	if fn != nil {
		go fn()
	}
}

// Retire runs fn once snap is no longer pinned. snap must already be replaced,
// so no new pins can be taken. With no pins held fn runs before Retire returns;
// otherwise it runs in its own goroutine after the last release.
func (r *Registry) Retire(snap *Snapshot, fn func()) {
	r.pinMu.Lock()
	if snap.pins > 0 {
		snap.onIdle = fn
		r.pinMu.Unlock()
		return
	}
	r.pinMu.Unlock()
	fn()
}

// OnPublish registers fn to run after every Publish.
func (r *Registry) OnPublish(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}
