// Package registry is a handle-addressed set of lockable objects.
//
// Lookups take the list lock, find the entry, take the entry's own lock and
// only then release the list lock. Removal happens under the list lock, so
// once Remove returns no new lookup can reach the entry; a caller that still
// holds a stale handle simply gets a miss.
package registry

import (
	"sort"
	"sync"

	"github.com/matst80/connexions/internal/alloc"
)

// Registry owns entries of type T keyed by handle.
type Registry[T sync.Locker] struct {
	mu      sync.Mutex
	entries map[alloc.Handle]T
	next    alloc.Handle
}

func New[T sync.Locker]() *Registry[T] {
	return &Registry[T]{entries: make(map[alloc.Handle]T)}
}

// Reserve issues the next handle without inserting anything. Handles are
// monotonic and are never reissued while the registry lives.
func (r *Registry[T]) Reserve() alloc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserveLocked()
}

func (r *Registry[T]) reserveLocked() alloc.Handle {
	for {
		r.next++
		if r.next == 0 {
			continue
		}
		if _, live := r.entries[r.next]; live {
			continue
		}
		return r.next
	}
}

// Add issues a handle and inserts v under it.
func (r *Registry[T]) Add(v T) alloc.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.reserveLocked()
	r.entries[h] = v
	return h
}

// Insert stores v under a handle previously returned by Reserve.
func (r *Registry[T]) Insert(h alloc.Handle, v T) {
	r.mu.Lock()
	r.entries[h] = v
	r.mu.Unlock()
}

// Lock finds h and returns its entry locked. The caller must Unlock it.
func (r *Registry[T]) Lock(h alloc.Handle) (T, bool) {
	r.mu.Lock()
	v, ok := r.entries[h]
	if !ok {
		r.mu.Unlock()
		return v, false
	}
	v.Lock()
	r.mu.Unlock()
	return v, true
}

// Remove unlinks h and returns the entry, unlocked.
func (r *Registry[T]) Remove(h alloc.Handle) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
	}
	return v, ok
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Handles returns the live handles in issue order.
func (r *Registry[T]) Handles() []alloc.Handle {
	r.mu.Lock()
	out := make([]alloc.Handle, 0, len(r.entries))
	for h := range r.entries {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
