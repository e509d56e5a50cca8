// Package alloc holds the process-wide allocation tag and the handle
// conversions used to carry identifiers through opaque uintptr contexts.
package alloc

import (
	"errors"
	"sync/atomic"
)

var (
	ErrOutOfMemory = errors.New("alloc: out of memory")
	ErrTagClosed   = errors.New("alloc: tag closed")
)

// Tag accounts for every buffer handed out under one name. A Tag with a
// non-zero limit refuses allocations that would push the outstanding byte
// count above it.
type Tag struct {
	name        string
	limit       int64
	outstanding atomic.Int64
	allocs      atomic.Int64
	frees       atomic.Int64
	closed      atomic.Bool
}

// NewTag returns a tag. limit <= 0 means unlimited.
func NewTag(name string, limit int64) *Tag {
	return &Tag{name: name, limit: limit}
}

func (t *Tag) Name() string { return t.name }

// Alloc returns a zeroed buffer of length n.
func (t *Tag) Alloc(n int) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTagClosed
	}
	if n < 0 {
		return nil, ErrOutOfMemory
	}
	size := int64(n)
	for {
		cur := t.outstanding.Load()
		if t.limit > 0 && cur+size > t.limit {
			return nil, ErrOutOfMemory
		}
		if t.outstanding.CompareAndSwap(cur, cur+size) {
			break
		}
	}
	t.allocs.Add(1)
	return make([]byte, n), nil
}

// Clone allocates a copy of b.
func (t *Tag) Clone(b []byte) ([]byte, error) {
	out, err := t.Alloc(len(b))
	if err != nil {
		return nil, err
	}
	copy(out, b)
	return out, nil
}

// Concat allocates a new buffer holding a followed by b and frees a.
// On failure a is left untouched.
func (t *Tag) Concat(a, b []byte) ([]byte, error) {
	out, err := t.Alloc(len(a) + len(b))
	if err != nil {
		return nil, err
	}
	copy(out, a)
	copy(out[len(a):], b)
	t.Free(a)
	return out, nil
}

// Free returns b to the tag. b must be a buffer obtained from this tag,
// not a sub-slice of one. Freeing nil is a no-op.
func (t *Tag) Free(b []byte) {
	if b == nil {
		return
	}
	t.outstanding.Add(-int64(cap(b)))
	t.frees.Add(1)
}

// Outstanding reports the bytes allocated and not yet freed.
func (t *Tag) Outstanding() int64 { return t.outstanding.Load() }

// Stats returns allocation counters for diagnostics.
func (t *Tag) Stats() map[string]int64 {
	return map[string]int64{
		"outstanding_bytes": t.outstanding.Load(),
		"allocs":            t.allocs.Load(),
		"frees":             t.frees.Load(),
		"limit_bytes":       t.limit,
	}
}

func (t *Tag) Closed() bool { return t.closed.Load() }

// Close stops further allocation and reports bytes still outstanding.
func (t *Tag) Close() int64 {
	t.closed.Store(true)
	return t.outstanding.Load()
}
