// Package arena provides a bump allocator scoped to a single export
// call. Batch requests are built out of many small proto messages and
// attribute slices; allocating them from per-call blocks keeps the
// per-span allocation count near constant.
package arena

import (
	"reflect"
	"sync"
)

// Block sizing follows the shape of a typical span batch: the initial
// block fits one span's attributes and resource fields, the maximum
// amortizes allocation across large batches.
const (
	DefaultInitialBlockSize = 1 << 10
	DefaultMaxBlockSize     = 1 << 16
)

// Options configure block growth. Zero values select the defaults.
type Options struct {
	InitialBlockSize int
	MaxBlockSize     int
}

// An Arena owns all memory for one batch request. It is not safe for
// concurrent use. Allocations stay valid until Release; the caller must
// guarantee nothing allocated from the arena is reachable afterwards.
type Arena struct {
	opts     Options
	cur      []byte
	off      int
	full     [][]byte
	nextSize int
	space    int64
	blocks   int
	slabs    []resetter
}

type resetter interface{ reset() }

var blockPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, DefaultMaxBlockSize)
		return &b
	},
}

func New(opts Options) *Arena {
	if opts.InitialBlockSize <= 0 {
		opts.InitialBlockSize = DefaultInitialBlockSize
	}
	if opts.MaxBlockSize <= 0 {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	if opts.MaxBlockSize < opts.InitialBlockSize {
		opts.MaxBlockSize = opts.InitialBlockSize
	}
	return &Arena{opts: opts, nextSize: opts.InitialBlockSize}
}

// Bytes returns n zeroed bytes backed by the arena.
func (a *Arena) Bytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	if len(a.cur)-a.off < n {
		a.grow(n)
	}
	b := a.cur[a.off : a.off+n : a.off+n]
	a.off += n
	return b
}

// Copy returns an arena-backed copy of p.
func (a *Arena) Copy(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	b := a.Bytes(len(p))
	copy(b, p)
	return b
}

func (a *Arena) grow(n int) {
	if a.cur != nil {
		a.full = append(a.full, a.cur)
	}
	size := a.nextSize
	if size < n {
		size = n
	}
	if size == DefaultMaxBlockSize {
		a.cur = *blockPool.Get().(*[]byte)
		clear(a.cur)
	} else {
		a.cur = make([]byte, size)
	}
	a.off = 0
	a.blocks++
	a.space += int64(size)
	if next := a.nextSize * 2; next <= a.opts.MaxBlockSize {
		a.nextSize = next
	} else {
		a.nextSize = a.opts.MaxBlockSize
	}
}

// Release returns pooled blocks and drops all arena references. The
// arena is reusable afterwards.
func (a *Arena) Release() {
	if a.cur != nil {
		a.full = append(a.full, a.cur)
		a.cur = nil
	}
	for _, b := range a.full {
		if len(b) == DefaultMaxBlockSize {
			blockPool.Put(&b)
		}
	}
	a.full = nil
	a.off = 0
	for _, s := range a.slabs {
		s.reset()
	}
	a.slabs = nil
	a.nextSize = a.opts.InitialBlockSize
	a.space = 0
	a.blocks = 0
}

// SpaceAllocated reports the total bytes currently reserved.
func (a *Arena) SpaceAllocated() int64 {
	return a.space
}

// Blocks reports how many blocks back the arena.
func (a *Arena) Blocks() int {
	return a.blocks
}

// A Slab bump-allocates values of a single type from its arena. Obtain
// one with Of; at most one slab per type exists per arena.
type Slab[T any] struct {
	arena    *Arena
	cur      []T
	off      int
	nextLen  int
	elemSize int
}

// Of returns the arena's slab for T, creating it on first use.
func Of[T any](a *Arena) *Slab[T] {
	for _, s := range a.slabs {
		if s, ok := s.(*Slab[T]); ok {
			return s
		}
	}
	es := int(reflect.TypeFor[T]().Size())
	if es == 0 {
		es = 1
	}
	initLen := a.opts.InitialBlockSize / es
	if initLen < 1 {
		initLen = 1
	}
	s := &Slab[T]{arena: a, nextLen: initLen, elemSize: es}
	a.slabs = append(a.slabs, s)
	return s
}

// New returns a pointer to a zeroed T backed by the arena.
func (s *Slab[T]) New() *T {
	if s.off == len(s.cur) {
		s.grow(1)
	}
	p := &s.cur[s.off]
	s.off++
	return p
}

// MakeSlice returns a zeroed slice of length and capacity n.
func (s *Slab[T]) MakeSlice(n int) []T {
	if n <= 0 {
		return nil
	}
	if len(s.cur)-s.off < n {
		s.grow(n)
	}
	sl := s.cur[s.off : s.off+n : s.off+n]
	s.off += n
	return sl
}

func (s *Slab[T]) grow(n int) {
	l := s.nextLen
	if l < n {
		l = n
	}
	s.cur = make([]T, l)
	s.off = 0
	s.arena.space += int64(l * s.elemSize)
	s.arena.blocks++
	maxLen := s.arena.opts.MaxBlockSize / s.elemSize
	if maxLen < 1 {
		maxLen = 1
	}
	if next := s.nextLen * 2; next <= maxLen {
		s.nextLen = next
	} else {
		s.nextLen = maxLen
	}
}

func (s *Slab[T]) reset() {
	s.cur = nil
	s.off = 0
}
