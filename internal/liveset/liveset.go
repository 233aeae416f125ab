package liveset

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Set records live block offsets per arena index. It is thread-safe.
type Set struct {
	mu      sync.Mutex
	granule uint64
	arenas  map[uint32]*roaring.Bitmap
}

// New creates a set for offsets that are multiples of granule.
func New(granule uint64) *Set {
	return &Set{
		granule: granule,
		arenas:  make(map[uint32]*roaring.Bitmap),
	}
}

func (s *Set) key(offset uint64) uint32 {
	return uint32(offset / s.granule)
}

// Add records the block at offset in arena as live.
// It returns false if the block was already recorded.
func (s *Set) Add(arena uint32, offset uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rb, ok := s.arenas[arena]
	if !ok {
		rb = roaring.New()
		s.arenas[arena] = rb
	}
	return rb.CheckedAdd(s.key(offset))
}

// Remove forgets the block at offset in arena.
// It returns false if the block was not recorded.
func (s *Set) Remove(arena uint32, offset uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rb, ok := s.arenas[arena]
	if !ok {
		return false
	}
	return rb.CheckedRemove(s.key(offset))
}

// Contains reports whether the block at offset in arena is recorded.
func (s *Set) Contains(arena uint32, offset uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rb, ok := s.arenas[arena]
	return ok && rb.Contains(s.key(offset))
}

// Len returns the number of recorded blocks.
func (s *Set) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n uint64
	for _, rb := range s.arenas {
		n += rb.GetCardinality()
	}
	return n
}

// ArenaLen returns the number of recorded blocks in arena.
func (s *Set) ArenaLen(arena uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rb, ok := s.arenas[arena]; ok {
		return rb.GetCardinality()
	}
	return 0
}

// ForEach calls fn for every recorded block of arena in offset order until
// fn returns false. fn runs on a snapshot and may call back into s.
func (s *Set) ForEach(arena uint32, fn func(offset uint64) bool) {
	s.mu.Lock()
	rb, ok := s.arenas[arena]
	if ok {
		rb = rb.Clone()
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	it := rb.Iterator()
	for it.HasNext() {
		if !fn(uint64(it.Next()) * s.granule) {
			return
		}
	}
}

// Clear forgets every block.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.arenas)
}
