package testutil

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Size returns an allocation size in [lo, hi).
func (r *RNG) Size(lo, hi int) int {
	return lo + r.Intn(hi-lo)
}

// Sizes returns n allocation sizes in [lo, hi).
func (r *RNG) Sizes(n, lo, hi int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, n)
	for i := range out {
		out[i] = lo + r.rand.Intn(hi-lo)
	}
	return out
}

// Bytes fills b with pseudo-random bytes.
func (r *RNG) Bytes(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.rand.Read(b)
}

// Fill writes a pattern derived from tag into b. Buffers filled with
// different tags differ in every 8-byte word.
func Fill(b []byte, tag uint64) {
	var word [8]byte
	for i := 0; i < len(b); i += 8 {
		binary.LittleEndian.PutUint64(word[:], mix(tag, uint64(i)))
		copy(b[i:], word[:])
	}
}

// Verify reports whether b holds the pattern Fill wrote for tag.
func Verify(b []byte, tag uint64) bool {
	var word [8]byte
	for i := 0; i < len(b); i += 8 {
		binary.LittleEndian.PutUint64(word[:], mix(tag, uint64(i)))
		end := min(i+8, len(b))
		if !bytes.Equal(b[i:end], word[:end-i]) {
			return false
		}
	}
	return true
}

// mix is the splitmix64 finalizer.
func mix(tag, pos uint64) uint64 {
	z := tag*0x9e3779b97f4a7c15 + pos + 1
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
