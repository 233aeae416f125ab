package liveset

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := New(16)

	assert.True(t, s.Add(0, 4112))
	assert.False(t, s.Add(0, 4112))
	assert.True(t, s.Add(0, 4240))
	assert.True(t, s.Add(1, 4112))

	assert.True(t, s.Contains(0, 4112))
	assert.True(t, s.Contains(1, 4112))
	assert.False(t, s.Contains(2, 4112))
	assert.Equal(t, uint64(3), s.Len())
	assert.Equal(t, uint64(2), s.ArenaLen(0))
	assert.Zero(t, s.ArenaLen(7))

	var offs []uint64
	s.ForEach(0, func(off uint64) bool {
		offs = append(offs, off)
		return true
	})
	assert.Equal(t, []uint64{4112, 4240}, offs)

	assert.True(t, s.Remove(0, 4112))
	assert.False(t, s.Remove(0, 4112))
	assert.False(t, s.Remove(5, 4112))
	assert.False(t, s.Contains(0, 4112))

	s.Clear()
	assert.Zero(t, s.Len())
}

func TestForEachStops(t *testing.T) {
	s := New(16)
	for off := uint64(4112); off < 4112+100*16; off += 16 {
		s.Add(3, off)
	}

	n := 0
	s.ForEach(3, func(off uint64) bool {
		// Mutating during iteration is allowed
		s.Remove(3, off)
		n++
		return n < 10
	})
	assert.Equal(t, 10, n)
	assert.Equal(t, uint64(90), s.ArenaLen(3))
}
