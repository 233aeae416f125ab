package shmheap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/RedhawkSDR/core-framework-sub010/internal/arena"
	"github.com/RedhawkSDR/core-framework-sub010/internal/fs"
	"github.com/RedhawkSDR/core-framework-sub010/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testArenaSize = 64 << 10

func newTestHeap(t *testing.T, name string, opts ...Option) *Heap {
	t.Helper()
	base := []Option{WithDir(t.TempDir()), WithArenaSize(testArenaSize)}
	h, err := New(name, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Unlink()
		_ = h.Close()
	})
	return h
}

func TestDemoScenario(t *testing.T) {
	h := newTestHeap(t, "demo")
	assert.Zero(t, h.Arenas())

	a, err := h.Allocate(64)
	require.NoError(t, err)
	require.Len(t, a, 64)

	id, err := h.GetID(a)
	require.NoError(t, err)
	assert.Equal(t, BlockID{Arena: 0, Offset: arena.PageSize + arena.BlockHeaderSize}, id)

	require.NoError(t, h.Deallocate(a))

	b, err := h.Allocate(64)
	require.NoError(t, err)
	again, err := h.GetID(b)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, sliceAddr(a), sliceAddr(b))
	require.NoError(t, h.Check())
}

func TestAllocateInvalidSize(t *testing.T) {
	h := newTestHeap(t, "sizes")

	for _, n := range []int{0, -1} {
		_, err := h.Allocate(n)
		require.ErrorIs(t, err, ErrInvalidSize)
	}
	assert.Zero(t, h.Arenas(), "a rejected request must not create an arena")
}

func TestAllocateExactLength(t *testing.T) {
	h := newTestHeap(t, "length")

	for _, n := range []int{1, 15, 16, 17, 100, 4096} {
		b, err := h.Allocate(n)
		require.NoError(t, err)
		assert.Len(t, b, n)
		assert.Equal(t, n, cap(b), "writes past the block must not be possible through append")
	}
}

func TestHeapFetch(t *testing.T) {
	h := newTestHeap(t, "fetch")

	b, err := h.Allocate(100)
	require.NoError(t, err)
	testutil.Fill(b, 7)

	id, err := h.GetID(b)
	require.NoError(t, err)

	got, err := h.Fetch(id)
	require.NoError(t, err)
	assert.Equal(t, sliceAddr(b), sliceAddr(got))
	assert.Len(t, got, 100)

	_, err = h.Fetch(BlockID{Arena: 9, Offset: id.Offset})
	require.ErrorIs(t, err, ErrUnknownArena)

	_, err = h.Fetch(BlockID{Arena: 0, Offset: id.Offset + arena.Granule})
	require.ErrorIs(t, err, ErrInvalidBlock)
	var ae *ArenaError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "fetch", ae.Op)
}

func TestGrowth(t *testing.T) {
	h := newTestHeap(t, "growth")

	first, err := h.Allocate(40 << 10)
	require.NoError(t, err)
	second, err := h.Allocate(40 << 10)
	require.NoError(t, err)

	id1, err := h.GetID(first)
	require.NoError(t, err)
	id2, err := h.GetID(second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id1.Arena)
	assert.Equal(t, uint32(1), id2.Arena)
	assert.Equal(t, 2, h.Arenas())

	for _, name := range []string{"growth.arena0", "growth.arena1"} {
		_, err := os.Stat(filepath.Join(h.Dir(), name))
		assert.NoError(t, err, name)
	}

	// Modest requests still fit in either arena.
	small, err := h.Allocate(128)
	require.NoError(t, err)
	id3, err := h.GetID(small)
	require.NoError(t, err)
	assert.Less(t, id3.Arena, uint32(2))

	// A request beyond the default arena size gets an arena of its own.
	big, err := h.Allocate(1 << 20)
	require.NoError(t, err)
	id4, err := h.GetID(big)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id4.Arena)

	s := h.Stats()
	require.Len(t, s.Arenas, 3)
	assert.GreaterOrEqual(t, s.Arenas[2].Capacity, uint64(1<<20)+arena.PageSize)
	assert.Zero(t, s.Arenas[2].Capacity%arena.PageSize)
	assert.Equal(t, uint64(4), s.LiveBlocks)
	require.NoError(t, h.Check())
}

func TestExhaustion(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	h := newTestHeap(t, "full", WithFileSystem(ffs))

	b, err := h.Allocate(1000)
	require.NoError(t, err)
	testutil.Fill(b, 42)
	id, err := h.GetID(b)
	require.NoError(t, err)

	// No room left for a second arena.
	ffs.SetLimit(ffs.GetAllocated())

	_, err = h.Allocate(60 << 10)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, ErrOutOfSpace)
	var ae *ArenaError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, uint32(1), ae.Index)

	// Existing arenas and blocks are untouched and nothing is left behind.
	assert.Equal(t, 1, h.Arenas())
	assert.True(t, testutil.Verify(b, 42))
	got, err := h.Fetch(id)
	require.NoError(t, err)
	assert.True(t, testutil.Verify(got, 42))
	require.NoError(t, h.Check())
	_, err = os.Stat(filepath.Join(h.Dir(), "full.arena1"))
	assert.True(t, os.IsNotExist(err))

	// Small requests are still served from the existing arena.
	_, err = h.Allocate(100)
	require.NoError(t, err)

	ffs.SetLimit(-1)
	big, err := h.Allocate(60 << 10)
	require.NoError(t, err)
	bigID, err := h.GetID(big)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bigID.Arena)
}

func TestCreateFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("broken.arena0", fs.Fault{FailOnOpen: true})
	h := newTestHeap(t, "broken", WithFileSystem(ffs))

	_, err := h.Allocate(10)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, ErrCreate)
	assert.Zero(t, h.Arenas())
}

func TestMemoryLimit(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	h := newTestHeap(t, "limited", WithMemoryLimit(testArenaSize), WithMetricsCollector(metrics))

	_, err := h.Allocate(100)
	require.NoError(t, err)

	_, err = h.Allocate(testArenaSize)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, ErrMemoryLimit)
	assert.Equal(t, 1, h.Arenas())

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.AllocateCount)
	assert.Equal(t, int64(1), stats.AllocateErrors)
	assert.Equal(t, int64(100), stats.AllocateBytes)
	assert.Equal(t, int64(1), stats.ArenasCreated)
	assert.Equal(t, int64(testArenaSize), stats.ArenaBytes)
}

func TestInvalidPointer(t *testing.T) {
	h := newTestHeap(t, "invalid")

	b, err := h.Allocate(64)
	require.NoError(t, err)
	before := h.Stats()

	t.Run("foreign slice", func(t *testing.T) {
		err := h.Deallocate(make([]byte, 64))
		require.ErrorIs(t, err, ErrInvalidPointer)
		_, err = h.GetID(make([]byte, 64))
		require.ErrorIs(t, err, ErrInvalidPointer)
	})

	t.Run("nil slice", func(t *testing.T) {
		require.ErrorIs(t, h.Deallocate(nil), ErrInvalidPointer)
	})

	t.Run("interior pointer", func(t *testing.T) {
		err := h.Deallocate(b[16:])
		require.ErrorIs(t, err, ErrInvalidPointer)
		require.ErrorIs(t, err, ErrInvalidBlock)
	})

	t.Run("double free", func(t *testing.T) {
		require.NoError(t, h.Deallocate(b))
		err := h.Deallocate(b)
		require.ErrorIs(t, err, ErrInvalidPointer)
		require.ErrorIs(t, err, ErrInvalidBlock)
		_, err = h.GetID(b)
		require.ErrorIs(t, err, ErrInvalidPointer)
	})

	require.NoError(t, h.Check())
	after := h.Stats()
	assert.Equal(t, before.LiveBlocks-1, after.LiveBlocks)
	assert.Equal(t, uint64(1), after.Arenas[0].FreeBlocks)
}

func TestHeaderShapedPayload(t *testing.T) {
	h := newTestHeap(t, "forged")

	b, err := h.Allocate(256)
	require.NoError(t, err)
	binary.NativeEndian.PutUint32(b[32:], 2)
	binary.NativeEndian.PutUint32(b[36:], 0xB10C<<16)
	binary.NativeEndian.PutUint32(b[40:], 1)
	before := h.Stats()

	err = h.Deallocate(b[48:])
	require.ErrorIs(t, err, ErrInvalidPointer)
	require.ErrorIs(t, err, ErrInvalidBlock)
	require.NoError(t, h.Check())
	assert.Equal(t, before.Arenas, h.Stats().Arenas)

	require.NoError(t, h.Deallocate(b))
	require.NoError(t, h.Check())
}

func TestInvalidPointerDebugPanics(t *testing.T) {
	h := newTestHeap(t, "debug", WithDebug(true))

	b, err := h.Allocate(64)
	require.NoError(t, err)

	assert.Panics(t, func() { _ = h.Deallocate(make([]byte, 8)) })
	assert.Panics(t, func() { _ = h.Deallocate(b[32:]) })

	require.NoError(t, h.Deallocate(b))
	assert.Panics(t, func() { _ = h.Deallocate(b) })
	require.NoError(t, h.Check())
}

func TestConcurrentAllocate(t *testing.T) {
	h := newTestHeap(t, "concurrent", WithDebug(true))

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := testutil.NewRNG(int64(w))
			blocks := make([][]byte, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				b, err := h.Allocate(rng.Size(1, 2048))
				if err != nil {
					errs <- err
					return
				}
				testutil.Fill(b, uint64(w)<<32|uint64(i))
				blocks = append(blocks, b)

				// Free some early to exercise reuse across goroutines.
				if i%3 == 2 {
					j := rng.Intn(len(blocks))
					if blocks[j] == nil {
						continue
					}
					if err := h.Deallocate(blocks[j]); err != nil {
						errs <- err
						return
					}
					blocks[j] = nil
				}
			}
			for i, b := range blocks {
				if b == nil {
					continue
				}
				if !testutil.Verify(b, uint64(w)<<32|uint64(i)) {
					errs <- errors.New("block overwritten")
					return
				}
				if err := h.Deallocate(b); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.NoError(t, h.Check())
	s := h.Stats()
	assert.Zero(t, s.LiveBlocks)
	assert.Zero(t, s.BytesUsed)
}

func TestDebugReuseAcrossGoroutines(t *testing.T) {
	// Every goroutine stays on the same arena, so freed offsets are
	// immediately handed to another goroutine.
	h := newTestHeap(t, "reuse", WithDebug(true), WithMaxContention(1<<30))

	const workers = 16
	const rounds = 20000

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []any
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					failed = append(failed, r)
					mu.Unlock()
				}
			}()
			for i := 0; i < rounds; i++ {
				b, err := h.Allocate(64)
				if err != nil {
					panic(err)
				}
				if err := h.Deallocate(b); err != nil {
					panic(err)
				}
			}
		}()
	}
	wg.Wait()

	require.Empty(t, failed)
	require.NoError(t, h.Check())
	assert.Zero(t, h.Stats().LiveBlocks)
	assert.Zero(t, h.live.Len())
}

func TestContendedArenaIsSkipped(t *testing.T) {
	h := newTestHeap(t, "contended")

	_, err := h.Allocate(40 << 10)
	require.NoError(t, err)
	_, err = h.Allocate(40 << 10)
	require.NoError(t, err)
	list := h.list()
	require.Len(t, list, 2)

	ts := &threadState{arena: list[0], contention: DefaultMaxContention}
	b, err := h.allocateSlow(ts, 100)
	require.NoError(t, err)
	id, err := h.GetID(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id.Arena)
	assert.Same(t, list[1], ts.arena)
	assert.Zero(t, ts.contention)
}

func TestContentionAloneGrowsHeap(t *testing.T) {
	h := newTestHeap(t, "hot")

	_, err := h.Allocate(100)
	require.NoError(t, err)
	list := h.list()
	require.Len(t, list, 1)

	// The only arena still has room but is too contended.
	ts := &threadState{arena: list[0], contention: DefaultMaxContention}
	b, err := h.allocateSlow(ts, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Arenas())
	id, err := h.GetID(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id.Arena)
	assert.Positive(t, list[0].arena.Stats().LargestFree)
}

func TestNewValidation(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"", ".", "..", "a/b", strings.Repeat("x", 250)} {
		_, err := New(name, WithDir(dir))
		assert.ErrorIs(t, err, ErrInvalidName, "%q", name)
	}

	h, err := New("taken", WithDir(dir))
	require.NoError(t, err)
	defer func() {
		_ = h.Unlink()
		_ = h.Close()
	}()
	_, err = h.Allocate(1)
	require.NoError(t, err)

	_, err = New("taken", WithDir(dir))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUnlink(t *testing.T) {
	h := newTestHeap(t, "unlinked")

	b, err := h.Allocate(256)
	require.NoError(t, err)
	testutil.Fill(b, 3)

	require.NoError(t, h.Unlink())
	_, err = os.Stat(filepath.Join(h.Dir(), "unlinked.arena0"))
	require.True(t, os.IsNotExist(err))

	// Existing mappings stay usable.
	assert.True(t, testutil.Verify(b, 3))
	id, err := h.GetID(b)
	require.NoError(t, err)

	c, err := NewClient("unlinked", WithDir(h.Dir()))
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Fetch(id)
	require.ErrorIs(t, err, ErrUnknownArena)

	// Arenas created after Unlink never get a visible name.
	_, err = h.Allocate(testArenaSize)
	require.NoError(t, err)
	assert.Equal(t, 2, h.Arenas())
	_, err = os.Stat(filepath.Join(h.Dir(), "unlinked.arena1"))
	assert.True(t, os.IsNotExist(err))
}

func TestClose(t *testing.T) {
	h := newTestHeap(t, "closed", WithMemoryLimit(testArenaSize))

	b, err := h.Allocate(10)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.Allocate(10)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, h.Deallocate(b), ErrClosed)
	_, err = h.GetID(b)
	require.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, h.rc.MemoryUsage())

	// Close does not unlink.
	_, err = os.Stat(filepath.Join(h.Dir(), "closed.arena0"))
	assert.NoError(t, err)
}

func TestStatsAndDump(t *testing.T) {
	h := newTestHeap(t, "dump")

	a, err := h.Allocate(10)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, h.Deallocate(a))

	s := h.Stats()
	assert.Equal(t, "dump", s.Name)
	assert.Equal(t, uint64(testArenaSize), s.Capacity)
	assert.Equal(t, uint64(1), s.LiveBlocks)
	assert.Equal(t, s.Capacity-arena.PageSize, s.BytesUsed+s.BytesFree)
	assert.NotZero(t, s.ShmTotal)

	var buf bytes.Buffer
	require.NoError(t, h.Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "Heap{name: dump")
	assert.Contains(t, out, "Arena{heap: dump, index: 0")
	assert.Contains(t, out, "free offset=4112 size=32 length=0 refs=0")
	assert.Contains(t, out, "used offset=4144 size=128 length=100 refs=1")
	assert.Contains(t, h.String(), "live: 1")
}

func TestSnapshot(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			h := newTestHeap(t, "snap")

			rng := testutil.NewRNG(1)
			for i := 0; i < 50; i++ {
				b, err := h.Allocate(rng.Size(1, 4096))
				require.NoError(t, err)
				testutil.Fill(b, uint64(i))
			}

			var buf bytes.Buffer
			n, err := h.Snapshot(&buf, c)
			require.NoError(t, err)
			assert.Equal(t, int64(buf.Len()), n)

			arenas, err := ReadSnapshot(&buf)
			require.NoError(t, err)
			want := h.Stats()
			require.Len(t, arenas, len(want.Arenas))
			for i, a := range arenas {
				assert.Equal(t, "snap", a.Heap)
				assert.Equal(t, want.Arenas[i].LiveBlocks, a.Stats.LiveBlocks)
				assert.Equal(t, want.Arenas[i].BytesUsed, a.Stats.BytesUsed)
			}

			var dump bytes.Buffer
			require.NoError(t, arenas[0].Dump(&dump))
			assert.Contains(t, dump.String(), "used offset=4112")
		})
	}
}

func TestReadSnapshotCorrupt(t *testing.T) {
	_, err := ReadSnapshot(strings.NewReader("not a snapshot at all"))
	require.Error(t, err)
}

func BenchmarkAllocateDeallocate(b *testing.B) {
	h, err := New("bench", WithDir(b.TempDir()))
	require.NoError(b, err)
	defer func() {
		_ = h.Unlink()
		_ = h.Close()
	}()

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf, err := h.Allocate(256)
			if err != nil {
				b.Error(err)
				return
			}
			if err := h.Deallocate(buf); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
