package shmheap

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/RedhawkSDR/core-framework-sub010/internal/arena"
	"github.com/RedhawkSDR/core-framework-sub010/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h *Heap, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(h.Name(), append([]Option{WithDir(h.Dir())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientRoundTrip(t *testing.T) {
	h := newTestHeap(t, "roundtrip")
	metrics := &BasicMetricsCollector{}
	c := newTestClient(t, h, WithMetricsCollector(metrics))

	rng := testutil.NewRNG(5)
	ids := make([]BlockID, 0, 64)
	blocks := make([][]byte, 0, 64)
	for i := 0; i < 64; i++ {
		b, err := h.Allocate(rng.Size(1, 8192))
		require.NoError(t, err)
		testutil.Fill(b, uint64(i))
		id, err := h.GetID(b)
		require.NoError(t, err)
		ids = append(ids, id)
		blocks = append(blocks, b)
	}

	for i, id := range ids {
		got, err := c.Fetch(id)
		require.NoError(t, err)
		require.Len(t, got, len(blocks[i]))
		assert.True(t, testutil.Verify(got, uint64(i)), "block %d", i)

		// The client maps the arena at its own address.
		assert.NotEqual(t, sliceAddr(blocks[i]), sliceAddr(got))
	}
	assert.Equal(t, h.Arenas(), c.Attached())

	// Writes go both ways.
	got, err := c.Fetch(ids[0])
	require.NoError(t, err)
	testutil.Fill(got, 1000)
	assert.True(t, testutil.Verify(blocks[0], 1000))

	id, err := c.GetID(got)
	require.NoError(t, err)
	assert.Equal(t, ids[0], id)

	stats := metrics.GetStats()
	assert.Equal(t, int64(len(ids)+1), stats.FetchCount)
	assert.Equal(t, int64(h.Arenas()), stats.Attaches)
	assert.Zero(t, stats.FetchErrors)
}

func TestClientOffsetPortability(t *testing.T) {
	h := newTestHeap(t, "portable")

	b, err := h.Allocate(512)
	require.NoError(t, err)
	testutil.Fill(b, 11)
	id, err := h.GetID(b)
	require.NoError(t, err)

	first := newTestClient(t, h)
	second := newTestClient(t, h)

	x, err := first.Fetch(id)
	require.NoError(t, err)
	y, err := second.Fetch(id)
	require.NoError(t, err)

	assert.NotEqual(t, sliceAddr(x), sliceAddr(y))
	assert.True(t, testutil.Verify(x, 11))
	assert.True(t, testutil.Verify(y, 11))

	// Free-list state written through one view is seen by the others.
	require.NoError(t, first.Deallocate(x))
	_, err = second.Fetch(id)
	require.ErrorIs(t, err, ErrInvalidBlock)
	again, err := h.Allocate(512)
	require.NoError(t, err)
	againID, err := h.GetID(again)
	require.NoError(t, err)
	assert.Equal(t, id, againID)
}

func TestClientUnknownArena(t *testing.T) {
	h := newTestHeap(t, "unknown")
	c := newTestClient(t, h)

	_, err := c.Fetch(BlockID{Arena: 0, Offset: arena.PageSize + arena.BlockHeaderSize})
	require.ErrorIs(t, err, ErrUnknownArena)

	_, err = h.Allocate(10)
	require.NoError(t, err)
	_, err = c.Fetch(BlockID{Arena: 3, Offset: arena.PageSize + arena.BlockHeaderSize})
	require.ErrorIs(t, err, ErrUnknownArena)
	assert.Zero(t, c.Attached())
}

func TestClientInvalidBlock(t *testing.T) {
	h := newTestHeap(t, "badblock")
	c := newTestClient(t, h)

	b, err := h.Allocate(64)
	require.NoError(t, err)
	id, err := h.GetID(b)
	require.NoError(t, err)

	for _, off := range []uint64{0, 17, id.Offset + arena.Granule, testArenaSize + 16} {
		_, err := c.Fetch(BlockID{Arena: 0, Offset: off})
		require.ErrorIs(t, err, ErrInvalidBlock, "offset %d", off)
	}
	require.ErrorIs(t, c.Deallocate(make([]byte, 4)), ErrInvalidPointer)
	require.NoError(t, h.Check())
}

func TestClientRetain(t *testing.T) {
	h := newTestHeap(t, "retain")
	c := newTestClient(t, h, WithRetain(true))

	b, err := h.Allocate(128)
	require.NoError(t, err)
	id, err := h.GetID(b)
	require.NoError(t, err)

	got, err := c.Fetch(id)
	require.NoError(t, err)

	// The owner's free only drops its own reference.
	require.NoError(t, h.Deallocate(b))
	assert.Equal(t, uint64(1), h.Stats().LiveBlocks)

	testutil.Fill(got, 9)
	require.NoError(t, c.Deallocate(got))
	assert.Zero(t, h.Stats().LiveBlocks)
	require.NoError(t, h.Check())

	reused, err := h.Allocate(128)
	require.NoError(t, err)
	reusedID, err := h.GetID(reused)
	require.NoError(t, err)
	assert.Equal(t, id, reusedID)
}

func TestClientFreeWithoutRetain(t *testing.T) {
	h := newTestHeap(t, "noretain")
	c := newTestClient(t, h)

	b, err := h.Allocate(128)
	require.NoError(t, err)
	id, err := h.GetID(b)
	require.NoError(t, err)

	got, err := c.Fetch(id)
	require.NoError(t, err)
	require.NoError(t, c.Deallocate(got))
	assert.Zero(t, h.Stats().LiveBlocks)

	// The block is gone, so the owner's free is now a bad pointer.
	require.ErrorIs(t, h.Deallocate(b), ErrInvalidPointer)
	require.NoError(t, h.Check())
}

func TestClientConcurrentAttach(t *testing.T) {
	h := newTestHeap(t, "attach")
	c := newTestClient(t, h)

	b, err := h.Allocate(64)
	require.NoError(t, err)
	testutil.Fill(b, 2)
	id, err := h.GetID(b)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Fetch(id)
			assert.NoError(t, err)
			assert.True(t, testutil.Verify(got, 2))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Attached())
}

func TestClientWrongHeap(t *testing.T) {
	h := newTestHeap(t, "real")

	_, err := h.Allocate(64)
	require.NoError(t, err)

	// An object under the wrong name holds another heap's arena.
	data, err := os.ReadFile(filepath.Join(h.Dir(), "real.arena0"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(h.Dir(), "fake.arena0"), data, 0o600))

	c, err := NewClient("fake", WithDir(h.Dir()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Fetch(BlockID{Arena: 0, Offset: arena.PageSize + arena.BlockHeaderSize})
	require.ErrorIs(t, err, ErrCorrupt)
	var ae *ArenaError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "attach", ae.Op)
	assert.Zero(t, c.Attached())
}

func TestClientClose(t *testing.T) {
	h := newTestHeap(t, "clientclose")
	c := newTestClient(t, h)

	b, err := h.Allocate(64)
	require.NoError(t, err)
	id, err := h.GetID(b)
	require.NoError(t, err)

	_, err = c.Fetch(id)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Zero(t, c.Attached())

	_, err = c.Fetch(id)
	require.ErrorIs(t, err, ErrClosed)

	// The owner is unaffected.
	require.NoError(t, h.Deallocate(b))
}

func TestNewClientInvalidName(t *testing.T) {
	_, err := NewClient("a/b")
	require.ErrorIs(t, err, ErrInvalidName)
}

const (
	childHeapEnv = "SHMHEAP_CHILD_HEAP"
	childDirEnv  = "SHMHEAP_CHILD_DIR"
	childIDsEnv  = "SHMHEAP_CHILD_IDS"
)

// TestHelperClientProcess is the client half of TestClientInAnotherProcess.
// It only does work when started as a child by that test.
func TestHelperClientProcess(t *testing.T) {
	heap := os.Getenv(childHeapEnv)
	if heap == "" {
		t.Skip("runs only as a child process")
	}
	c, err := NewClient(heap, WithDir(os.Getenv(childDirEnv)))
	require.NoError(t, err)
	defer c.Close()

	for seq, s := range strings.Split(os.Getenv(childIDsEnv), ",") {
		id, err := ParseBlockID(s)
		require.NoError(t, err)
		b, err := c.Fetch(id)
		require.NoError(t, err)
		require.True(t, testutil.Verify(b, uint64(seq)), "block %s", id)
		require.NoError(t, c.Deallocate(b))
	}
}

func TestClientInAnotherProcess(t *testing.T) {
	if os.Getenv(childHeapEnv) != "" {
		t.Skip("already in the child")
	}
	h := newTestHeap(t, "crossproc")

	rng := testutil.NewRNG(21)
	ids := make([]string, 0, 256)
	for seq := 0; seq < 256; seq++ {
		b, err := h.Allocate(rng.Size(1, 4096))
		require.NoError(t, err)
		testutil.Fill(b, uint64(seq))
		id, err := h.GetID(b)
		require.NoError(t, err)
		ids = append(ids, id.String())
	}
	require.Greater(t, h.Arenas(), 1)

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperClientProcess$", "-test.count=1", "-test.v")
	cmd.Env = append(os.Environ(),
		childHeapEnv+"="+h.Name(),
		childDirEnv+"="+h.Dir(),
		childIDsEnv+"="+strings.Join(ids, ","),
	)
	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out

	// The owner keeps allocating from the same arenas while the child
	// frees, so both sides contend for the lock in the arena header.
	done := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := testutil.NewRNG(int64(100 + w))
			for {
				select {
				case <-done:
					return
				default:
				}
				b, err := h.Allocate(rng.Size(1, 512))
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, h.Deallocate(b))
			}
		}(w)
	}

	err := cmd.Run()
	close(done)
	wg.Wait()
	require.NoError(t, err, out.String())
	require.Contains(t, out.String(), "--- PASS: TestHelperClientProcess")

	require.NoError(t, h.Check())
	s := h.Stats()
	assert.Zero(t, s.LiveBlocks)
	assert.Zero(t, s.BytesUsed)
}
