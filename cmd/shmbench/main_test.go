package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	shmheap "github.com/RedhawkSDR/core-framework-sub010"
	"github.com/RedhawkSDR/core-framework-sub010/testutil"
)

func testConfig(t *testing.T) config {
	t.Helper()
	return config{
		heap:        "benchtest",
		dir:         t.TempDir(),
		size:        4096,
		arenaSize:   64 << 10,
		window:      8,
		duration:    200 * time.Millisecond,
		compression: "lz4",
		inproc:      true,
	}
}

func TestInprocTransfer(t *testing.T) {
	cfg := testConfig(t)
	cfg.snapshot = filepath.Join(t.TempDir(), "heap.snap")

	require.NoError(t, runProducer(context.Background(), cfg, shmheap.NoopLogger()))

	// The heap is gone once the run ends.
	_, err := os.Stat(filepath.Join(cfg.dir, "benchtest.arena0"))
	assert.True(t, os.IsNotExist(err))

	f, err := os.Open(cfg.snapshot)
	require.NoError(t, err)
	defer f.Close()
	arenas, err := shmheap.ReadSnapshot(f)
	require.NoError(t, err)
	require.NotEmpty(t, arenas)
	for _, a := range arenas {
		assert.Equal(t, "benchtest", a.Heap)
		assert.Zero(t, a.Stats.LiveBlocks)
		assert.NotZero(t, a.Stats.TotalAllocs+a.Stats.TotalFrees)
	}
}

func TestRateLimitedTransfer(t *testing.T) {
	cfg := testConfig(t)
	cfg.rate = 64 << 10
	cfg.duration = 300 * time.Millisecond

	h, err := shmheap.New(cfg.heap, shmheap.WithDir(cfg.dir), shmheap.WithArenaSize(cfg.arenaSize))
	require.NoError(t, err)
	defer func() {
		_ = h.Unlink()
		_ = h.Close()
	}()

	c, err := startConsumer(context.Background(), cfg, shmheap.NoopLogger())
	require.NoError(t, err)
	res, err := transfer(context.Background(), cfg, h, c)
	require.NoError(t, err)

	assert.Equal(t, res.produced, res.consumed)
	assert.Equal(t, res.blocks*int64(cfg.size), res.produced)
	// A 64 KiB burst, then 64 KiB/s for 0.3s.
	assert.Positive(t, res.blocks)
	assert.LessOrEqual(t, res.blocks, int64(22))
	// Past the burst every block waits for the limiter.
	assert.Positive(t, res.throttled)
	assert.Less(t, res.throttled, res.blocks)
	assert.Zero(t, h.Stats().LiveBlocks)
}

func TestConsumerRejectsCorruptPayload(t *testing.T) {
	cfg := testConfig(t)
	h, err := shmheap.New(cfg.heap, shmheap.WithDir(cfg.dir))
	require.NoError(t, err)
	defer func() {
		_ = h.Unlink()
		_ = h.Close()
	}()

	b, err := h.Allocate(cfg.size)
	require.NoError(t, err)
	testutil.Fill(b, 1)
	id, err := h.GetID(b)
	require.NoError(t, err)

	var out bytes.Buffer
	in := strings.NewReader(id.String() + " 2\n")
	err = runConsumer(context.Background(), cfg, shmheap.NoopLogger(), in, &out)
	require.ErrorContains(t, err, "corrupt payload")
	assert.Empty(t, out.String())

	err = runConsumer(context.Background(), cfg, shmheap.NoopLogger(), strings.NewReader("garbage\n"), &out)
	require.ErrorContains(t, err, "malformed line")
}
