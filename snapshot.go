package shmheap

import (
	"errors"
	"fmt"
	"io"

	"github.com/RedhawkSDR/core-framework-sub010/internal/arena"
	"github.com/RedhawkSDR/core-framework-sub010/internal/snapshot"
)

// Compression selects how snapshot blocks are compressed.
type Compression = snapshot.Compression

const (
	CompressionNone = snapshot.CompressionNone
	CompressionLZ4  = snapshot.CompressionLZ4
	CompressionZSTD = snapshot.CompressionZSTD
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	return snapshot.ParseCompression(s)
}

// Snapshot writes a copy of every arena to w. Each arena is copied under
// its own lock, so the snapshot is consistent per arena but not across
// arenas. It returns the number of bytes written.
func (h *Heap) Snapshot(w io.Writer, c Compression) (int64, error) {
	if h.closed.Load() {
		return 0, ErrClosed
	}
	list := h.list()
	images := make([]snapshot.Image, 0, len(list))
	for _, a := range list {
		images = append(images, snapshot.Image{Index: a.index, Data: a.arena.Image()})
	}
	n, err := snapshot.Write(w, c, images)
	h.log.LogSnapshot(len(images), n, err)
	return n, err
}

// SnapshotArena is one arena decoded from a snapshot.
type SnapshotArena struct {
	Heap  string
	Stats ArenaStats
	arena *arena.Arena
}

// Dump writes every block of the arena to w.
func (s *SnapshotArena) Dump(w io.Writer) error {
	return s.arena.Dump(w)
}

// ReadSnapshot decodes a snapshot written by Heap.Snapshot and verifies
// the block structure of every arena in it.
func ReadSnapshot(r io.Reader) ([]*SnapshotArena, error) {
	_, images, err := snapshot.Read(r)
	if err != nil {
		return nil, err
	}
	out := make([]*SnapshotArena, 0, len(images))
	var errs []error
	for _, img := range images {
		a, err := arena.Attach(img.Data)
		if err == nil && a.Index() != img.Index {
			err = fmt.Errorf("%w: image %d holds arena %d", ErrCorrupt, img.Index, a.Index())
		}
		if err == nil {
			err = a.Check()
		}
		if err != nil {
			errs = append(errs, &ArenaError{Index: img.Index, Op: "snapshot", Err: err})
			continue
		}
		out = append(out, &SnapshotArena{Heap: a.HeapName(), Stats: a.Stats(), arena: a})
	}
	return out, errors.Join(errs...)
}
