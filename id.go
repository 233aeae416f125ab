package shmheap

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/RedhawkSDR/core-framework-sub010/internal/conv"
)

// BlockIDSize is the length of the binary form of a BlockID.
const BlockIDSize = 16

// BlockID names a block independently of where any process maps it:
// the arena index within the heap and the payload offset within the arena.
type BlockID struct {
	Arena  uint32
	Offset uint64
}

// String returns the text form "arena:offset".
func (id BlockID) String() string {
	return strconv.FormatUint(uint64(id.Arena), 10) + ":" + strconv.FormatUint(id.Offset, 10)
}

// AppendBinary appends the 16-byte little-endian form of id to b.
func (id BlockID) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, uint64(id.Arena))
	return binary.LittleEndian.AppendUint64(b, id.Offset), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (id BlockID) MarshalBinary() ([]byte, error) {
	return id.AppendBinary(make([]byte, 0, BlockIDSize))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *BlockID) UnmarshalBinary(data []byte) error {
	if len(data) != BlockIDSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidID, len(data))
	}
	arena, err := conv.Uint64ToUint32(binary.LittleEndian.Uint64(data[0:8]))
	if err != nil {
		return fmt.Errorf("%w: arena: %w", ErrInvalidID, err)
	}
	id.Arena = arena
	id.Offset = binary.LittleEndian.Uint64(data[8:16])
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (id BlockID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *BlockID) UnmarshalText(text []byte) error {
	parsed, err := ParseBlockID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseBlockID parses the text form produced by BlockID.String.
func ParseBlockID(s string) (BlockID, error) {
	a, o, ok := strings.Cut(s, ":")
	if !ok {
		return BlockID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	arena, err := strconv.ParseUint(a, 10, 32)
	if err != nil {
		return BlockID{}, fmt.Errorf("%w: %q: %w", ErrInvalidID, s, err)
	}
	offset, err := strconv.ParseUint(o, 10, 64)
	if err != nil {
		return BlockID{}, fmt.Errorf("%w: %q: %w", ErrInvalidID, s, err)
	}
	return BlockID{Arena: uint32(arena), Offset: offset}, nil
}
