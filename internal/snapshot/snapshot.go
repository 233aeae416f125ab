package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

// BlockSize is the largest chunk of an image compressed as one unit.
const BlockSize = 256 * 1024

// maxImage bounds image lengths read from untrusted input.
const maxImage = 1 << 36

var magic = [8]byte{'S', 'H', 'M', 'S', 'N', 'A', 'P', '1'}

var (
	// ErrCorrupt is returned when the input is not a valid snapshot.
	ErrCorrupt = errors.New("snapshot: corrupt input")
	// ErrUnknownCompression is returned for unsupported compression values.
	ErrUnknownCompression = errors.New("snapshot: unknown compression")
)

// Image is the raw content of one arena region.
type Image struct {
	Index uint32
	Data  []byte
}

// Write encodes images to w and returns the number of bytes written.
func Write(w io.Writer, c Compression, images []Image) (int64, error) {
	if c > CompressionZSTD {
		return 0, fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(c))
	}
	if uint64(len(images)) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d images", ErrCorrupt, len(images))
	}

	var written int64
	put := func(b []byte) error {
		n, err := w.Write(b)
		written += int64(n)
		return err
	}

	head := make([]byte, 16)
	copy(head, magic[:])
	head[8] = byte(c)
	binary.LittleEndian.PutUint32(head[12:], uint32(len(images)))
	if err := put(head); err != nil {
		return written, err
	}

	rec := make([]byte, 16)
	for _, img := range images {
		binary.LittleEndian.PutUint32(rec[0:], img.Index)
		binary.LittleEndian.PutUint64(rec[8:], uint64(len(img.Data)))
		if err := put(rec); err != nil {
			return written, err
		}
		for start := 0; start < len(img.Data); start += BlockSize {
			end := min(start+BlockSize, len(img.Data))
			block, err := encodeBlock(img.Data[start:end], c)
			if err != nil {
				return written, err
			}
			if err := put(block); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Read decodes a snapshot produced by Write.
func Read(r io.Reader) (Compression, []Image, error) {
	head := make([]byte, 16)
	if _, err := io.ReadFull(r, head); err != nil {
		return 0, nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}
	if [8]byte(head[:8]) != magic {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	c := Compression(head[8])
	if c > CompressionZSTD {
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownCompression, head[8])
	}
	count := binary.LittleEndian.Uint32(head[12:])

	images := make([]Image, 0, min(count, 1024))
	rec := make([]byte, 16)
	bh := make([]byte, blockHeaderSize)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return c, nil, fmt.Errorf("%w: image %d: %w", ErrCorrupt, i, err)
		}
		img := Image{Index: binary.LittleEndian.Uint32(rec[0:])}
		length := binary.LittleEndian.Uint64(rec[8:])
		if length > maxImage {
			return c, nil, fmt.Errorf("%w: image %d claims %d bytes", ErrCorrupt, img.Index, length)
		}
		// Data grows with the blocks actually present, never with the
		// claimed length.
		img.Data = make([]byte, 0, min(length, BlockSize))

		for uint64(len(img.Data)) < length {
			pos := len(img.Data)
			if _, err := io.ReadFull(r, bh); err != nil {
				return c, nil, fmt.Errorf("%w: block header: %w", ErrCorrupt, err)
			}
			raw := int(binary.LittleEndian.Uint32(bh[0:]))
			packed := int(binary.LittleEndian.Uint32(bh[4:]))
			if raw == 0 || raw > BlockSize || uint64(pos+raw) > length {
				return c, nil, fmt.Errorf("%w: block of %d bytes at %d", ErrCorrupt, raw, pos)
			}
			img.Data = slices.Grow(img.Data, raw)[:pos+raw]
			dst := img.Data[pos : pos+raw]
			if packed == 0 {
				if _, err := io.ReadFull(r, dst); err != nil {
					return c, nil, fmt.Errorf("%w: raw block: %w", ErrCorrupt, err)
				}
			} else {
				if packed > 2*BlockSize {
					return c, nil, fmt.Errorf("%w: compressed block of %d bytes", ErrCorrupt, packed)
				}
				payload := make([]byte, packed)
				if _, err := io.ReadFull(r, payload); err != nil {
					return c, nil, fmt.Errorf("%w: compressed block: %w", ErrCorrupt, err)
				}
				if err := decodeBlock(payload, dst, c); err != nil {
					return c, nil, err
				}
			}
		}
		images = append(images, img)
	}
	return c, images, nil
}
