// Package snapshot serializes arena images for offline inspection.
//
// # Format
//
//	[magic "SHMSNAP1"][compression u8][reserved 3 bytes][image count u32]
//	per image:
//	  [arena index u32][reserved u32][image length u64]
//	  blocks until the image length is covered:
//	    [uncompressed size u32][compressed size u32 (0 = stored raw)][data]
//
// All integers are little-endian. Images are split into blocks of at most
// BlockSize bytes and each block is compressed on its own, falling back to
// raw storage when compression does not pay off.
//
// A decoded image is a byte-for-byte copy of the region, so it can be opened
// with arena.Attach at whatever address it was read into.
package snapshot
