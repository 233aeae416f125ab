// Package liveset tracks the blocks a heap has handed out, per arena.
//
// Offsets are stored as granule numbers in Roaring Bitmaps, so a heap with
// millions of live blocks costs a few bytes per block. The set only backs
// debug checks (double free, foreign pointers); allocation never consults it.
package liveset
