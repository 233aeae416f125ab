//go:build linux

package mmap

import "golang.org/x/sys/unix"

func osRemap(data []byte, _ int, _ int64, newLength int, _ Mode) ([]byte, error) {
	return unix.Mremap(data, newLength, unix.MREMAP_MAYMOVE)
}
