//go:build unix && !linux

package mmap

// osRemap maps the new length before dropping the old view so a failure
// leaves the caller with a usable mapping.
func osRemap(data []byte, fd int, offset int64, newLength int, mode Mode) ([]byte, error) {
	fresh, err := osMap(fd, offset, newLength, mode)
	if err != nil {
		return nil, err
	}
	if err := osUnmap(data); err != nil {
		_ = osUnmap(fresh)
		return nil, err
	}
	return fresh, nil
}
