package fs

import "os"

// truncateUp extends f to size. It never shrinks the file.
func truncateUp(f *os.File, size int64) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= size {
		return nil
	}
	return f.Truncate(size)
}
