//go:build linux

package scratch

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// reserve sizes f to exactly size bytes, asking the kernel to back the range
// with zeroed blocks up front.
func reserve(f *os.File, size int64) error {
	if size == 0 {
		return f.Truncate(0)
	}
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return f.Truncate(size)
	}
	return err
}
