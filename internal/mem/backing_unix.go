//go:build unix

package mem

import (
	"errors"

	"golang.org/x/sys/unix"
)

// backing is an anonymous private mapping. MAP_NORESERVE keeps the
// reservation lazy: pages are faulted in only when touched, so a large heap
// capacity does not commit memory up front.
type backing struct {
	data []byte
}

func reserveBacking(size uint64) (backing, error) {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return backing{}, err
	}

	return backing{data: data}, nil
}

func (b backing) view(start, size uint64) []byte {
	return b.data[start : start+size]
}

func (b backing) release() error {
	if b.data == nil {
		return nil
	}

	err := unix.Munmap(b.data)
	if errors.Is(err, unix.EINVAL) {
		// Double-release is a no-op for callers.
		return nil
	}

	return err
}
