//go:build !unix

package mem

// backing falls back to a heap slice on platforms without anonymous mmap.
type backing struct {
	data []byte
}

func reserveBacking(size uint64) (backing, error) {
	return backing{data: make([]byte, size)}, nil
}

func (b backing) view(start, size uint64) []byte {
	return b.data[start : start+size]
}

func (b backing) release() error {
	return nil
}
