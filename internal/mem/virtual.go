package mem

// VirtualManager reserves page-sized slots in the heap's virtual address
// space. Address space is carved out monotonically; ranges of detached pages
// are recycled through a per-size reuse list since the address space of a
// fixed-capacity heap is finite.
type VirtualManager struct {
	next  uint64
	limit uint64
	reuse map[uint64][]VirtualRange // Keyed by range size.
}

// NewVirtualManager reserves limit bytes of address space.
func NewVirtualManager(limit uint64) *VirtualManager {
	checkGranule(limit)

	return &VirtualManager{
		limit: limit,
		reuse: make(map[uint64][]VirtualRange),
	}
}

// Alloc reserves a range of the given size, preferring recycled ranges.
// Returns false when the address space is exhausted.
func (vm *VirtualManager) Alloc(size uint64) (VirtualRange, bool) {
	checkGranule(size)

	if ranges := vm.reuse[size]; len(ranges) > 0 {
		vr := ranges[len(ranges)-1]
		vm.reuse[size] = ranges[:len(ranges)-1]

		return vr, true
	}

	if vm.limit-vm.next < size {
		return VirtualRange{}, false
	}

	vr := VirtualRange{Start: vm.next, Size: size}
	vm.next += size

	return vr, true
}

// Recycle makes a detached page's range available for reuse.
func (vm *VirtualManager) Recycle(vr VirtualRange) {
	vm.reuse[vr.Size] = append(vm.reuse[vr.Size], vr)
}
