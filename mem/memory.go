package mem

/// Memory is the simulated machine's physical memory array: a flat byte
/// buffer sliced into PageSize frames. It is the concrete backing store a
/// host Processor implementation exposes to the kernel; the kernel only
/// ever touches it through Frame, never by raw offset.
type Memory struct {
	bytes []byte
}

/// NewMemory allocates a zero-filled physical memory of numFrames pages.
func NewMemory(numFrames int) *Memory {
	return &Memory{bytes: make([]byte, numFrames*PageSize)}
}

/// Frame returns the PageSize-byte slice backing frame ppn. The slice
/// aliases the underlying array; writes through it are visible to every
/// other holder of the same ppn, exactly like real physical memory.
func (m *Memory) Frame(ppn Pa) []byte {
	off := int(ppn) * PageSize
	return m.bytes[off : off+PageSize]
}

/// NumFrames reports how many PageSize frames this memory holds.
func (m *Memory) NumFrames() int {
	return len(m.bytes) / PageSize
}
