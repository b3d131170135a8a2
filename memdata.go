package twoq_cache

// MemoryData is an immutable snapshot of the cache memory budget. It is
// replaced as a whole by compare-and-swap whenever the maximum size or the
// amount of pinned pages changes, so every derived quantity read from a
// single snapshot is mutually consistent.
type MemoryData struct {
	maxSize     int
	pinnedPages int
}

// TwoQSize is the amount of pages which may be kept by the a1in and am
// queues together.
func (m *MemoryData) TwoQSize() int {
	return m.maxSize - m.pinnedPages
}

// KIn is the a1in size above which the eviction pass takes its victims from
// a1in rather than from am. It does not cap a1in: with am empty, a1in may
// fill the whole TwoQSize.
func (m *MemoryData) KIn() int {
	return m.TwoQSize() / 4
}

// KOut is the upper bound of the a1out ghost queue.
func (m *MemoryData) KOut() int {
	return m.TwoQSize() / 2
}

func (m *MemoryData) MaxSize() int {
	return m.maxSize
}

func (m *MemoryData) PinnedPages() int {
	return m.pinnedPages
}
