package twoq_cache

import (
	"runtime"
	"sort"
	"sync"
)

// PageLockManager is a partitioned lock table keyed by (fileId, pageIndex).
// Keys are spread over a fixed set of reader-writer lock stripes so that
// distinct pages rarely contend. Lock and release calls for the same key must
// be paired by the caller.
type PageLockManager struct {
	stripes []sync.RWMutex
	mask    uint64
}

func NewPageLockManager() *PageLockManager {
	count := closestPowerOfTwo(runtime.NumCPU() * 8)
	return &PageLockManager{
		stripes: make([]sync.RWMutex, count),
		mask:    uint64(count - 1),
	}
}

func closestPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// 64 bit finalizer borrowed from murmur3, good avalanche for sequential
// page indexes.
func mix(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func (m *PageLockManager) stripeIndex(fileID, pageIndex uint64) uint64 {
	return mix(fileID*2654435761 + pageIndex) & m.mask
}

func (m *PageLockManager) AcquireExclusiveLock(fileID, pageIndex uint64) {
	m.stripes[m.stripeIndex(fileID, pageIndex)].Lock()
}

func (m *PageLockManager) ReleaseExclusiveLock(fileID, pageIndex uint64) {
	m.stripes[m.stripeIndex(fileID, pageIndex)].Unlock()
}

func (m *PageLockManager) AcquireSharedLock(fileID, pageIndex uint64) {
	m.stripes[m.stripeIndex(fileID, pageIndex)].RLock()
}

func (m *PageLockManager) ReleaseSharedLock(fileID, pageIndex uint64) {
	m.stripes[m.stripeIndex(fileID, pageIndex)].RUnlock()
}

// AcquireExclusiveLocksInBatch locks all distinct stripes covering the given
// keys and returns the release function. Stripes are deduplicated (several
// keys may share one) and locked in ascending stripe order; every batched or
// single key acquirer follows the same order, so batches cannot deadlock with
// each other or with single page lock users.
func (m *PageLockManager) AcquireExclusiveLocksInBatch(keys []PageKey) (release func()) {
	seen := make(map[uint64]struct{}, len(keys))
	stripes := make([]uint64, 0, len(keys))
	for _, key := range keys {
		idx := m.stripeIndex(key.FileID, key.PageIndex)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		stripes = append(stripes, idx)
	}
	sort.Slice(stripes, func(i, j int) bool { return stripes[i] < stripes[j] })

	for _, idx := range stripes {
		m.stripes[idx].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			m.stripes[stripes[i]].Unlock()
		}
	}
}
