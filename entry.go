package twoq_cache

import (
	"sync"
	"sync/atomic"

	"github.com/ryogrid/pagecache-go-for-embedding/pointer"
)

// CacheEntry is one resident (or ghost) page of the read cache. Queue
// membership, the pointer slot and the usages count are mutated under the
// entry's page lock, except that the pinned pages fast path increments the
// usages count without it; the usages count itself is atomic because of that
// path and because the eviction pass inspects it under the exclusive cache
// latch.
//
// While the entry sits in the a1out ghost queue its data pointer is nil;
// everywhere else (a1in, am, pinned pages) the pointer is attached and the
// cache holds one reader reference on it.
type CacheEntry struct {
	fileID    uint64
	pageIndex uint64

	dataPointer *pointer.CachePointer

	usagesCount atomic.Int32

	// intrinsic lock: shared for readers, exclusive for writers, held by the
	// caller between load and release
	lock sync.RWMutex
}

func newCacheEntry(fileID, pageIndex uint64, dataPointer *pointer.CachePointer) *CacheEntry {
	return &CacheEntry{
		fileID:      fileID,
		pageIndex:   pageIndex,
		dataPointer: dataPointer,
	}
}

func (e *CacheEntry) FileID() uint64 {
	return e.fileID
}

func (e *CacheEntry) PageIndex() uint64 {
	return e.pageIndex
}

// CachePointer returns the attached data pointer, nil while the entry is
// parked in the ghost queue.
func (e *CacheEntry) CachePointer() *pointer.CachePointer {
	return e.dataPointer
}

func (e *CacheEntry) setCachePointer(p *pointer.CachePointer) {
	e.dataPointer = p
}

func (e *CacheEntry) clearCachePointer() {
	e.dataPointer = nil
}

func (e *CacheEntry) IncrementUsages() {
	e.usagesCount.Add(1)
}

func (e *CacheEntry) DecrementUsages() {
	if e.usagesCount.Add(-1) < 0 {
		panic("usages count of cache entry dropped below zero")
	}
}

// UsagesCount is the number of concurrent holders of the entry. A value above
// zero guarantees the entry is neither evictable nor removable.
func (e *CacheEntry) UsagesCount() int32 {
	return e.usagesCount.Load()
}

func (e *CacheEntry) AcquireSharedLock() {
	e.lock.RLock()
}

func (e *CacheEntry) ReleaseSharedLock() {
	e.lock.RUnlock()
}

func (e *CacheEntry) AcquireExclusiveLock() {
	e.lock.Lock()
}

func (e *CacheEntry) ReleaseExclusiveLock() {
	e.lock.Unlock()
}
