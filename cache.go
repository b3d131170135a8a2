package twoq_cache

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryogrid/pagecache-go-for-embedding/interfaces"
	"github.com/ryogrid/pagecache-go-for-embedding/pointer"
)

const (
	// MinCacheSize is the smallest capacity in pages the cache may be
	// created with when the minimum is enforced.
	MinCacheSize = 256

	// MaxPercentOfPinnedPages bounds the configurable pinned pages share.
	MaxPercentOfPinnedPages = 50

	maxPinnedPagesWarnings = 10
)

/*
 *  Notes:
 *
 *  The cache keeps resident pages in two queues: a1in holds pages seen once,
 *  am holds pages seen at least twice. A third queue, a1out, remembers keys
 *  recently evicted from a1in without keeping their data; a hit on a1out is
 *  the second access which promotes the page into am. Scans therefore flow
 *  through a1in and a1out without ever polluting the hot set.
 *
 *  Pinned pages live outside the queues in their own table and are exempt
 *  from eviction; their amount is capped as a percentage of the total
 *  capacity and accounted in the MemoryData snapshot together with the
 *  maximum size, so that queue bounds derived from one snapshot are always
 *  mutually consistent.
 *
 *  The lock hierarchy, acquired top down and released in reverse:
 *
 *    1. cacheLatch   - readers-writer spinlatch; shared by the data plane,
 *                      exclusive by eviction and storage wide operations
 *    2. file lock    - shared for page operations, exclusive for file
 *                      lifecycle operations and page allocation
 *    3. page lock    - exclusive for any mutation of queue membership,
 *                      pointer slot or usages count
 *    4. entry lock   - shared for readers, exclusive for writers, held by
 *                      the caller between load and release
 *    5. pointer lock - exclusive write lock of the buffer, held by writers
 *
 *  Multi page prefetches take their page locks in one deadlock free batch.
 */

// TwoQCache is a 2Q based page read cache sitting between callers which need
// fixed size pages of a file and the write cache owning the page buffers.
type TwoQCache struct {
	writeCache interfaces.WriteCache
	pageSize   int

	am    *LRUList
	a1out *LRUList
	a1in  *LRUList

	// PinnedKey -> *CacheEntry, pages excluded from the queues
	pinnedPages sync.Map

	// fileId -> *pageIndexSet, every page index tracked by any of the four
	// locations for that file
	filePages sync.Map

	cacheLatch RWSpinLatch
	fileLocks  *FileLockManager
	pageLocks  *PageLockManager

	memoryData atomic.Pointer[MemoryData]

	percentOfPinnedPages int

	cacheRequests atomic.Int64
	cacheHits     atomic.Int64

	pinnedPagesWarnings atomic.Int32

	logger *zap.Logger
	stats  *statsReporter
}

type updateResult struct {
	entry           *CacheEntry
	removeColdPages bool
	cacheHit        bool
}

// New creates a read cache over the given write cache. The capacity is
// maxMemoryBytes divided by pageSize; when enforceMinCacheSize is set a
// capacity below MinCacheSize pages is raised to MinCacheSize. A nil logger
// disables logging. When printStatistics is set, usage statistics are logged
// every statisticsInterval (a non positive interval falls back to one
// minute).
func New(
	writeCache interfaces.WriteCache,
	logger *zap.Logger,
	maxMemoryBytes int64,
	pageSize int,
	enforceMinCacheSize bool,
	percentOfPinnedPages int,
	printStatistics bool,
	statisticsInterval time.Duration,
) (*TwoQCache, error) {
	if percentOfPinnedPages > MaxPercentOfPinnedPages {
		return nil, fmt.Errorf("percent of pinned pages is %d: %w", percentOfPinnedPages, ErrPinnedPercentTooHigh)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	maxSize := normalizeMemory(maxMemoryBytes, pageSize)
	if enforceMinCacheSize && maxSize < MinCacheSize {
		maxSize = MinCacheSize
	}
	if maxSize < 1 {
		return nil, fmt.Errorf("%d bytes with page size %d: %w", maxMemoryBytes, pageSize, ErrCacheSizeTooSmall)
	}

	c := &TwoQCache{
		writeCache:           writeCache,
		pageSize:             pageSize,
		am:                   NewLRUList(),
		a1out:                NewLRUList(),
		a1in:                 NewLRUList(),
		fileLocks:            NewFileLockManager(),
		pageLocks:            NewPageLockManager(),
		percentOfPinnedPages: percentOfPinnedPages,
		logger:               logger,
	}
	c.memoryData.Store(&MemoryData{maxSize: maxSize, pinnedPages: 0})

	if printStatistics {
		c.stats = startStatsReporter(c, statisticsInterval)
	}

	return c, nil
}

func normalizeMemory(maxMemoryBytes int64, pageSize int) int {
	size := maxMemoryBytes / int64(pageSize)
	if size > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(size)
}

// AddFile registers a new file in the write cache and starts tracking its
// pages.
func (c *TwoQCache) AddFile(name string) (uint64, error) {
	c.cacheLatch.ReadLock()
	defer c.cacheLatch.ReadRelease()

	fileID, err := c.writeCache.AddFile(name)
	if err != nil {
		return 0, err
	}
	return fileID, c.trackFile(fileID)
}

// AddFileWithID registers a new file under the given id hint.
func (c *TwoQCache) AddFileWithID(name string, fileID uint64) (uint64, error) {
	fileID, err := c.checkFileIDCompatibility(fileID)
	if err != nil {
		return 0, err
	}

	c.cacheLatch.ReadLock()
	defer c.cacheLatch.ReadRelease()

	fileID, err = c.writeCache.AddFileWithID(name, fileID)
	if err != nil {
		return 0, err
	}
	return fileID, c.trackFile(fileID)
}

func (c *TwoQCache) trackFile(fileID uint64) error {
	if existing, ok := c.filePages.Load(fileID); ok {
		if existing.(*pageIndexSet).Len() > 0 {
			return fmt.Errorf("file with id %d: %w", fileID, ErrFileAlreadyTracked)
		}
		return nil
	}
	c.filePages.Store(fileID, newPageIndexSet())
	return nil
}

// LoadForRead returns the requested page with one usage and an acquired
// shared entry lock, or nil if the page does not exist. The caller must hand
// the entry back through ReleaseFromRead. Up to pageCount contiguous pages
// are prefetched on a miss.
func (c *TwoQCache) LoadForRead(fileID, pageIndex uint64, checkPinnedPages bool, pageCount int, verifyChecksums bool) (*CacheEntry, error) {
	entry, err := c.loadEntry(fileID, pageIndex, checkPinnedPages, pageCount, verifyChecksums)
	if err != nil || entry == nil {
		return nil, err
	}
	entry.AcquireSharedLock()
	return entry, nil
}

// LoadForWrite is LoadForRead with an exclusive entry lock; the page is
// recorded in the write cache's dirty pages table and its buffer is locked
// for writing until ReleaseFromWrite.
func (c *TwoQCache) LoadForWrite(fileID, pageIndex uint64, checkPinnedPages bool, pageCount int, verifyChecksums bool) (*CacheEntry, error) {
	entry, err := c.loadEntry(fileID, pageIndex, checkPinnedPages, pageCount, verifyChecksums)
	if err != nil || entry == nil {
		return nil, err
	}
	if err := c.markForWrite(entry); err != nil {
		c.decrementUsages(entry)
		return nil, err
	}
	return entry, nil
}

func (c *TwoQCache) markForWrite(entry *CacheEntry) error {
	entry.AcquireExclusiveLock()
	dataPointer := entry.CachePointer()
	dataPointer.AcquireExclusiveLock()
	if err := c.writeCache.UpdateDirtyPagesTable(dataPointer); err != nil {
		dataPointer.ReleaseExclusiveLock()
		entry.ReleaseExclusiveLock()
		return err
	}
	return nil
}

func (c *TwoQCache) loadEntry(fileID, pageIndex uint64, checkPinnedPages bool, pageCount int, verifyChecksums bool) (*CacheEntry, error) {
	fileID, err := c.checkFileIDCompatibility(fileID)
	if err != nil {
		return nil, err
	}
	if pageCount < 1 {
		return nil, fmt.Errorf("page count is %d: %w", pageCount, ErrInvalidPageCount)
	}

	res, err := c.load(fileID, pageIndex, checkPinnedPages, false, pageCount, verifyChecksums)
	if err != nil {
		return nil, err
	}

	if res.removeColdPages {
		if err := c.removeColdestPagesIfNeeded(); err != nil {
			if res.entry != nil {
				c.decrementUsages(res.entry)
			}
			return nil, err
		}
	}

	c.cacheRequests.Add(1)
	if res.cacheHit {
		c.cacheHits.Add(1)
	}

	return res.entry, nil
}

// load takes the shared latches and runs the cache consultation. The caller
// must not hold any cache locks.
func (c *TwoQCache) load(fileID, pageIndex uint64, checkPinnedPages, addNewPages bool, pageCount int, verifyChecksums bool) (updateResult, error) {
	c.cacheLatch.ReadLock()
	defer c.cacheLatch.ReadRelease()

	c.fileLocks.ReadLock(fileID)
	defer c.fileLocks.ReadRelease(fileID)

	return c.doLoad(fileID, pageIndex, checkPinnedPages, addNewPages, pageCount, verifyChecksums)
}

// doLoad expects the cache latch in shared mode and the file lock (shared or
// exclusive) to be held by the caller.
func (c *TwoQCache) doLoad(fileID, pageIndex uint64, checkPinnedPages, addNewPages bool, pageCount int, verifyChecksums bool) (updateResult, error) {
	if checkPinnedPages {
		// pinned fast path, no page lock
		if pinned, ok := c.pinnedPages.Load(PinnedKey{fileID, pageIndex}); ok {
			entry := pinned.(*CacheEntry)
			entry.IncrementUsages()
			return updateResult{entry: entry, cacheHit: true}, nil
		}
	}

	pageKeys := make([]PageKey, pageCount)
	for i := range pageKeys {
		pageKeys[i] = PageKey{fileID, pageIndex + uint64(i)}
	}
	release := c.pageLocks.AcquireExclusiveLocksInBatch(pageKeys)
	defer release()

	if checkPinnedPages {
		// re-check under the page lock, the page may have been pinned since
		if pinned, ok := c.pinnedPages.Load(PinnedKey{fileID, pageIndex}); ok {
			entry := pinned.(*CacheEntry)
			entry.IncrementUsages()
			return updateResult{entry: entry, cacheHit: true}, nil
		}
	}

	res, err := c.updateCache(fileID, pageIndex, addNewPages, pageCount, verifyChecksums)
	if err != nil || res.entry == nil {
		return res, err
	}
	res.entry.IncrementUsages()
	return res, nil
}

// updateCache runs the 2Q admission and promotion state machine for the
// primary page and processes any prefetched siblings. Expects the page locks
// of all pageCount keys to be held.
func (c *TwoQCache) updateCache(fileID, pageIndex uint64, addNewPages bool, pageCount int, verifyChecksums bool) (updateResult, error) {
	if entry := c.am.Get(fileID, pageIndex); entry != nil {
		c.am.PutToMRU(entry)
		return updateResult{entry: entry, cacheHit: true}, nil
	}

	if entry := c.a1out.Remove(fileID, pageIndex); entry != nil {
		// second access: the ghost becomes hot
		dataPointers, writeCacheHit, err := c.writeCache.Load(fileID, pageIndex, pageCount, false, verifyChecksums)
		if err != nil {
			c.a1out.PutToMRU(entry)
			return updateResult{}, err
		}
		if len(dataPointers) == 0 {
			c.a1out.PutToMRU(entry)
			return updateResult{}, fmt.Errorf("page with index %d of file with id %d: %w", pageIndex, fileID, ErrPageNotFoundInCache)
		}
		entry.setCachePointer(dataPointers[0])
		c.am.PutToMRU(entry)
		c.processFetchedPages(fileID, pageIndex, dataPointers)
		return updateResult{entry: entry, removeColdPages: true, cacheHit: writeCacheHit}, nil
	}

	if entry := c.a1in.Get(fileID, pageIndex); entry != nil {
		return updateResult{entry: entry, cacheHit: true}, nil
	}

	dataPointers, writeCacheHit, err := c.writeCache.Load(fileID, pageIndex, pageCount, addNewPages, verifyChecksums)
	if err != nil {
		return updateResult{}, err
	}
	if len(dataPointers) == 0 {
		// the page does not exist and allocation was not requested
		return updateResult{}, nil
	}

	entry := newCacheEntry(fileID, pageIndex, dataPointers[0])
	c.a1in.PutToMRU(entry)
	c.pageSetFor(fileID).Add(pageIndex)
	c.processFetchedPages(fileID, pageIndex, dataPointers)
	return updateResult{entry: entry, removeColdPages: true, cacheHit: writeCacheHit}, nil
}

func (c *TwoQCache) processFetchedPages(fileID, startPageIndex uint64, dataPointers []*pointer.CachePointer) {
	for i := 1; i < len(dataPointers); i++ {
		c.processFetchedPage(fileID, startPageIndex+uint64(i), dataPointers[i])
	}
}

// processFetchedPage admits a prefetched sibling. A resident copy is always
// authoritative: the freshly fetched pointer is dropped if the page is
// already held anywhere with data.
func (c *TwoQCache) processFetchedPage(fileID, pageIndex uint64, dataPointer *pointer.CachePointer) {
	if _, ok := c.pinnedPages.Load(PinnedKey{fileID, pageIndex}); ok {
		dataPointer.DecrementReadersReferrer()
		return
	}
	if c.am.Get(fileID, pageIndex) != nil || c.a1in.Get(fileID, pageIndex) != nil {
		dataPointer.DecrementReadersReferrer()
		return
	}
	if entry := c.a1out.Remove(fileID, pageIndex); entry != nil {
		entry.setCachePointer(dataPointer)
		c.am.PutToMRU(entry)
		return
	}

	entry := newCacheEntry(fileID, pageIndex, dataPointer)
	c.a1in.PutToMRU(entry)
	c.pageSetFor(fileID).Add(pageIndex)
}

// ReleaseFromRead hands back an entry obtained from LoadForRead.
func (c *TwoQCache) ReleaseFromRead(entry *CacheEntry) {
	c.decrementUsages(entry)
	entry.ReleaseSharedLock()
}

// ReleaseFromWrite hands back an entry obtained from LoadForWrite or
// AllocateNewPage. The page is stored into the write cache before the page
// lock is dropped; the exclusive buffer lock is released only after the page
// lock, so that a concurrent flush cannot drop the dirty pages table entry
// before the write cache observed this update.
func (c *TwoQCache) ReleaseFromWrite(entry *CacheEntry) error {
	fileID, pageIndex := entry.FileID(), entry.PageIndex()
	dataPointer := entry.CachePointer()

	c.cacheLatch.ReadLock()
	c.fileLocks.ReadLock(fileID)
	c.pageLocks.AcquireExclusiveLock(fileID, pageIndex)

	entry.DecrementUsages()
	err := c.writeCache.Store(fileID, pageIndex, dataPointer)

	c.pageLocks.ReleaseExclusiveLock(fileID, pageIndex)
	c.fileLocks.ReadRelease(fileID)
	c.cacheLatch.ReadRelease()

	dataPointer.ReleaseExclusiveLock()
	entry.ReleaseExclusiveLock()

	return err
}

func (c *TwoQCache) decrementUsages(entry *CacheEntry) {
	fileID, pageIndex := entry.FileID(), entry.PageIndex()

	c.cacheLatch.ReadLock()
	c.fileLocks.ReadLock(fileID)
	c.pageLocks.AcquireExclusiveLock(fileID, pageIndex)

	entry.DecrementUsages()

	c.pageLocks.ReleaseExclusiveLock(fileID, pageIndex)
	c.fileLocks.ReadRelease(fileID)
	c.cacheLatch.ReadRelease()
}

// PinPage moves the entry out of the queues into the pinned pages table so
// that eviction never touches it. The caller must hold the entry (a usage
// obtained from a load). When the configured pinned pages share would be
// exceeded the pin is skipped; a bounded amount of warnings is logged.
func (c *TwoQCache) PinPage(entry *CacheEntry) error {
	memData := c.memoryData.Load()
	if (100*(memData.pinnedPages+1))/memData.maxSize > c.percentOfPinnedPages {
		if c.pinnedPagesWarnings.Add(1) <= maxPinnedPagesWarnings {
			c.logger.Warn("page cannot be pinned, pinned pages limit is reached",
				zap.Uint64("fileId", entry.FileID()),
				zap.Uint64("pageIndex", entry.PageIndex()),
				zap.Int("pinnedPages", memData.pinnedPages),
				zap.Int("percentOfPinnedPages", c.percentOfPinnedPages))
		}
		return nil
	}

	fileID, pageIndex := entry.FileID(), entry.PageIndex()

	c.cacheLatch.ReadLock()
	c.fileLocks.ReadLock(fileID)
	c.pageLocks.AcquireExclusiveLock(fileID, pageIndex)

	err := c.removeFromQueues(fileID, pageIndex)
	if err == nil {
		c.pinnedPages.Store(PinnedKey{fileID, pageIndex}, entry)
	}

	c.pageLocks.ReleaseExclusiveLock(fileID, pageIndex)
	c.fileLocks.ReadRelease(fileID)
	c.cacheLatch.ReadRelease()

	if err != nil {
		return err
	}

	for {
		memData = c.memoryData.Load()
		newMemData := &MemoryData{maxSize: memData.maxSize, pinnedPages: memData.pinnedPages + 1}
		if c.memoryData.CompareAndSwap(memData, newMemData) {
			break
		}
	}

	return c.removeColdestPagesIfNeeded()
}

// removeFromQueues extracts the key from whichever queue holds it. The pinned
// candidate is held by the caller, so exactly one usage is tolerated.
func (c *TwoQCache) removeFromQueues(fileID, pageIndex uint64) error {
	if entry := c.am.Get(fileID, pageIndex); entry != nil {
		if entry.UsagesCount() > 1 {
			return fmt.Errorf("page with index %d for file with id %d: %w", pageIndex, fileID, ErrPageIsUsedAndCannotBeRemoved)
		}
		c.am.Remove(fileID, pageIndex)
		return nil
	}
	if c.a1out.Remove(fileID, pageIndex) != nil {
		return nil
	}
	if entry := c.a1in.Get(fileID, pageIndex); entry != nil {
		if entry.UsagesCount() > 1 {
			return fmt.Errorf("page with index %d for file with id %d: %w", pageIndex, fileID, ErrPageIsUsedAndCannotBeRemoved)
		}
		c.a1in.Remove(fileID, pageIndex)
	}
	return nil
}

// AllocateNewPage appends a page to the file and returns its entry, loaded
// for write. Counts as one request and one hit.
func (c *TwoQCache) AllocateNewPage(fileID uint64) (*CacheEntry, error) {
	fileID, err := c.checkFileIDCompatibility(fileID)
	if err != nil {
		return nil, err
	}

	res, err := c.allocate(fileID)
	if err != nil {
		return nil, err
	}
	if res.entry == nil {
		return nil, fmt.Errorf("new page of file with id %d: %w", fileID, ErrPageNotFoundInCache)
	}

	if res.removeColdPages {
		if err := c.removeColdestPagesIfNeeded(); err != nil {
			c.decrementUsages(res.entry)
			return nil, err
		}
	}

	c.cacheRequests.Add(1)
	c.cacheHits.Add(1)

	if err := c.markForWrite(res.entry); err != nil {
		c.decrementUsages(res.entry)
		return nil, err
	}
	return res.entry, nil
}

func (c *TwoQCache) allocate(fileID uint64) (updateResult, error) {
	c.cacheLatch.ReadLock()
	defer c.cacheLatch.ReadRelease()

	c.fileLocks.WriteLock(fileID)
	defer c.fileLocks.WriteRelease(fileID)

	filledUpTo, err := c.writeCache.FilledUpTo(fileID)
	if err != nil {
		return updateResult{}, err
	}
	return c.doLoad(fileID, filledUpTo, false, true, 1, false)
}

// TruncateFile drops every page of the file from the write cache and from
// the read cache.
func (c *TwoQCache) TruncateFile(fileID uint64) error {
	fileID, err := c.checkFileIDCompatibility(fileID)
	if err != nil {
		return err
	}

	c.cacheLatch.ReadLock()
	defer c.cacheLatch.ReadRelease()

	c.fileLocks.WriteLock(fileID)
	defer c.fileLocks.WriteRelease(fileID)

	if err := c.writeCache.TruncateFile(fileID); err != nil {
		return err
	}
	return c.clearFile(fileID)
}

// CloseFile closes the file inside the write cache and drops its pages from
// the read cache. The tracked page set of the file stays registered.
func (c *TwoQCache) CloseFile(fileID uint64, flush bool) error {
	fileID, err := c.checkFileIDCompatibility(fileID)
	if err != nil {
		return err
	}

	c.cacheLatch.ReadLock()
	defer c.cacheLatch.ReadRelease()

	c.fileLocks.WriteLock(fileID)
	defer c.fileLocks.WriteRelease(fileID)

	if err := c.writeCache.CloseFile(fileID, flush); err != nil {
		return err
	}
	return c.clearFile(fileID)
}

// DeleteFile removes the file from the write cache and stops tracking it.
func (c *TwoQCache) DeleteFile(fileID uint64) error {
	fileID, err := c.checkFileIDCompatibility(fileID)
	if err != nil {
		return err
	}

	c.cacheLatch.ReadLock()
	defer c.cacheLatch.ReadRelease()

	c.fileLocks.WriteLock(fileID)
	defer c.fileLocks.WriteRelease(fileID)

	if err := c.writeCache.DeleteFile(fileID); err != nil {
		return err
	}
	if err := c.clearFile(fileID); err != nil {
		return err
	}
	c.filePages.Delete(fileID)
	return nil
}

// clearFile drops every tracked page of the file from the queues and the
// pinned table, releasing the cache's buffer references. Pages with
// outstanding usages make the operation fail; state mutated up to the
// detection point is not rolled back.
func (c *TwoQCache) clearFile(fileID uint64) error {
	pagesVal, ok := c.filePages.Load(fileID)
	if !ok {
		return nil
	}
	pages := pagesVal.(*pageIndexSet)

	pinnedRemoved := 0
	defer func() {
		if pinnedRemoved > 0 {
			c.decreasePinnedCount(pinnedRemoved)
		}
	}()

	for _, pageIndex := range pages.Values() {
		if pinned, ok := c.pinnedPages.Load(PinnedKey{fileID, pageIndex}); ok {
			entry := pinned.(*CacheEntry)
			if entry.UsagesCount() > 0 {
				return fmt.Errorf("page with index %d for file with id %d: %w", pageIndex, fileID, ErrPageIsUsedAndCannotBeRemoved)
			}
			c.pinnedPages.Delete(PinnedKey{fileID, pageIndex})
			pinnedRemoved++
			entry.CachePointer().DecrementReadersReferrer()
			entry.clearCachePointer()
			continue
		}

		if c.a1out.Remove(fileID, pageIndex) != nil {
			continue
		}

		entry := c.am.Get(fileID, pageIndex)
		list := c.am
		if entry == nil {
			entry = c.a1in.Get(fileID, pageIndex)
			list = c.a1in
		}
		if entry == nil {
			continue
		}
		if entry.UsagesCount() > 0 {
			return fmt.Errorf("page with index %d for file with id %d: %w", pageIndex, fileID, ErrPageIsUsedAndCannotBeRemoved)
		}
		list.Remove(fileID, pageIndex)
		if dataPointer := entry.CachePointer(); dataPointer != nil {
			dataPointer.DecrementReadersReferrer()
			entry.clearCachePointer()
		}
	}

	pages.Clear()
	return nil
}

func (c *TwoQCache) decreasePinnedCount(delta int) {
	for {
		memData := c.memoryData.Load()
		newMemData := &MemoryData{maxSize: memData.maxSize, pinnedPages: memData.pinnedPages - delta}
		if c.memoryData.CompareAndSwap(memData, newMemData) {
			return
		}
	}
}

// Clear drops the whole cache content. Any entry with outstanding usages
// makes the operation fail.
func (c *TwoQCache) Clear() error {
	c.cacheLatch.WriteLock()
	defer c.cacheLatch.WriteRelease()

	return c.clearCacheContent()
}

func (c *TwoQCache) clearCacheContent() error {
	for _, entry := range c.am.Entries() {
		if entry.UsagesCount() > 0 {
			return fmt.Errorf("page with index %d for file with id %d: %w", entry.PageIndex(), entry.FileID(), ErrPageIsUsedAndCannotBeRemoved)
		}
	}
	for _, entry := range c.a1in.Entries() {
		if entry.UsagesCount() > 0 {
			return fmt.Errorf("page with index %d for file with id %d: %w", entry.PageIndex(), entry.FileID(), ErrPageIsUsedAndCannotBeRemoved)
		}
	}
	var pinnedErr error
	c.pinnedPages.Range(func(_, value any) bool {
		entry := value.(*CacheEntry)
		if entry.UsagesCount() > 0 {
			pinnedErr = fmt.Errorf("page with index %d for file with id %d: %w", entry.PageIndex(), entry.FileID(), ErrPageIsUsedAndCannotBeRemoved)
			return false
		}
		return true
	})
	if pinnedErr != nil {
		return pinnedErr
	}

	for _, entry := range c.am.Entries() {
		entry.CachePointer().DecrementReadersReferrer()
		entry.clearCachePointer()
	}
	for _, entry := range c.a1in.Entries() {
		entry.CachePointer().DecrementReadersReferrer()
		entry.clearCachePointer()
	}
	c.pinnedPages.Range(func(key, value any) bool {
		entry := value.(*CacheEntry)
		entry.CachePointer().DecrementReadersReferrer()
		entry.clearCachePointer()
		c.pinnedPages.Delete(key)
		return true
	})

	c.am.Clear()
	c.a1in.Clear()
	c.a1out.Clear()

	c.filePages.Range(func(key, value any) bool {
		value.(*pageIndexSet).Clear()
		c.filePages.Delete(key)
		return true
	})

	for {
		memData := c.memoryData.Load()
		if memData.pinnedPages == 0 {
			break
		}
		newMemData := &MemoryData{maxSize: memData.maxSize, pinnedPages: 0}
		if c.memoryData.CompareAndSwap(memData, newMemData) {
			break
		}
	}

	return nil
}

// CloseStorage closes the write cache and drops the pages of all its files.
func (c *TwoQCache) CloseStorage() error {
	c.cacheLatch.WriteLock()
	defer c.cacheLatch.WriteRelease()

	c.stopStatistics()

	fileIDs, err := c.writeCache.Close()
	if err != nil {
		return err
	}
	for _, fileID := range fileIDs {
		if err := c.clearFile(fileID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteStorage deletes the write cache content and the persisted cache
// state file, if any.
func (c *TwoQCache) DeleteStorage() error {
	c.cacheLatch.WriteLock()
	defer c.cacheLatch.WriteRelease()

	c.stopStatistics()

	fileIDs, err := c.writeCache.Delete()
	if err != nil {
		return err
	}
	for _, fileID := range fileIDs {
		if err := c.clearFile(fileID); err != nil {
			return err
		}
		c.filePages.Delete(fileID)
	}

	return c.deleteCacheState()
}

// removeColdestPagesIfNeeded brings |a1in| + |am| back within the 2Q budget.
// Must be called with no cache locks held.
func (c *TwoQCache) removeColdestPagesIfNeeded() error {
	if err := c.writeCache.CheckCacheOverflow(); err != nil {
		return fmt.Errorf("wait for dirty pages flush: %w (%w)", err, ErrLoadInterrupted)
	}

	c.cacheLatch.WriteLock()
	defer c.cacheLatch.WriteRelease()

	memData := c.memoryData.Load()
	for c.a1in.Len()+c.am.Len() > memData.TwoQSize() {
		if c.a1in.Len() > memData.KIn() {
			removedFromAIn := c.a1in.RemoveLRU()
			if removedFromAIn == nil {
				return fmt.Errorf("a1in queue: %w", ErrAllCacheEntriesAreUsed)
			}

			// the page data is dropped but the key is remembered in a1out;
			// a pointer may already be gone on entries restored without data
			if dataPointer := removedFromAIn.CachePointer(); dataPointer != nil {
				dataPointer.DecrementReadersReferrer()
				removedFromAIn.clearCachePointer()
			}
			c.a1out.PutToMRU(removedFromAIn)

			for c.a1out.Len() > memData.KOut() {
				removedEntry := c.a1out.RemoveLRU()
				if removedEntry == nil {
					break
				}
				c.pageSetFor(removedEntry.FileID()).Remove(removedEntry.PageIndex())
			}
		} else {
			removedEntry := c.am.RemoveLRU()
			if removedEntry == nil {
				return fmt.Errorf("am queue: %w", ErrAllCacheEntriesAreUsed)
			}

			if dataPointer := removedEntry.CachePointer(); dataPointer != nil {
				dataPointer.DecrementReadersReferrer()
				removedEntry.clearCachePointer()
			}
			c.pageSetFor(removedEntry.FileID()).Remove(removedEntry.PageIndex())
		}
	}

	return nil
}

// ChangeMaximumAmountOfMemory publishes a new memory budget. Shrinking does
// not evict immediately, the next load converges the queues back within the
// budget.
func (c *TwoQCache) ChangeMaximumAmountOfMemory(maxMemoryBytes int64) error {
	newMemorySize := normalizeMemory(maxMemoryBytes, c.pageSize)

	if newMemorySize < 1 {
		return fmt.Errorf("%d bytes with page size %d: %w", maxMemoryBytes, c.pageSize, ErrCacheSizeTooSmall)
	}

	for {
		memData := c.memoryData.Load()
		if memData.maxSize == newMemorySize {
			return nil
		}
		if (100*memData.pinnedPages)/newMemorySize > c.percentOfPinnedPages {
			return fmt.Errorf("cannot change cache size to %d pages: %w", newMemorySize, ErrPinnedPagesLimitExceeded)
		}
		newMemData := &MemoryData{maxSize: newMemorySize, pinnedPages: memData.pinnedPages}
		if c.memoryData.CompareAndSwap(memData, newMemData) {
			c.logger.Info("disk cache size was changed",
				zap.Int("fromPages", memData.maxSize),
				zap.Int("toPages", newMemorySize))
			return nil
		}
	}
}

// UsedMemory returns the amount of memory in bytes consumed by resident
// queue pages.
func (c *TwoQCache) UsedMemory() int64 {
	return int64(c.a1in.Len()+c.am.Len()) * int64(c.pageSize)
}

func (c *TwoQCache) CacheRequests() int64 {
	return c.cacheRequests.Load()
}

func (c *TwoQCache) CacheHits() int64 {
	return c.cacheHits.Load()
}

// MemoryDataSnapshot returns the current budget snapshot.
func (c *TwoQCache) MemoryDataSnapshot() *MemoryData {
	return c.memoryData.Load()
}

func (c *TwoQCache) pageSetFor(fileID uint64) *pageIndexSet {
	if pages, ok := c.filePages.Load(fileID); ok {
		return pages.(*pageIndexSet)
	}
	pages, _ := c.filePages.LoadOrStore(fileID, newPageIndexSet())
	return pages.(*pageIndexSet)
}

// composed file ids carry the storage id in the upper half
func composeFileID(storageID uint32, fileID uint64) uint64 {
	return uint64(storageID)<<32 | (fileID & 0xFFFFFFFF)
}

func (c *TwoQCache) checkFileIDCompatibility(fileID uint64) (uint64, error) {
	storageID := c.writeCache.ID()
	if storageID == 0 {
		// the storage has no id of its own
		return fileID, nil
	}
	if fileID>>32 == 0 {
		return composeFileID(storageID, fileID), nil
	}
	if uint32(fileID>>32) != storageID {
		return 0, fmt.Errorf("file id %d belongs to storage %d instead of %d: %w",
			fileID, fileID>>32, storageID, ErrIncompatibleFileID)
	}
	return fileID, nil
}

func (c *TwoQCache) stopStatistics() {
	if c.stats != nil {
		c.stats.stop()
		c.stats = nil
	}
}

// pageIndexSet is the per file set of tracked page indexes. Mutated under
// different page locks concurrently, so it carries its own mutex.
type pageIndexSet struct {
	mu    sync.Mutex
	pages map[uint64]struct{}
}

func newPageIndexSet() *pageIndexSet {
	return &pageIndexSet{pages: make(map[uint64]struct{})}
}

func (s *pageIndexSet) Add(pageIndex uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages[pageIndex] = struct{}{}
}

func (s *pageIndexSet) Remove(pageIndex uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pages, pageIndex)
}

func (s *pageIndexSet) Contains(pageIndex uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pages[pageIndex]
	return ok
}

func (s *pageIndexSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pages)
}

func (s *pageIndexSet) Values() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]uint64, 0, len(s.pages))
	for pageIndex := range s.pages {
		values = append(values, pageIndex)
	}
	return values
}

func (s *pageIndexSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pages = make(map[uint64]struct{})
}
