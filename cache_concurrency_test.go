package twoq_cache

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCache_RandomWorkloadInvariants hammers the cache with concurrent
// loads, releases and pins and verifies the structural invariants once the
// dust settles.
func TestCache_RandomWorkloadInvariants(t *testing.T) {
	c, writeCache := newTestCache(t, 64, 25)
	fileID, err := c.AddFile("data.tst")
	require.NoError(t, err)
	seedPages(t, writeCache, fileID, 256)

	const pinnable = 4
	var pinRequested [pinnable]atomic.Bool

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 400; i++ {
				switch op := rnd.Intn(100); {
				case op < 5:
					pageIndex := uint64(rnd.Intn(pinnable))
					entry, err := c.LoadForRead(fileID, pageIndex, true, 1, false)
					if err != nil || entry == nil {
						continue
					}
					if pinRequested[pageIndex].CompareAndSwap(false, true) {
						_ = c.PinPage(entry)
					}
					c.ReleaseFromRead(entry)
				case op < 70:
					pageIndex := uint64(pinnable + rnd.Intn(200))
					pageCount := 1 + rnd.Intn(4)
					entry, err := c.LoadForRead(fileID, pageIndex, false, pageCount, false)
					if err != nil || entry == nil {
						continue
					}
					c.ReleaseFromRead(entry)
				default:
					pageIndex := uint64(pinnable + rnd.Intn(200))
					entry, err := c.LoadForWrite(fileID, pageIndex, false, 1, false)
					if err != nil || entry == nil {
						continue
					}
					_ = c.ReleaseFromWrite(entry)
				}
			}
		}(int64(worker))
	}
	wg.Wait()

	memData := c.MemoryDataSnapshot()

	// no load is in flight, so the queues are back within the budget
	assert.LessOrEqual(t, c.a1in.Len()+c.am.Len(), memData.TwoQSize())
	assert.LessOrEqual(t, memData.PinnedPages(), 25*64/100)
	assert.LessOrEqual(t, c.CacheHits(), c.CacheRequests())

	// every tracked page lives in exactly one location, carries no usages
	// and the cache holds exactly one buffer reference per resident page
	c.filePages.Range(func(key, value any) bool {
		fid := key.(uint64)
		for _, pageIndex := range value.(*pageIndexSet).Values() {
			locations := 0

			if entry := c.a1in.Get(fid, pageIndex); entry != nil {
				locations++
				require.NotNil(t, entry.CachePointer())
				assert.Equal(t, int32(1), entry.CachePointer().ReferrersCount())
				assert.Equal(t, int32(0), entry.UsagesCount())
			}
			if entry := c.am.Get(fid, pageIndex); entry != nil {
				locations++
				require.NotNil(t, entry.CachePointer())
				assert.Equal(t, int32(1), entry.CachePointer().ReferrersCount())
				assert.Equal(t, int32(0), entry.UsagesCount())
			}
			if entry := c.a1out.Get(fid, pageIndex); entry != nil {
				locations++
				assert.Nil(t, entry.CachePointer())
				assert.Equal(t, int32(0), entry.UsagesCount())
			}
			if pinned, ok := c.pinnedPages.Load(PinnedKey{fid, pageIndex}); ok {
				locations++
				entry := pinned.(*CacheEntry)
				require.NotNil(t, entry.CachePointer())
				assert.Equal(t, int32(1), entry.CachePointer().ReferrersCount())
				assert.Equal(t, int32(0), entry.UsagesCount())
			}

			assert.Equal(t, 1, locations,
				"page %d of file %d must live in exactly one location", pageIndex, fid)
		}
		return true
	})

	// and the other way around: every pinned page is tracked
	pinnedCount := 0
	c.pinnedPages.Range(func(key, _ any) bool {
		pinnedCount++
		pk := key.(PinnedKey)
		pagesVal, ok := c.filePages.Load(pk.FileID)
		require.True(t, ok)
		assert.True(t, pagesVal.(*pageIndexSet).Contains(pk.PageIndex))
		return true
	})
	assert.Equal(t, memData.PinnedPages(), pinnedCount)
}

// TestCache_ConcurrentReadersOfOnePage verifies usage counting under many
// concurrent holders of the same entry.
func TestCache_ConcurrentReadersOfOnePage(t *testing.T) {
	c, writeCache := newTestCache(t, 16, 25)
	fileID, err := c.AddFile("data.tst")
	require.NoError(t, err)
	seedPages(t, writeCache, fileID, 1)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				entry, err := c.LoadForRead(fileID, 0, false, 1, false)
				if err != nil || entry == nil {
					continue
				}
				c.ReleaseFromRead(entry)
			}
		}()
	}
	wg.Wait()

	entry := c.a1in.Get(fileID, 0)
	if entry == nil {
		entry = c.am.Get(fileID, 0)
	}
	require.NotNil(t, entry)
	assert.Equal(t, int32(0), entry.UsagesCount())
	assert.Equal(t, int32(1), entry.CachePointer().ReferrersCount())
}

// TestCache_WritersAreSerialized verifies that the entry's exclusive lock
// serializes writers of one page.
func TestCache_WritersAreSerialized(t *testing.T) {
	c, writeCache := newTestCache(t, 16, 25)
	fileID, err := c.AddFile("data.tst")
	require.NoError(t, err)
	seedPages(t, writeCache, fileID, 1)

	var inCriticalSection atomic.Int32
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				entry, err := c.LoadForWrite(fileID, 0, false, 1, false)
				if err != nil || entry == nil {
					continue
				}
				assert.Equal(t, int32(1), inCriticalSection.Add(1))
				inCriticalSection.Add(-1)
				_ = c.ReleaseFromWrite(entry)
			}
		}()
	}
	wg.Wait()
}
