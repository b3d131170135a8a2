package twoq_cache

import (
	"errors"
	"os"
	"path/filepath"
)

// CacheStateFileName names the file under the write cache root directory
// which is reserved for the persisted queue state.
//
// Reserved layout, not produced by this implementation:
//
//	int64  maximum cache size
//	repeating records, queues written in order am then a1in, pinned pages
//	excluded:
//	  int32 fileId (-1 terminates the current queue)
//	  int64 pageIndex
const CacheStateFileName = "cache.stt"

// LoadCacheState is kept on the facade for compatibility; queue state is not
// restored from disk. Consumers requiring a warm cache must re-drive load
// traffic.
func (c *TwoQCache) LoadCacheState() {}

// StoreCacheState is kept on the facade for compatibility; queue state is
// not persisted.
func (c *TwoQCache) StoreCacheState() {}

func (c *TwoQCache) deleteCacheState() error {
	path := filepath.Join(c.writeCache.RootDirectory(), CacheStateFileName)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
