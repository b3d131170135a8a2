package twoq_cache

import "errors"

var (
	// ErrAllCacheEntriesAreUsed is raised by the eviction pass when every
	// entry of the examined queue has outstanding usages. It indicates
	// backpressure: too many pages are held by callers for the configured
	// memory budget.
	ErrAllCacheEntriesAreUsed = errors.New("all cache entries are used")

	// ErrPageIsUsedAndCannotBeRemoved signals a contract violation by the
	// caller: a file lifecycle operation hit a page with outstanding usages.
	ErrPageIsUsedAndCannotBeRemoved = errors.New("page is used and cannot be removed")

	// ErrPageNotFoundInCache signals an inconsistency between the queue state
	// and the write cache contents.
	ErrPageNotFoundInCache = errors.New("page not found in cache")

	ErrPinnedPagesLimitExceeded = errors.New("pinned pages would exceed configured limit")

	ErrInvalidPageCount = errors.New("page count must be at least 1")

	ErrIncompatibleFileID = errors.New("file id is incompatible with write cache id scheme")

	// ErrLoadInterrupted wraps an interruption of the cooperative wait for
	// dirty page flushes inside the write cache.
	ErrLoadInterrupted = errors.New("load was interrupted")

	ErrFileAlreadyTracked = errors.New("file is already tracked by the cache and is not empty")

	ErrPinnedPercentTooHigh = errors.New("percent of pinned pages cannot exceed 50")

	ErrCacheSizeTooSmall = errors.New("cache size is smaller than one page")
)
