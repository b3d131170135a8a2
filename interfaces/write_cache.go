package interfaces

import "github.com/ryogrid/pagecache-go-for-embedding/pointer"

// WriteCache is the lower level cache which owns the physical page buffers
// and the dirty pages table. The read cache sits on top of an implementation
// of this interface and never touches the disk itself.
type WriteCache interface {
	// AddFile registers a new file and returns its composed id. It is an
	// error if a file with the given name already exists.
	AddFile(name string) (uint64, error)

	// AddFileWithID registers a new file under the given id hint.
	AddFileWithID(name string, fileID uint64) (uint64, error)

	// Load materializes up to pageCount pointers starting at startPageIndex.
	// The returned slice may be shorter than pageCount; length zero means the
	// first page does not exist and allocation was not requested. Every
	// returned pointer carries one reader reference already held for the
	// caller. The second return value reports whether the first page was
	// served without disk I/O.
	Load(fileID uint64, startPageIndex uint64, pageCount int, addNewPages bool, verifyChecksums bool) ([]*pointer.CachePointer, bool, error)

	// Store hands a page back to the write cache for flushing.
	Store(fileID uint64, pageIndex uint64, dataPointer *pointer.CachePointer) error

	// UpdateDirtyPagesTable records the page behind the pointer as dirty.
	UpdateDirtyPagesTable(dataPointer *pointer.CachePointer) error

	// FilledUpTo returns the amount of pages allocated in the file.
	FilledUpTo(fileID uint64) (uint64, error)

	TruncateFile(fileID uint64) error

	CloseFile(fileID uint64, flush bool) error

	// Close closes the whole write cache and returns the ids of all files
	// which were managed by it.
	Close() ([]uint64, error)

	DeleteFile(fileID uint64) error

	// Delete removes all files managed by the write cache and returns their
	// ids.
	Delete() ([]uint64, error)

	// CheckCacheOverflow cooperatively waits until the amount of dirty pages
	// inside the write cache is back under its own limit. It may block.
	CheckCacheOverflow() error

	// ID returns the id of the storage the write cache belongs to, zero if
	// the storage has no id of its own.
	ID() uint32

	// RootDirectory is the directory all files of the storage live under.
	RootDirectory() string
}
