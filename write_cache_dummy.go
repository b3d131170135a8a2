package twoq_cache

import (
	"fmt"
	"io"
	"sync"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"

	"github.com/ryogrid/pagecache-go-for-embedding/interfaces"
	"github.com/ryogrid/pagecache-go-for-embedding/pointer"
)

// this class is WriteCache interface implementation sample
// store pages in memory only and don't flush anything to disk
//
// page buffers are handed out as direct I/O aligned blocks, the same
// alignment contract a disk backed write cache gives
type WriteCacheDummy struct {
	storageID uint32
	rootDir   string
	pageSize  int

	mu         sync.Mutex
	nextFileID uint64
	files      map[uint64]*dummyFile
	fileNames  map[string]uint64

	// pages currently held in the dirty pages table; loading such a page
	// needs no disk I/O and counts as a write cache hit
	dirtyPages map[PageKey]struct{}
}

type dummyFile struct {
	file      *memfile.File
	pageCount uint64
}

func NewWriteCacheDummy(storageID uint32, pageSize int, rootDir string) *WriteCacheDummy {
	return &WriteCacheDummy{
		storageID:  storageID,
		rootDir:    rootDir,
		pageSize:   pageSize,
		files:      make(map[uint64]*dummyFile),
		fileNames:  make(map[string]uint64),
		dirtyPages: make(map[PageKey]struct{}),
	}
}

var _ interfaces.WriteCache = (*WriteCacheDummy)(nil)

func (w *WriteCacheDummy) AddFile(name string) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.fileNames[name]; ok {
		return 0, fmt.Errorf("file %s is already registered", name)
	}
	w.nextFileID++
	fileID := composeFileID(w.storageID, w.nextFileID)
	w.files[fileID] = &dummyFile{file: memfile.New(nil)}
	w.fileNames[name] = fileID
	return fileID, nil
}

func (w *WriteCacheDummy) AddFileWithID(name string, fileID uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.fileNames[name]; ok {
		return 0, fmt.Errorf("file %s is already registered", name)
	}
	fileID = composeFileID(w.storageID, fileID)
	if _, ok := w.files[fileID]; ok {
		return 0, fmt.Errorf("file with id %d is already registered", fileID)
	}
	w.files[fileID] = &dummyFile{file: memfile.New(nil)}
	w.fileNames[name] = fileID
	return fileID, nil
}

func (w *WriteCacheDummy) Load(fileID uint64, startPageIndex uint64, pageCount int, addNewPages bool, _verifyChecksums bool) ([]*pointer.CachePointer, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[fileID]
	if !ok {
		return nil, false, fmt.Errorf("file with id %d is not registered", fileID)
	}

	count := uint64(pageCount)
	if addNewPages {
		if startPageIndex+count > f.pageCount {
			if err := f.file.Truncate(int64(startPageIndex+count) * int64(w.pageSize)); err != nil {
				return nil, false, err
			}
			f.pageCount = startPageIndex + count
		}
	} else {
		if startPageIndex >= f.pageCount {
			return nil, false, nil
		}
		if startPageIndex+count > f.pageCount {
			count = f.pageCount - startPageIndex
		}
	}

	_, hit := w.dirtyPages[PageKey{fileID, startPageIndex}]

	dataPointers := make([]*pointer.CachePointer, 0, count)
	for i := uint64(0); i < count; i++ {
		pageIndex := startPageIndex + i
		buffer := directio.AlignedBlock(w.pageSize)
		n, err := f.file.ReadAt(buffer, int64(pageIndex)*int64(w.pageSize))
		if err != nil && !(err == io.EOF && n == w.pageSize) {
			return nil, false, err
		}

		dataPointer := pointer.New(buffer, fileID, pageIndex)
		dataPointer.IncrementReadersReferrer()
		dataPointers = append(dataPointers, dataPointer)
	}

	return dataPointers, hit, nil
}

func (w *WriteCacheDummy) Store(fileID uint64, pageIndex uint64, dataPointer *pointer.CachePointer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[fileID]
	if !ok {
		return fmt.Errorf("file with id %d is not registered", fileID)
	}
	if _, err := f.file.WriteAt(dataPointer.Buffer(), int64(pageIndex)*int64(w.pageSize)); err != nil {
		return err
	}
	if pageIndex >= f.pageCount {
		f.pageCount = pageIndex + 1
	}
	w.dirtyPages[PageKey{fileID, pageIndex}] = struct{}{}
	return nil
}

func (w *WriteCacheDummy) UpdateDirtyPagesTable(dataPointer *pointer.CachePointer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dirtyPages[PageKey{dataPointer.FileID(), dataPointer.PageIndex()}] = struct{}{}
	return nil
}

func (w *WriteCacheDummy) FilledUpTo(fileID uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[fileID]
	if !ok {
		return 0, fmt.Errorf("file with id %d is not registered", fileID)
	}
	return f.pageCount, nil
}

func (w *WriteCacheDummy) TruncateFile(fileID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[fileID]
	if !ok {
		return fmt.Errorf("file with id %d is not registered", fileID)
	}
	if err := f.file.Truncate(0); err != nil {
		return err
	}
	f.pageCount = 0
	w.dropDirtyPages(fileID)
	return nil
}

func (w *WriteCacheDummy) CloseFile(_fileID uint64, _flush bool) error {
	return nil
}

func (w *WriteCacheDummy) Close() ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.fileIDs(), nil
}

func (w *WriteCacheDummy) DeleteFile(fileID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[fileID]; !ok {
		return fmt.Errorf("file with id %d is not registered", fileID)
	}
	delete(w.files, fileID)
	for name, id := range w.fileNames {
		if id == fileID {
			delete(w.fileNames, name)
		}
	}
	w.dropDirtyPages(fileID)
	return nil
}

func (w *WriteCacheDummy) Delete() ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fileIDs := w.fileIDs()
	w.files = make(map[uint64]*dummyFile)
	w.fileNames = make(map[string]uint64)
	w.dirtyPages = make(map[PageKey]struct{})
	return fileIDs, nil
}

func (w *WriteCacheDummy) CheckCacheOverflow() error {
	return nil
}

func (w *WriteCacheDummy) ID() uint32 {
	return w.storageID
}

func (w *WriteCacheDummy) RootDirectory() string {
	return w.rootDir
}

func (w *WriteCacheDummy) fileIDs() []uint64 {
	fileIDs := make([]uint64, 0, len(w.files))
	for fileID := range w.files {
		fileIDs = append(fileIDs, fileID)
	}
	return fileIDs
}

func (w *WriteCacheDummy) dropDirtyPages(fileID uint64) {
	for key := range w.dirtyPages {
		if key.FileID == fileID {
			delete(w.dirtyPages, key)
		}
	}
}
