package twoq_cache

import (
	"runtime"
	"sync"
)

// FileLockManager is a partitioned reader-writer lock table keyed by fileId.
// Data plane operations (load, release) take the shared mode, file lifecycle
// operations (truncate, close, delete, page allocation) take the exclusive
// mode.
type FileLockManager struct {
	stripes []sync.RWMutex
	mask    uint64
}

func NewFileLockManager() *FileLockManager {
	count := closestPowerOfTwo(runtime.NumCPU() * 8)
	return &FileLockManager{
		stripes: make([]sync.RWMutex, count),
		mask:    uint64(count - 1),
	}
}

func (m *FileLockManager) stripeIndex(fileID uint64) uint64 {
	return mix(fileID) & m.mask
}

func (m *FileLockManager) ReadLock(fileID uint64) {
	m.stripes[m.stripeIndex(fileID)].RLock()
}

func (m *FileLockManager) ReadRelease(fileID uint64) {
	m.stripes[m.stripeIndex(fileID)].RUnlock()
}

func (m *FileLockManager) WriteLock(fileID uint64) {
	m.stripes[m.stripeIndex(fileID)].Lock()
}

func (m *FileLockManager) WriteRelease(fileID uint64) {
	m.stripes[m.stripeIndex(fileID)].Unlock()
}
