package twoq_cache

import (
	"container/list"
	"sync"
)

// LRUList is an ordered recency structure keyed by (fileId, pageIndex).
// The front of the queue is the MRU end. The three queue instances of the
// cache (a1in, a1out, am) are independent LRULists.
//
// Mutators of a given key run under that key's page lock plus the shared
// cache latch, so concurrent PutToMRU calls for distinct keys are possible;
// the internal mutex keeps the structure itself consistent.
type LRUList struct {
	mu    sync.Mutex
	index map[PageKey]*list.Element
	queue *list.List
}

func NewLRUList() *LRUList {
	return &LRUList{
		index: make(map[PageKey]*list.Element),
		queue: list.New(),
	}
}

// PutToMRU inserts the entry or moves an already present entry to the MRU end.
func (l *LRUList) PutToMRU(entry *CacheEntry) {
	key := PageKey{entry.FileID(), entry.PageIndex()}

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[key]; ok {
		el.Value = entry
		l.queue.MoveToFront(el)
		return
	}
	l.index[key] = l.queue.PushFront(entry)
}

// Get returns the entry without changing its order, or nil.
func (l *LRUList) Get(fileID, pageIndex uint64) *CacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[PageKey{fileID, pageIndex}]; ok {
		return el.Value.(*CacheEntry)
	}
	return nil
}

// Remove removes and returns the entry, or nil if the key is absent.
func (l *LRUList) Remove(fileID, pageIndex uint64) *CacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := PageKey{fileID, pageIndex}
	el, ok := l.index[key]
	if !ok {
		return nil
	}
	delete(l.index, key)
	l.queue.Remove(el)
	return el.Value.(*CacheEntry)
}

// RemoveLRU removes and returns the least recently used entry that has no
// outstanding usages. It walks from the LRU end skipping entries held by
// callers and returns nil only if every entry is in use (or the list is
// empty).
func (l *LRUList) RemoveLRU() *CacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	for el := l.queue.Back(); el != nil; el = el.Prev() {
		entry := el.Value.(*CacheEntry)
		if entry.UsagesCount() > 0 {
			continue
		}
		delete(l.index, PageKey{entry.FileID(), entry.PageIndex()})
		l.queue.Remove(el)
		return entry
	}
	return nil
}

func (l *LRUList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.queue.Len()
}

// Entries returns a snapshot of the list in MRU to LRU order.
func (l *LRUList) Entries() []*CacheEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]*CacheEntry, 0, l.queue.Len())
	for el := l.queue.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*CacheEntry))
	}
	return entries
}

func (l *LRUList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.index = make(map[PageKey]*list.Element)
	l.queue.Init()
}
