package twoq_cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listEntry(fileID, pageIndex uint64) *CacheEntry {
	return newCacheEntry(fileID, pageIndex, nil)
}

func keysOf(entries []*CacheEntry) []PageKey {
	keys := make([]PageKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, PageKey{e.FileID(), e.PageIndex()})
	}
	return keys
}

func TestLRUList_PutToMRU(t *testing.T) {
	l := NewLRUList()

	l.PutToMRU(listEntry(1, 0))
	l.PutToMRU(listEntry(1, 1))
	l.PutToMRU(listEntry(1, 2))

	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []PageKey{{1, 2}, {1, 1}, {1, 0}}, keysOf(l.Entries()))

	// putting an existing key again moves it to the MRU end
	l.PutToMRU(listEntry(1, 0))
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, []PageKey{{1, 0}, {1, 2}, {1, 1}}, keysOf(l.Entries()))
}

func TestLRUList_GetDoesNotReorder(t *testing.T) {
	l := NewLRUList()
	l.PutToMRU(listEntry(1, 0))
	l.PutToMRU(listEntry(1, 1))

	e := l.Get(1, 0)
	require.NotNil(t, e)
	assert.Equal(t, uint64(0), e.PageIndex())
	assert.Equal(t, []PageKey{{1, 1}, {1, 0}}, keysOf(l.Entries()))

	assert.Nil(t, l.Get(1, 7))
	assert.Nil(t, l.Get(2, 0))
}

func TestLRUList_Remove(t *testing.T) {
	l := NewLRUList()
	l.PutToMRU(listEntry(1, 0))
	l.PutToMRU(listEntry(1, 1))

	e := l.Remove(1, 0)
	require.NotNil(t, e)
	assert.Equal(t, uint64(0), e.PageIndex())
	assert.Equal(t, 1, l.Len())
	assert.Nil(t, l.Remove(1, 0))
}

func TestLRUList_RemoveLRU(t *testing.T) {
	tests := []struct {
		name      string
		used      []uint64
		wantIndex uint64
		wantNil   bool
	}{
		{
			name:      "no entry used",
			wantIndex: 0,
		},
		{
			name:      "lru entry used is skipped",
			used:      []uint64{0},
			wantIndex: 1,
		},
		{
			name:    "all entries used",
			used:    []uint64{0, 1, 2},
			wantNil: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLRUList()
			entries := map[uint64]*CacheEntry{}
			for i := uint64(0); i < 3; i++ {
				e := listEntry(1, i)
				entries[i] = e
				l.PutToMRU(e)
			}
			for _, idx := range tt.used {
				entries[idx].IncrementUsages()
			}

			e := l.RemoveLRU()
			if tt.wantNil {
				assert.Nil(t, e)
				assert.Equal(t, 3, l.Len())
				return
			}
			require.NotNil(t, e)
			assert.Equal(t, tt.wantIndex, e.PageIndex())
			assert.Nil(t, l.Get(1, tt.wantIndex))
		})
	}
}

func TestLRUList_Clear(t *testing.T) {
	l := NewLRUList()
	l.PutToMRU(listEntry(1, 0))
	l.PutToMRU(listEntry(2, 0))

	l.Clear()

	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Get(1, 0))
	assert.Empty(t, l.Entries())
}
