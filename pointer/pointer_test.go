package pointer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCachePointer_ReferrerCounting(t *testing.T) {
	p := New(make([]byte, 4096), 1, 7)
	assert.Equal(t, int32(0), p.ReferrersCount())

	p.IncrementReadersReferrer()
	p.IncrementReadersReferrer()
	assert.Equal(t, int32(2), p.ReferrersCount())

	p.DecrementReadersReferrer()
	p.DecrementReadersReferrer()
	assert.Equal(t, int32(0), p.ReferrersCount())

	assert.Panics(t, func() { p.DecrementReadersReferrer() })
}

func TestCachePointer_ExclusiveLock(t *testing.T) {
	p := New(make([]byte, 4096), 1, 7)

	p.AcquireExclusiveLock()
	assert.False(t, p.TryAcquireExclusiveLock())
	p.ReleaseExclusiveLock()

	assert.True(t, p.TryAcquireExclusiveLock())
	p.ReleaseExclusiveLock()
}

func TestCachePointer_Accessors(t *testing.T) {
	buffer := make([]byte, 16)
	p := New(buffer, 3, 9)

	assert.Equal(t, uint64(3), p.FileID())
	assert.Equal(t, uint64(9), p.PageIndex())
	assert.Equal(t, &buffer[0], &p.Buffer()[0])
}
