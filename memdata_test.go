package twoq_cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryData_DerivedSizes(t *testing.T) {
	tests := []struct {
		name        string
		maxSize     int
		pinnedPages int
		wantTwoQ    int
		wantKIn     int
		wantKOut    int
	}{
		{
			name:     "no pinned pages",
			maxSize:  16,
			wantTwoQ: 16,
			wantKIn:  4,
			wantKOut: 8,
		},
		{
			name:        "pinned pages shrink the queues",
			maxSize:     16,
			pinnedPages: 4,
			wantTwoQ:    12,
			wantKIn:     3,
			wantKOut:    6,
		},
		{
			name:     "large cache",
			maxSize:  1 << 20,
			wantTwoQ: 1 << 20,
			wantKIn:  1 << 18,
			wantKOut: 1 << 19,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &MemoryData{maxSize: tt.maxSize, pinnedPages: tt.pinnedPages}
			assert.Equal(t, tt.wantTwoQ, m.TwoQSize())
			assert.Equal(t, tt.wantKIn, m.KIn())
			assert.Equal(t, tt.wantKOut, m.KOut())
		})
	}
}
