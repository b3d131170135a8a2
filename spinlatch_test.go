package twoq_cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRWSpinLatch_WritersAreExclusive(t *testing.T) {
	var latch RWSpinLatch

	const workers = 8
	const iterations = 2000

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				latch.WriteLock()
				counter++
				latch.WriteRelease()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestRWSpinLatch_ReadersSeeWriterResult(t *testing.T) {
	var latch RWSpinLatch

	value := 0
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			latch.WriteLock()
			value++
			value++
			latch.WriteRelease()
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				latch.ReadLock()
				// writers always leave an even value behind
				assert.Equal(t, 0, value%2)
				latch.ReadRelease()
			}
		}()
	}
	wg.Wait()
}

func TestRWSpinLatch_ReleaseWithoutLockPanics(t *testing.T) {
	assert.Panics(t, func() {
		var latch RWSpinLatch
		latch.ReadRelease()
	})
	assert.Panics(t, func() {
		var latch RWSpinLatch
		latch.WriteRelease()
	})
}
