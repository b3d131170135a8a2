package twoq_cache

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultStatsInterval = time.Minute

// statsReporter periodically logs cache usage. It replaces nothing in the
// data path: counters are wait-free atomics read here without any cache
// locks.
type statsReporter struct {
	cron *cron.Cron
}

func startStatsReporter(c *TwoQCache, interval time.Duration) *statsReporter {
	if interval <= 0 {
		interval = defaultStatsInterval
	}

	r := &statsReporter{cron: cron.New(cron.WithSeconds())}
	// the @every spec accepts a Go duration string
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		requests := c.CacheRequests()
		hits := c.CacheHits()

		hitRatio := float64(0)
		if requests > 0 {
			hitRatio = float64(hits) / float64(requests)
		}

		memData := c.memoryData.Load()
		c.logger.Info("2Q cache statistics",
			zap.Int64("requests", requests),
			zap.Int64("hits", hits),
			zap.Float64("hitRatio", hitRatio),
			zap.Int64("usedMemoryBytes", c.UsedMemory()),
			zap.Int("maxSizePages", memData.MaxSize()),
			zap.Int("pinnedPages", memData.PinnedPages()))
	})
	if err != nil {
		// the spec string is built from a duration, it always parses
		panic(err)
	}
	r.cron.Start()
	return r
}

func (r *statsReporter) stop() {
	<-r.cron.Stop().Done()
}
