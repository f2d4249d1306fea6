// Package telemetry tracks the overlay's up/down byte counters backing
// ClientStatusInfo.up_stream/down_stream (spec §4.10 up_status) and the
// scheduler's periodic upload to the gateway. Grounded on
// infrastructure/telemetry/trafficstats.
package telemetry

import (
	"context"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time read of the collector's counters.
type Snapshot struct {
	UpBytesTotal   uint64
	DownBytesTotal uint64
	UpRate         uint64 // bytes/sec
	DownRate       uint64 // bytes/sec
}

// HotPathFlushThresholdBytes is the batch size a Recorder accumulates
// before flushing to its Collector, keeping the TUN/socket hot paths
// free of a per-packet atomic add.
const HotPathFlushThresholdBytes uint64 = 64 * 1024

// Collector aggregates byte counters across all of a session's TUN and
// socket I/O and derives a smoothed rate every sampleInterval.
type Collector struct {
	upBytesTotal   atomic.Uint64
	downBytesTotal atomic.Uint64
	upRate         atomic.Uint64
	downRate       atomic.Uint64

	sampleInterval time.Duration
	emaAlpha       float64

	// accessed only from the single sampler goroutine in Start()
	lastUp   uint64
	lastDown uint64
	upEMA    float64
	downEMA  float64
	started  atomic.Bool
}

// NewCollector builds a Collector sampling at sampleInterval (default 1s)
// and smoothing rates with an exponential moving average of emaAlpha
// (clamped to [0,1]; 0 disables smoothing).
func NewCollector(sampleInterval time.Duration, emaAlpha float64) *Collector {
	if sampleInterval <= 0 {
		sampleInterval = time.Second
	}
	if emaAlpha < 0 {
		emaAlpha = 0
	}
	if emaAlpha > 1 {
		emaAlpha = 1
	}
	return &Collector{sampleInterval: sampleInterval, emaAlpha: emaAlpha}
}

// Start runs the rate sampler until ctx is cancelled. Safe to call once;
// later calls are no-ops.
func (c *Collector) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ticker := time.NewTicker(c.sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.updateRates(c.sampleInterval)
		}
	}
}

// AddUpBytes/AddDownBytes are allocation-free and intended for hot paths.
func (c *Collector) AddUpBytes(bytes uint64) {
	if bytes == 0 {
		return
	}
	c.upBytesTotal.Add(bytes)
}

func (c *Collector) AddDownBytes(bytes uint64) {
	if bytes == 0 {
		return
	}
	c.downBytesTotal.Add(bytes)
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		UpBytesTotal:   c.upBytesTotal.Load(),
		DownBytesTotal: c.downBytesTotal.Load(),
		UpRate:         c.upRate.Load(),
		DownRate:       c.downRate.Load(),
	}
}

func (c *Collector) updateRates(interval time.Duration) {
	seconds := interval.Seconds()
	if seconds <= 0 {
		return
	}

	upNow := c.upBytesTotal.Load()
	downNow := c.downBytesTotal.Load()

	upDelta := upNow - c.lastUp
	downDelta := downNow - c.lastDown
	c.lastUp = upNow
	c.lastDown = downNow

	upPerSec := float64(upDelta) / seconds
	downPerSec := float64(downDelta) / seconds

	if c.emaAlpha > 0 {
		if c.upEMA == 0 {
			c.upEMA = upPerSec
		} else {
			c.upEMA = c.emaAlpha*upPerSec + (1-c.emaAlpha)*c.upEMA
		}
		if c.downEMA == 0 {
			c.downEMA = downPerSec
		} else {
			c.downEMA = c.emaAlpha*downPerSec + (1-c.emaAlpha)*c.downEMA
		}
		upPerSec = c.upEMA
		downPerSec = c.downEMA
	}

	c.upRate.Store(uint64(upPerSec))
	c.downRate.Store(uint64(downPerSec))
}
