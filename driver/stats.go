package driver

import "sync/atomic"

// stats holds the resettable driver counters, incremented by the pumps and
// transmit path and read by the foreground without further synchronization.
type stats struct {
	droppedRx atomic.Uint64
	failedTx  atomic.Uint64
}

// TaskStats is an observability snapshot of the two pumps. QueueHeadroom is
// the queue-space analog of the original driver's stack headroom probe:
// sampled coarsely, meaningful as a trend, not a guarantee.
type TaskStats struct {
	RxPumpRunning    bool
	AlertPumpRunning bool
	QueueDepth       int
	QueueCapacity    int
	QueueHighWater   int
	QueueHeadroom    int
}

// GetDroppedRxCount reports accepted frames discarded on a full queue.
func (c *Controller) GetDroppedRxCount() uint64 { return c.stats.droppedRx.Load() }

// GetTxFailedCount reports transmissions that failed at the hardware layer.
func (c *Controller) GetTxFailedCount() uint64 { return c.stats.failedTx.Load() }

// ResetCounters zeroes the dropped-receive and failed-transmit counters.
// Nothing else resets them.
func (c *Controller) ResetCounters() {
	c.stats.droppedRx.Store(0)
	c.stats.failedTx.Store(0)
}

// GetTaskStats snapshots pump state and queue pressure.
func (c *Controller) GetTaskStats() TaskStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := TaskStats{
		AlertPumpRunning: c.alert != nil,
		QueueCapacity:    c.queueCap,
		QueueHeadroom:    c.queueCap,
	}
	if c.rx != nil {
		ts.RxPumpRunning = true
		ts.QueueDepth = len(c.rx.queue)
		ts.QueueHighWater = int(c.rx.highWater.Load())
		ts.QueueHeadroom = c.queueCap - ts.QueueDepth
	}
	return ts
}
