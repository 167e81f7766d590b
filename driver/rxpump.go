package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-controller/can"
	"github.com/kstaniek/go-can-controller/internal/metrics"
	"github.com/kstaniek/go-can-controller/twai"
)

// rxPump drains the hardware receive path into the software queue. Exactly
// one instance exists per enabled period; re-enabling builds a fresh pump
// with a fresh queue so no stale frames survive a disable.
type rxPump struct {
	queue     chan can.Frame
	cancel    context.CancelFunc
	done      chan struct{}
	highWater atomic.Int64
}

// EnableRxInterrupt starts the receive pump. Accepted frames are handed to
// sink (may be nil) synchronously, then pushed onto the software queue.
// Enabling while already enabled is a no-op.
func (c *Controller) EnableRxInterrupt(sink FrameSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.frameSink = sink
	c.rxWant = true
	if c.rx == nil {
		c.startRxLocked()
	}
	return nil
}

// DisableRxInterrupt stops the receive pump and releases its queue.
func (c *Controller) DisableRxInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rxWant = false
	c.stopRxLocked()
}

func (c *Controller) startRxLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p := &rxPump{
		queue:  make(chan can.Frame, c.queueCap),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.rx = p
	go c.runRxPump(ctx, p, c.frameSink)
	c.log.Info("rx_pump_started", "queue_cap", c.queueCap)
}

// stopRxLocked is the two-phase shutdown: cancel so the loop condition
// exits cooperatively, then wait a bounded grace period. A pump that
// overruns the grace window is abandoned; it exits at its next bounded
// hardware wait but no longer owns the queue.
func (c *Controller) stopRxLocked() {
	p := c.rx
	if p == nil {
		return
	}
	c.rx = nil
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(shutdownGrace):
		c.log.Warn("rx_pump_stop_timeout", "grace", shutdownGrace)
	}
	c.log.Info("rx_pump_stopped", "high_water", p.highWater.Load())
}

func (c *Controller) runRxPump(ctx context.Context, p *rxPump, sink FrameSink) {
	defer close(p.done)
	backoff := rxBackoffMin
	var iter uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr can.Frame
		err := c.dev.Receive(&fr, c.rxPoll)
		switch {
		case err == nil:
			c.dispatch(fr, p, sink)
			// Drain whatever the hardware already buffered with zero wait
			// so bursts don't pile up in the hardware queue, where overflow
			// is a silent drop.
			for c.dev.Receive(&fr, 0) == nil {
				c.dispatch(fr, p, sink)
			}
			backoff = rxBackoffMin
		case errors.Is(err, twai.ErrTimeout):
			backoff = rxBackoffMin
		default:
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrDeviceRead)
			c.log.Warn("rx_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
		iter++
		if iter%headroomSampleEvery == 0 {
			metrics.SetQueueDepth(len(p.queue), int(p.highWater.Load()))
		}
	}
}

// dispatch applies the software filter and delivers one frame: callback
// first, synchronously, then a non-blocking queue push. A full queue drops
// the frame and counts it; nothing ever blocks the pump.
func (c *Controller) dispatch(fr can.Frame, p *rxPump, sink FrameSink) {
	if !c.filter.Load().Match(fr) {
		metrics.IncRxFiltered()
		return
	}
	if sink != nil {
		sink.OnFrame(fr)
	}
	select {
	case p.queue <- fr:
		metrics.IncRx()
		if d := int64(len(p.queue)); d > p.highWater.Load() {
			p.highWater.Store(d)
		}
	default:
		c.stats.droppedRx.Add(1)
		metrics.IncRxDropped()
	}
}

// QueuedMessages reports how many accepted frames wait in the software
// queue. Zero when the receive pump is disabled.
func (c *Controller) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rx == nil {
		return 0
	}
	return len(c.rx.queue)
}

// ReceiveFromQueue pops the oldest accepted frame without blocking. The
// second result is false when the queue is empty or the pump is disabled.
func (c *Controller) ReceiveFromQueue() (can.Frame, bool) {
	c.mu.Lock()
	p := c.rx
	c.mu.Unlock()
	if p == nil {
		return can.Frame{}, false
	}
	select {
	case fr := <-p.queue:
		return fr, true
	default:
		return can.Frame{}, false
	}
}
