package driver

import (
	"fmt"

	"github.com/kstaniek/go-can-controller/can"
	"github.com/kstaniek/go-can-controller/internal/metrics"
)

// SendMessage submits a frame to the hardware transmit queue, waiting up to
// the configured TX timeout for space. The payload is clamped to 8 bytes;
// for RTR frames the data length becomes the requested DLC and the payload
// is cleared. Rejections for "not running" and "listen-only" short-circuit
// before any hardware call and do not count as transmit failures. There is
// no internal retry; that policy belongs to the caller.
func (c *Controller) SendMessage(id uint32, extended bool, data []byte, rtr bool) error {
	c.mu.Lock()
	running, listenOnly := c.running, c.listenOnly
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if listenOnly {
		return ErrListenOnly
	}
	fr := can.NewFrame(id, extended, data)
	fr.RTR = rtr
	if rtr {
		fr.Data = [8]byte{}
	}
	if err := c.dev.Transmit(fr, c.txTimeout); err != nil {
		c.stats.failedTx.Add(1)
		metrics.IncTxFailed()
		c.log.Warn("tx_failed", "id", fr.ID, "error", err)
		return fmt.Errorf("send message: %w", err)
	}
	metrics.IncTx()
	return nil
}

// Send is the simplified transmit form: standard addressing, data frame.
func (c *Controller) Send(id uint32, data []byte) error {
	return c.SendMessage(id, false, data, false)
}
