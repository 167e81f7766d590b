package driver

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/go-can-controller/internal/metrics"
	"github.com/kstaniek/go-can-controller/twai"
)

type alertPump struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// EnableAlertInterrupt starts the alert pump. Non-empty alert masks are fed
// through the recovery state machine and then handed raw to sink (may be
// nil). Enabling while already enabled is a no-op.
func (c *Controller) EnableAlertInterrupt(sink AlertSink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}
	c.alertSink = sink
	c.alertWant = true
	if c.alert == nil {
		c.startAlertLocked()
	}
	return nil
}

// DisableAlertInterrupt stops the alert pump.
func (c *Controller) DisableAlertInterrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alertWant = false
	c.stopAlertLocked()
}

func (c *Controller) startAlertLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	p := &alertPump{cancel: cancel, done: make(chan struct{})}
	c.alert = p
	go c.runAlertPump(ctx, p, c.alertSink)
	c.log.Info("alert_pump_started")
}

func (c *Controller) stopAlertLocked() {
	p := c.alert
	if p == nil {
		return
	}
	c.alert = nil
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(shutdownGrace):
		c.log.Warn("alert_pump_stop_timeout", "grace", shutdownGrace)
	}
	c.log.Info("alert_pump_stopped")
}

// runAlertPump stays side-effect-light: state machine, counters, sink. The
// verbose status interpretation lives in ProcessAlerts, which runs in
// foreground context.
func (c *Controller) runAlertPump(ctx context.Context, p *alertPump, sink AlertSink) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		alerts, err := c.dev.ReadAlerts(c.alertPoll)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, twai.ErrTimeout) {
				continue
			}
			metrics.IncError(metrics.ErrDeviceAlert)
			c.log.Warn("alert_read_error", "error", err)
			sleepFn(rxBackoffMin)
			continue
		}
		if alerts == 0 {
			continue
		}
		c.recoverFromAlerts(alerts)
		countAlerts(alerts)
		if sink != nil {
			sink.OnAlert(alerts)
		}
	}
}

// ProcessAlerts drains pending alerts from the foreground with zero wait,
// drives the recovery state machine, reports fault details, and invokes the
// alert sink. It returns whether any alert was present. Safe to call from a
// polling loop whether or not the alert pump is running: both paths share
// one state machine, so recovery is never attempted twice for one bus-off
// episode.
func (c *Controller) ProcessAlerts() bool {
	c.mu.Lock()
	running := c.running
	sink := c.alertSink
	c.mu.Unlock()
	if !running {
		return false
	}
	alerts, err := c.dev.ReadAlerts(0)
	if err != nil || alerts == 0 {
		return false
	}
	c.recoverFromAlerts(alerts)
	countAlerts(alerts)
	c.reportAlerts(alerts)
	if sink != nil {
		sink.OnAlert(alerts)
	}
	return true
}

// recoverFromAlerts is the single bus-fault state machine
// (Normal -> BusOff -> Recovering -> Normal). The CAS on the bus-off
// transition guarantees exactly one recovery initiation per episode no
// matter how many paths observe the alert.
func (c *Controller) recoverFromAlerts(alerts twai.Alerts) {
	if alerts&twai.AlertBusOff != 0 {
		if c.busState.CompareAndSwap(busNormal, busOff) {
			metrics.IncBusOff()
			c.log.Error("bus_off", "action", "initiate_recovery")
			if err := c.dev.InitiateRecovery(); err != nil {
				c.log.Error("recovery_initiate_failed", "error", err)
			} else {
				c.busState.Store(busRecovering)
			}
		}
	}
	if alerts&twai.AlertBusRecovered != 0 {
		if c.busState.Swap(busNormal) != busNormal {
			metrics.IncBusRecovered()
			c.log.Info("bus_recovered")
		}
	}
}

// reportAlerts performs the verbose, status-reading interpretation of fault
// bits. Foreground only.
func (c *Controller) reportAlerts(alerts twai.Alerts) {
	const faults = twai.AlertErrPassive | twai.AlertBusError |
		twai.AlertRxQueueFull | twai.AlertTxFailed
	if alerts&faults == 0 {
		return
	}
	st, _ := c.dev.Status()
	if alerts&twai.AlertErrPassive != 0 {
		c.log.Warn("error_passive",
			"tx_err", st.TxErrorCounter, "rx_err", st.RxErrorCounter)
	}
	if alerts&twai.AlertBusError != 0 {
		c.log.Warn("bus_error", "count", st.BusErrorCount)
	}
	if alerts&twai.AlertRxQueueFull != 0 {
		c.log.Warn("hw_rx_queue_full",
			"buffered", st.MsgsToRx, "missed", st.RxMissedCount)
	}
	if alerts&twai.AlertTxFailed != 0 {
		c.log.Warn("hw_tx_failed",
			"buffered", st.MsgsToTx, "failed", st.TxFailedCount)
	}
}

func countAlerts(alerts twai.Alerts) {
	if alerts&twai.AlertTxFailed != 0 {
		metrics.IncAlert(metrics.AlertTxFailed)
	}
	if alerts&twai.AlertErrPassive != 0 {
		metrics.IncAlert(metrics.AlertErrPassive)
	}
	if alerts&twai.AlertBusError != 0 {
		metrics.IncAlert(metrics.AlertBusError)
	}
	if alerts&twai.AlertRxQueueFull != 0 {
		metrics.IncAlert(metrics.AlertRxQueueFull)
	}
	if alerts&twai.AlertBusOff != 0 {
		metrics.IncAlert(metrics.AlertBusOff)
	}
	if alerts&twai.AlertBusRecovered != 0 {
		metrics.IncAlert(metrics.AlertRecovered)
	}
}
