// Package driver implements the CAN controller core: the start/stop
// lifecycle, the synchronous transmit path, the background receive and alert
// pumps, the bounded software queue and the drop/failure counters that make
// backpressure observable.
package driver

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-can-controller/can"
	"github.com/kstaniek/go-can-controller/internal/logging"
	"github.com/kstaniek/go-can-controller/twai"
)

const (
	// DefaultQueueCapacity is the software receive queue depth.
	DefaultQueueCapacity = 16
	// DefaultTxTimeout bounds the wait for transmit queue space.
	DefaultTxTimeout = time.Second

	defaultRxPoll    = 20 * time.Millisecond
	defaultAlertPoll = 100 * time.Millisecond
	// shutdownGrace is the cooperative drain window a pump gets to observe
	// cancellation before it is abandoned (it still exits at its next
	// bounded wait; it just no longer belongs to the controller).
	shutdownGrace = 250 * time.Millisecond

	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond

	// headroomSampleEvery controls coarse queue headroom sampling; not every
	// iteration, the counters are observability, not control flow.
	headroomSampleEvery = 64
)

var (
	ErrNotRunning = errors.New("driver: controller not running")
	// ErrListenOnly is returned by the transmit path before any
	// hardware call when listen-only mode is active.
	ErrListenOnly = errors.New("driver: transmit suppressed in listen-only mode")
	// ErrRxPumpActive guards the direct receive path: it would race the
	// receive pump on the same hardware queue.
	ErrRxPumpActive = errors.New("driver: direct receive conflicts with enabled rx pump")
	// ErrNoFrame means a zero-wait poll found nothing buffered.
	ErrNoFrame = errors.New("driver: no frame available")
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Bus fault states for the shared recovery state machine.
const (
	busNormal int32 = iota
	busOff
	busRecovering
)

// Controller owns a twai.Device exclusively and mediates all access to it:
// the receive pump is the only frame reader, the foreground transmit path
// the only writer, and the alert surface is intentionally shared between the
// alert pump and ProcessAlerts.
type Controller struct {
	dev       twai.Device
	log       *slog.Logger
	txTimeout time.Duration
	queueCap  int
	rxPoll    time.Duration
	alertPoll time.Duration

	mu         sync.Mutex
	running    bool
	listenOnly bool
	timing     twai.TimingConfig
	accFilter  twai.AcceptanceFilter
	rx         *rxPump
	alert      *alertPump
	rxWant     bool // pump desired; survives Begin-driven restarts
	alertWant  bool
	frameSink  FrameSink
	alertSink  AlertSink

	// Software filter record: single writer (foreground setters under mu),
	// lock-free readers (receive pump snapshots per frame).
	filter   atomic.Pointer[can.Filter]
	busState atomic.Int32
	stats    stats
}

// New wraps a device. The controller starts stopped; call Begin.
func New(dev twai.Device, opts ...Option) *Controller {
	c := &Controller{
		dev:       dev,
		log:       logging.L(),
		txTimeout: DefaultTxTimeout,
		queueCap:  DefaultQueueCapacity,
		rxPoll:    defaultRxPoll,
		alertPoll: defaultAlertPoll,
		accFilter: twai.AcceptAll(),
	}
	c.filter.Store(&can.Filter{Mode: can.Monitoring})
	for _, o := range opts {
		o(c)
	}
	return c
}

// Begin installs and starts the controller with the given timing profile and
// arms the default alert set. A running controller is torn down first, so
// repeated Begin is an idempotent restart. On any failure the device is left
// uninstalled; there is no partial state.
func (c *Controller) Begin(timing twai.TimingConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beginLocked(timing)
}

func (c *Controller) beginLocked(timing twai.TimingConfig) error {
	if c.running {
		c.endLocked()
	}
	mode := twai.ModeNormal
	if c.listenOnly {
		mode = twai.ModeListenOnly
	}
	g := twai.GeneralConfig{Mode: mode, RxQueueLen: twai.DefaultRxQueueLen}
	if err := c.dev.Install(g, timing, c.accFilter); err != nil {
		return fmt.Errorf("driver install: %w", err)
	}
	if err := c.dev.Start(); err != nil {
		_ = c.dev.Uninstall()
		return fmt.Errorf("driver start: %w", err)
	}
	if err := c.dev.ReconfigureAlerts(twai.DefaultAlerts); err != nil {
		_ = c.dev.Stop()
		_ = c.dev.Uninstall()
		return fmt.Errorf("arm alerts: %w", err)
	}
	c.timing = timing
	c.running = true
	c.busState.Store(busNormal)
	if c.rxWant {
		c.startRxLocked()
	}
	if c.alertWant {
		c.startAlertLocked()
	}
	c.log.Info("can_started", "bitrate", timing.Bitrate, "mode", mode.String())
	return nil
}

// End stops both pumps, then stops and uninstalls the device. No-op when
// already stopped.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked()
}

func (c *Controller) endLocked() {
	if !c.running {
		return
	}
	// Pumps first (see the shutdown protocol in stopRxLocked), then the
	// device, so pump waits never observe a half-uninstalled driver.
	c.stopRxLocked()
	c.stopAlertLocked()
	_ = c.dev.Stop()
	_ = c.dev.Uninstall()
	c.running = false
	c.log.Info("can_stopped")
}

// SetListenOnly switches between normal and listen-only mode. A running
// controller is restarted with the new mode; otherwise the flag applies at
// the next Begin.
func (c *Controller) SetListenOnly(listenOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listenOnly == listenOnly {
		return nil
	}
	c.listenOnly = listenOnly
	if !c.running {
		return nil
	}
	return c.beginLocked(c.timing)
}

// ListenOnly reports the currently configured mode.
func (c *Controller) ListenOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenOnly
}

// Filter installs a hardware acceptance filter (mask-based, distinct from
// the software filter record) and restarts a running controller so it takes
// effect. Mask bits set mean "must match".
func (c *Controller) Filter(id, mask uint32, extended bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accFilter = twai.SingleFilter(id, mask, extended)
	if !c.running {
		return nil
	}
	return c.beginLocked(c.timing)
}

// SetFilterMode switches the software filter between Monitoring and
// Specific. Takes effect on the next frame the receive pump evaluates.
func (c *Controller) SetFilterMode(mode can.FilterMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setFilterModeLocked(mode)
}

func (c *Controller) setFilterModeLocked(mode can.FilterMode) {
	cur := *c.filter.Load()
	cur.Mode = mode
	c.filter.Store(&cur)
}

// SetAcceptedIDs replaces the accepted-ID list, clamped to
// can.MaxFilterIDs, and records the addressing mode. The filter mode is
// unchanged. No restart required.
func (c *Controller) SetAcceptedIDs(ids []uint32, extended bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAcceptedIDsLocked(ids, extended)
}

func (c *Controller) setAcceptedIDsLocked(ids []uint32, extended bool) {
	mode := c.filter.Load().Mode
	rec := can.NewFilter(ids, extended)
	rec.Mode = mode
	c.filter.Store(&rec)
}

// GetFilter returns a copy of the current software filter record.
func (c *Controller) GetFilter() can.Filter { return *c.filter.Load() }

// GetAcceptedIDCount reports the accepted-ID list length.
func (c *Controller) GetAcceptedIDCount() int { return len(c.filter.Load().IDs) }

// ApplyConfiguration restarts the controller with the bitrate-derived timing
// profile, then installs the software filter. There is no partial apply: if
// the restart fails the filter record is left untouched.
func (c *Controller) ApplyConfiguration(bitrate uint32, mode can.FilterMode, ids []uint32, extended bool) error {
	timing, err := twai.TimingForBitrate(bitrate)
	if err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.beginLocked(timing); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}
	c.setFilterModeLocked(mode)
	if mode == can.Specific {
		c.setAcceptedIDsLocked(ids, extended)
	}
	c.log.Info("config_applied",
		"bitrate", bitrate, "filter_mode", mode.String(),
		"accepted_ids", len(c.filter.Load().IDs), "extended", extended)
	return nil
}

// GetStatus reads the controller status word.
func (c *Controller) GetStatus() (twai.Status, error) { return c.dev.Status() }

// Running reports whether the controller is started.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ReceiveMessage polls the hardware receive path directly with zero wait,
// bypassing pump, filter and queue. It is mutually exclusive with the
// receive pump by construction: while the pump is enabled the two would race
// on the same hardware queue, so the call fails with ErrRxPumpActive.
func (c *Controller) ReceiveMessage() (can.Frame, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return can.Frame{}, ErrNotRunning
	}
	if c.rx != nil {
		c.mu.Unlock()
		return can.Frame{}, ErrRxPumpActive
	}
	c.mu.Unlock()
	var fr can.Frame
	if err := c.dev.Receive(&fr, 0); err != nil {
		if errors.Is(err, twai.ErrTimeout) {
			return can.Frame{}, ErrNoFrame
		}
		return can.Frame{}, err
	}
	return fr, nil
}

// Available reports how many frames wait in the hardware receive queue.
func (c *Controller) Available() int {
	st, err := c.dev.Status()
	if err != nil {
		return 0
	}
	return st.MsgsToRx
}
