package twai

import (
	"errors"
	"sync"
	"time"

	"github.com/kstaniek/go-can-controller/can"
)

var errSimListenOnly = errors.New("twai: transmit rejected in listen-only mode")

// Sim is an in-memory Device used by tests and by the demo binary when no
// CAN hardware is available. Frames injected with InjectFrame appear on the
// receive path; transmitted frames are recorded and retrievable with
// TxFrames. Alerts raised with RaiseAlert are delivered to ReadAlerts when
// armed, and InitiateRecovery raises AlertBusRecovered like the real
// controller does after 128 bus-idle occurrences.
type Sim struct {
	mu        sync.Mutex
	installed bool
	started   bool

	general   GeneralConfig
	timing    TimingConfig
	accFilter AcceptanceFilter
	armed     Alerts

	rxq    chan can.Frame
	alerts chan Alerts

	sent       []can.Frame
	txErr      error
	state      State
	rxMissed   int
	busErrors  int
	recoveries int
}

// NewSim returns an uninstalled simulated controller.
func NewSim() *Sim { return &Sim{state: StateStopped} }

func (s *Sim) Install(g GeneralConfig, t TimingConfig, f AcceptanceFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installed {
		return ErrInstalled
	}
	if g.RxQueueLen <= 0 {
		g.RxQueueLen = DefaultRxQueueLen
	}
	s.general = g
	s.timing = t
	s.accFilter = f
	s.rxq = make(chan can.Frame, g.RxQueueLen)
	s.alerts = make(chan Alerts, 16)
	s.armed = 0
	s.installed = true
	return nil
}

func (s *Sim) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return ErrNotInstalled
	}
	s.started = true
	s.state = StateRunning
	return nil
}

func (s *Sim) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return ErrNotInstalled
	}
	s.started = false
	s.state = StateStopped
	return nil
}

func (s *Sim) Uninstall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return ErrNotInstalled
	}
	s.installed = false
	s.started = false
	s.state = StateStopped
	s.rxq = nil
	s.alerts = nil
	return nil
}

func (s *Sim) ReconfigureAlerts(mask Alerts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return ErrNotInstalled
	}
	s.armed = mask
	return nil
}

func (s *Sim) Transmit(fr can.Frame, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotRunning
	}
	if s.general.Mode == ModeListenOnly {
		return errSimListenOnly
	}
	if s.txErr != nil {
		return s.txErr
	}
	s.sent = append(s.sent, fr)
	return nil
}

func (s *Sim) Receive(fr *can.Frame, timeout time.Duration) error {
	s.mu.Lock()
	q := s.rxq
	started := s.started
	s.mu.Unlock()
	if q == nil {
		return ErrNotInstalled
	}
	if !started {
		return ErrNotRunning
	}
	if timeout <= 0 {
		select {
		case f := <-q:
			*fr = f
			return nil
		default:
			return ErrTimeout
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-q:
		*fr = f
		return nil
	case <-t.C:
		return ErrTimeout
	}
}

func (s *Sim) ReadAlerts(timeout time.Duration) (Alerts, error) {
	s.mu.Lock()
	ch := s.alerts
	s.mu.Unlock()
	if ch == nil {
		return 0, ErrNotInstalled
	}
	var acc Alerts
	if timeout <= 0 {
		select {
		case a := <-ch:
			acc = a
		default:
			return 0, ErrTimeout
		}
	} else {
		t := time.NewTimer(timeout)
		select {
		case a := <-ch:
			acc = a
			t.Stop()
		case <-t.C:
			return 0, ErrTimeout
		}
	}
	// Coalesce anything else already pending, like the hardware alert word.
	for {
		select {
		case a := <-ch:
			acc |= a
		default:
			return acc, nil
		}
	}
}

func (s *Sim) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return Status{}, ErrNotInstalled
	}
	return Status{
		State:         s.state,
		MsgsToRx:      len(s.rxq),
		MsgsToTx:      0,
		RxMissedCount: s.rxMissed,
		BusErrorCount: s.busErrors,
	}, nil
}

func (s *Sim) InitiateRecovery() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.installed {
		return ErrNotInstalled
	}
	s.recoveries++
	s.state = StateRecovering
	s.raiseLocked(AlertBusRecovered)
	s.state = StateRunning
	return nil
}

// InjectFrame places a frame on the simulated receive path. When the
// hardware queue is full the frame is lost and AlertRxQueueFull raised,
// matching real controller behavior.
func (s *Sim) InjectFrame(fr can.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotRunning
	}
	select {
	case s.rxq <- fr:
		return nil
	default:
		s.rxMissed++
		s.raiseLocked(AlertRxQueueFull)
		return nil
	}
}

// RaiseAlert enqueues alert bits for delivery if they are armed.
func (s *Sim) RaiseAlert(a Alerts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a&AlertBusOff != 0 {
		s.state = StateBusOff
	}
	if a&AlertBusError != 0 {
		s.busErrors++
	}
	s.raiseLocked(a)
}

func (s *Sim) raiseLocked(a Alerts) {
	if s.alerts == nil || a&s.armed == 0 {
		return
	}
	select {
	case s.alerts <- a & s.armed:
	default: // alert backlog full; hardware would coalesce, we drop
	}
}

// SetTransmitError forces Transmit to fail with err until cleared with nil.
func (s *Sim) SetTransmitError(err error) {
	s.mu.Lock()
	s.txErr = err
	s.mu.Unlock()
}

// TxFrames returns a copy of every frame transmitted so far.
func (s *Sim) TxFrames() []can.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]can.Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

// Recoveries reports how many times recovery was initiated.
func (s *Sim) Recoveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveries
}

// Installed reports whether a driver is currently installed.
func (s *Sim) Installed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installed
}

// Mode reports the operating mode from the last Install.
func (s *Sim) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.general.Mode
}

// AcceptanceConfig reports the acceptance filter from the last Install.
func (s *Sim) AcceptanceConfig() AcceptanceFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accFilter
}

// Timing reports the timing profile from the last Install.
func (s *Sim) Timing() TimingConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timing
}
