// Package twai abstracts a TWAI-style CAN frame controller: install/start
// lifecycle, bounded-wait frame IO, an alert word for fault signaling and a
// bus-off recovery hook. The driver package never talks to hardware except
// through the Device interface, so tests and the demo binary can run on the
// in-memory Sim while linux hosts use the SocketCAN backend.
package twai

import (
	"errors"
	"time"

	"github.com/kstaniek/go-can-controller/can"
)

// Alerts is a bitmask of controller fault/status conditions.
type Alerts uint32

const (
	AlertRxData Alerts = 1 << iota
	AlertTxIdle
	AlertTxSuccess
	AlertTxFailed
	AlertErrPassive
	AlertBusError
	AlertRxQueueFull
	AlertBusOff
	AlertBusRecovered
)

// DefaultAlerts is the fixed set armed by the driver on every start.
const DefaultAlerts = AlertRxData | AlertTxIdle | AlertTxSuccess |
	AlertTxFailed | AlertErrPassive | AlertBusError |
	AlertRxQueueFull | AlertBusOff | AlertBusRecovered

var alertNames = []struct {
	bit  Alerts
	name string
}{
	{AlertRxData, "rx_data"},
	{AlertTxIdle, "tx_idle"},
	{AlertTxSuccess, "tx_success"},
	{AlertTxFailed, "tx_failed"},
	{AlertErrPassive, "err_passive"},
	{AlertBusError, "bus_error"},
	{AlertRxQueueFull, "rx_queue_full"},
	{AlertBusOff, "bus_off"},
	{AlertBusRecovered, "bus_recovered"},
}

func (a Alerts) String() string {
	if a == 0 {
		return "none"
	}
	var s string
	for _, an := range alertNames {
		if a&an.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += an.name
	}
	return s
}

// Mode is the controller operating mode.
type Mode uint8

const (
	ModeNormal Mode = iota
	// ModeListenOnly receives but never transmits or acknowledges.
	ModeListenOnly
)

func (m Mode) String() string {
	if m == ModeListenOnly {
		return "listen-only"
	}
	return "normal"
}

// GeneralConfig carries the controller-wide knobs passed to Install.
type GeneralConfig struct {
	Mode       Mode
	RxQueueLen int // hardware receive queue depth; 0 means DefaultRxQueueLen
}

// DefaultRxQueueLen matches the receive queue depth the driver installs with.
const DefaultRxQueueLen = 32

// AcceptanceFilter is the hardware mask/code filter, distinct from the
// software filter record. Code and Mask hold the controller register format
// (mask bit set = don't care); ID, IDMask and Extended keep the semantic
// origin for backends that filter by identifier instead of registers.
type AcceptanceFilter struct {
	Code   uint32
	Mask   uint32
	Single bool

	ID       uint32
	IDMask   uint32 // caller convention: bit set = must match
	Extended bool
}

// AcceptAll returns the wide-open acceptance filter.
func AcceptAll() AcceptanceFilter {
	return AcceptanceFilter{Mask: 0xFFFFFFFF, Single: true}
}

// SingleFilter derives the acceptance code/mask registers from an identifier
// and match mask, shifted per addressing mode: standard identifiers occupy
// the top 11 bits of the 32-bit register, extended the top 29.
func SingleFilter(id, mask uint32, extended bool) AcceptanceFilter {
	f := AcceptanceFilter{ID: id, IDMask: mask, Extended: extended, Single: true}
	if extended {
		f.Code = id << 3
		f.Mask = ^mask << 3
	} else {
		f.Code = id << 21
		f.Mask = ^mask << 21
	}
	return f
}

// IsAcceptAll reports whether the filter passes every identifier.
func (f AcceptanceFilter) IsAcceptAll() bool {
	return f.Mask == 0xFFFFFFFF && f.Code == 0
}

// State is the controller node state as reported by Status.
type State uint8

const (
	StateStopped State = iota
	StateRunning
	StateBusOff
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBusOff:
		return "bus-off"
	case StateRecovering:
		return "recovering"
	default:
		return "stopped"
	}
}

// Status mirrors the controller status word.
type Status struct {
	State          State
	MsgsToRx       int
	MsgsToTx       int
	TxErrorCounter int
	RxErrorCounter int
	TxFailedCount  int
	RxMissedCount  int
	BusErrorCount  int
}

var (
	// ErrTimeout is returned when a bounded wait elapses with no result.
	ErrTimeout = errors.New("twai: timed out")
	// ErrNotInstalled is returned when the driver is not installed.
	ErrNotInstalled = errors.New("twai: driver not installed")
	// ErrNotRunning is returned when the controller is installed but stopped.
	ErrNotRunning = errors.New("twai: controller not running")
	// ErrInstalled is returned by Install when a driver is already present.
	ErrInstalled = errors.New("twai: driver already installed")
	// ErrTxQueueFull is returned when the transmit queue stays full for the
	// whole bounded wait.
	ErrTxQueueFull = errors.New("twai: tx queue full")
)

// Device is the minimal hardware surface the driver core needs.
// Implemented by Sim everywhere and by the SocketCAN backend on linux.
//
// Receive and ReadAlerts with a zero timeout must not block. Implementations
// must tolerate Receive from one goroutine concurrently with Transmit and
// ReadAlerts from others (distinct directions by construction).
type Device interface {
	Install(g GeneralConfig, t TimingConfig, f AcceptanceFilter) error
	Start() error
	Stop() error
	Uninstall() error

	Transmit(fr can.Frame, timeout time.Duration) error
	Receive(fr *can.Frame, timeout time.Duration) error

	ReadAlerts(timeout time.Duration) (Alerts, error)
	ReconfigureAlerts(mask Alerts) error

	Status() (Status, error)
	InitiateRecovery() error
}
