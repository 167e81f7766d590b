//go:build linux

package twai

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-can-controller/can"
)

// Error-frame classes from <linux/can/error.h>. Only the ones mapped to
// alert bits are listed.
const (
	canErrTxTimeout = 0x00000001
	canErrCtrl      = 0x00000004
	canErrAck       = 0x00000020
	canErrBusOff    = 0x00000040
	canErrBusError  = 0x00000080
	canErrRestarted = 0x00000100
	canErrMask      = 0x1FFFFFFF
	canErrCtrlByte  = 1 // data[] index for controller problems
	ctrlRxOverflow  = 0x01
	ctrlRxPassive   = 0x10
	ctrlTxPassive   = 0x20
)

// SocketCAN backs the Device interface with a raw AF_CAN socket pair: one
// socket carries data frames (kernel acceptance filter applied), the second
// receives only error frames and feeds ReadAlerts. Bitrate configuration is
// owned by the host (`ip link set canX type can bitrate ...`); Install
// records the timing profile for status reporting only.
//
// Listen-only cannot be toggled per socket; the driver enforces it above
// this layer by refusing transmits.
type SocketCAN struct {
	iface string

	mu        sync.Mutex
	installed bool
	started   bool
	general   GeneralConfig
	timing    TimingConfig
	filter    AcceptanceFilter
	armed     Alerts
	state     State
	busErrs   int

	dataFD int
	errFD  int
}

// NewSocketCAN returns an uninstalled device bound to the named interface.
func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{iface: iface, dataFD: -1, errFD: -1}
}

func (d *SocketCAN) Install(g GeneralConfig, t TimingConfig, f AcceptanceFilter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.installed {
		return ErrInstalled
	}
	d.general = g
	d.timing = t
	d.filter = f
	d.installed = true
	d.state = StateStopped
	return nil
}

func (d *SocketCAN) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrNotInstalled
	}
	if d.started {
		return nil
	}
	dataFD, err := d.openSocket(false)
	if err != nil {
		return err
	}
	errFD, err := d.openSocket(true)
	if err != nil {
		_ = unix.Close(dataFD)
		return err
	}
	d.dataFD, d.errFD = dataFD, errFD
	d.started = true
	d.state = StateRunning
	return nil
}

func (d *SocketCAN) openSocket(errorsOnly bool) (int, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return -1, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT.
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if errorsOnly {
		// Match no data frames, all error frames.
		none := []unix.CanFilter{}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, none); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("clear data filter: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, canErrMask); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("error filter: %w", err)
		}
	} else if !d.filter.IsAcceptAll() {
		id := d.filter.ID
		mask := d.filter.IDMask
		if d.filter.Extended {
			id |= unix.CAN_EFF_FLAG
			mask |= unix.CAN_EFF_FLAG
		}
		flt := []unix.CanFilter{{Id: id, Mask: mask}}
		if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, flt); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("acceptance filter: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(d.iface)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("if %q: %w", d.iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind(can@%s): %w", d.iface, err)
	}
	return fd, nil
}

func (d *SocketCAN) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrNotInstalled
	}
	d.closeLocked()
	return nil
}

func (d *SocketCAN) Uninstall() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrNotInstalled
	}
	d.closeLocked()
	d.installed = false
	return nil
}

func (d *SocketCAN) closeLocked() {
	if d.dataFD >= 0 {
		_ = unix.Close(d.dataFD)
		d.dataFD = -1
	}
	if d.errFD >= 0 {
		_ = unix.Close(d.errFD)
		d.errFD = -1
	}
	d.started = false
	d.state = StateStopped
}

func (d *SocketCAN) ReconfigureAlerts(mask Alerts) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrNotInstalled
	}
	d.armed = mask
	return nil
}

func (d *SocketCAN) fd(errSock bool) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return -1, ErrNotInstalled
	}
	if !d.started {
		return -1, ErrNotRunning
	}
	if errSock {
		return d.errFD, nil
	}
	return d.dataFD, nil
}

// pollFD waits for readiness with a bounded timeout; 0 means no wait.
func pollFD(fd int, events int16, timeout time.Duration) error {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	for {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrTimeout
		}
		return nil
	}
}

func (d *SocketCAN) Transmit(fr can.Frame, timeout time.Duration) error {
	fd, err := d.fd(false)
	if err != nil {
		return err
	}
	if err := pollFD(fd, unix.POLLOUT, timeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			return ErrTxQueueFull
		}
		return err
	}
	buf, err := fr.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := unix.Write(fd, buf); err != nil {
		return fmt.Errorf("write(can): %w", err)
	}
	return nil
}

func (d *SocketCAN) Receive(fr *can.Frame, timeout time.Duration) error {
	fd, err := d.fd(false)
	if err != nil {
		return err
	}
	if err := pollFD(fd, unix.POLLIN, timeout); err != nil {
		return err
	}
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil {
		return fmt.Errorf("read(can): %w", err)
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}
	return fr.UnmarshalBinary(buf[:])
}

func (d *SocketCAN) ReadAlerts(timeout time.Duration) (Alerts, error) {
	fd, err := d.fd(true)
	if err != nil {
		return 0, err
	}
	if err := pollFD(fd, unix.POLLIN, timeout); err != nil {
		return 0, err
	}
	var acc Alerts
	for {
		var buf [unix.CAN_MTU]byte
		n, rerr := unix.Read(fd, buf[:])
		if rerr != nil || n != unix.CAN_MTU {
			break
		}
		acc |= d.mapErrorFrame(buf)
		if perr := pollFD(fd, unix.POLLIN, 0); perr != nil {
			break
		}
	}
	d.mu.Lock()
	acc &= d.armed
	if acc&AlertBusOff != 0 {
		d.state = StateBusOff
	}
	if acc&AlertBusRecovered != 0 {
		d.state = StateRunning
	}
	if acc&AlertBusError != 0 {
		d.busErrs++
	}
	d.mu.Unlock()
	if acc == 0 {
		return 0, ErrTimeout
	}
	return acc, nil
}

func (d *SocketCAN) mapErrorFrame(buf [unix.CAN_MTU]byte) Alerts {
	var fr can.Frame
	// Error frames carry the class in the raw can_id; UnmarshalBinary would
	// mask it, so decode the id by hand.
	id := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if id&unix.CAN_ERR_FLAG == 0 {
		return 0
	}
	copy(fr.Data[:], buf[8:16])
	cls := id & canErrMask
	var a Alerts
	if cls&canErrBusOff != 0 {
		a |= AlertBusOff
	}
	if cls&canErrRestarted != 0 {
		a |= AlertBusRecovered
	}
	if cls&canErrBusError != 0 {
		a |= AlertBusError
	}
	if cls&(canErrAck|canErrTxTimeout) != 0 {
		a |= AlertTxFailed
	}
	if cls&canErrCtrl != 0 {
		b := fr.Data[canErrCtrlByte]
		if b&ctrlRxOverflow != 0 {
			a |= AlertRxQueueFull
		}
		if b&(ctrlRxPassive|ctrlTxPassive) != 0 {
			a |= AlertErrPassive
		}
	}
	return a
}

func (d *SocketCAN) Status() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return Status{}, ErrNotInstalled
	}
	return Status{State: d.state, BusErrorCount: d.busErrs}, nil
}

// InitiateRecovery is a no-op: with `restart-ms` configured the kernel
// restarts a bus-off interface by itself, and the restart shows up here as
// a CAN_ERR_RESTARTED error frame (AlertBusRecovered).
func (d *SocketCAN) InitiateRecovery() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return ErrNotInstalled
	}
	d.state = StateRecovering
	return nil
}
