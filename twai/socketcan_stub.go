//go:build !linux

package twai

import (
	"errors"
	"time"

	"github.com/kstaniek/go-can-controller/can"
)

// NewSocketCAN is provided for non-linux builds so cmd code can compile;
// Install always fails.
func NewSocketCAN(iface string) Device { return socketCANStub{} }

var errNoSocketCAN = errors.New("twai: socketcan requires linux")

type socketCANStub struct{}

func (socketCANStub) Install(GeneralConfig, TimingConfig, AcceptanceFilter) error {
	return errNoSocketCAN
}
func (socketCANStub) Start() error                             { return errNoSocketCAN }
func (socketCANStub) Stop() error                              { return errNoSocketCAN }
func (socketCANStub) Uninstall() error                         { return errNoSocketCAN }
func (socketCANStub) Transmit(can.Frame, time.Duration) error  { return errNoSocketCAN }
func (socketCANStub) Receive(*can.Frame, time.Duration) error  { return errNoSocketCAN }
func (socketCANStub) ReadAlerts(time.Duration) (Alerts, error) { return 0, errNoSocketCAN }
func (socketCANStub) ReconfigureAlerts(Alerts) error           { return errNoSocketCAN }
func (socketCANStub) Status() (Status, error)                  { return Status{}, errNoSocketCAN }
func (socketCANStub) InitiateRecovery() error                  { return errNoSocketCAN }
