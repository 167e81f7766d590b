package driver

import (
	"github.com/kstaniek/go-can-controller/can"
	"github.com/kstaniek/go-can-controller/twai"
)

// FrameSink receives accepted frames from the receive pump, synchronously
// and before the frame is queued. Implementations run in pump context and
// must be non-blocking and allocation-light; a sink that stalls delays
// hardware draining for every later frame.
type FrameSink interface {
	OnFrame(can.Frame)
}

// FrameSinkFunc adapts a function to the FrameSink interface.
type FrameSinkFunc func(can.Frame)

func (f FrameSinkFunc) OnFrame(fr can.Frame) { f(fr) }

// AlertSink receives the raw alert mask from the alert pump or from
// ProcessAlerts. The same pump-context contract as FrameSink applies.
type AlertSink interface {
	OnAlert(twai.Alerts)
}

// AlertSinkFunc adapts a function to the AlertSink interface.
type AlertSinkFunc func(twai.Alerts)

func (f AlertSinkFunc) OnAlert(a twai.Alerts) { f(a) }
