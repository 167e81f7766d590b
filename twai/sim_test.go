package twai

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-can-controller/can"
)

func installedSim(t *testing.T) *Sim {
	t.Helper()
	s := NewSim()
	if err := s.Install(GeneralConfig{}, DefaultTiming, AcceptAll()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.ReconfigureAlerts(DefaultAlerts); err != nil {
		t.Fatalf("arm alerts: %v", err)
	}
	return s
}

func TestSimLifecycleErrors(t *testing.T) {
	s := NewSim()
	if err := s.Start(); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Start before Install = %v, want ErrNotInstalled", err)
	}
	if err := s.Install(GeneralConfig{}, DefaultTiming, AcceptAll()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := s.Install(GeneralConfig{}, DefaultTiming, AcceptAll()); !errors.Is(err, ErrInstalled) {
		t.Fatalf("double Install = %v, want ErrInstalled", err)
	}
	var fr can.Frame
	if err := s.Receive(&fr, 0); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Receive while stopped = %v, want ErrNotRunning", err)
	}
	if err := s.Uninstall(); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if err := s.Uninstall(); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("double Uninstall = %v, want ErrNotInstalled", err)
	}
}

func TestSimInjectAndReceive(t *testing.T) {
	s := installedSim(t)
	want := can.NewFrame(0x123, false, []byte{1, 2, 3})
	if err := s.InjectFrame(want); err != nil {
		t.Fatalf("inject: %v", err)
	}
	var got can.Frame
	if err := s.Receive(&got, 100*time.Millisecond); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got != want {
		t.Fatalf("frame mismatch: got %+v want %+v", got, want)
	}
	// Zero timeout on an empty queue must not block.
	if err := s.Receive(&got, 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("empty Receive = %v, want ErrTimeout", err)
	}
}

func TestSimHardwareQueueOverflow(t *testing.T) {
	s := NewSim()
	if err := s.Install(GeneralConfig{RxQueueLen: 2}, DefaultTiming, AcceptAll()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.ReconfigureAlerts(DefaultAlerts); err != nil {
		t.Fatalf("arm alerts: %v", err)
	}
	for i := 0; i < 3; i++ {
		_ = s.InjectFrame(can.NewFrame(uint32(i+1), false, nil))
	}
	st, err := s.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.MsgsToRx != 2 || st.RxMissedCount != 1 {
		t.Fatalf("expected 2 buffered, 1 missed; got %+v", st)
	}
	a, err := s.ReadAlerts(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("read alerts: %v", err)
	}
	if a&AlertRxQueueFull == 0 {
		t.Fatalf("expected AlertRxQueueFull, got %v", a)
	}
}

func TestSimAlertMasking(t *testing.T) {
	s := installedSim(t)
	if err := s.ReconfigureAlerts(AlertBusOff); err != nil {
		t.Fatalf("arm: %v", err)
	}
	s.RaiseAlert(AlertBusError) // not armed, must be dropped
	if _, err := s.ReadAlerts(0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected no alerts delivered")
	}
	s.RaiseAlert(AlertBusOff)
	a, err := s.ReadAlerts(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("read alerts: %v", err)
	}
	if a != AlertBusOff {
		t.Fatalf("alerts = %v, want bus_off only", a)
	}
}

func TestSimBusOffAndRecovery(t *testing.T) {
	s := installedSim(t)
	s.RaiseAlert(AlertBusOff)
	st, _ := s.Status()
	if st.State != StateBusOff {
		t.Fatalf("state = %v, want bus-off", st.State)
	}
	if _, err := s.ReadAlerts(100 * time.Millisecond); err != nil {
		t.Fatalf("read alerts: %v", err)
	}
	if err := s.InitiateRecovery(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if s.Recoveries() != 1 {
		t.Fatalf("recoveries = %d, want 1", s.Recoveries())
	}
	a, err := s.ReadAlerts(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("read alerts: %v", err)
	}
	if a&AlertBusRecovered == 0 {
		t.Fatalf("expected AlertBusRecovered, got %v", a)
	}
	st, _ = s.Status()
	if st.State != StateRunning {
		t.Fatalf("state after recovery = %v, want running", st.State)
	}
}

func TestSimListenOnlyRejectsTransmit(t *testing.T) {
	s := NewSim()
	if err := s.Install(GeneralConfig{Mode: ModeListenOnly}, DefaultTiming, AcceptAll()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Transmit(can.NewFrame(1, false, nil), 0); err == nil {
		t.Fatalf("expected transmit rejection in listen-only mode")
	}
	if n := len(s.TxFrames()); n != 0 {
		t.Fatalf("expected no frames sent, got %d", n)
	}
}

func TestSimReadAlertsCoalesces(t *testing.T) {
	s := installedSim(t)
	s.RaiseAlert(AlertBusError)
	s.RaiseAlert(AlertErrPassive)
	a, err := s.ReadAlerts(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("read alerts: %v", err)
	}
	if a != AlertBusError|AlertErrPassive {
		t.Fatalf("alerts = %v, want coalesced pair", a)
	}
}
