package driver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-controller/can"
	"github.com/kstaniek/go-can-controller/twai"
)

func TestRxPumpDeliversInOrder(t *testing.T) {
	c, sim := startedController(t)
	if err := c.EnableRxInterrupt(nil); err != nil {
		t.Fatalf("enable rx: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := sim.InjectFrame(can.NewFrame(uint32(i), false, nil)); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return c.QueuedMessages() == 5 })
	for i := 1; i <= 5; i++ {
		fr, ok := c.ReceiveFromQueue()
		if !ok {
			t.Fatalf("queue empty at %d", i)
		}
		if fr.ID != uint32(i) {
			t.Fatalf("out of order: got id %d want %d", fr.ID, i)
		}
	}
	if _, ok := c.ReceiveFromQueue(); ok {
		t.Fatalf("expected drained queue")
	}
}

func TestRxPumpAppliesSoftwareFilter(t *testing.T) {
	c, sim := startedController(t)
	c.SetFilterMode(can.Specific)
	c.SetAcceptedIDs([]uint32{0x100, 0x200}, false)
	if err := c.EnableRxInterrupt(nil); err != nil {
		t.Fatalf("enable rx: %v", err)
	}
	for _, id := range []uint32{0x100, 0x300, 0x200, 0x100} {
		if err := sim.InjectFrame(can.NewFrame(id, false, nil)); err != nil {
			t.Fatalf("inject %#x: %v", id, err)
		}
	}
	// 0x300 is rejected; the rest pass in order.
	waitFor(t, func() bool { return c.QueuedMessages() == 3 })
	want := []uint32{0x100, 0x200, 0x100}
	for i, id := range want {
		fr, ok := c.ReceiveFromQueue()
		if !ok || fr.ID != id {
			t.Fatalf("frame %d = %+v (ok=%v), want id %#x", i, fr, ok, id)
		}
	}
}

func TestRxPumpSinkSeesFrameBeforeQueue(t *testing.T) {
	c, sim := startedController(t)
	var mu sync.Mutex
	var seen []uint32
	sink := FrameSinkFunc(func(fr can.Frame) {
		mu.Lock()
		seen = append(seen, fr.ID)
		mu.Unlock()
	})
	if err := c.EnableRxInterrupt(sink); err != nil {
		t.Fatalf("enable rx: %v", err)
	}
	if err := sim.InjectFrame(can.NewFrame(0x42, false, []byte{1})); err != nil {
		t.Fatalf("inject: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == 0x42
	})
	waitFor(t, func() bool { return c.QueuedMessages() == 1 })
}

func TestRxPumpDropsOnFullQueue(t *testing.T) {
	c, sim := startedController(t, WithQueueCapacity(4))
	if err := c.EnableRxInterrupt(nil); err != nil {
		t.Fatalf("enable rx: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := sim.InjectFrame(can.NewFrame(uint32(i+1), false, nil)); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}
	// Nothing consumes: the first four fill the queue, the rest are dropped.
	waitFor(t, func() bool { return c.GetDroppedRxCount() == 2 })
	if n := c.QueuedMessages(); n != 4 {
		t.Fatalf("queued = %d, want 4", n)
	}
	// The oldest frames survive; drops shed the newest arrivals.
	fr, ok := c.ReceiveFromQueue()
	if !ok || fr.ID != 1 {
		t.Fatalf("head of queue = %+v (ok=%v), want id 1", fr, ok)
	}
	ts := c.GetTaskStats()
	if ts.QueueHighWater != 4 || ts.QueueCapacity != 4 {
		t.Fatalf("stats = %+v", ts)
	}
}

func TestRxPumpOverflowDropsExactlyOne(t *testing.T) {
	c, sim := startedController(t) // default capacity of 16
	if err := c.EnableRxInterrupt(nil); err != nil {
		t.Fatalf("enable rx: %v", err)
	}
	for i := 0; i < DefaultQueueCapacity+1; i++ {
		if err := sim.InjectFrame(can.NewFrame(uint32(i+1), false, nil)); err != nil {
			t.Fatalf("inject %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return c.GetDroppedRxCount() == 1 })
	if n := c.QueuedMessages(); n != DefaultQueueCapacity {
		t.Fatalf("queued = %d, want %d", n, DefaultQueueCapacity)
	}
	// The queue contents are untouched by the drop.
	for i := 1; i <= DefaultQueueCapacity; i++ {
		fr, ok := c.ReceiveFromQueue()
		if !ok || fr.ID != uint32(i) {
			t.Fatalf("frame %d = %+v (ok=%v)", i, fr, ok)
		}
	}
}

func TestRxPumpReenableStartsEmpty(t *testing.T) {
	c, sim := startedController(t)
	if err := c.EnableRxInterrupt(nil); err != nil {
		t.Fatalf("enable rx: %v", err)
	}
	if err := sim.InjectFrame(can.NewFrame(0x1, false, nil)); err != nil {
		t.Fatalf("inject: %v", err)
	}
	waitFor(t, func() bool { return c.QueuedMessages() == 1 })
	c.DisableRxInterrupt()
	if err := c.EnableRxInterrupt(nil); err != nil {
		t.Fatalf("re-enable rx: %v", err)
	}
	if n := c.QueuedMessages(); n != 0 {
		t.Fatalf("stale frames after re-enable: %d", n)
	}
}

func TestEnableRxInterruptRequiresRunning(t *testing.T) {
	c := New(twai.NewSim())
	if err := c.EnableRxInterrupt(nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("EnableRxInterrupt = %v, want ErrNotRunning", err)
	}
}

// brokenRxDevice wraps the sim but fails every Receive with a synthetic
// error to exercise the pump's backoff path.
type brokenRxDevice struct {
	*twai.Sim
}

var errBrokenRx = errors.New("synthetic receive failure")

func (d *brokenRxDevice) Receive(fr *can.Frame, timeout time.Duration) error {
	return errBrokenRx
}

func TestRxPumpBackoffProgression(t *testing.T) {
	var mu sync.Mutex
	var seen []time.Duration
	sampled := make(chan struct{})
	sleepFn = func(d time.Duration) {
		mu.Lock()
		if len(seen) < 6 {
			seen = append(seen, d)
			if len(seen) == 6 {
				close(sampled)
			}
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	dev := &brokenRxDevice{Sim: twai.NewSim()}
	c := New(dev, WithRxPollInterval(time.Millisecond))
	if err := c.Begin(twai.DefaultTiming); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer c.End()
	if err := c.EnableRxInterrupt(nil); err != nil {
		t.Fatalf("enable rx: %v", err)
	}
	select {
	case <-sampled:
	case <-time.After(2 * time.Second):
		t.Fatalf("backoff samples not collected")
	}
	c.DisableRxInterrupt()

	mu.Lock()
	defer mu.Unlock()
	if seen[0] != rxBackoffMin {
		t.Fatalf("first backoff = %v, want %v", seen[0], rxBackoffMin)
	}
	prev := time.Duration(0)
	for i, d := range seen {
		if d < prev {
			t.Fatalf("backoff decreased at %d: prev=%v cur=%v", i, prev, d)
		}
		if d > rxBackoffMax {
			t.Fatalf("backoff exceeded max at %d: %v", i, d)
		}
		prev = d
	}
}
