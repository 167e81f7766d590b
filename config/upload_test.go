package config

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-controller/can"
)

// scriptedPort plays back canned read chunks and records writes. Once the
// script is exhausted every Read reports io.EOF like a serial port hitting
// its read timeout.
type scriptedPort struct {
	mu     sync.Mutex
	chunks [][]byte
	out    bytes.Buffer
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.chunks[0])
	if n == len(p.chunks[0]) {
		p.chunks = p.chunks[1:]
	} else {
		p.chunks[0] = p.chunks[0][n:]
	}
	return n, nil
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *scriptedPort) responses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Split(strings.TrimSpace(p.out.String()), "\n")
}

func quietSleep(t *testing.T) {
	t.Helper()
	sleepFn = func(time.Duration) {}
	t.Cleanup(func() { sleepFn = time.Sleep })
}

func TestWaitForConfigAcceptsSplitPayload(t *testing.T) {
	quietSleep(t)
	payload := `{"mode":"specific","ids":[256,512],"bitrate":250000}` + "\n"
	port := &scriptedPort{chunks: [][]byte{
		[]byte(payload[:10]), // split mid-payload to exercise accumulation
		[]byte(payload[10:]),
	}}
	store := NewStore(filepath.Join(t.TempDir(), "filter.bin"))
	rec, ok := WaitForConfig(context.Background(), port, store, time.Second)
	if !ok {
		t.Fatalf("expected accepted upload")
	}
	if rec.Mode != can.Specific || len(rec.IDs) != 2 || rec.Bitrate != 250_000 {
		t.Fatalf("record = %+v", rec)
	}
	// Persisted for the next boot.
	saved := store.Load()
	if saved.Bitrate != 250_000 || len(saved.IDs) != 2 {
		t.Fatalf("stored record = %+v", saved)
	}
	resp := port.responses()
	if len(resp) != 1 || !strings.Contains(resp[0], `"status":"ok"`) {
		t.Fatalf("responses = %q", resp)
	}
}

func TestWaitForConfigRejectsThenAccepts(t *testing.T) {
	quietSleep(t)
	port := &scriptedPort{chunks: [][]byte{
		[]byte(`{"mode":"monitoring","bitrate":9600}` + "\n"),
		[]byte(`{"mode":"monitoring"}` + "\n"),
	}}
	store := NewStore(filepath.Join(t.TempDir(), "filter.bin"))
	rec, ok := WaitForConfig(context.Background(), port, store, time.Second)
	if !ok {
		t.Fatalf("expected eventual accept")
	}
	if rec.Mode != can.Monitoring || rec.Bitrate != DefaultBitrate {
		t.Fatalf("record = %+v", rec)
	}
	resp := port.responses()
	if len(resp) != 2 {
		t.Fatalf("expected 2 responses, got %q", resp)
	}
	if !strings.Contains(resp[0], `"status":"error"`) {
		t.Fatalf("first response = %q, want rejection", resp[0])
	}
	if !strings.Contains(resp[1], `"status":"ok"`) {
		t.Fatalf("second response = %q, want ok", resp[1])
	}
}

func TestWaitForConfigWindowCloses(t *testing.T) {
	quietSleep(t)
	port := &scriptedPort{} // nothing arrives, only EOF timeouts
	store := NewStore(filepath.Join(t.TempDir(), "filter.bin"))
	start := time.Now()
	_, ok := WaitForConfig(context.Background(), port, store, 30*time.Millisecond)
	if ok {
		t.Fatalf("expected window to close without a record")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("window overran: %v", elapsed)
	}
}

func TestWaitForConfigContextCancel(t *testing.T) {
	quietSleep(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	port := &scriptedPort{chunks: [][]byte{[]byte(`{"mode":"monitoring"}` + "\n")}}
	store := NewStore(filepath.Join(t.TempDir(), "filter.bin"))
	if _, ok := WaitForConfig(ctx, port, store, time.Second); ok {
		t.Fatalf("expected cancellation to win")
	}
}
