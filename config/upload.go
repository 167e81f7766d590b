package config

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/kstaniek/go-can-controller/internal/logging"
	"github.com/kstaniek/go-can-controller/internal/metrics"
)

// sleepFn is swapped in tests to avoid real delays.
var sleepFn = time.Sleep

const uploadIdle = 10 * time.Millisecond

// WaitForConfig reads newline-terminated JSON payloads from rw until one
// validates, the window elapses, or ctx is cancelled. Every payload gets a
// JSON response on rw; the first accepted record is persisted via store and
// returned with ok=true. Short reads with io.EOF are transient (serial port
// read timeout semantics) and keep the window open.
func WaitForConfig(ctx context.Context, rw io.ReadWriter, store *Store, window time.Duration) (Record, bool) {
	deadline := time.Now().Add(window)
	var pending []byte
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return Record{}, false
		default:
		}
		n, err := rw.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := bytes.TrimSpace(pending[:i])
				pending = pending[i+1:]
				if len(line) == 0 {
					continue
				}
				rec, perr := ParseJSON(line)
				if perr != nil {
					metrics.IncError(metrics.ErrUpload)
					logging.L().Warn("config_upload_rejected", "error", perr)
					_, _ = rw.Write(errResponse(perr))
					continue
				}
				if serr := store.Save(rec); serr != nil {
					metrics.IncError(metrics.ErrUpload)
					logging.L().Warn("config_upload_save_failed", "error", serr)
					_, _ = rw.Write(errResponse(serr))
					continue
				}
				_, _ = rw.Write(okResponse(rec))
				logging.L().Info("config_upload_accepted",
					"mode", rec.Mode.String(), "ids", len(rec.IDs), "bitrate", rec.Bitrate)
				return rec, true
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Read timeout on the port; keep waiting.
				sleepFn(uploadIdle)
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			logging.L().Warn("config_upload_read_error", "error", err)
			return Record{}, false
		}
		sleepFn(uploadIdle)
	}
	logging.L().Info("config_upload_window_closed")
	return Record{}, false
}
