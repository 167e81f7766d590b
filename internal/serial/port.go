package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability. The configured read timeout
// makes Read return io.EOF when the window elapses with no data, which the
// upload loop treats as transient.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
