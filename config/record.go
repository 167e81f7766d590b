// Package config implements the persisted filter/bitrate configuration
// record, its JSON upload protocol and the serial upload window. It sits on
// top of the driver: everything it does funnels into ApplyConfiguration.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-controller/can"
	"github.com/kstaniek/go-can-controller/driver"
	"github.com/kstaniek/go-can-controller/twai"
)

// RecordSize is the fixed persisted blob size.
//
// Layout:
//
//	[0]      mode (0=monitoring, 1=specific)
//	[1]      id count (0..5)
//	[2..21]  ids, 5 x uint32 little-endian
//	[22]     extended flag (0/1)
//	[23..26] bitrate, uint32 little-endian
//	[27..31] reserved, zero
const RecordSize = 32

// DefaultBitrate substitutes for any unsupported persisted bitrate.
const DefaultBitrate = 500_000

var (
	ErrRecordSize  = errors.New("config: record must be 32 bytes")
	ErrTooManyIDs  = errors.New("config: more than 5 accepted ids")
	ErrNoIDs       = errors.New("config: specific mode needs 1..5 ids")
	ErrDuplicateID = errors.New("config: duplicate accepted id")
	ErrIDRange     = errors.New("config: id out of range for addressing mode")
	ErrBadBitrate  = errors.New("config: bitrate must be 125000, 250000, 500000 or 1000000")
	ErrUnknownMode = errors.New("config: unknown filter mode")
)

// Record is the stored configuration: software filter plus bus bitrate.
type Record struct {
	Mode     can.FilterMode
	IDs      []uint32 // at most can.MaxFilterIDs
	Extended bool
	Bitrate  uint32
}

// Default returns the configuration used when nothing valid is stored.
func Default() Record {
	return Record{Mode: can.Monitoring, Bitrate: DefaultBitrate}
}

// SupportedBitrate reports whether b is one of the four accepted rates.
func SupportedBitrate(b uint32) bool {
	switch b {
	case 125_000, 250_000, 500_000, 1_000_000:
		return true
	}
	return false
}

// Validate enforces the upload-path rules: known mode, supported bitrate,
// and in Specific mode 1..5 unique ids within the addressing-mode range.
func (r Record) Validate() error {
	switch r.Mode {
	case can.Monitoring, can.Specific:
	default:
		return ErrUnknownMode
	}
	if !SupportedBitrate(r.Bitrate) {
		return fmt.Errorf("%w (got %d)", ErrBadBitrate, r.Bitrate)
	}
	if r.Mode != can.Specific {
		return nil
	}
	if len(r.IDs) == 0 {
		return ErrNoIDs
	}
	if len(r.IDs) > can.MaxFilterIDs {
		return ErrTooManyIDs
	}
	maxID := uint32(can.MaxStandardID)
	if r.Extended {
		maxID = can.MaxExtendedID
	}
	for i, id := range r.IDs {
		if id > maxID {
			return fmt.Errorf("%w: 0x%X", ErrIDRange, id)
		}
		for _, prev := range r.IDs[:i] {
			if prev == id {
				return fmt.Errorf("%w: 0x%X", ErrDuplicateID, id)
			}
		}
	}
	return nil
}

// Normalize repairs a loaded record in place: an unsupported bitrate is
// replaced with the default. It reports whether anything changed. The
// load path substitutes rather than rejects so a device with a stale or
// corrupted blob still comes up.
func (r *Record) Normalize() bool {
	if SupportedBitrate(r.Bitrate) {
		return false
	}
	r.Bitrate = DefaultBitrate
	return true
}

// MarshalBinary encodes the record into the fixed 32-byte layout.
func (r Record) MarshalBinary() ([]byte, error) {
	if len(r.IDs) > can.MaxFilterIDs {
		return nil, ErrTooManyIDs
	}
	buf := make([]byte, RecordSize)
	if r.Mode == can.Specific {
		buf[0] = 1
	}
	buf[1] = byte(len(r.IDs))
	for i, id := range r.IDs {
		binary.LittleEndian.PutUint32(buf[2+i*4:], id)
	}
	if r.Extended {
		buf[22] = 1
	}
	binary.LittleEndian.PutUint32(buf[23:], r.Bitrate)
	return buf, nil
}

// UnmarshalBinary decodes the fixed layout. The id count is clamped to
// can.MaxFilterIDs. Bitrate is taken as stored; callers repair it with
// Normalize.
func (r *Record) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("%w (got %d)", ErrRecordSize, len(data))
	}
	if data[0] == 0 {
		r.Mode = can.Monitoring
	} else {
		r.Mode = can.Specific
	}
	n := int(data[1])
	if n > can.MaxFilterIDs {
		n = can.MaxFilterIDs
	}
	r.IDs = make([]uint32, n)
	for i := range r.IDs {
		r.IDs[i] = binary.LittleEndian.Uint32(data[2+i*4:])
	}
	r.Extended = data[22] == 1
	r.Bitrate = binary.LittleEndian.Uint32(data[23:])
	return nil
}

// Apply restarts the controller with the record's bitrate and installs the
// software filter. Fails loudly with no partial apply.
func (r Record) Apply(c *driver.Controller) error {
	return c.ApplyConfiguration(r.Bitrate, r.Mode, r.IDs, r.Extended)
}

// Timing resolves the record's bitrate to a timing profile, falling back to
// the default profile for unsupported values.
func (r Record) Timing() twai.TimingConfig {
	t, err := twai.TimingForBitrate(r.Bitrate)
	if err != nil {
		return twai.DefaultTiming
	}
	return t
}
