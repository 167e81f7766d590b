// Package can holds the wire-level CAN frame type and the software filter
// record shared by the driver core and the configuration collaborator.
package can

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Identifier limits and SocketCAN flag bits (same values as <linux/can.h>).
const (
	MaxStandardID = 0x7FF      // 11-bit
	MaxExtendedID = 0x1FFFFFFF // 29-bit

	effFlag = 0x80000000
	rtrFlag = 0x40000000
)

var (
	ErrInvalidID  = errors.New("can: identifier out of range")
	ErrInvalidLen = errors.New("can: data length exceeds 8")
)

// Frame is one classic CAN message. It is a plain value: built once on
// receipt or by the transmit caller and handed off, never shared.
//
// If RTR is set the payload is semantically empty regardless of Len.
type Frame struct {
	ID       uint32 // 11-bit (standard) or 29-bit (extended)
	Extended bool
	RTR      bool
	Len      uint8 // 0..8
	Data     [8]byte
}

// NewFrame builds a data frame, clamping the payload to 8 bytes.
func NewFrame(id uint32, extended bool, data []byte) Frame {
	f := Frame{ID: id, Extended: extended}
	if len(data) > 8 {
		data = data[:8]
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	return f
}

// Validate checks length and identifier range for the addressing mode.
func (f Frame) Validate() error {
	if f.Len > 8 {
		return ErrInvalidLen
	}
	max := uint32(MaxStandardID)
	if f.Extended {
		max = MaxExtendedID
	}
	if f.ID > max {
		return ErrInvalidID
	}
	return nil
}

// MarshalBinary encodes the frame to the Linux SocketCAN can_frame layout
// (16 bytes, little-endian can_id with EFF/RTR flags in the upper bits).
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= effFlag
	}
	if f.RTR {
		id |= rtrFlag
	}
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("can: need 16 bytes, got %d", len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&effFlag != 0
	f.RTR = id&rtrFlag != 0
	if f.Extended {
		f.ID = id & MaxExtendedID
	} else {
		f.ID = id & MaxStandardID
	}
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
