package config

import (
	"encoding/json"
	"fmt"

	"github.com/kstaniek/go-can-controller/can"
)

// uploadPayload is the wire shape accepted during the upload window.
type uploadPayload struct {
	Mode     string   `json:"mode"`
	IDs      []uint32 `json:"ids"`
	Extended bool     `json:"extended"`
	Bitrate  uint32   `json:"bitrate"`
}

// Response is sent back on the upload stream after each attempt.
type Response struct {
	Status    string `json:"status"`
	Mode      string `json:"mode,omitempty"`
	ActiveIDs int    `json:"active_ids"`
	Bitrate   uint32 `json:"bitrate,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ParseJSON translates an uploaded payload into a validated Record.
// Zero ids are skipped and the list is clamped to can.MaxFilterIDs, matching
// the stored-record semantics. A missing bitrate means the default.
func ParseJSON(data []byte) (Record, error) {
	var p uploadPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Record{}, fmt.Errorf("config: parse json: %w", err)
	}
	rec := Record{Extended: p.Extended, Bitrate: p.Bitrate}
	if rec.Bitrate == 0 {
		rec.Bitrate = DefaultBitrate
	}
	switch p.Mode {
	case "monitoring":
		rec.Mode = can.Monitoring
	case "specific":
		rec.Mode = can.Specific
		for _, id := range p.IDs {
			if id == 0 {
				continue
			}
			rec.IDs = append(rec.IDs, id)
			if len(rec.IDs) == can.MaxFilterIDs {
				break
			}
		}
	case "":
		return Record{}, fmt.Errorf("config: %w: missing mode", ErrUnknownMode)
	default:
		return Record{}, fmt.Errorf("config: %w: %q", ErrUnknownMode, p.Mode)
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func okResponse(rec Record) []byte {
	b, _ := json.Marshal(Response{
		Status:    "ok",
		Mode:      rec.Mode.String(),
		ActiveIDs: len(rec.IDs),
		Bitrate:   rec.Bitrate,
	})
	return append(b, '\n')
}

func errResponse(err error) []byte {
	b, _ := json.Marshal(Response{Status: "error", Message: err.Error()})
	return append(b, '\n')
}

// JSON renders the record in the upload payload shape, for status output.
func (r Record) JSON() ([]byte, error) {
	return json.Marshal(uploadPayload{
		Mode:     r.Mode.String(),
		IDs:      r.IDs,
		Extended: r.Extended,
		Bitrate:  r.Bitrate,
	})
}
