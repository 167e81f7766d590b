package twai

import "fmt"

// TimingConfig holds the bit-timing profile for a bitrate. Values follow the
// usual controller nomenclature: baud rate prescaler, the two time segments
// and the synchronization jump width, all in time quanta.
type TimingConfig struct {
	Bitrate        uint32 // nominal bit/s, informational
	BRP            uint16
	TSEG1          uint8
	TSEG2          uint8
	SJW            uint8
	TripleSampling bool
}

// Preset profiles for the supported bitrates (80 MHz source clock).
var (
	Timing125K  = TimingConfig{Bitrate: 125_000, BRP: 32, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing250K  = TimingConfig{Bitrate: 250_000, BRP: 16, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing500K  = TimingConfig{Bitrate: 500_000, BRP: 8, TSEG1: 15, TSEG2: 4, SJW: 3}
	Timing1000K = TimingConfig{Bitrate: 1_000_000, BRP: 4, TSEG1: 15, TSEG2: 4, SJW: 3}
)

// DefaultTiming is used when nothing else is configured.
var DefaultTiming = Timing500K

// TimingForBitrate maps a configured bitrate to its timing profile.
func TimingForBitrate(bitrate uint32) (TimingConfig, error) {
	switch bitrate {
	case 125_000:
		return Timing125K, nil
	case 250_000:
		return Timing250K, nil
	case 500_000:
		return Timing500K, nil
	case 1_000_000:
		return Timing1000K, nil
	default:
		return TimingConfig{}, fmt.Errorf("twai: unsupported bitrate %d", bitrate)
	}
}
