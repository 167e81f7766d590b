package main

import (
	"fmt"

	"github.com/kstaniek/go-can-controller/twai"
)

// newDevice selects the hardware backing for the controller. The sim backend
// is an in-memory device used for development and tests; socketcan binds a
// raw CAN socket on Linux hosts.
func newDevice(cfg *appConfig) (twai.Device, error) {
	switch cfg.backend {
	case "sim":
		return twai.NewSim(), nil
	case "socketcan":
		return twai.NewSocketCAN(cfg.canIf), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use sim|socketcan)", cfg.backend)
	}
}
