package utils

import (
	"github.com/notargets/gocca"
	"github.com/sirupsen/logrus"

	"github.com/notargets/LatticeKernel/failure"
)

// fallbackModes are tried in order when no device properties are given,
// preferring parallel backends
var fallbackModes = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// CreateDevice opens the OCCA device described by props, a JSON property
// string such as {"mode": "CUDA", "device_id": 0}. An empty props walks the
// fallback list and returns the first device that opens.
func CreateDevice(props string) (*gocca.OCCADevice, error) {
	candidates := fallbackModes
	if props != "" {
		candidates = []string{props}
	}
	var lastErr error
	for _, p := range candidates {
		device, err := gocca.NewDevice(p)
		if err == nil {
			logrus.Debugf("created %s device", device.Mode())
			return device, nil
		}
		lastErr = err
	}
	return nil, failure.Configuration("no OCCA device could be created: %v", lastErr)
}

// CreateTestDevice returns a device for tests and panics when none opens.
func CreateTestDevice() *gocca.OCCADevice {
	device, err := CreateDevice("")
	if err != nil {
		panic(err)
	}
	return device
}
