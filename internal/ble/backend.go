package ble

import (
	"fmt"
	"os"
	"sync/atomic"
)

// Backend names accepted by NewAdapter.
const (
	BackendBlueZ = "bluez" // BlueZ over D-Bus via tinygo bluetooth
	BackendHCI   = "hci"   // raw HCI socket via go-ble
)

// BackendOptions selects and configures the host BLE stack.
type BackendOptions struct {
	Backend   string
	HCIDevice int // hciN index for the hci backend
}

// NewAdapter returns the adapter for the requested backend. An empty
// backend name selects BlueZ.
func NewAdapter(opts BackendOptions) (Adapter, error) {
	switch opts.Backend {
	case "", BackendBlueZ:
		return newBlueZAdapter(opts)
	case BackendHCI:
		return newHCIAdapter(opts)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, opts.Backend)
	}
}

// hostName is the advertised name when none is configured.
func hostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "bleprov"
	}
	return name
}

// soleDevice attributes a request from a stack that does not name the
// writer: the one connected central when there is exactly one, otherwise a
// device with the fallback address.
func soleDevice(connected []string, fallback string) Device {
	if len(connected) == 1 {
		return Device{Address: connected[0]}
	}
	return Device{Address: fallback}
}

// requestIDs numbers requests for backends whose stack has no request IDs.
type requestIDs struct {
	n atomic.Int64
}

func (r *requestIDs) next() int {
	return int(r.n.Add(1))
}
