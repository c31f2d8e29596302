// Package ble provides the native stacks that host peripherals: an
// in-memory simulator, a BlueZ stack driven through tinygo.org/x/bluetooth
// and D-Bus, and a raw HCI stack built on go-ble.
package ble

import (
	"fmt"

	"github.com/chaz8081/blepd/internal/peripheral"
)

// Stack kinds accepted by NewStack.
const (
	KindSim   = "sim"
	KindBlueZ = "bluez"
	KindHCI   = "hci"
)

// Options selects and configures a native stack.
type Options struct {
	Kind      string // "sim", "bluez" or "hci"
	Adapter   string // BlueZ adapter name, e.g. "hci0"
	HCIDevice int    // HCI device index for the raw stack
	Sim       SimOptions
}

// DefaultOptions returns the simulated stack on a powered-on radio.
func DefaultOptions() Options {
	return Options{
		Kind:    KindSim,
		Adapter: "hci0",
		Sim:     DefaultSimOptions(),
	}
}

// NewStack builds the stack named by opts.Kind.
func NewStack(opts Options) (peripheral.Stack, error) {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	switch opts.Kind {
	case KindSim, "":
		return NewSimStack(opts.Sim), nil
	case KindBlueZ:
		return newBlueZStack(opts.Adapter)
	case KindHCI:
		return newHCIStack(opts.HCIDevice)
	default:
		return nil, fmt.Errorf("ble: unknown stack kind %q", opts.Kind)
	}
}
