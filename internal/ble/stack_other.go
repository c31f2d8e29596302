//go:build !linux

package ble

import (
	"fmt"
	"runtime"

	"github.com/chaz8081/blepd/internal/peripheral"
)

func newBlueZStack(string) (peripheral.Stack, error) {
	return nil, fmt.Errorf("ble: bluez stack on %s: %w", runtime.GOOS, peripheral.Unsupported)
}

func newHCIStack(int) (peripheral.Stack, error) {
	return nil, fmt.Errorf("ble: hci stack on %s: %w", runtime.GOOS, peripheral.Unsupported)
}
