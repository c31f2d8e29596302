package ble

import (
	"errors"
	"runtime"
	"testing"

	"github.com/chaz8081/blepd/internal/peripheral"
)

func TestNewStackSim(t *testing.T) {
	s, err := NewStack(DefaultOptions())
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	if _, ok := s.(*SimStack); !ok {
		t.Errorf("NewStack() = %T, want *SimStack", s)
	}
}

func TestNewStackUnknownKind(t *testing.T) {
	if _, err := NewStack(Options{Kind: "usb"}); err == nil {
		t.Error("NewStack(usb) should fail")
	}
}

func TestNewStackLinuxOnly(t *testing.T) {
	if runtime.GOOS == "linux" {
		t.Skip("native stacks need real hardware on linux")
	}
	for _, kind := range []string{KindBlueZ, KindHCI} {
		_, err := NewStack(Options{Kind: kind})
		if !errors.Is(err, peripheral.Unsupported) {
			t.Errorf("NewStack(%s) error = %v, want Unsupported", kind, err)
		}
	}
}
