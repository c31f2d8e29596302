package peripheral

import (
	"errors"
	"slices"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to AdvertisingState
		want     bool
	}{
		{Idle, Starting, true},
		{Idle, Advertising, false},
		{Starting, Advertising, true},
		{Starting, Idle, true},
		{Advertising, Stopping, true},
		{Advertising, Starting, false},
		{Stopping, Idle, true},
		{Stopping, Advertising, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDefaultAdvertiseOptions(t *testing.T) {
	o := DefaultAdvertiseOptions()
	if !o.Connectable || !o.IncludeDeviceName || o.IncludeTxPower {
		t.Errorf("flags = %+v", o)
	}
	if o.Mode != ModeLowLatency || o.TxPowerLevel != TxPowerMedium {
		t.Errorf("Mode = %s, TxPowerLevel = %s", o.Mode, o.TxPowerLevel)
	}
	if err := o.validate(); err != nil {
		t.Errorf("validate() = %v", err)
	}
}

func TestBuildPayload(t *testing.T) {
	opts := DefaultAdvertiseOptions()
	opts.Manufacturer = &ManufacturerData{CompanyID: 0xFFFF, Data: []byte{1}}

	p := buildPayload("dev", []string{"b", "a"}, nil, opts)
	if p.LocalName != "dev" || !slices.Equal(p.ServiceUUIDs, []string{"b", "a"}) || p.ServiceData != nil {
		t.Errorf("default payload = %+v", p)
	}
	if p.Manufacturer == nil || p.Manufacturer.CompanyID != 0xFFFF {
		t.Errorf("Manufacturer = %+v", p.Manufacturer)
	}

	opts.IncludeDeviceName = false
	opts.Manufacturer = &ManufacturerData{CompanyID: 1}
	p = buildPayload("dev", []string{"b", "a"}, map[string][]byte{"z": {7}, "y": nil}, opts)
	if p.LocalName != "" {
		t.Errorf("LocalName = %q, want empty", p.LocalName)
	}
	if !slices.Equal(p.ServiceUUIDs, []string{"y", "z"}) {
		t.Errorf("ServiceUUIDs = %v, want [y z]", p.ServiceUUIDs)
	}
	if !slices.Equal(p.ServiceDataUUIDs(), []string{"z"}) {
		t.Errorf("ServiceDataUUIDs = %v, want [z]", p.ServiceDataUUIDs())
	}
	if p.Manufacturer != nil {
		t.Error("manufacturer data without payload should be dropped")
	}
}

func TestParseEnums(t *testing.T) {
	if m, err := ParseAdvertiseMode("BALANCED"); err != nil || m != ModeBalanced {
		t.Errorf("ParseAdvertiseMode = %v, %v", m, err)
	}
	if _, err := ParseAdvertiseMode("fast"); err == nil {
		t.Error("ParseAdvertiseMode(fast) should fail")
	}
	if l, err := ParseTxPowerLevel("ultra_low"); err != nil || l != TxPowerUltraLow || l.DBm() != -21 {
		t.Errorf("ParseTxPowerLevel = %v, %v", l, err)
	}
	if s, err := ParseRadioState("turning_off"); err != nil || s != RadioTurningOff {
		t.Errorf("ParseRadioState = %v, %v", s, err)
	}
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("hci timeout")
	err := wrapError("startAdvertising", 2, AdvertiseFailed, cause, "native start")
	if !errors.Is(err, AdvertiseFailed) || !errors.Is(err, cause) {
		t.Errorf("errors.Is failed for %v", err)
	}
	if KindOf(err) != AdvertiseFailed {
		t.Errorf("KindOf = %s", KindOf(err))
	}
	want := "peripheral: startAdvertising [2]: AdvertiseFailed: native start: hci timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if ParseKind("NotReady") != NotReady || ParseKind("bogus") != KindUnknown {
		t.Error("ParseKind mismatch")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors have no kind")
	}
}
