package peripheral

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// AdvertisingState is the per-peripheral advertising lifecycle.
type AdvertisingState int

const (
	Idle AdvertisingState = iota
	Starting
	Advertising
	Stopping
)

func (s AdvertisingState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Advertising:
		return "advertising"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("AdvertisingState(%d)", int(s))
	}
}

var advTransitions = map[AdvertisingState][]AdvertisingState{
	Idle:        {Starting},
	Starting:    {Advertising, Idle},
	Advertising: {Stopping, Idle},
	Stopping:    {Idle},
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to AdvertisingState) bool {
	return slices.Contains(advTransitions[from], to)
}

// AdvertiseMode trades advertising interval against power.
type AdvertiseMode int

const (
	ModeLowLatency AdvertiseMode = 0
	ModeLowPower   AdvertiseMode = 1
	ModeBalanced   AdvertiseMode = 2
)

func (m AdvertiseMode) String() string {
	switch m {
	case ModeLowLatency:
		return "low_latency"
	case ModeLowPower:
		return "low_power"
	case ModeBalanced:
		return "balanced"
	default:
		return fmt.Sprintf("AdvertiseMode(%d)", int(m))
	}
}

// ParseAdvertiseMode accepts the names produced by String.
func ParseAdvertiseMode(s string) (AdvertiseMode, error) {
	for m := ModeLowLatency; m <= ModeBalanced; m++ {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("peripheral: unknown advertise mode %q", s)
}

// TxPowerLevel selects the advertising transmit power.
type TxPowerLevel int

const (
	TxPowerUltraLow TxPowerLevel = 0
	TxPowerLow      TxPowerLevel = 1
	TxPowerMedium   TxPowerLevel = 2
	TxPowerHigh     TxPowerLevel = 3
)

func (l TxPowerLevel) String() string {
	switch l {
	case TxPowerUltraLow:
		return "ultra_low"
	case TxPowerLow:
		return "low"
	case TxPowerMedium:
		return "medium"
	case TxPowerHigh:
		return "high"
	default:
		return fmt.Sprintf("TxPowerLevel(%d)", int(l))
	}
}

// DBm is the nominal radiated power for the level.
func (l TxPowerLevel) DBm() int {
	switch l {
	case TxPowerUltraLow:
		return -21
	case TxPowerLow:
		return -15
	case TxPowerHigh:
		return 1
	default:
		return -7
	}
}

// ParseTxPowerLevel accepts the names produced by String.
func ParseTxPowerLevel(s string) (TxPowerLevel, error) {
	for l := TxPowerUltraLow; l <= TxPowerHigh; l++ {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("peripheral: unknown tx power level %q", s)
}

// ManufacturerData is a company identifier plus opaque payload.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// AdvertiseOptions configures one StartAdvertising call. Start from
// DefaultAdvertiseOptions; the zero value disables connectable mode.
type AdvertiseOptions struct {
	Connectable       bool
	IncludeDeviceName bool
	IncludeTxPower    bool
	Mode              AdvertiseMode
	TxPowerLevel      TxPowerLevel
	Manufacturer      *ManufacturerData
}

// DefaultAdvertiseOptions returns connectable, named, low-latency
// advertising at medium power.
func DefaultAdvertiseOptions() AdvertiseOptions {
	return AdvertiseOptions{
		Connectable:       true,
		IncludeDeviceName: true,
		Mode:              ModeLowLatency,
		TxPowerLevel:      TxPowerMedium,
	}
}

func (o AdvertiseOptions) validate() error {
	if o.Mode < ModeLowLatency || o.Mode > ModeBalanced {
		return fmt.Errorf("advertise mode %d out of range", int(o.Mode))
	}
	if o.TxPowerLevel < TxPowerUltraLow || o.TxPowerLevel > TxPowerHigh {
		return fmt.Errorf("tx power level %d out of range", int(o.TxPowerLevel))
	}
	return nil
}

// Payload is the fully resolved advertisement handed to the native layer.
type Payload struct {
	LocalName      string // empty when the device name is not included
	ServiceUUIDs   []string
	ServiceData    map[string][]byte
	Manufacturer   *ManufacturerData
	Connectable    bool
	IncludeTxPower bool
	Mode           AdvertiseMode
	TxPowerLevel   TxPowerLevel
}

// ServiceDataUUIDs returns the service data keys in sorted order.
func (p Payload) ServiceDataUUIDs() []string {
	return slices.Sorted(maps.Keys(p.ServiceData))
}

// buildPayload resolves the advertised UUID list and service data.
// services holds canonical keys; nil means advertise every defined service.
func buildPayload(name string, defined []string, services map[string][]byte, opts AdvertiseOptions) Payload {
	p := Payload{
		Connectable:    opts.Connectable,
		IncludeTxPower: opts.IncludeTxPower,
		Mode:           opts.Mode,
		TxPowerLevel:   opts.TxPowerLevel,
	}
	if opts.IncludeDeviceName {
		p.LocalName = name
	}
	if services == nil {
		p.ServiceUUIDs = slices.Clone(defined)
	} else {
		p.ServiceUUIDs = slices.Sorted(maps.Keys(services))
		for u, data := range services {
			if len(data) == 0 {
				continue
			}
			if p.ServiceData == nil {
				p.ServiceData = make(map[string][]byte)
			}
			p.ServiceData[u] = bytes.Clone(data)
		}
	}
	if opts.Manufacturer != nil && opts.Manufacturer.Data != nil {
		p.Manufacturer = &ManufacturerData{
			CompanyID: opts.Manufacturer.CompanyID,
			Data:      bytes.Clone(opts.Manufacturer.Data),
		}
	}
	return p
}
