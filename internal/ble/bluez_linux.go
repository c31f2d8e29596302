//go:build linux

package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/blepd/internal/peripheral"
	"tinygo.org/x/bluetooth"
)

// BlueZStack hosts a single peripheral on a BlueZ adapter using
// tinygo-org/bluetooth. BlueZ owns the client configuration descriptors and
// serves reads from the stored value, so subscriber tracking falls back to
// broadcasting every notification.
type BlueZStack struct {
	adapter *bluetooth.Adapter
	bus     *adapterBus

	// mu protects the fields below. BlueZ keeps services and the default
	// advertisement for the life of the process, so they outlive advertisers.
	mu         sync.Mutex
	active     *bluezAdvertiser
	handles    map[peripheral.CharRef]*bluetooth.Characteristic
	added      map[string]bool
	configured *peripheral.Payload
	centrals   centralList
}

// centralList holds connected central addresses in connection order.
// BlueZ does not say which central issued a write, so writes are
// attributed to the most recently connected one.
type centralList []string

func (l *centralList) update(addr string, connected bool) {
	*l = slices.DeleteFunc(*l, func(a string) bool { return a == addr })
	if connected {
		*l = append(*l, addr)
	}
}

func (l centralList) latest() string {
	if len(l) == 0 {
		return ""
	}
	return l[len(l)-1]
}

func centralAddress(device bluetooth.Device) string {
	return strings.ToUpper(device.Address.String())
}

func newBlueZStack(adapterName string) (peripheral.Stack, error) {
	s := &BlueZStack{
		adapter: bluetooth.DefaultAdapter,
		handles: make(map[peripheral.CharRef]*bluetooth.Characteristic),
		added:   make(map[string]bool),
	}
	if err := s.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	bus, err := openAdapterBus(adapterName)
	if err != nil {
		return nil, err
	}
	s.bus = bus

	// Disconnects are reported adapter-wide; route them to the advertiser.
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := centralAddress(device)
		s.mu.Lock()
		s.centrals.update(addr, connected)
		a := s.active
		s.mu.Unlock()
		if a != nil {
			a.bridge.OnConnectionChange(a.id, addr, connected)
		}
	})
	slog.Info("[BLE] BlueZ stack ready", "adapter", adapterName)
	return s, nil
}

// Compile-time check that BlueZStack implements peripheral.Stack.
var _ peripheral.Stack = (*BlueZStack)(nil)

func (s *BlueZStack) Open(id int, b peripheral.Bridge) (peripheral.Advertiser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, fmt.Errorf("ble: bluez exposes one advertisement per process: %w", peripheral.Unsupported)
	}
	a := &bluezAdvertiser{
		stack:  s,
		id:     id,
		bridge: b,
		stop:   make(chan struct{}),
	}
	err := s.bus.watchPowered(a.stop, func(on bool) {
		if on {
			b.OnRadioState(id, peripheral.RadioPoweredOn)
			return
		}
		b.OnRadioState(id, peripheral.RadioPoweredOff)
	})
	if err != nil {
		return nil, err
	}
	s.active = a
	return a, nil
}

func (s *BlueZStack) SetDeviceName(name string) error {
	return s.bus.setAlias(name)
}

type bluezAdvertiser struct {
	stack  *BlueZStack
	id     int
	bridge peripheral.Bridge
	stop   chan struct{}

	// mu protects the fields below.
	mu          sync.Mutex
	advertising bool
	closed      bool
}

// Compile-time check that bluezAdvertiser implements peripheral.Advertiser.
var _ peripheral.Advertiser = (*bluezAdvertiser)(nil)

func (a *bluezAdvertiser) Capabilities() peripheral.Capabilities {
	return peripheral.Capabilities{CoalescedNotify: true}
}

func (a *bluezAdvertiser) RadioState() peripheral.RadioState {
	on, err := a.stack.bus.powered()
	if err != nil {
		slog.Warn("[BLE] Read adapter power", "error", err)
		return peripheral.RadioUnknown
	}
	if on {
		return peripheral.RadioPoweredOn
	}
	return peripheral.RadioPoweredOff
}

// SetServices registers services BlueZ has not seen yet. BlueZ cannot
// unregister a service added through tinygo, so redefinitions of an
// already registered service are ignored.
func (a *bluezAdvertiser) SetServices(services []peripheral.ServiceDefinition) error {
	a.stack.mu.Lock()
	defer a.stack.mu.Unlock()
	for _, def := range services {
		if a.stack.added[def.UUID] {
			slog.Debug("[BLE] Service already registered with BlueZ", "service", def.UUID)
			continue
		}
		svc, err := a.buildService(def)
		if err != nil {
			return err
		}
		if err := a.stack.adapter.AddService(svc); err != nil {
			return fmt.Errorf("ble: add service %s: %w", def.UUID, err)
		}
		a.stack.added[def.UUID] = true
	}
	return nil
}

// buildService translates a definition. a.stack.mu must be held.
func (a *bluezAdvertiser) buildService(def peripheral.ServiceDefinition) (*bluetooth.Service, error) {
	svcUUID, err := bluetooth.ParseUUID(def.UUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	svc := &bluetooth.Service{UUID: svcUUID}
	for _, c := range def.Characteristics {
		charUUID, err := bluetooth.ParseUUID(c.UUID)
		if err != nil {
			return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
		}
		ref := peripheral.CharRef{Service: def.UUID, Characteristic: c.UUID}
		handle := new(bluetooth.Characteristic)
		a.stack.handles[ref] = handle
		svc.Characteristics = append(svc.Characteristics, bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   charUUID,
			Value:  slices.Clone(c.Value),
			Flags:  bluezFlags(c.Properties),
			WriteEvent: func(_ bluetooth.Connection, offset int, value []byte) {
				a.stack.mu.Lock()
				cur := a.stack.active
				device := a.stack.centrals.latest()
				a.stack.mu.Unlock()
				if cur != nil {
					cur.bridge.OnCharWrite(cur.id, device, ref, offset, value, false)
				}
			},
		})
	}
	return svc, nil
}

func bluezFlags(p peripheral.Property) bluetooth.CharacteristicPermissions {
	var f bluetooth.CharacteristicPermissions
	if p.Has(peripheral.PropBroadcast) {
		f |= bluetooth.CharacteristicBroadcastPermission
	}
	if p.Has(peripheral.PropRead) {
		f |= bluetooth.CharacteristicReadPermission
	}
	if p.Has(peripheral.PropWriteNoResponse) {
		f |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if p.Has(peripheral.PropWrite) {
		f |= bluetooth.CharacteristicWritePermission
	}
	if p.Has(peripheral.PropNotify) {
		f |= bluetooth.CharacteristicNotifyPermission
	}
	if p.Has(peripheral.PropIndicate) {
		f |= bluetooth.CharacteristicIndicatePermission
	}
	return f
}

func (a *bluezAdvertiser) handle(ref peripheral.CharRef) *bluetooth.Characteristic {
	a.stack.mu.Lock()
	defer a.stack.mu.Unlock()
	return a.stack.handles[ref]
}

// SetValue updates the value BlueZ serves. tinygo has no silent setter:
// the write raises a Value property change, which BlueZ forwards to
// centrals with notifications enabled.
func (a *bluezAdvertiser) SetValue(ref peripheral.CharRef, value []byte) error {
	h := a.handle(ref)
	if h == nil {
		return nil // not registered yet; the value goes out with SetServices
	}
	if _, err := h.Write(value); err != nil {
		return fmt.Errorf("ble: write value: %w", err)
	}
	return nil
}

// advertiseInterval maps a mode onto the Android intervals.
func advertiseInterval(m peripheral.AdvertiseMode) time.Duration {
	switch m {
	case peripheral.ModeLowPower:
		return time.Second
	case peripheral.ModeBalanced:
		return 250 * time.Millisecond
	default:
		return 100 * time.Millisecond
	}
}

func (a *bluezAdvertiser) StartAdvertising(p peripheral.Payload) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("ble: advertiser closed")
	}
	if err := a.stack.configure(p); err != nil {
		a.mu.Unlock()
		return err
	}
	if err := a.stack.adapter.DefaultAdvertisement().Start(); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("ble: start advertisement: %w", err)
	}
	a.advertising = true
	a.mu.Unlock()

	a.bridge.OnAdvertiseStarted(a.id, peripheral.AdvertiseSuccess)
	return nil
}

// configure sets up the default advertisement once per process.
func (s *BlueZStack) configure(p peripheral.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configured != nil {
		if !samePayload(*s.configured, p) {
			return errors.New("ble: bluez advertisement cannot be reconfigured")
		}
		return nil
	}
	opts, err := bluezAdvertisementOptions(p)
	if err != nil {
		return err
	}
	if err := s.adapter.DefaultAdvertisement().Configure(opts); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	s.configured = &p
	return nil
}

func bluezAdvertisementOptions(p peripheral.Payload) (bluetooth.AdvertisementOptions, error) {
	opts := bluetooth.AdvertisementOptions{
		LocalName: p.LocalName,
		Interval:  bluetooth.NewDuration(advertiseInterval(p.Mode)),
	}
	if p.Connectable {
		opts.AdvertisementType = bluetooth.AdvertisingTypeInd
	} else {
		opts.AdvertisementType = bluetooth.AdvertisingTypeNonConnInd
	}
	for _, s := range p.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return opts, fmt.Errorf("ble: parse advertised UUID: %w", err)
		}
		opts.ServiceUUIDs = append(opts.ServiceUUIDs, u)
	}
	for _, s := range p.ServiceDataUUIDs() {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return opts, fmt.Errorf("ble: parse service data UUID: %w", err)
		}
		opts.ServiceData = append(opts.ServiceData, bluetooth.ServiceDataElement{UUID: u, Data: p.ServiceData[s]})
	}
	if p.Manufacturer != nil {
		opts.ManufacturerData = []bluetooth.ManufacturerDataElement{{
			CompanyID: p.Manufacturer.CompanyID,
			Data:      p.Manufacturer.Data,
		}}
	}
	return opts, nil
}

func samePayload(a, b peripheral.Payload) bool {
	return a.LocalName == b.LocalName &&
		a.Connectable == b.Connectable &&
		slices.Equal(a.ServiceUUIDs, b.ServiceUUIDs) &&
		slices.Equal(a.ServiceDataUUIDs(), b.ServiceDataUUIDs())
}

func (a *bluezAdvertiser) StopAdvertising() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.advertising {
		return nil
	}
	if err := a.stack.adapter.DefaultAdvertisement().Stop(); err != nil {
		return fmt.Errorf("ble: stop advertisement: %w", err)
	}
	a.advertising = false
	return nil
}

// Notify writes the value once; BlueZ fans it out to every central that
// enabled notifications or indications.
func (a *bluezAdvertiser) Notify(ref peripheral.CharRef, value []byte, indicate bool, devices []string) (peripheral.NotifyResult, error) {
	h := a.handle(ref)
	if h == nil {
		return peripheral.NotifyResult{}, fmt.Errorf("ble: characteristic %s not registered", ref.Characteristic)
	}
	if _, err := h.Write(value); err != nil {
		return peripheral.NotifyResult{}, fmt.Errorf("ble: notify: %w", err)
	}
	return peripheral.NotifyResult{Delivered: slices.Clone(devices)}, nil
}

func (a *bluezAdvertiser) Close() error {
	err := a.StopAdvertising()
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.stop)
	}
	a.mu.Unlock()

	a.stack.mu.Lock()
	if a.stack.active == a {
		a.stack.active = nil
	}
	a.stack.mu.Unlock()
	return err
}
