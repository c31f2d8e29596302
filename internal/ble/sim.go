package ble

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/blepd/internal/peripheral"
)

// ErrNotConnected is reported per device when a notification targets a
// central that is not connected.
var ErrNotConnected = errors.New("ble: device not connected")

// SimOptions configures the in-memory stack.
type SimOptions struct {
	MultipleAdvertisement bool                  // allow more than one open advertiser
	RadioState            peripheral.RadioState // state reported by new advertisers
	PowerOnDelay          time.Duration         // >0: report PoweredOn after this delay
	StartDelay            time.Duration         // delay before the advertise outcome
	StartFailureCode      int                   // nonzero: every start fails with this code
	AsyncStop             bool
	NativeSubscriptions   bool
	CoalescedNotify       bool
	EagerServices         bool
	NoRename              bool // SetDeviceName returns errors.ErrUnsupported
}

// DefaultSimOptions returns a powered-on, multi-advertiser radio that
// starts advertising immediately.
func DefaultSimOptions() SimOptions {
	return SimOptions{
		MultipleAdvertisement: true,
		RadioState:            peripheral.RadioPoweredOn,
	}
}

// SimStack is an in-memory native stack. Tests and the simulation CLI use
// it to drive the peripheral Manager end to end.
type SimStack struct {
	opts SimOptions

	mu          sync.Mutex
	name        string
	radio       peripheral.RadioState
	advertisers map[int]*SimAdvertiser
}

// NewSimStack creates a simulated stack.
func NewSimStack(opts SimOptions) *SimStack {
	return &SimStack{
		opts:        opts,
		radio:       opts.RadioState,
		advertisers: make(map[int]*SimAdvertiser),
	}
}

// Compile-time check that SimStack implements peripheral.Stack.
var _ peripheral.Stack = (*SimStack)(nil)

func (s *SimStack) Open(id int, b peripheral.Bridge) (peripheral.Advertiser, error) {
	s.mu.Lock()
	if !s.opts.MultipleAdvertisement && len(s.advertisers) > 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("ble: sim: multiple advertisement not supported: %w", peripheral.Unsupported)
	}
	if _, ok := s.advertisers[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("ble: sim: advertiser %d already open", id)
	}
	a := &SimAdvertiser{
		stack:    s,
		id:       id,
		bridge:   b,
		radio:    s.radio,
		values:   make(map[peripheral.CharRef][]byte),
		devices:  make(map[string]bool),
		failDevs: make(map[string]bool),
	}
	s.advertisers[id] = a
	delay := s.opts.PowerOnDelay
	s.mu.Unlock()

	if delay > 0 && a.RadioState() != peripheral.RadioPoweredOn {
		time.AfterFunc(delay, func() { s.SetRadioState(peripheral.RadioPoweredOn) })
	}
	slog.Debug("[BLE] Sim advertiser opened", "id", id)
	return a, nil
}

func (s *SimStack) SetDeviceName(name string) error {
	if s.opts.NoRename {
		return fmt.Errorf("ble: sim: rename: %w", errors.ErrUnsupported)
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

// DeviceName returns the last name set on the stack.
func (s *SimStack) DeviceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetRadioState changes the radio power state and reports it to every open
// advertiser.
func (s *SimStack) SetRadioState(state peripheral.RadioState) {
	s.mu.Lock()
	s.radio = state
	advs := make([]*SimAdvertiser, 0, len(s.advertisers))
	for _, a := range s.advertisers {
		advs = append(advs, a)
	}
	s.mu.Unlock()

	for _, a := range advs {
		a.mu.Lock()
		a.radio = state
		if state != peripheral.RadioPoweredOn {
			a.advertising = false
		}
		a.mu.Unlock()
		a.bridge.OnRadioState(a.id, state)
	}
}

// Advertiser returns the open advertiser for id, or nil.
func (s *SimStack) Advertiser(id int) *SimAdvertiser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advertisers[id]
}

// OpenCount reports how many advertisers are open.
func (s *SimStack) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.advertisers)
}

func (s *SimStack) release(id int) {
	s.mu.Lock()
	delete(s.advertisers, id)
	s.mu.Unlock()
}

// Notification is one Notify call observed by the simulator.
type Notification struct {
	Ref      peripheral.CharRef
	Value    []byte
	Indicate bool
	Devices  []string
}

// SimAdvertiser is one simulated advertiser / GATT server pair.
type SimAdvertiser struct {
	stack  *SimStack
	id     int
	bridge peripheral.Bridge

	mu            sync.Mutex
	radio         peripheral.RadioState
	advertising   bool
	closed        bool
	payload       peripheral.Payload
	services      []peripheral.ServiceDefinition
	values        map[peripheral.CharRef][]byte
	devices       map[string]bool
	failDevs      map[string]bool
	notifyErr     error
	notifications []Notification
	starts        int
	stops         int
}

// Compile-time check that SimAdvertiser implements peripheral.Advertiser.
var _ peripheral.Advertiser = (*SimAdvertiser)(nil)

func (a *SimAdvertiser) Capabilities() peripheral.Capabilities {
	o := a.stack.opts
	return peripheral.Capabilities{
		AsyncStop:           o.AsyncStop,
		NativeSubscriptions: o.NativeSubscriptions,
		CoalescedNotify:     o.CoalescedNotify,
		EagerServices:       o.EagerServices,
	}
}

func (a *SimAdvertiser) RadioState() peripheral.RadioState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.radio
}

func (a *SimAdvertiser) SetServices(services []peripheral.ServiceDefinition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("ble: sim: advertiser closed")
	}
	a.services = services
	return nil
}

func (a *SimAdvertiser) SetValue(ref peripheral.CharRef, value []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[ref] = bytes.Clone(value)
	return nil
}

func (a *SimAdvertiser) StartAdvertising(p peripheral.Payload) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("ble: sim: advertiser closed")
	}
	if a.radio != peripheral.RadioPoweredOn {
		a.mu.Unlock()
		return fmt.Errorf("ble: sim: radio is %s", a.radio)
	}
	a.starts++
	code := a.stack.opts.StartFailureCode
	if code == peripheral.AdvertiseSuccess && a.advertising {
		code = peripheral.AdvertiseAlreadyStarted
	}
	if code == peripheral.AdvertiseSuccess {
		a.advertising = true
		a.payload = p
	}
	delay := a.stack.opts.StartDelay
	a.mu.Unlock()

	report := func() { a.bridge.OnAdvertiseStarted(a.id, code) }
	if delay > 0 {
		time.AfterFunc(delay, report)
		return nil
	}
	report()
	return nil
}

func (a *SimAdvertiser) StopAdvertising() error {
	a.mu.Lock()
	a.advertising = false
	a.stops++
	async := a.stack.opts.AsyncStop
	a.mu.Unlock()
	if async {
		go a.bridge.OnAdvertiseStopped(a.id, peripheral.AdvertiseSuccess)
	}
	return nil
}

func (a *SimAdvertiser) Notify(ref peripheral.CharRef, value []byte, indicate bool, devices []string) (peripheral.NotifyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.notifyErr != nil {
		return peripheral.NotifyResult{}, a.notifyErr
	}
	a.notifications = append(a.notifications, Notification{
		Ref:      ref,
		Value:    bytes.Clone(value),
		Indicate: indicate,
		Devices:  slices.Clone(devices),
	})
	var res peripheral.NotifyResult
	for _, dev := range devices {
		switch {
		case !a.devices[dev]:
			res.AddFailure(dev, ErrNotConnected)
		case a.failDevs[dev]:
			res.AddFailure(dev, fmt.Errorf("ble: sim: delivery to %s failed", dev))
		default:
			res.Delivered = append(res.Delivered, dev)
		}
	}
	return res, nil
}

func (a *SimAdvertiser) Close() error {
	a.mu.Lock()
	a.closed = true
	a.advertising = false
	a.mu.Unlock()
	a.stack.release(a.id)
	return nil
}

// SimulateConnect marks device as connected.
func (a *SimAdvertiser) SimulateConnect(device string) {
	a.mu.Lock()
	a.devices[device] = true
	a.mu.Unlock()
	a.bridge.OnConnectionChange(a.id, device, true)
}

// SimulateDisconnect drops device and reports the disconnect.
func (a *SimAdvertiser) SimulateDisconnect(device string) {
	a.mu.Lock()
	delete(a.devices, device)
	a.mu.Unlock()
	a.bridge.OnConnectionChange(a.id, device, false)
}

// SimulateRead performs a central read.
func (a *SimAdvertiser) SimulateRead(device string, ref peripheral.CharRef, offset int) ([]byte, peripheral.Status) {
	return a.bridge.OnCharRead(a.id, device, ref, offset)
}

// SimulateWrite performs a central write.
func (a *SimAdvertiser) SimulateWrite(device string, ref peripheral.CharRef, offset int, value []byte, responseNeeded bool) peripheral.Status {
	return a.bridge.OnCharWrite(a.id, device, ref, offset, value, responseNeeded)
}

// SimulateDescriptorRead reads a descriptor of ref.
func (a *SimAdvertiser) SimulateDescriptorRead(device string, ref peripheral.CharRef, descriptor string) ([]byte, peripheral.Status) {
	return a.bridge.OnDescriptorRead(a.id, device, ref, descriptor)
}

// SimulateDescriptorWrite writes a descriptor of ref.
func (a *SimAdvertiser) SimulateDescriptorWrite(device string, ref peripheral.CharRef, descriptor string, value []byte) peripheral.Status {
	return a.bridge.OnDescriptorWrite(a.id, device, ref, descriptor, value)
}

// SimulateSubscribe enables notifications for device, through the native
// subscribe signal or a CCCD write depending on the configured mode.
func (a *SimAdvertiser) SimulateSubscribe(device string, ref peripheral.CharRef) {
	if a.stack.opts.NativeSubscriptions {
		a.bridge.OnSubscribe(a.id, device, ref)
		return
	}
	a.bridge.OnDescriptorWrite(a.id, device, ref, peripheral.CCCDUUID, peripheral.EnableNotificationValue)
}

// SimulateUnsubscribe disables notifications for device.
func (a *SimAdvertiser) SimulateUnsubscribe(device string, ref peripheral.CharRef) {
	if a.stack.opts.NativeSubscriptions {
		a.bridge.OnUnsubscribe(a.id, device, ref)
		return
	}
	a.bridge.OnDescriptorWrite(a.id, device, ref, peripheral.CCCDUUID, peripheral.DisableNotificationValue)
}

// FailDeliveries makes notifications to device fail.
func (a *SimAdvertiser) FailDeliveries(device string) {
	a.mu.Lock()
	a.failDevs[device] = true
	a.mu.Unlock()
}

// FailNotify makes every Notify call return err. Nil clears it.
func (a *SimAdvertiser) FailNotify(err error) {
	a.mu.Lock()
	a.notifyErr = err
	a.mu.Unlock()
}

// Notifications returns every Notify call observed so far.
func (a *SimAdvertiser) Notifications() []Notification {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.notifications)
}

// Advertising reports whether the simulated radio is advertising.
func (a *SimAdvertiser) Advertising() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertising
}

// Payload returns the payload of the last successful start.
func (a *SimAdvertiser) Payload() peripheral.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payload
}

// Services returns the last registered GATT database.
func (a *SimAdvertiser) Services() []peripheral.ServiceDefinition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.services)
}

// Value returns the value last pushed with SetValue.
func (a *SimAdvertiser) Value(ref peripheral.CharRef) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bytes.Clone(a.values[ref])
}

// Counts returns how many times start and stop were issued.
func (a *SimAdvertiser) Counts() (starts, stops int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.starts, a.stops
}

// Closed reports whether Close was called.
func (a *SimAdvertiser) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
