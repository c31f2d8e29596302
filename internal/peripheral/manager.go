// Package peripheral implements the id-keyed BLE peripheral registry: GATT
// tables, subscriber tracking, the advertising state machine and the bridge
// between caller requests and native stack callbacks.
package peripheral

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// pending is a one-shot continuation resolved by a native callback or by
// teardown.
type pending struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newPending() *pending {
	return &pending{done: make(chan struct{})}
}

func (p *pending) resolve(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// wait blocks until resolved. Cancelling ctx abandons the wait but leaves
// the continuation in place.
func (p *pending) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// record is the state owned by one peripheral id.
type record struct {
	id int

	// opMu serialises caller-issued calls into the native advertiser.
	// Lock order: opMu before mu.
	opMu sync.Mutex

	// mu protects everything below.
	mu        sync.Mutex
	adv       Advertiser
	caps      Capabilities
	radio     RadioState
	ready     bool
	destroyed bool
	state     AdvertisingState
	table     *gattTable
	subs      *subscriberSet
	dirty     bool // table changed since last SetServices

	pendingCreate *pending
	pendingStart  *pending
	pendingStop   *pending
}

// transitionLocked moves the state machine along a legal edge. r.mu must
// be held.
func (r *record) transitionLocked(to AdvertisingState) bool {
	if !canTransition(r.state, to) {
		slog.Warn("[PERIPHERAL] Ignoring illegal transition", "id", r.id, "from", r.state.String(), "to", to.String())
		return false
	}
	r.state = to
	return true
}

func newRecord(id int) *record {
	return &record{
		id:    id,
		radio: RadioUnknown,
		table: newGattTable(),
		subs:  newSubscriberSet(),
	}
}

// Manager is the registry of peripheral records. It is safe for concurrent
// use and implements Bridge for native callbacks.
type Manager struct {
	stack    Stack
	listener Listener

	mu      sync.RWMutex
	records map[int]*record

	nameMu     sync.Mutex
	deviceName string
}

// NewManager creates a registry on top of stack. A nil listener discards
// events.
func NewManager(stack Stack, listener Listener) *Manager {
	if listener == nil {
		listener = ListenerFuncs{}
	}
	return &Manager{
		stack:    stack,
		listener: listener,
		records:  make(map[int]*record),
	}
}

// Compile-time check that Manager implements Bridge.
var _ Bridge = (*Manager)(nil)

func (m *Manager) emit(events []event) {
	for _, ev := range events {
		ev(m.listener)
	}
}

// lookup returns the live record for id.
func (m *Manager) lookup(op string, id int) (*record, error) {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, newError(op, id, NotFound, "no peripheral with id %d", id)
	}
	return r, nil
}

// acquire returns the record with opMu held. The caller must unlock it.
func (m *Manager) acquire(op string, id int) (*record, error) {
	r, err := m.lookup(op, id)
	if err != nil {
		return nil, err
	}
	r.opMu.Lock()
	r.mu.Lock()
	gone := r.destroyed
	r.mu.Unlock()
	if gone {
		r.opMu.Unlock()
		return nil, newError(op, id, NotFound, "no peripheral with id %d", id)
	}
	return r, nil
}

func (m *Manager) remove(r *record) {
	m.mu.Lock()
	if m.records[r.id] == r {
		delete(m.records, r.id)
	}
	m.mu.Unlock()
}

// SetDeviceName sets the process-wide name used by every future
// advertisement that includes the device name.
func (m *Manager) SetDeviceName(name string) error {
	if err := m.stack.SetDeviceName(name); err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			return wrapError("setDeviceName", -1, Unsupported, err, "stack cannot rename the device")
		}
		return wrapError("setDeviceName", -1, Unavailable, err, "set device name")
	}
	m.nameMu.Lock()
	m.deviceName = name
	m.nameMu.Unlock()
	slog.Info("[PERIPHERAL] Device name set", "name", name)
	return nil
}

// DeviceName returns the last name set with SetDeviceName.
func (m *Manager) DeviceName() string {
	m.nameMu.Lock()
	defer m.nameMu.Unlock()
	return m.deviceName
}

// CreatePeripheral registers id and acquires its native advertiser. It
// returns once the radio is powered on, or fails with Unavailable if the
// radio reports a state it cannot recover from.
func (m *Manager) CreatePeripheral(ctx context.Context, id int) error {
	const op = "createPeripheral"
	if id < 0 {
		return newError(op, id, InvalidArgument, "id must be non-negative")
	}

	m.mu.Lock()
	if _, ok := m.records[id]; ok {
		m.mu.Unlock()
		return newError(op, id, AlreadyExists, "peripheral %d already exists", id)
	}
	r := newRecord(id)
	p := newPending()
	r.pendingCreate = p
	m.records[id] = r
	r.opMu.Lock()
	m.mu.Unlock()

	adv, err := m.stack.Open(id, m)
	if err != nil {
		r.mu.Lock()
		r.destroyed = true
		r.pendingCreate = nil
		r.mu.Unlock()
		r.opMu.Unlock()
		m.remove(r)
		kind := KindOf(err)
		if kind == KindUnknown {
			kind = Unavailable
		}
		return wrapError(op, id, kind, err, "open native advertiser")
	}

	r.mu.Lock()
	r.adv = adv
	r.caps = adv.Capabilities()
	if !r.ready && r.pendingCreate == p {
		if state := adv.RadioState(); state != RadioUnknown {
			m.applyRadioLocked(r, state)
		}
	}
	r.mu.Unlock()
	r.opMu.Unlock()

	slog.Debug("[PERIPHERAL] Waiting for radio", "id", id)
	if err := p.wait(ctx); err != nil {
		if KindOf(err) == Unavailable {
			m.discard(r)
		}
		return err
	}
	slog.Info("[PERIPHERAL] Peripheral created", "id", id)
	return nil
}

// discard tears down a record whose creation failed.
func (m *Manager) discard(r *record) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	adv := r.adv
	r.mu.Unlock()
	m.remove(r)
	if adv != nil {
		if err := adv.Close(); err != nil {
			slog.Warn("[PERIPHERAL] Close after failed create", "id", r.id, "error", err)
		}
	}
}

// applyRadioLocked records a radio state change. r.mu must be held.
func (m *Manager) applyRadioLocked(r *record, state RadioState) {
	r.radio = state
	switch {
	case state == RadioPoweredOn:
		r.ready = true
		if p := r.pendingCreate; p != nil {
			r.pendingCreate = nil
			p.resolve(nil)
		}
	case state.terminal():
		if p := r.pendingCreate; p != nil {
			r.pendingCreate = nil
			p.resolve(newError("createPeripheral", r.id, Unavailable, "radio is %s", state))
			return
		}
		if !r.ready {
			return
		}
		r.ready = false
		if r.state == Starting || r.state == Advertising {
			slog.Warn("[PERIPHERAL] Radio lost while advertising", "id", r.id, "radio", state.String())
		}
		if p := r.pendingStart; p != nil {
			r.pendingStart = nil
			p.resolve(newError("startAdvertising", r.id, AdvertiseFailed, "radio is %s", state))
		}
		if p := r.pendingStop; p != nil {
			r.pendingStop = nil
			p.resolve(nil)
		}
		r.state = Idle
		r.subs.clear()
	}
}

// CheckState returns the radio state seen by peripheral id.
func (m *Manager) CheckState(id int) (RadioState, error) {
	r, err := m.lookup("checkState", id)
	if err != nil {
		return RadioUnknown, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adv == nil {
		return RadioUnknown, nil
	}
	return r.radio, nil
}

// AddService defines or redefines a service on peripheral id. Redefining
// unsubscribes every device from the service's old characteristics.
func (m *Manager) AddService(id int, serviceUUID string, primary bool) error {
	const op = "addService"
	canonical, err := CanonicalUUID(serviceUUID)
	if err != nil {
		return wrapError(op, id, InvalidArgument, err, "service uuid")
	}
	r, err := m.acquire(op, id)
	if err != nil {
		return err
	}
	var events []event
	defer func() { m.emit(events) }()
	defer r.opMu.Unlock()

	r.mu.Lock()
	events = r.releaseLocked(r.subs.refs(canonical))
	replaced := r.table.putService(canonical, serviceUUID, primary)
	r.dirty = true
	push, services := r.pushLocked()
	adv := r.adv
	r.mu.Unlock()

	slog.Debug("[PERIPHERAL] Service defined", "id", id, "service", canonical, "replaced", replaced)
	if push {
		return m.pushServices(op, r, adv, services)
	}
	return nil
}

// AddCharacteristic appends a characteristic to an existing service. A
// client configuration descriptor is attached when properties include
// NOTIFY or INDICATE. Replacing a characteristic unsubscribes its devices.
func (m *Manager) AddCharacteristic(id int, serviceUUID, charUUID string, props Property, perms Permission) error {
	const op = "addCharacteristic"
	ref, err := canonicalRef(serviceUUID, charUUID)
	if err != nil {
		return wrapError(op, id, InvalidArgument, err, "uuid")
	}
	r, err := m.acquire(op, id)
	if err != nil {
		return err
	}
	var events []event
	defer func() { m.emit(events) }()
	defer r.opMu.Unlock()

	r.mu.Lock()
	svc := r.table.service(ref.Service)
	if svc == nil {
		r.mu.Unlock()
		return newError(op, id, NotFound, "service %s not found", serviceUUID)
	}
	events = r.releaseLocked([]CharRef{ref})
	r.table.putCharacteristic(svc, CharacteristicDefinition{
		UUID:        ref.Characteristic,
		Alias:       charUUID,
		Properties:  props,
		Permissions: perms,
	})
	r.dirty = true
	push, services := r.pushLocked()
	adv := r.adv
	r.mu.Unlock()

	if push {
		return m.pushServices(op, r, adv, services)
	}
	return nil
}

// releaseLocked unsubscribes every device from refs ahead of a
// redefinition and returns the events to emit. r.mu must be held and the
// table must still hold refs.
func (r *record) releaseLocked(refs []CharRef) []event {
	var events []event
	for _, ref := range refs {
		for _, dev := range r.subs.dropChar(ref) {
			slog.Info("[PERIPHERAL] Subscription dropped by redefinition", "id", r.id, "device", dev, "characteristic", ref.Characteristic)
			if ev, ok := r.subscriptionEventLocked(dev, ref, unsubscribeEvent); ok {
				events = append(events, ev)
			}
		}
	}
	return events
}

// pushLocked reports whether the table must be re-registered now.
func (r *record) pushLocked() (bool, []ServiceDefinition) {
	if r.adv == nil || !r.dirty {
		return false, nil
	}
	if !r.caps.EagerServices && r.state != Advertising {
		return false, nil
	}
	return true, r.table.snapshot()
}

func (m *Manager) pushServices(op string, r *record, adv Advertiser, services []ServiceDefinition) error {
	if err := adv.SetServices(services); err != nil {
		return wrapError(op, r.id, Unavailable, err, "register services")
	}
	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()
	return nil
}

// UpdateValue replaces a characteristic's stored value without notifying.
func (m *Manager) UpdateValue(id int, serviceUUID, charUUID string, value []byte) error {
	const op = "updateValue"
	ref, err := canonicalRef(serviceUUID, charUUID)
	if err != nil {
		return wrapError(op, id, InvalidArgument, err, "uuid")
	}
	r, err := m.acquire(op, id)
	if err != nil {
		return err
	}
	defer r.opMu.Unlock()

	r.mu.Lock()
	chr, err := r.findLocked(op, ref, serviceUUID, charUUID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	chr.Value = bytes.Clone(value)
	adv := r.adv
	r.mu.Unlock()

	if adv != nil {
		if err := adv.SetValue(ref, value); err != nil {
			return wrapError(op, id, Unavailable, err, "set native value")
		}
	}
	return nil
}

// SendNotification stores value and pushes it to every subscribed device.
// Indications are used when confirm is set and the characteristic supports
// them, or when it supports nothing else.
func (m *Manager) SendNotification(id int, serviceUUID, charUUID string, value []byte, confirm bool) (NotifyResult, error) {
	const op = "sendNotification"
	ref, err := canonicalRef(serviceUUID, charUUID)
	if err != nil {
		return NotifyResult{}, wrapError(op, id, InvalidArgument, err, "uuid")
	}
	r, err := m.acquire(op, id)
	if err != nil {
		return NotifyResult{}, err
	}
	defer r.opMu.Unlock()

	r.mu.Lock()
	chr, err := r.findLocked(op, ref, serviceUUID, charUUID)
	if err != nil {
		r.mu.Unlock()
		return NotifyResult{}, err
	}
	if !chr.Properties.CanNotify() {
		r.mu.Unlock()
		return NotifyResult{}, newError(op, id, InvalidArgument, "characteristic %s supports neither notify nor indicate", charUUID)
	}
	if r.state != Advertising {
		state := r.state
		r.mu.Unlock()
		return NotifyResult{}, newError(op, id, NotAdvertising, "peripheral is %s", state)
	}
	chr.Value = bytes.Clone(value)
	indicate := chr.Properties.Has(PropIndicate) && (confirm || !chr.Properties.Has(PropNotify))
	devices := r.subs.devices(ref)
	caps := r.caps
	adv := r.adv
	r.mu.Unlock()

	if len(devices) == 0 && !caps.CoalescedNotify {
		slog.Debug("[PERIPHERAL] No subscribers", "id", id, "characteristic", ref.Characteristic)
		return NotifyResult{}, nil
	}
	res, err := adv.Notify(ref, value, indicate, devices)
	if err != nil {
		return res, wrapError(op, id, NotifyFailed, err, "notify %s", charUUID)
	}
	for _, dev := range slices.Sorted(maps.Keys(res.Failed)) {
		slog.Warn("[PERIPHERAL] Notification not delivered", "id", id, "device", dev, "characteristic", ref.Characteristic, "error", res.Failed[dev])
	}
	return res, nil
}

// findLocked resolves ref with distinct NotFound details. r.mu must be held.
func (r *record) findLocked(op string, ref CharRef, serviceUUID, charUUID string) (*CharacteristicDefinition, error) {
	svc, chr := r.table.characteristic(ref)
	if svc == nil {
		return nil, newError(op, r.id, NotFound, "service %s not found", serviceUUID)
	}
	if chr == nil {
		return nil, newError(op, r.id, NotFound, "characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return chr, nil
}

// StartAdvertising begins advertising on peripheral id and waits for the
// native outcome. services maps service UUIDs to optional service data; a
// nil map advertises every defined service.
func (m *Manager) StartAdvertising(ctx context.Context, id int, services map[string][]byte, opts AdvertiseOptions) error {
	const op = "startAdvertising"
	if err := opts.validate(); err != nil {
		return wrapError(op, id, InvalidArgument, err, "options")
	}
	var advertised map[string][]byte
	if services != nil {
		advertised = make(map[string][]byte, len(services))
		for u, data := range services {
			c, err := CanonicalUUID(u)
			if err != nil {
				return wrapError(op, id, InvalidArgument, err, "advertised service uuid")
			}
			advertised[c] = data
		}
	}

	r, err := m.acquire(op, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch r.state {
	case Starting, Advertising:
		state := r.state
		r.mu.Unlock()
		r.opMu.Unlock()
		return newError(op, id, AlreadyAdvertising, "peripheral is %s", state)
	case Stopping:
		r.mu.Unlock()
		r.opMu.Unlock()
		return newError(op, id, AlreadyInProgress, "stop in progress")
	}
	if !r.ready || r.adv == nil {
		radio := r.radio
		r.mu.Unlock()
		r.opMu.Unlock()
		return newError(op, id, NotReady, "radio is %s", radio)
	}
	r.transitionLocked(Starting)
	p := newPending()
	r.pendingStart = p
	var toRegister []ServiceDefinition
	if r.dirty {
		toRegister = r.table.snapshot()
	}
	payload := buildPayload(m.DeviceName(), r.table.serviceUUIDs(), advertised, opts)
	adv := r.adv
	r.mu.Unlock()

	if toRegister != nil {
		if err := adv.SetServices(toRegister); err != nil {
			m.abortStart(r, p)
			r.opMu.Unlock()
			return wrapError(op, id, AdvertiseFailed, err, "register services")
		}
		r.mu.Lock()
		r.dirty = false
		r.mu.Unlock()
	}

	slog.Info("[PERIPHERAL] Starting advertising", "id", id, "services", len(payload.ServiceUUIDs), "connectable", payload.Connectable)
	if err := adv.StartAdvertising(payload); err != nil {
		m.abortStart(r, p)
		r.opMu.Unlock()
		return wrapError(op, id, AdvertiseFailed, err, "native start")
	}
	r.opMu.Unlock()

	if err := p.wait(ctx); err != nil {
		return err
	}
	slog.Info("[PERIPHERAL] Advertising", "id", id)
	return nil
}

// abortStart reverts a start that failed synchronously.
func (m *Manager) abortStart(r *record, p *pending) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingStart == p {
		r.pendingStart = nil
		if r.state == Starting {
			r.state = Idle
		}
	}
	p.resolve(nil)
}

// StopAdvertising stops advertising on peripheral id and clears its
// subscribers. The GATT server and its services stay registered.
func (m *Manager) StopAdvertising(ctx context.Context, id int) error {
	const op = "stopAdvertising"
	r, err := m.acquire(op, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch r.state {
	case Idle, Stopping:
		state := r.state
		r.mu.Unlock()
		r.opMu.Unlock()
		return newError(op, id, NotAdvertising, "peripheral is %s", state)
	case Starting:
		r.mu.Unlock()
		r.opMu.Unlock()
		return newError(op, id, AlreadyInProgress, "start in progress")
	}
	r.transitionLocked(Stopping)
	var p *pending
	if r.caps.AsyncStop {
		p = newPending()
		r.pendingStop = p
	}
	adv := r.adv
	r.mu.Unlock()

	if err := adv.StopAdvertising(); err != nil {
		r.mu.Lock()
		if r.state == Stopping {
			r.state = Advertising
		}
		if p != nil && r.pendingStop == p {
			r.pendingStop = nil
		}
		r.mu.Unlock()
		r.opMu.Unlock()
		return wrapError(op, id, AdvertiseFailed, err, "native stop")
	}

	if p == nil {
		r.mu.Lock()
		if r.state == Stopping {
			r.state = Idle
		}
		r.subs.clear()
		r.mu.Unlock()
		r.opMu.Unlock()
		slog.Info("[PERIPHERAL] Advertising stopped", "id", id)
		return nil
	}
	r.opMu.Unlock()

	if err := p.wait(ctx); err != nil {
		return err
	}
	slog.Info("[PERIPHERAL] Advertising stopped", "id", id)
	return nil
}

// DestroyPeripheral stops advertising if needed, rejects every pending
// request with Destroyed and releases the native advertiser.
func (m *Manager) DestroyPeripheral(id int) error {
	const op = "destroyPeripheral"
	r, err := m.acquire(op, id)
	if err != nil {
		return err
	}
	defer r.opMu.Unlock()

	r.mu.Lock()
	r.destroyed = true
	wasAdvertising := r.state == Starting || r.state == Advertising
	waiting := []*pending{r.pendingCreate, r.pendingStart, r.pendingStop}
	r.pendingCreate, r.pendingStart, r.pendingStop = nil, nil, nil
	r.state = Idle
	r.subs.clear()
	adv := r.adv
	r.mu.Unlock()

	m.remove(r)

	if adv != nil {
		if wasAdvertising {
			if err := adv.StopAdvertising(); err != nil {
				slog.Warn("[PERIPHERAL] Implicit stop failed", "id", id, "error", err)
			}
		}
		if err := adv.Close(); err != nil {
			slog.Warn("[PERIPHERAL] Close failed", "id", id, "error", err)
		}
	}

	for _, p := range waiting {
		if p != nil {
			p.resolve(newError(op, id, Destroyed, "peripheral destroyed"))
		}
	}
	slog.Info("[PERIPHERAL] Peripheral destroyed", "id", id)
	return nil
}

// Peripherals returns the registered ids in ascending order.
func (m *Manager) Peripherals() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.records))
}

// Close destroys every peripheral.
func (m *Manager) Close() error {
	var errs []error
	for _, id := range m.Peripherals() {
		if err := m.DestroyPeripheral(id); err != nil && KindOf(err) != NotFound {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot is a read-only copy of one peripheral's state.
type Snapshot struct {
	ID          int
	Radio       RadioState
	State       AdvertisingState
	Services    []ServiceDefinition
	Subscribers map[CharRef][]string
}

// Snapshot copies the current state of peripheral id.
func (m *Manager) Snapshot(id int) (Snapshot, error) {
	r, err := m.lookup("describe", id)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		ID:          id,
		Radio:       r.radio,
		State:       r.state,
		Services:    r.table.snapshot(),
		Subscribers: make(map[CharRef][]string),
	}
	for ref := range r.subs.counts() {
		s.Subscribers[ref] = r.subs.devices(ref)
	}
	return s, nil
}

// State returns the advertising state of peripheral id.
func (m *Manager) State(id int) (AdvertisingState, error) {
	r, err := m.lookup("state", id)
	if err != nil {
		return Idle, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func canonicalRef(serviceUUID, charUUID string) (CharRef, error) {
	s, err := CanonicalUUID(serviceUUID)
	if err != nil {
		return CharRef{}, fmt.Errorf("service: %w", err)
	}
	c, err := CanonicalUUID(charUUID)
	if err != nil {
		return CharRef{}, fmt.Errorf("characteristic: %w", err)
	}
	return CharRef{Service: s, Characteristic: c}, nil
}
