package peripheral

import (
	"bytes"
	"log/slog"
)

// callbackRecord resolves a native callback to its live record, or nil.
func (m *Manager) callbackRecord(callback string, id int) *record {
	m.mu.RLock()
	r, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		slog.Debug("[PERIPHERAL] Callback for unknown peripheral", "callback", callback, "id", id)
		return nil
	}
	return r
}

// OnRadioState records a radio power change for peripheral id.
func (m *Manager) OnRadioState(id int, state RadioState) {
	r := m.callbackRecord("radioState", id)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	slog.Debug("[PERIPHERAL] Radio state", "id", id, "state", state.String())
	m.applyRadioLocked(r, state)
}

// OnAdvertiseStarted resolves a pending StartAdvertising. A zero code means
// success.
func (m *Manager) OnAdvertiseStarted(id int, code int) {
	r := m.callbackRecord("advertiseStarted", id)
	if r == nil {
		return
	}
	r.mu.Lock()
	p := r.pendingStart
	if p == nil || r.state != Starting {
		state := r.state
		r.mu.Unlock()
		slog.Warn("[PERIPHERAL] Unsolicited advertise result", "id", id, "code", code, "state", state.String())
		return
	}
	r.pendingStart = nil
	var err error
	if code == AdvertiseSuccess {
		r.transitionLocked(Advertising)
	} else {
		r.transitionLocked(Idle)
		err = &Error{Op: "startAdvertising", ID: id, Kind: AdvertiseFailed, Detail: advertiseCodeText(code), Code: code}
	}
	r.mu.Unlock()
	if err != nil {
		slog.Warn("[PERIPHERAL] Advertising failed", "id", id, "code", code)
	}
	p.resolve(err)
}

// OnAdvertiseStopped resolves a pending StopAdvertising on stacks that stop
// asynchronously.
func (m *Manager) OnAdvertiseStopped(id int, code int) {
	r := m.callbackRecord("advertiseStopped", id)
	if r == nil {
		return
	}
	r.mu.Lock()
	p := r.pendingStop
	if p == nil || r.state != Stopping {
		r.mu.Unlock()
		slog.Debug("[PERIPHERAL] Unsolicited advertise stop", "id", id, "code", code)
		return
	}
	r.pendingStop = nil
	r.transitionLocked(Idle)
	r.subs.clear()
	r.mu.Unlock()
	if code != AdvertiseSuccess {
		p.resolve(&Error{Op: "stopAdvertising", ID: id, Kind: AdvertiseFailed, Detail: advertiseCodeText(code), Code: code})
		return
	}
	p.resolve(nil)
}

// OnCharRead serves a characteristic read from the stored value.
func (m *Manager) OnCharRead(id int, device string, ref CharRef, offset int) ([]byte, Status) {
	r := m.callbackRecord("charRead", id)
	if r == nil {
		return nil, StatusFailure
	}
	ref, ok := normaliseRef(ref)
	if !ok {
		return nil, StatusFailure
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, chr := r.table.characteristic(ref)
	switch {
	case chr == nil:
		return nil, StatusFailure
	case !chr.Properties.Has(PropRead):
		return nil, StatusReadNotPermitted
	case offset < 0 || offset > len(chr.Value):
		slog.Debug("[PERIPHERAL] Read past end", "id", id, "device", device, "offset", offset, "size", len(chr.Value))
		return nil, StatusInvalidOffset
	}
	return bytes.Clone(chr.Value[offset:]), StatusSuccess
}

// OnCharWrite forwards a central's write to the listener. The stored value
// is left untouched; the application decides whether to call UpdateValue.
func (m *Manager) OnCharWrite(id int, device string, ref CharRef, offset int, value []byte, responseNeeded bool) Status {
	r := m.callbackRecord("charWrite", id)
	if r == nil {
		return StatusFailure
	}
	ref, ok := normaliseRef(ref)
	if !ok {
		return StatusFailure
	}
	r.mu.Lock()
	svc, chr := r.table.characteristic(ref)
	if chr == nil {
		r.mu.Unlock()
		return StatusFailure
	}
	if chr.Properties&(PropWrite|PropWriteNoResponse|PropSignedWrite) == 0 {
		r.mu.Unlock()
		return StatusWriteNotPermitted
	}
	ev := writeEvent(WriteEvent{
		ID:                 id,
		Device:             device,
		ServiceUUID:        svc.Alias,
		CharacteristicUUID: chr.Alias,
		Offset:             offset,
		Value:              bytes.Clone(value),
	})
	r.mu.Unlock()

	slog.Debug("[PERIPHERAL] Write", "id", id, "device", device, "characteristic", ref.Characteristic, "bytes", len(value), "response", responseNeeded)
	m.emit([]event{ev})
	return StatusSuccess
}

// OnDescriptorRead answers CCCD reads from the subscriber set.
func (m *Manager) OnDescriptorRead(id int, device string, ref CharRef, descriptor string) ([]byte, Status) {
	r := m.callbackRecord("descriptorRead", id)
	if r == nil {
		return nil, StatusFailure
	}
	ref, ok := normaliseRef(ref)
	if !ok || !isCCCD(descriptor) {
		return nil, StatusFailure
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, chr := r.table.characteristic(ref); chr == nil || !chr.HasCCCD() {
		return nil, StatusFailure
	}
	if r.subs.contains(ref, device) {
		return bytes.Clone(EnableNotificationValue), StatusSuccess
	}
	return bytes.Clone(DisableNotificationValue), StatusSuccess
}

// OnDescriptorWrite applies a CCCD write: enable adds the device, disable
// removes it, anything else is ignored.
func (m *Manager) OnDescriptorWrite(id int, device string, ref CharRef, descriptor string, value []byte) Status {
	r := m.callbackRecord("descriptorWrite", id)
	if r == nil {
		return StatusFailure
	}
	ref, ok := normaliseRef(ref)
	if !ok || !isCCCD(descriptor) {
		return StatusFailure
	}
	r.mu.Lock()
	_, chr := r.table.characteristic(ref)
	hasCCCD := chr != nil && chr.HasCCCD()
	r.mu.Unlock()
	if !hasCCCD {
		return StatusFailure
	}
	switch {
	case bytes.Equal(value, EnableNotificationValue), bytes.Equal(value, EnableIndicationValue):
		m.subscribe(r, device, ref)
	case bytes.Equal(value, DisableNotificationValue):
		m.unsubscribe(r, device, ref)
	default:
		slog.Debug("[PERIPHERAL] Ignoring CCCD payload", "id", id, "device", device, "value", value)
	}
	return StatusSuccess
}

// OnSubscribe records a subscription reported by a stack that owns the CCCD.
func (m *Manager) OnSubscribe(id int, device string, ref CharRef) {
	if r := m.callbackRecord("subscribe", id); r != nil {
		if ref, ok := normaliseRef(ref); ok {
			m.subscribe(r, device, ref)
		}
	}
}

// OnUnsubscribe records an unsubscription reported by a stack that owns the
// CCCD.
func (m *Manager) OnUnsubscribe(id int, device string, ref CharRef) {
	if r := m.callbackRecord("unsubscribe", id); r != nil {
		if ref, ok := normaliseRef(ref); ok {
			m.unsubscribe(r, device, ref)
		}
	}
}

// OnConnectionChange drops every subscription of a disconnected device.
func (m *Manager) OnConnectionChange(id int, device string, connected bool) {
	r := m.callbackRecord("connectionChange", id)
	if r == nil {
		return
	}
	slog.Info("[PERIPHERAL] Connection changed", "id", id, "device", device, "connected", connected)
	if connected {
		return
	}
	r.mu.Lock()
	var events []event
	for _, ref := range r.subs.dropDevice(device) {
		if ev, ok := r.subscriptionEventLocked(device, ref, unsubscribeEvent); ok {
			events = append(events, ev)
		}
	}
	r.mu.Unlock()
	m.emit(events)
}

func (m *Manager) subscribe(r *record, device string, ref CharRef) {
	r.mu.Lock()
	_, chr := r.table.characteristic(ref)
	if r.destroyed || chr == nil || !chr.Properties.CanNotify() || !r.subs.add(ref, device) {
		r.mu.Unlock()
		return
	}
	ev, _ := r.subscriptionEventLocked(device, ref, subscribeEvent)
	r.mu.Unlock()
	slog.Info("[PERIPHERAL] Subscribed", "id", r.id, "device", device, "characteristic", ref.Characteristic)
	m.emit([]event{ev})
}

func (m *Manager) unsubscribe(r *record, device string, ref CharRef) {
	r.mu.Lock()
	if !r.subs.remove(ref, device) {
		r.mu.Unlock()
		return
	}
	ev, ok := r.subscriptionEventLocked(device, ref, unsubscribeEvent)
	r.mu.Unlock()
	slog.Info("[PERIPHERAL] Unsubscribed", "id", r.id, "device", device, "characteristic", ref.Characteristic)
	if ok {
		m.emit([]event{ev})
	}
}

// subscriptionEventLocked builds an event carrying the caller's UUID
// spelling. r.mu must be held.
func (r *record) subscriptionEventLocked(device string, ref CharRef, mk func(SubscriptionEvent) event) (event, bool) {
	svc, chr := r.table.characteristic(ref)
	if chr == nil {
		return nil, false
	}
	return mk(SubscriptionEvent{
		ID:                 r.id,
		Device:             device,
		ServiceUUID:        svc.Alias,
		CharacteristicUUID: chr.Alias,
	}), true
}

func normaliseRef(ref CharRef) (CharRef, bool) {
	out, err := canonicalRef(ref.Service, ref.Characteristic)
	return out, err == nil
}

func isCCCD(descriptor string) bool {
	c, err := CanonicalUUID(descriptor)
	return err == nil && c == CCCDUUID
}

func advertiseCodeText(code int) string {
	switch code {
	case AdvertiseDataTooLarge:
		return "advertise data too large"
	case AdvertiseTooManyAdvertisers:
		return "too many advertisers"
	case AdvertiseAlreadyStarted:
		return "already started"
	case AdvertiseInternalError:
		return "internal error"
	case AdvertiseFeatureUnsupported:
		return "feature unsupported"
	default:
		return "native advertise failure"
	}
}
