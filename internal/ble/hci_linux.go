//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/blepd/internal/peripheral"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// startGrace is how long an advertise call must survive before it counts
// as started. go-ble only returns from Advertise on failure or cancel.
const startGrace = 200 * time.Millisecond

// HCIStack drives a raw HCI socket through go-ble. It owns the GATT server
// itself, so subscriptions arrive as notifier sessions rather than CCCD
// writes.
type HCIStack struct {
	deviceID int

	// mu protects active.
	mu     sync.Mutex
	active *hciAdvertiser
}

func newHCIStack(deviceID int) (peripheral.Stack, error) {
	return &HCIStack{deviceID: deviceID}, nil
}

// Compile-time check that HCIStack implements peripheral.Stack.
var _ peripheral.Stack = (*HCIStack)(nil)

func (s *HCIStack) Open(id int, b peripheral.Bridge) (peripheral.Advertiser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, fmt.Errorf("ble: hci%d already hosts a peripheral: %w", s.deviceID, peripheral.Unsupported)
	}
	dev, err := linux.NewDevice(ble.OptDeviceID(s.deviceID))
	if err != nil {
		return nil, fmt.Errorf("ble: open hci%d: %w", s.deviceID, err)
	}
	a := &hciAdvertiser{
		stack:     s,
		id:        id,
		bridge:    b,
		dev:       dev,
		notifiers: make(map[peripheral.CharRef]map[string]ble.Notifier),
		conns:     make(map[string]bool),
	}
	s.active = a
	slog.Info("[BLE] HCI device opened", "device", s.deviceID, "id", id)
	return a, nil
}

// SetDeviceName is unsupported: the raw stack advertises the name passed
// per advertisement and has no persistent adapter alias.
func (s *HCIStack) SetDeviceName(string) error {
	return errors.ErrUnsupported
}

type hciAdvertiser struct {
	stack  *HCIStack
	id     int
	bridge peripheral.Bridge
	dev    *linux.Device

	// mu protects the fields below.
	mu        sync.Mutex
	cancel    context.CancelFunc
	notifiers map[peripheral.CharRef]map[string]ble.Notifier
	conns     map[string]bool
	closed    bool
}

// Compile-time check that hciAdvertiser implements peripheral.Advertiser.
var _ peripheral.Advertiser = (*hciAdvertiser)(nil)

func (a *hciAdvertiser) Capabilities() peripheral.Capabilities {
	return peripheral.Capabilities{
		AsyncStop:           true,
		NativeSubscriptions: true,
	}
}

// RadioState is always powered on: opening the HCI socket fails otherwise.
func (a *hciAdvertiser) RadioState() peripheral.RadioState {
	return peripheral.RadioPoweredOn
}

func (a *hciAdvertiser) SetServices(services []peripheral.ServiceDefinition) error {
	svcs := make([]*ble.Service, 0, len(services))
	for _, def := range services {
		u, err := ble.Parse(def.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		svc := ble.NewService(u)
		for _, c := range def.Characteristics {
			chr, err := a.buildCharacteristic(def.UUID, c)
			if err != nil {
				return err
			}
			svc.AddCharacteristic(chr)
		}
		svcs = append(svcs, svc)
	}
	if err := a.dev.SetServices(svcs); err != nil {
		return fmt.Errorf("ble: set services: %w", err)
	}
	return nil
}

func (a *hciAdvertiser) buildCharacteristic(service string, def peripheral.CharacteristicDefinition) (*ble.Characteristic, error) {
	u, err := ble.Parse(def.UUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}
	ref := peripheral.CharRef{Service: service, Characteristic: def.UUID}
	c := ble.NewCharacteristic(u)

	if def.Properties.Has(peripheral.PropRead) {
		c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			addr := a.track(req.Conn())
			data, status := a.bridge.OnCharRead(a.id, addr, ref, req.Offset())
			if status != peripheral.StatusSuccess {
				rsp.SetStatus(attError(status))
				return
			}
			rsp.Write(data)
		}))
	}
	if def.Properties&(peripheral.PropWrite|peripheral.PropWriteNoResponse) != 0 {
		c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			addr := a.track(req.Conn())
			status := a.bridge.OnCharWrite(a.id, addr, ref, req.Offset(), req.Data(), true)
			if status != peripheral.StatusSuccess {
				rsp.SetStatus(attError(status))
			}
		}))
	}
	notify := ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		a.serveNotify(ref, req, n)
	})
	if def.Properties.Has(peripheral.PropNotify) {
		c.HandleNotify(notify)
	}
	if def.Properties.Has(peripheral.PropIndicate) {
		c.HandleIndicate(notify)
	}
	c.Property = ble.Property(def.Properties & 0xff)
	return c, nil
}

// serveNotify holds one subscription until the central disables it or
// disconnects.
func (a *hciAdvertiser) serveNotify(ref peripheral.CharRef, req ble.Request, n ble.Notifier) {
	addr := a.track(req.Conn())
	a.mu.Lock()
	byDev, ok := a.notifiers[ref]
	if !ok {
		byDev = make(map[string]ble.Notifier)
		a.notifiers[ref] = byDev
	}
	byDev[addr] = n
	a.mu.Unlock()

	a.bridge.OnSubscribe(a.id, addr, ref)
	<-n.Context().Done()

	a.mu.Lock()
	if byDev[addr] == n {
		delete(byDev, addr)
	}
	a.mu.Unlock()
	a.bridge.OnUnsubscribe(a.id, addr, ref)
}

// track returns the central's address and reports its disconnect once.
func (a *hciAdvertiser) track(conn ble.Conn) string {
	addr := strings.ToUpper(conn.RemoteAddr().String())
	a.mu.Lock()
	seen := a.conns[addr]
	a.conns[addr] = true
	a.mu.Unlock()
	if seen {
		return addr
	}
	a.bridge.OnConnectionChange(a.id, addr, true)
	go func() {
		<-conn.Disconnected()
		a.mu.Lock()
		delete(a.conns, addr)
		a.mu.Unlock()
		a.bridge.OnConnectionChange(a.id, addr, false)
	}()
	return addr
}

func attError(s peripheral.Status) ble.ATTError {
	switch s {
	case peripheral.StatusReadNotPermitted:
		return ble.ErrReadNotPerm
	case peripheral.StatusWriteNotPermitted:
		return ble.ErrWriteNotPerm
	case peripheral.StatusInvalidOffset:
		return ble.ErrInvalidOffset
	case peripheral.StatusRequestNotSupported:
		return ble.ErrReqNotSupp
	default:
		return ble.ErrUnlikely
	}
}

// SetValue is a no-op: reads are answered from the Manager's table.
func (a *hciAdvertiser) SetValue(peripheral.CharRef, []byte) error { return nil }

func (a *hciAdvertiser) StartAdvertising(p peripheral.Payload) error {
	var uuids []ble.UUID
	for _, s := range p.ServiceUUIDs {
		u, err := ble.Parse(s)
		if err != nil {
			return fmt.Errorf("ble: parse advertised UUID: %w", err)
		}
		uuids = append(uuids, u)
	}
	if dropped := hciDroppedFields(p); len(dropped) > 0 {
		slog.Warn("[BLE] Fields not advertised by the hci stack", "id", a.id, "fields", dropped)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("ble: advertiser closed")
	}
	if a.cancel != nil {
		a.mu.Unlock()
		a.bridge.OnAdvertiseStarted(a.id, peripheral.AdvertiseAlreadyStarted)
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if p.Manufacturer != nil && len(uuids) == 0 {
			errCh <- a.dev.AdvertiseMfgData(ctx, p.Manufacturer.CompanyID, p.Manufacturer.Data)
			return
		}
		errCh <- a.dev.AdvertiseNameAndServices(ctx, p.LocalName, uuids...)
	}()
	go a.superviseAdvertising(ctx, errCh)
	return nil
}

// hciDroppedFields names the payload parts go-ble cannot send. Manufacturer
// data only goes out when no service UUIDs are advertised.
func hciDroppedFields(p peripheral.Payload) []string {
	var dropped []string
	if len(p.ServiceData) > 0 {
		dropped = append(dropped, "service_data")
	}
	if p.Manufacturer != nil && len(p.ServiceUUIDs) > 0 {
		dropped = append(dropped, "manufacturer_data")
	}
	return dropped
}

// superviseAdvertising reports the start outcome and, once the advertise
// call returns, the stop.
func (a *hciAdvertiser) superviseAdvertising(ctx context.Context, errCh <-chan error) {
	select {
	case err := <-errCh:
		a.clearCancel()
		if ctx.Err() == nil {
			slog.Warn("[BLE] Advertise failed", "id", a.id, "error", err)
			a.bridge.OnAdvertiseStarted(a.id, peripheral.AdvertiseInternalError)
			return
		}
		a.bridge.OnAdvertiseStopped(a.id, peripheral.AdvertiseSuccess)
		return
	case <-time.After(startGrace):
		a.bridge.OnAdvertiseStarted(a.id, peripheral.AdvertiseSuccess)
	}

	err := <-errCh
	a.clearCancel()
	code := peripheral.AdvertiseSuccess
	if ctx.Err() == nil && err != nil {
		slog.Warn("[BLE] Advertising ended", "id", a.id, "error", err)
		code = peripheral.AdvertiseInternalError
	}
	a.bridge.OnAdvertiseStopped(a.id, code)
}

func (a *hciAdvertiser) clearCancel() {
	a.mu.Lock()
	a.cancel = nil
	a.mu.Unlock()
}

func (a *hciAdvertiser) StopAdvertising() error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		// Nothing running; report completion so the caller does not wait.
		go a.bridge.OnAdvertiseStopped(a.id, peripheral.AdvertiseSuccess)
		return nil
	}
	cancel()
	return nil
}

func (a *hciAdvertiser) Notify(ref peripheral.CharRef, value []byte, indicate bool, devices []string) (peripheral.NotifyResult, error) {
	a.mu.Lock()
	targets := make(map[string]ble.Notifier, len(devices))
	for _, dev := range devices {
		if n, ok := a.notifiers[ref][dev]; ok {
			targets[dev] = n
		}
	}
	a.mu.Unlock()

	var res peripheral.NotifyResult
	for _, dev := range devices {
		n, ok := targets[dev]
		if !ok {
			res.AddFailure(dev, ErrNotConnected)
			continue
		}
		if _, err := n.Write(value); err != nil {
			res.AddFailure(dev, err)
			continue
		}
		res.Delivered = append(res.Delivered, dev)
	}
	return res, nil
}

func (a *hciAdvertiser) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	err := a.dev.Stop()
	a.stack.mu.Lock()
	if a.stack.active == a {
		a.stack.active = nil
	}
	a.stack.mu.Unlock()
	if err != nil {
		return fmt.Errorf("ble: close hci%d: %w", a.stack.deviceID, err)
	}
	return nil
}
