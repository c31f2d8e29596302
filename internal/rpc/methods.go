package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/chaz8081/blepd/internal/peripheral"
	"github.com/chaz8081/blepd/internal/profile"
)

// handler runs one method. The returned value is encoded as the result.
type handler func(ctx context.Context, m *peripheral.Manager, params json.RawMessage) (any, error)

// methods is filled in init because list reports the method names.
var methods map[string]handler

func init() {
	methods = map[string]handler{
		"setDeviceName":     setDeviceName,
		"createPeripheral":  createPeripheral,
		"checkState":        checkState,
		"addService":        addService,
		"addCharacteristic": addCharacteristic,
		"updateValue":       updateValue,
		"sendNotification":  sendNotification,
		"startAdvertising":  startAdvertising,
		"stopAdvertising":   stopAdvertising,
		"destroyPeripheral": destroyPeripheral,
		"applyProfile":      applyProfile,
		"describe":          describe,
		"list":              list,
	}
}

// Methods returns the supported method names, sorted.
func Methods() []string {
	return slices.Sorted(maps.Keys(methods))
}

// errInvalidParams marks a request whose params could not be decoded.
var errInvalidParams = errors.New("invalid params")

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

type idParams struct {
	ID *int `json:"id"`
}

func (p idParams) id() (int, error) {
	if p.ID == nil {
		return 0, fmt.Errorf("%w: id is required", errInvalidParams)
	}
	return *p.ID, nil
}

type charParams struct {
	idParams
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

func setDeviceName(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	return nil, m.SetDeviceName(p.Name)
}

func createPeripheral(ctx context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return nil, m.CreatePeripheral(ctx, id)
}

type stateResult struct {
	State string `json:"state"`
}

func checkState(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	s, err := m.CheckState(id)
	if err != nil {
		return nil, err
	}
	return stateResult{State: s.String()}, nil
}

func addService(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p struct {
		idParams
		Service string `json:"service"`
		Primary *bool  `json:"primary"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return nil, m.AddService(id, p.Service, p.Primary == nil || *p.Primary)
}

// addCharacteristic takes properties and permissions either as bitmasks or
// as name lists; the two forms are ORed.
func addCharacteristic(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p struct {
		charParams
		Properties      uint16   `json:"properties"`
		Permissions     uint16   `json:"permissions"`
		PropertyNames   []string `json:"property_names"`
		PermissionNames []string `json:"permission_names"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	props, err := peripheral.ParseProperties(p.PropertyNames)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	perms, err := peripheral.ParsePermissions(p.PermissionNames)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	props |= peripheral.Property(p.Properties)
	perms |= peripheral.Permission(p.Permissions)
	return nil, m.AddCharacteristic(id, p.Service, p.Characteristic, props, perms)
}

func updateValue(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p struct {
		charParams
		Value []byte `json:"value"` // base64
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return nil, m.UpdateValue(id, p.Service, p.Characteristic, p.Value)
}

type notifyResult struct {
	Delivered []string          `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func sendNotification(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p struct {
		charParams
		Value   []byte `json:"value"`
		Confirm bool   `json:"confirm"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	res, err := m.SendNotification(id, p.Service, p.Characteristic, p.Value, p.Confirm)
	if err != nil {
		return nil, err
	}
	out := notifyResult{Delivered: res.Delivered}
	if out.Delivered == nil {
		out.Delivered = []string{}
	}
	if len(res.Failed) > 0 {
		out.Failed = make(map[string]string, len(res.Failed))
		for dev, ferr := range res.Failed {
			out.Failed[dev] = ferr.Error()
		}
	}
	return out, nil
}

// startAdvertising accepts the same fields as a profile's advertise block.
func startAdvertising(ctx context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p struct {
		idParams
		profile.Advertise
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	opts, err := p.Options()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	services, err := p.ServiceMap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil, m.StartAdvertising(ctx, id, services, opts)
}

func stopAdvertising(ctx context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return nil, m.StopAdvertising(ctx, id)
}

func destroyPeripheral(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	return nil, m.DestroyPeripheral(id)
}

func applyProfile(ctx context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p struct {
		idParams
		Builtin string           `json:"builtin"`
		Profile *profile.Profile `json:"profile"`
	}
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	prof := p.Profile
	if p.Builtin != "" {
		prof = profile.Builtin(p.Builtin)
	}
	if prof == nil {
		return nil, fmt.Errorf("%w: profile or known builtin required", errInvalidParams)
	}
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil, profile.Apply(ctx, m, id, prof)
}

type characteristicView struct {
	UUID        string   `json:"uuid"`
	Properties  []string `json:"properties"`
	Permissions []string `json:"permissions"`
	Value       []byte   `json:"value"`
	CCCD        bool     `json:"cccd"`
	Subscribers []string `json:"subscribers,omitempty"`
}

type serviceView struct {
	UUID            string               `json:"uuid"`
	Primary         bool                 `json:"primary"`
	Characteristics []characteristicView `json:"characteristics"`
}

type describeResult struct {
	ID       int           `json:"id"`
	Radio    string        `json:"radio"`
	State    string        `json:"state"`
	Services []serviceView `json:"services"`
}

func describe(_ context.Context, m *peripheral.Manager, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decode(raw, &p); err != nil {
		return nil, err
	}
	id, err := p.id()
	if err != nil {
		return nil, err
	}
	snap, err := m.Snapshot(id)
	if err != nil {
		return nil, err
	}
	out := describeResult{
		ID:       snap.ID,
		Radio:    snap.Radio.String(),
		State:    snap.State.String(),
		Services: make([]serviceView, 0, len(snap.Services)),
	}
	for _, s := range snap.Services {
		sv := serviceView{UUID: s.UUID, Primary: s.Primary, Characteristics: []characteristicView{}}
		for _, c := range s.Characteristics {
			ref := peripheral.CharRef{Service: s.UUID, Characteristic: c.UUID}
			sv.Characteristics = append(sv.Characteristics, characteristicView{
				UUID:        c.UUID,
				Properties:  c.Properties.Names(),
				Permissions: c.Permissions.Names(),
				Value:       c.Value,
				CCCD:        c.HasCCCD(),
				Subscribers: snap.Subscribers[ref],
			})
		}
		out.Services = append(out.Services, sv)
	}
	return out, nil
}

type listResult struct {
	IDs     []int    `json:"ids"`
	Methods []string `json:"methods"`
}

func list(_ context.Context, m *peripheral.Manager, _ json.RawMessage) (any, error) {
	ids := m.Peripherals()
	if ids == nil {
		ids = []int{}
	}
	return listResult{IDs: ids, Methods: Methods()}, nil
}
