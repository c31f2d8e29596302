// Package profile declares peripherals in YAML and applies them to a
// peripheral.Manager.
package profile

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/chaz8081/blepd/internal/peripheral"
	"gopkg.in/yaml.v3"
)

// Profile describes one peripheral: its GATT database and how it advertises.
type Profile struct {
	Name      string     `yaml:"name" json:"name"`
	Autostart bool       `yaml:"autostart" json:"autostart"`
	Services  []Service  `yaml:"services" json:"services"`
	Advertise *Advertise `yaml:"advertise,omitempty" json:"advertise,omitempty"`
}

// Service is one GATT service. Primary defaults to true.
type Service struct {
	UUID            string           `yaml:"uuid" json:"uuid"`
	Primary         *bool            `yaml:"primary,omitempty" json:"primary,omitempty"`
	Characteristics []Characteristic `yaml:"characteristics" json:"characteristics"`
}

// Characteristic is one GATT characteristic. At most one of Value,
// ValueHex and ValueBase64 may be set.
type Characteristic struct {
	UUID        string   `yaml:"uuid" json:"uuid"`
	Properties  []string `yaml:"properties" json:"properties"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	Value       string   `yaml:"value,omitempty" json:"value,omitempty"`
	ValueHex    string   `yaml:"value_hex,omitempty" json:"value_hex,omitempty"`
	ValueBase64 string   `yaml:"value_base64,omitempty" json:"value_base64,omitempty"`
}

// Advertise selects the advertised services and options. Unset booleans
// keep peripheral.DefaultAdvertiseOptions.
type Advertise struct {
	Services          []string          `yaml:"services,omitempty" json:"services,omitempty"`
	ServiceData       map[string]string `yaml:"service_data,omitempty" json:"service_data,omitempty"` // uuid -> base64
	Mode              string            `yaml:"mode,omitempty" json:"mode,omitempty"`
	TxPowerLevel      string            `yaml:"tx_power_level,omitempty" json:"tx_power_level,omitempty"`
	Connectable       *bool             `yaml:"connectable,omitempty" json:"connectable,omitempty"`
	IncludeDeviceName *bool             `yaml:"include_device_name,omitempty" json:"include_device_name,omitempty"`
	IncludeTxPower    *bool             `yaml:"include_tx_power,omitempty" json:"include_tx_power,omitempty"`
	ManufacturerID    *uint16           `yaml:"manufacturer_id,omitempty" json:"manufacturer_id,omitempty"`
	ManufacturerData  string            `yaml:"manufacturer_data,omitempty" json:"manufacturer_data,omitempty"` // hex
}

// Target is the subset of peripheral.Manager that Apply drives.
type Target interface {
	CreatePeripheral(ctx context.Context, id int) error
	AddService(id int, serviceUUID string, primary bool) error
	AddCharacteristic(id int, serviceUUID, charUUID string, props peripheral.Property, perms peripheral.Permission) error
	UpdateValue(id int, serviceUUID, charUUID string, value []byte) error
	StartAdvertising(ctx context.Context, id int, services map[string][]byte, opts peripheral.AdvertiseOptions) error
}

var _ Target = (*peripheral.Manager)(nil)

// Load reads a single profile from a YAML file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks names, UUIDs and values without touching a Manager.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile: name must not be empty")
	}
	for i, s := range p.Services {
		if _, err := peripheral.CanonicalUUID(s.UUID); err != nil {
			return fmt.Errorf("profile %s: services[%d]: %w", p.Name, i, err)
		}
		for j, c := range s.Characteristics {
			if err := c.validate(); err != nil {
				return fmt.Errorf("profile %s: services[%d].characteristics[%d]: %w", p.Name, i, j, err)
			}
		}
	}
	if p.Advertise != nil {
		if _, err := p.Advertise.Options(); err != nil {
			return fmt.Errorf("profile %s: advertise: %w", p.Name, err)
		}
		if _, err := p.Advertise.ServiceMap(); err != nil {
			return fmt.Errorf("profile %s: advertise: %w", p.Name, err)
		}
	}
	return nil
}

func (c *Characteristic) validate() error {
	if _, err := peripheral.CanonicalUUID(c.UUID); err != nil {
		return err
	}
	if _, err := peripheral.ParseProperties(c.Properties); err != nil {
		return err
	}
	if _, err := peripheral.ParsePermissions(c.Permissions); err != nil {
		return err
	}
	_, err := c.Bytes()
	return err
}

// Bytes decodes the initial value.
func (c *Characteristic) Bytes() ([]byte, error) {
	set := 0
	for _, v := range []string{c.Value, c.ValueHex, c.ValueBase64} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("only one of value, value_hex and value_base64 may be set")
	}
	switch {
	case c.ValueHex != "":
		b, err := hex.DecodeString(c.ValueHex)
		if err != nil {
			return nil, fmt.Errorf("value_hex: %w", err)
		}
		return b, nil
	case c.ValueBase64 != "":
		b, err := base64.StdEncoding.DecodeString(c.ValueBase64)
		if err != nil {
			return nil, fmt.Errorf("value_base64: %w", err)
		}
		return b, nil
	case c.Value != "":
		return []byte(c.Value), nil
	}
	return nil, nil
}

// Options resolves the advertise options on top of the defaults.
func (a *Advertise) Options() (peripheral.AdvertiseOptions, error) {
	opts := peripheral.DefaultAdvertiseOptions()
	if a.Mode != "" {
		m, err := peripheral.ParseAdvertiseMode(a.Mode)
		if err != nil {
			return opts, err
		}
		opts.Mode = m
	}
	if a.TxPowerLevel != "" {
		l, err := peripheral.ParseTxPowerLevel(a.TxPowerLevel)
		if err != nil {
			return opts, err
		}
		opts.TxPowerLevel = l
	}
	if a.Connectable != nil {
		opts.Connectable = *a.Connectable
	}
	if a.IncludeDeviceName != nil {
		opts.IncludeDeviceName = *a.IncludeDeviceName
	}
	if a.IncludeTxPower != nil {
		opts.IncludeTxPower = *a.IncludeTxPower
	}
	if a.ManufacturerID != nil {
		data, err := hex.DecodeString(a.ManufacturerData)
		if err != nil {
			return opts, fmt.Errorf("manufacturer_data: %w", err)
		}
		opts.Manufacturer = &peripheral.ManufacturerData{CompanyID: *a.ManufacturerID, Data: data}
	} else if a.ManufacturerData != "" {
		return opts, errors.New("manufacturer_data requires manufacturer_id")
	}
	return opts, nil
}

// ServiceMap builds the advertised service map. Nil means every defined
// service is advertised.
func (a *Advertise) ServiceMap() (map[string][]byte, error) {
	if len(a.Services) == 0 && len(a.ServiceData) == 0 {
		return nil, nil
	}
	m := make(map[string][]byte, len(a.Services)+len(a.ServiceData))
	for _, u := range a.Services {
		m[u] = nil
	}
	for u, enc := range a.ServiceData {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("service_data[%s]: %w", u, err)
		}
		m[u] = b
	}
	return m, nil
}

// Apply creates peripheral id from p and, when p.Advertise is set, starts
// advertising. A failure after creation leaves the peripheral in place for
// the caller to inspect or destroy.
func Apply(ctx context.Context, t Target, id int, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := t.CreatePeripheral(ctx, id); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	for _, s := range p.Services {
		primary := s.Primary == nil || *s.Primary
		if err := t.AddService(id, s.UUID, primary); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
		for _, c := range s.Characteristics {
			props, _ := peripheral.ParseProperties(c.Properties)
			perms, _ := peripheral.ParsePermissions(c.Permissions)
			if err := t.AddCharacteristic(id, s.UUID, c.UUID, props, perms); err != nil {
				return fmt.Errorf("profile %s: %w", p.Name, err)
			}
			value, _ := c.Bytes()
			if value == nil {
				continue
			}
			if err := t.UpdateValue(id, s.UUID, c.UUID, value); err != nil {
				return fmt.Errorf("profile %s: %w", p.Name, err)
			}
		}
	}
	slog.Info("[PROFILE] Peripheral defined", "profile", p.Name, "id", id, "services", len(p.Services))

	if p.Advertise == nil {
		return nil
	}
	opts, _ := p.Advertise.Options()
	services, _ := p.Advertise.ServiceMap()
	if err := t.StartAdvertising(ctx, id, services, opts); err != nil {
		return fmt.Errorf("profile %s: %w", p.Name, err)
	}
	slog.Info("[PROFILE] Advertising", "profile", p.Name, "id", id)
	return nil
}
