//go:build linux

package ble

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus        = "org.bluez"
	bluezAdapter    = "org.bluez.Adapter1"
	dbusProperties  = "org.freedesktop.DBus.Properties"
	propsChanged    = dbusProperties + ".PropertiesChanged"
	adapterPowered  = "Powered"
	adapterAlias    = "Alias"
	bluezPathPrefix = "/org/bluez/"
)

// adapterBus talks to one BlueZ adapter object over the system bus for the
// properties tinygo does not expose: power state and alias.
type adapterBus struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

func openAdapterBus(adapter string) (*adapterBus, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: dbus system bus: %w", err)
	}
	return &adapterBus{conn: conn, path: dbus.ObjectPath(bluezPathPrefix + adapter)}, nil
}

func (b *adapterBus) object() dbus.BusObject {
	return b.conn.Object(bluezBus, b.path)
}

// powered reads Adapter1.Powered.
func (b *adapterBus) powered() (bool, error) {
	v, err := b.object().GetProperty(bluezAdapter + "." + adapterPowered)
	if err != nil {
		return false, fmt.Errorf("ble: read %s: %w", adapterPowered, err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: property %s has unexpected type %T", adapterPowered, v.Value())
	}
	return on, nil
}

// setAlias sets the adapter's advertised friendly name.
func (b *adapterBus) setAlias(name string) error {
	call := b.object().Call(dbusProperties+".Set", 0, bluezAdapter, adapterAlias, dbus.MakeVariant(name))
	if call.Err != nil {
		return fmt.Errorf("ble: set alias: %w", call.Err)
	}
	return nil
}

// watchPowered calls fn for every Powered change until stop is closed.
func (b *adapterBus) watchPowered(stop <-chan struct{}, fn func(on bool)) error {
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(b.path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("ble: watch adapter: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	b.conn.Signal(sigCh)
	go func() {
		defer b.conn.RemoveSignal(sigCh)
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != b.path || sig.Name != propsChanged || len(sig.Body) < 2 {
					continue
				}
				if iface, _ := sig.Body[0].(string); iface != bluezAdapter {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				if v, ok := changed[adapterPowered]; ok {
					if on, ok := v.Value().(bool); ok {
						slog.Info("[BLE] Adapter power changed", "adapter", string(b.path), "powered", on)
						fn(on)
					}
				}
			}
		}
	}()
	return nil
}
