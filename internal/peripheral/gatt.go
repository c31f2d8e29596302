package peripheral

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
)

// Property is the characteristic property bitmask advertised to centrals.
type Property uint16

const (
	PropBroadcast       Property = 0x01
	PropRead            Property = 0x02
	PropWriteNoResponse Property = 0x04
	PropWrite           Property = 0x08
	PropNotify          Property = 0x10
	PropIndicate        Property = 0x20
	PropSignedWrite     Property = 0x40
	PropExtendedProps   Property = 0x80
)

// Has reports whether every bit of f is set.
func (p Property) Has(f Property) bool { return p&f == f }

// CanNotify reports whether the characteristic carries NOTIFY or INDICATE.
func (p Property) CanNotify() bool { return p&(PropNotify|PropIndicate) != 0 }

// Permission is the attribute permission bitmask.
type Permission uint16

const (
	PermReadable           Permission = 0x01
	PermReadEncrypted      Permission = 0x02
	PermReadEncryptedMITM  Permission = 0x04
	PermWriteable          Permission = 0x10
	PermWriteEncrypted     Permission = 0x20
	PermWriteEncryptedMITM Permission = 0x40
	PermWriteSigned        Permission = 0x80
	PermWriteSignedMITM    Permission = 0x100
)

// Has reports whether every bit of f is set.
func (p Permission) Has(f Permission) bool { return p&f == f }

var propertyNames = []struct {
	name string
	bit  Property
}{
	{"broadcast", PropBroadcast},
	{"read", PropRead},
	{"write_no_response", PropWriteNoResponse},
	{"write", PropWrite},
	{"notify", PropNotify},
	{"indicate", PropIndicate},
	{"signed_write", PropSignedWrite},
	{"extended_props", PropExtendedProps},
}

var permissionNames = []struct {
	name string
	bit  Permission
}{
	{"readable", PermReadable},
	{"read_encrypted", PermReadEncrypted},
	{"read_encrypted_mitm", PermReadEncryptedMITM},
	{"writeable", PermWriteable},
	{"write_encrypted", PermWriteEncrypted},
	{"write_encrypted_mitm", PermWriteEncryptedMITM},
	{"write_signed", PermWriteSigned},
	{"write_signed_mitm", PermWriteSignedMITM},
}

// ParseProperties ORs together property names such as "read" or "notify".
// Matching ignores case; "-" and "_" are interchangeable.
func ParseProperties(names []string) (Property, error) {
	var p Property
next:
	for _, n := range names {
		key := normaliseName(n)
		for _, e := range propertyNames {
			if e.name == key {
				p |= e.bit
				continue next
			}
		}
		return 0, fmt.Errorf("peripheral: unknown property %q", n)
	}
	return p, nil
}

// ParsePermissions ORs together permission names such as "readable".
// "writable" is accepted as a spelling of "writeable".
func ParsePermissions(names []string) (Permission, error) {
	var p Permission
next:
	for _, n := range names {
		key := normaliseName(n)
		if key == "writable" {
			key = "writeable"
		}
		for _, e := range permissionNames {
			if e.name == key {
				p |= e.bit
				continue next
			}
		}
		return 0, fmt.Errorf("peripheral: unknown permission %q", n)
	}
	return p, nil
}

// Names lists the property names set in p.
func (p Property) Names() []string {
	var out []string
	for _, e := range propertyNames {
		if p.Has(e.bit) {
			out = append(out, e.name)
		}
	}
	return out
}

// Names lists the permission names set in p.
func (p Permission) Names() []string {
	var out []string
	for _, e := range permissionNames {
		if p.Has(e.bit) {
			out = append(out, e.name)
		}
	}
	return out
}

func normaliseName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// CharRef addresses one characteristic by canonical service and
// characteristic UUID.
type CharRef struct {
	Service        string
	Characteristic string
}

// DescriptorDefinition is an attribute attached to a characteristic.
type DescriptorDefinition struct {
	UUID        string
	Permissions Permission
}

// CharacteristicDefinition is a GATT characteristic and its current value.
type CharacteristicDefinition struct {
	UUID        string // canonical
	Alias       string // as supplied by the caller
	Properties  Property
	Permissions Permission
	Value       []byte
	Descriptors []DescriptorDefinition
}

// HasCCCD reports whether a client configuration descriptor is attached.
func (c *CharacteristicDefinition) HasCCCD() bool {
	for _, d := range c.Descriptors {
		if d.UUID == CCCDUUID {
			return true
		}
	}
	return false
}

func (c *CharacteristicDefinition) clone() CharacteristicDefinition {
	out := *c
	out.Value = bytes.Clone(c.Value)
	out.Descriptors = slices.Clone(c.Descriptors)
	return out
}

// ServiceDefinition is a GATT service with its characteristics in
// definition order.
type ServiceDefinition struct {
	UUID            string // canonical
	Alias           string
	Primary         bool
	Characteristics []CharacteristicDefinition
}

func (s *ServiceDefinition) clone() ServiceDefinition {
	out := ServiceDefinition{UUID: s.UUID, Alias: s.Alias, Primary: s.Primary}
	out.Characteristics = make([]CharacteristicDefinition, len(s.Characteristics))
	for i := range s.Characteristics {
		out.Characteristics[i] = s.Characteristics[i].clone()
	}
	return out
}

// gattTable holds one peripheral's services keyed by canonical UUID.
// Not safe for concurrent use; the owning record serialises access.
type gattTable struct {
	order    []string
	services map[string]*ServiceDefinition
}

func newGattTable() *gattTable {
	return &gattTable{services: make(map[string]*ServiceDefinition)}
}

// putService inserts or replaces a service. A replaced service keeps its
// position but loses its characteristics.
func (t *gattTable) putService(canonical, alias string, primary bool) (replaced bool) {
	if _, ok := t.services[canonical]; ok {
		replaced = true
	} else {
		t.order = append(t.order, canonical)
	}
	t.services[canonical] = &ServiceDefinition{UUID: canonical, Alias: alias, Primary: primary}
	return replaced
}

func (t *gattTable) service(canonical string) *ServiceDefinition {
	return t.services[canonical]
}

// putCharacteristic appends c to svc, or replaces an existing
// characteristic with the same UUID in place.
func (t *gattTable) putCharacteristic(svc *ServiceDefinition, c CharacteristicDefinition) {
	c.Descriptors = nil
	if c.Properties.CanNotify() {
		c.Descriptors = append(c.Descriptors, DescriptorDefinition{
			UUID:        CCCDUUID,
			Permissions: PermReadable | PermWriteable,
		})
	}
	for i := range svc.Characteristics {
		if svc.Characteristics[i].UUID == c.UUID {
			svc.Characteristics[i] = c
			return
		}
	}
	svc.Characteristics = append(svc.Characteristics, c)
}

// characteristic finds a characteristic. svc is nil when the service is
// unknown; chr is nil when the characteristic is unknown.
func (t *gattTable) characteristic(ref CharRef) (svc *ServiceDefinition, chr *CharacteristicDefinition) {
	svc = t.services[ref.Service]
	if svc == nil {
		return nil, nil
	}
	for i := range svc.Characteristics {
		if svc.Characteristics[i].UUID == ref.Characteristic {
			return svc, &svc.Characteristics[i]
		}
	}
	return svc, nil
}

// serviceUUIDs lists canonical service UUIDs in definition order.
func (t *gattTable) serviceUUIDs() []string {
	return slices.Clone(t.order)
}

func (t *gattTable) snapshot() []ServiceDefinition {
	out := make([]ServiceDefinition, 0, len(t.order))
	for _, u := range t.order {
		out = append(out, t.services[u].clone())
	}
	return out
}
