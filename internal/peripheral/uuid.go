package peripheral

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BaseUUIDSuffix is the tail of the Bluetooth base UUID that 16-bit and
// 32-bit assigned numbers expand onto.
const BaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// CCCDUUID is the Client Characteristic Configuration Descriptor (0x2902).
const CCCDUUID = "00002902" + BaseUUIDSuffix

// CanonicalUUID normalises a 16-bit, 32-bit or 128-bit UUID string into
// lower-case dashed 128-bit form.
func CanonicalUUID(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	switch len(s) {
	case 4:
		s = "0000" + s
		fallthrough
	case 8:
		if !isHex(s) {
			return "", fmt.Errorf("peripheral: invalid short uuid %q", s)
		}
		return strings.ToLower(s) + BaseUUIDSuffix, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("peripheral: invalid uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// ShortUUID returns the 16-bit form of u when it sits on the Bluetooth base
// UUID, and ok=false otherwise.
func ShortUUID(u string) (uint16, bool) {
	c, err := CanonicalUUID(u)
	if err != nil || !strings.HasSuffix(c, BaseUUIDSuffix) || !strings.HasPrefix(c, "0000") {
		return 0, false
	}
	var v uint16
	if _, err := fmt.Sscanf(c[4:8], "%04x", &v); err != nil {
		return 0, false
	}
	return v, true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
