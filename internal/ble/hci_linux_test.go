//go:build linux

package ble

import (
	"slices"
	"testing"

	"github.com/chaz8081/blepd/internal/peripheral"
)

func TestHCIDroppedFields(t *testing.T) {
	mfg := &peripheral.ManufacturerData{CompanyID: 0x004c, Data: []byte{1}}
	svc := []string{"0000180d" + peripheral.BaseUUIDSuffix}

	tests := []struct {
		name string
		p    peripheral.Payload
		want []string
	}{
		{"services only", peripheral.Payload{ServiceUUIDs: svc}, nil},
		{"manufacturer only", peripheral.Payload{Manufacturer: mfg}, nil},
		{"manufacturer with services", peripheral.Payload{ServiceUUIDs: svc, Manufacturer: mfg}, []string{"manufacturer_data"}},
		{"service data", peripheral.Payload{ServiceData: map[string][]byte{svc[0]: {1}}}, []string{"service_data"}},
		{
			"both dropped",
			peripheral.Payload{ServiceUUIDs: svc, ServiceData: map[string][]byte{svc[0]: {1}}, Manufacturer: mfg},
			[]string{"service_data", "manufacturer_data"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hciDroppedFields(tt.p); !slices.Equal(got, tt.want) {
				t.Errorf("hciDroppedFields() = %v, want %v", got, tt.want)
			}
		})
	}
}
