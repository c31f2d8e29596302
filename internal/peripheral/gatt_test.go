package peripheral

import (
	"bytes"
	"testing"
)

func TestGattTableRedefineService(t *testing.T) {
	tbl := newGattTable()
	tbl.putService("a", "A", true)
	tbl.putService("b", "B", true)
	svc := tbl.service("a")
	tbl.putCharacteristic(svc, CharacteristicDefinition{UUID: "c1", Properties: PropRead})

	if replaced := tbl.putService("a", "A", false); !replaced {
		t.Fatal("putService should report replacement")
	}
	if got := tbl.serviceUUIDs(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("serviceUUIDs() = %v, want [a b]", got)
	}
	if svc := tbl.service("a"); svc.Primary || len(svc.Characteristics) != 0 {
		t.Errorf("redefined service = %+v, want secondary with no characteristics", svc)
	}
}

func TestGattTableReplaceCharacteristicInPlace(t *testing.T) {
	tbl := newGattTable()
	tbl.putService("s", "S", true)
	svc := tbl.service("s")
	tbl.putCharacteristic(svc, CharacteristicDefinition{UUID: "c1", Properties: PropNotify})
	tbl.putCharacteristic(svc, CharacteristicDefinition{UUID: "c2", Properties: PropRead})
	tbl.putCharacteristic(svc, CharacteristicDefinition{UUID: "c1", Properties: PropRead})

	if len(svc.Characteristics) != 2 {
		t.Fatalf("len(Characteristics) = %d, want 2", len(svc.Characteristics))
	}
	c := svc.Characteristics[0]
	if c.UUID != "c1" || c.HasCCCD() {
		t.Errorf("first characteristic = %+v, want c1 without CCCD", c)
	}
}

func TestGattSnapshotIsDeepCopy(t *testing.T) {
	tbl := newGattTable()
	tbl.putService("s", "S", true)
	tbl.putCharacteristic(tbl.service("s"), CharacteristicDefinition{UUID: "c", Properties: PropRead | PropNotify})
	_, chr := tbl.characteristic(CharRef{Service: "s", Characteristic: "c"})
	chr.Value = []byte{1, 2, 3}

	snap := tbl.snapshot()
	snap[0].Characteristics[0].Value[0] = 9
	snap[0].Characteristics[0].Descriptors[0].UUID = "x"

	if !bytes.Equal(chr.Value, []byte{1, 2, 3}) {
		t.Errorf("stored value mutated through snapshot: %v", chr.Value)
	}
	if !chr.HasCCCD() {
		t.Error("stored descriptor mutated through snapshot")
	}
}

func TestGattCharacteristicLookup(t *testing.T) {
	tbl := newGattTable()
	tbl.putService("s", "S", true)
	if svc, chr := tbl.characteristic(CharRef{Service: "x", Characteristic: "c"}); svc != nil || chr != nil {
		t.Error("unknown service should yield nil, nil")
	}
	if svc, chr := tbl.characteristic(CharRef{Service: "s", Characteristic: "c"}); svc == nil || chr != nil {
		t.Error("unknown characteristic should yield svc, nil")
	}
}

func TestParseProperties(t *testing.T) {
	tests := []struct {
		names   []string
		want    Property
		wantErr bool
	}{
		{nil, 0, false},
		{[]string{"read", "notify"}, PropRead | PropNotify, false},
		{[]string{"READ", "Write-No-Response"}, PropRead | PropWriteNoResponse, false},
		{[]string{" indicate "}, PropIndicate, false},
		{[]string{"read", "fly"}, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseProperties(tt.names)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProperties(%v) error = %v, wantErr %v", tt.names, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseProperties(%v) = 0x%02x, want 0x%02x", tt.names, got, tt.want)
		}
	}
}

func TestParsePermissions(t *testing.T) {
	got, err := ParsePermissions([]string{"readable", "writable"})
	if err != nil {
		t.Fatalf("ParsePermissions() error = %v", err)
	}
	if got != PermReadable|PermWriteable {
		t.Errorf("ParsePermissions() = 0x%x, want 0x11", got)
	}
	if _, err := ParsePermissions([]string{"root"}); err == nil {
		t.Error("ParsePermissions(root) should fail")
	}
}

func TestPropertyNamesRoundTrip(t *testing.T) {
	p := PropRead | PropWrite | PropNotify
	back, err := ParseProperties(p.Names())
	if err != nil || back != p {
		t.Errorf("ParseProperties(%v) = 0x%02x, %v, want 0x%02x", p.Names(), back, err, p)
	}
	perm := PermReadable | PermWriteSignedMITM
	pb, err := ParsePermissions(perm.Names())
	if err != nil || pb != perm {
		t.Errorf("ParsePermissions(%v) = 0x%x, %v, want 0x%x", perm.Names(), pb, err, perm)
	}
}
