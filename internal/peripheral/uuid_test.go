package peripheral

import "testing"

func TestCanonicalUUID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"180D", "0000180d-0000-1000-8000-00805f9b34fb", false},
		{"180d", "0000180d-0000-1000-8000-00805f9b34fb", false},
		{"0x2A37", "00002a37-0000-1000-8000-00805f9b34fb", false},
		{"0000180D", "0000180d-0000-1000-8000-00805f9b34fb", false},
		{"19B10000-E8F2-537E-4F6C-D104768A1214", "19b10000-e8f2-537e-4f6c-d104768a1214", false},
		{"19b10000e8f2537e4f6cd104768a1214", "19b10000-e8f2-537e-4f6c-d104768a1214", false},
		{"", "", true},
		{"18G0", "", true},
		{"12345", "", true},
		{"not-a-uuid", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalUUID(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CanonicalUUID(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CanonicalUUID(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("CanonicalUUID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestShortUUID(t *testing.T) {
	if v, ok := ShortUUID("0000180d-0000-1000-8000-00805f9b34fb"); !ok || v != 0x180d {
		t.Errorf("ShortUUID(heart rate) = %#x, %v", v, ok)
	}
	if v, ok := ShortUUID("2902"); !ok || v != 0x2902 {
		t.Errorf("ShortUUID(2902) = %#x, %v", v, ok)
	}
	if _, ok := ShortUUID("19b10000-e8f2-537e-4f6c-d104768a1214"); ok {
		t.Error("ShortUUID(vendor uuid) should not be short")
	}
	if _, ok := ShortUUID("12345678"); ok {
		t.Error("ShortUUID(32-bit) should not be 16-bit")
	}
}
