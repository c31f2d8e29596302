package profile

// HeartRate returns the standard Heart Rate profile: service 180D with a
// notifying measurement (2A37) and a readable body sensor location (2A38).
func HeartRate() *Profile {
	return &Profile{
		Name: "heart-rate",
		Services: []Service{{
			UUID: "180D",
			Characteristics: []Characteristic{
				{
					UUID:        "2A37",
					Properties:  []string{"read", "notify"},
					Permissions: []string{"readable"},
					ValueHex:    "0048",
				},
				{
					UUID:        "2A38",
					Properties:  []string{"read"},
					Permissions: []string{"readable"},
					ValueHex:    "01", // chest
				},
			},
		}},
		Advertise: &Advertise{Services: []string{"180D"}},
	}
}

// Builtin returns the named built-in profile, or nil.
func Builtin(name string) *Profile {
	switch name {
	case "heart-rate":
		return HeartRate()
	}
	return nil
}
