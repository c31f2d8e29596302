package peripheral

import (
	"slices"
	"testing"
)

func TestSubscriberSet(t *testing.T) {
	s := newSubscriberSet()
	hr := CharRef{Service: "s", Characteristic: "hr"}
	bat := CharRef{Service: "s", Characteristic: "bat"}

	if !s.add(hr, "BB") || !s.add(hr, "AA") || !s.add(bat, "AA") {
		t.Fatal("first add should report true")
	}
	if s.add(hr, "AA") {
		t.Error("duplicate add should report false")
	}
	if got := s.devices(hr); !slices.Equal(got, []string{"AA", "BB"}) {
		t.Errorf("devices(hr) = %v, want [AA BB]", got)
	}

	dropped := s.dropDevice("AA")
	if len(dropped) != 2 || dropped[0] != bat || dropped[1] != hr {
		t.Errorf("dropDevice(AA) = %v, want [bat hr]", dropped)
	}
	if s.contains(bat, "AA") || s.contains(hr, "AA") {
		t.Error("AA should be gone everywhere")
	}
	if s.remove(hr, "AA") {
		t.Error("remove of absent device should report false")
	}
	if !s.remove(hr, "BB") {
		t.Error("remove of present device should report true")
	}
	if len(s.counts()) != 0 {
		t.Errorf("counts() = %v, want empty", s.counts())
	}

	s.add(hr, "CC")
	s.clear()
	if s.devices(hr) != nil {
		t.Error("clear should drop every subscriber")
	}
}

func TestSubscriberSetDropChar(t *testing.T) {
	s := newSubscriberSet()
	hr := CharRef{Service: "s", Characteristic: "hr"}
	bat := CharRef{Service: "s", Characteristic: "bat"}
	other := CharRef{Service: "t", Characteristic: "x"}
	s.add(hr, "BB")
	s.add(hr, "AA")
	s.add(bat, "AA")
	s.add(other, "AA")

	if got := s.refs("s"); len(got) != 2 || got[0] != bat || got[1] != hr {
		t.Errorf("refs(s) = %v, want [bat hr]", got)
	}
	if got := s.dropChar(hr); !slices.Equal(got, []string{"AA", "BB"}) {
		t.Errorf("dropChar(hr) = %v, want [AA BB]", got)
	}
	if s.contains(hr, "AA") || !s.contains(bat, "AA") || !s.contains(other, "AA") {
		t.Error("dropChar should only clear hr")
	}
	if got := s.dropChar(hr); got != nil {
		t.Errorf("second dropChar(hr) = %v, want nil", got)
	}
}
