package peripheral

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// CCCD payloads written by centrals.
var (
	EnableNotificationValue  = []byte{0x01, 0x00}
	EnableIndicationValue    = []byte{0x02, 0x00}
	DisableNotificationValue = []byte{0x00, 0x00}
)

// subscriberSet tracks which remote devices enabled notifications on which
// characteristic. The owning record serialises access, so the sets are
// thread-unsafe.
type subscriberSet struct {
	byChar map[CharRef]mapset.Set[string]
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{byChar: make(map[CharRef]mapset.Set[string])}
}

// add reports whether device was newly subscribed.
func (s *subscriberSet) add(ref CharRef, device string) bool {
	set, ok := s.byChar[ref]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		s.byChar[ref] = set
	}
	return set.Add(device)
}

// remove reports whether device was subscribed.
func (s *subscriberSet) remove(ref CharRef, device string) bool {
	set, ok := s.byChar[ref]
	if !ok || !set.Contains(device) {
		return false
	}
	set.Remove(device)
	if set.Cardinality() == 0 {
		delete(s.byChar, ref)
	}
	return true
}

func (s *subscriberSet) contains(ref CharRef, device string) bool {
	set, ok := s.byChar[ref]
	return ok && set.Contains(device)
}

// devices returns the subscribers of ref in sorted order.
func (s *subscriberSet) devices(ref CharRef) []string {
	set, ok := s.byChar[ref]
	if !ok {
		return nil
	}
	out := set.ToSlice()
	slices.Sort(out)
	return out
}

// dropDevice removes device everywhere and returns the characteristics it
// was subscribed to.
func (s *subscriberSet) dropDevice(device string) []CharRef {
	var dropped []CharRef
	for ref, set := range s.byChar {
		if set.Contains(device) {
			set.Remove(device)
			dropped = append(dropped, ref)
			if set.Cardinality() == 0 {
				delete(s.byChar, ref)
			}
		}
	}
	slices.SortFunc(dropped, compareRefs)
	return dropped
}

// dropChar removes every subscriber of ref and returns them sorted.
func (s *subscriberSet) dropChar(ref CharRef) []string {
	out := s.devices(ref)
	delete(s.byChar, ref)
	return out
}

// refs returns the subscribed characteristics of service, sorted.
func (s *subscriberSet) refs(service string) []CharRef {
	var out []CharRef
	for ref := range s.byChar {
		if ref.Service == service {
			out = append(out, ref)
		}
	}
	slices.SortFunc(out, compareRefs)
	return out
}

func (s *subscriberSet) clear() {
	clear(s.byChar)
}

func (s *subscriberSet) counts() map[CharRef]int {
	out := make(map[CharRef]int, len(s.byChar))
	for ref, set := range s.byChar {
		out[ref] = set.Cardinality()
	}
	return out
}

func compareRefs(a, b CharRef) int {
	if a.Service != b.Service {
		if a.Service < b.Service {
			return -1
		}
		return 1
	}
	switch {
	case a.Characteristic < b.Characteristic:
		return -1
	case a.Characteristic > b.Characteristic:
		return 1
	}
	return 0
}
