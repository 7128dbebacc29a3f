package olt

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

var portFormRE = regexp.MustCompile(`^\d+/\d+/\d+$`)

// ValidPort reports whether s is a normalized F/S/P triple.
func ValidPort(s string) bool { return portFormRE.MatchString(s) }

// Snapshot is one immutable view of the OLT inventory. Readers always see a
// complete snapshot; the manager swaps the whole structure on refresh.
type Snapshot struct {
	Device          DeviceInfo   `json:"device"`
	Unbound         []UnboundOnu `json:"unbound"`
	Bound           []BoundOnu   `json:"bound"`
	LineProfiles    []Profile    `json:"lineProfiles"`
	ServiceProfiles []Profile    `json:"serviceProfiles"`
	Tr069Profiles   []Profile    `json:"tr069Profiles"`
	Vlans           []Vlan       `json:"vlans"`
	GponPorts       []string     `json:"gponPorts"`
	FetchedAt       time.Time    `json:"fetchedAt"`

	unboundBySerial map[string]int
	boundByID       map[string]int
	boundBySerial   map[string]int
	vlanByID        map[int]int
}

// Reindex rebuilds the lookup maps. Bound entries win serial conflicts: a
// serial present in both lists is dropped from unbound, keeping the
// bound/unbound sets disjoint.
func (s *Snapshot) Reindex() {
	s.boundByID = make(map[string]int, len(s.Bound))
	s.boundBySerial = make(map[string]int, len(s.Bound))
	for i, b := range s.Bound {
		s.boundByID[b.ID] = i
		if b.SerialNumber != "" {
			s.boundBySerial[strings.ToUpper(b.SerialNumber)] = i
		}
	}

	kept := s.Unbound[:0]
	s.unboundBySerial = make(map[string]int, len(s.Unbound))
	for _, u := range s.Unbound {
		sn := strings.ToUpper(u.SerialNumber)
		if _, bound := s.boundBySerial[sn]; bound {
			continue
		}
		if _, dup := s.unboundBySerial[sn]; dup {
			continue
		}
		s.unboundBySerial[sn] = len(kept)
		kept = append(kept, u)
	}
	s.Unbound = kept

	s.vlanByID = make(map[int]int, len(s.Vlans))
	for i, v := range s.Vlans {
		s.vlanByID[v.ID] = i
	}
}

// UnboundBySerial returns the unbound ONU with the given serial.
func (s *Snapshot) UnboundBySerial(serial string) (UnboundOnu, bool) {
	i, ok := s.unboundBySerial[strings.ToUpper(serial)]
	if !ok {
		return UnboundOnu{}, false
	}
	return s.Unbound[i], true
}

// BoundByID returns the bound ONT with the given "port-onuId" identifier.
func (s *Snapshot) BoundByID(id string) (BoundOnu, bool) {
	i, ok := s.boundByID[id]
	if !ok {
		return BoundOnu{}, false
	}
	return s.Bound[i], true
}

// BoundBySerial returns the bound ONT with the given serial.
func (s *Snapshot) BoundBySerial(serial string) (BoundOnu, bool) {
	i, ok := s.boundBySerial[strings.ToUpper(serial)]
	if !ok {
		return BoundOnu{}, false
	}
	return s.Bound[i], true
}

// VlanByID returns the VLAN with the given id.
func (s *Snapshot) VlanByID(id int) (Vlan, bool) {
	i, ok := s.vlanByID[id]
	if !ok {
		return Vlan{}, false
	}
	return s.Vlans[i], true
}

// HasLineProfile reports whether a line profile with the id exists.
func (s *Snapshot) HasLineProfile(id int) bool {
	for _, p := range s.LineProfiles {
		if p.ID == id {
			return true
		}
	}
	return false
}

// HasServiceProfile reports whether a service profile with the id exists.
func (s *Snapshot) HasServiceProfile(id int) bool {
	for _, p := range s.ServiceProfiles {
		if p.ID == id {
			return true
		}
	}
	return false
}

// maxOnuID is the highest ONU ID a GPON port supports.
const maxOnuID = 127

// NextFreeOnuID returns the lowest unoccupied ONU ID on the port.
func (s *Snapshot) NextFreeOnuID(port string) (int, error) {
	used := make(map[int]bool)
	for _, b := range s.Bound {
		if b.Port == port {
			used[b.OnuID] = true
		}
	}
	for id := 0; id <= maxOnuID; id++ {
		if !used[id] {
			return id, nil
		}
	}
	return 0, &NoIDAvailableError{Port: port}
}

// clone returns a deep-enough copy safe for mutation before publishing.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Device:          s.Device,
		Unbound:         append([]UnboundOnu(nil), s.Unbound...),
		Bound:           append([]BoundOnu(nil), s.Bound...),
		LineProfiles:    append([]Profile(nil), s.LineProfiles...),
		ServiceProfiles: append([]Profile(nil), s.ServiceProfiles...),
		Tr069Profiles:   append([]Profile(nil), s.Tr069Profiles...),
		Vlans:           append([]Vlan(nil), s.Vlans...),
		GponPorts:       append([]string(nil), s.GponPorts...),
		FetchedAt:       s.FetchedAt,
	}
	c.Reindex()
	return c
}

// sortAll gives the snapshot a stable presentation order.
func (s *Snapshot) sortAll() {
	sort.Slice(s.Unbound, func(i, j int) bool {
		return s.Unbound[i].SerialNumber < s.Unbound[j].SerialNumber
	})
	sort.Slice(s.Bound, func(i, j int) bool {
		if s.Bound[i].Port != s.Bound[j].Port {
			return s.Bound[i].Port < s.Bound[j].Port
		}
		return s.Bound[i].OnuID < s.Bound[j].OnuID
	})
	sort.Slice(s.LineProfiles, func(i, j int) bool { return s.LineProfiles[i].ID < s.LineProfiles[j].ID })
	sort.Slice(s.ServiceProfiles, func(i, j int) bool { return s.ServiceProfiles[i].ID < s.ServiceProfiles[j].ID })
	sort.Slice(s.Tr069Profiles, func(i, j int) bool { return s.Tr069Profiles[i].ID < s.Tr069Profiles[j].ID })
	sort.Slice(s.Vlans, func(i, j int) bool { return s.Vlans[i].ID < s.Vlans[j].ID })
	sort.Strings(s.GponPorts)
}
