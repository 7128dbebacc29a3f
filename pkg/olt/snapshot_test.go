package olt

import "testing"

func testSnapshot() *Snapshot {
	s := &Snapshot{
		Unbound: []UnboundOnu{
			{SerialNumber: "48575443AAAAAAAA", Port: "0/1/0"},
			{SerialNumber: "485754431122AABB", Port: "0/1/0"}, // also bound below
		},
		Bound: []BoundOnu{
			{ID: "0/1/0-0", Port: "0/1/0", OnuID: 0, SerialNumber: "485754431122AABB"},
			{ID: "0/1/0-1", Port: "0/1/0", OnuID: 1, SerialNumber: "48575443BBBBBBBB"},
			{ID: "0/1/0-3", Port: "0/1/0", OnuID: 3, SerialNumber: "48575443CCCCCCCC"},
		},
		Vlans: []Vlan{{ID: 100, Type: "smart"}},
	}
	s.Reindex()
	return s
}

func TestReindexKeepsSetsDisjoint(t *testing.T) {
	s := testSnapshot()

	if len(s.Unbound) != 1 {
		t.Fatalf("unbound = %+v, want the bound serial dropped", s.Unbound)
	}
	if s.Unbound[0].SerialNumber != "48575443AAAAAAAA" {
		t.Errorf("wrong unbound survivor: %+v", s.Unbound[0])
	}
	if _, ok := s.UnboundBySerial("485754431122AABB"); ok {
		t.Error("bound serial still resolvable as unbound")
	}
	if _, ok := s.BoundBySerial("485754431122aabb"); !ok {
		t.Error("serial lookup should be case-insensitive")
	}
}

func TestNextFreeOnuID(t *testing.T) {
	s := testSnapshot()

	id, err := s.NextFreeOnuID("0/1/0")
	if err != nil {
		t.Fatalf("NextFreeOnuID() error = %v", err)
	}
	if id != 2 {
		t.Errorf("NextFreeOnuID() = %d, want 2 (lowest gap)", id)
	}

	// A different port starts from zero.
	id, err = s.NextFreeOnuID("0/2/0")
	if err != nil || id != 0 {
		t.Errorf("NextFreeOnuID(empty port) = %d, %v", id, err)
	}
}

func TestNextFreeOnuIDExhausted(t *testing.T) {
	s := &Snapshot{}
	for i := 0; i <= maxOnuID; i++ {
		s.Bound = append(s.Bound, BoundOnu{ID: BoundID("0/1/0", i), Port: "0/1/0", OnuID: i})
	}
	s.Reindex()

	_, err := s.NextFreeOnuID("0/1/0")
	if !IsNoIDAvailable(err) {
		t.Errorf("err = %v, want NoIDAvailableError", err)
	}
}

func TestValidPort(t *testing.T) {
	for port, want := range map[string]bool{
		"0/1/0":   true,
		"0/17/15": true,
		"0/1":     false,
		"0/ 1/0":  false,
		"a/b/c":   false,
		"":        false,
	} {
		if got := ValidPort(port); got != want {
			t.Errorf("ValidPort(%q) = %v, want %v", port, got, want)
		}
	}
}

func TestVlanInUse(t *testing.T) {
	if (Vlan{ServiceCount: 0}).InUse() {
		t.Error("zero refcount reported in use")
	}
	if !(Vlan{ServiceCount: 2}).InUse() {
		t.Error("nonzero refcount not reported in use")
	}
}
