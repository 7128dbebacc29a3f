package olt

import (
	"context"
	"strings"
	"testing"

	"github.com/nanoncore/nano-olt-manager/pkg/southbound/cli"
	"github.com/nanoncore/nano-olt-manager/pkg/southbound/huawei"
)

func refreshedManager(t *testing.T, fake *fakeSession) *Manager {
	t.Helper()
	m := newTestManager(t, fake)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	return m
}

func intp(v int) *int { return &v }

func TestBindAllocatesLowestFreeID(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	vlan := 100
	bound, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430a1b2c3d",
		LineProfileID:    10,
		ServiceProfileID: 20,
		VlanID:           &vlan,
		Description:      "unit 4B",
	})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	// IDs 0, 1 and 3 are occupied on 0/1/0; the gap wins.
	if bound.OnuID != 2 || bound.ID != "0/1/0-2" {
		t.Errorf("bound = %+v, want onu id 2", bound)
	}

	log := fake.log()
	enter := indexOf(log, func(c string) bool { return c == "interface gpon 0/1" })
	add := indexOf(log, func(c string) bool { return strings.HasPrefix(c, "ont add 2 sn-auth 485754430A1B2C3D omci") })
	native := indexOf(log, func(c string) bool { return strings.HasPrefix(c, "ont port native-vlan 2 eth 1 vlan 100") })
	sp := indexOf(log, func(c string) bool { return strings.HasPrefix(c, "service-port vlan 100 gpon 0/1/0 ont 2") })
	if enter < 0 || add < enter || native < add || sp < native {
		t.Errorf("command order wrong: %v", log)
	}

	snap := m.Snapshot()
	if _, ok := snap.BoundByID("0/1/0-2"); !ok {
		t.Error("bound ONU missing from published snapshot")
	}
	if _, ok := snap.UnboundBySerial("485754430A1B2C3D"); ok {
		t.Error("serial still listed as unbound after bind")
	}
	if v, _ := snap.VlanByID(100); !v.InUse() {
		t.Errorf("vlan 100 not marked in use: %+v", v)
	}
}

func TestBindRecordsProvisioningMetadata(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	vlan := 100
	bound, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430A1B2C3D",
		LineProfileID:    10,
		ServiceProfileID: 20,
		VlanID:           &vlan,
		Tr069Profile:     "ACS-DEFAULT",
		PppoeUsername:    "cust-4b",
		PppoePassword:    "pppoe-secret",
	})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	if bound.LineProfileID != 10 || bound.ServiceProfileID != 20 {
		t.Errorf("profiles not recorded: %+v", bound)
	}
	if bound.VlanID == nil || *bound.VlanID != 100 {
		t.Errorf("VlanID not recorded: %+v", bound.VlanID)
	}
	if bound.GemportID != 1 {
		t.Errorf("GemportID = %d, want 1", bound.GemportID)
	}
	if bound.OnuType != "huawei" {
		t.Errorf("OnuType = %q, want huawei default", bound.OnuType)
	}
	if bound.Tr069Profile != "ACS-DEFAULT" || bound.PppoeUsername != "cust-4b" || bound.PppoePassword != "pppoe-secret" {
		t.Errorf("access credentials not recorded: %+v", bound)
	}
	if bound.BoundAt.IsZero() {
		t.Error("BoundAt not recorded")
	}

	// A device-driven rebuild keeps the metadata once the ONT shows up in
	// ont info.
	fake.mu.Lock()
	fake.outputs[huawei.CmdOntInfoAll] = testOntInfo +
		"  0/ 1/0  2  485754430A1B2C3D  active  online   normal  match\n"
	fake.mu.Unlock()
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got, ok := m.Snapshot().BoundByID("0/1/0-2")
	if !ok {
		t.Fatal("rebound ONT missing from refreshed snapshot")
	}
	if got.LineProfileID != 10 || got.VlanID == nil || *got.VlanID != 100 || got.PppoeUsername != "cust-4b" {
		t.Errorf("metadata lost across refresh: %+v", got)
	}
	if got.Status != "online" {
		t.Errorf("device-reported status overridden: %q", got.Status)
	}
}

func TestBindWithoutVlanSendsNoVlanCommands(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	if _, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430A1B2C3D",
		LineProfileID:    10,
		ServiceProfileID: 20,
	}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	for _, c := range fake.log() {
		if strings.HasPrefix(c, "service-port") || strings.Contains(c, "native-vlan") {
			t.Errorf("vlan command sent for vlan-less bind: %q", c)
		}
	}
}

func TestBindPreconditions(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	tests := []struct {
		name string
		req  BindRequest
		want func(error) bool
	}{
		{"unknown serial", BindRequest{SerialNumber: "4857544300000000", LineProfileID: 10, ServiceProfileID: 20}, IsNotFound},
		{"already bound", BindRequest{SerialNumber: "485754431122AABB", LineProfileID: 10, ServiceProfileID: 20}, IsPrecondition},
		{"missing line profile", BindRequest{SerialNumber: "485754430A1B2C3D", LineProfileID: 99, ServiceProfileID: 20}, IsPrecondition},
		{"missing service profile", BindRequest{SerialNumber: "485754430A1B2C3D", LineProfileID: 10, ServiceProfileID: 99}, IsPrecondition},
		{"missing vlan", BindRequest{SerialNumber: "485754430A1B2C3D", LineProfileID: 10, ServiceProfileID: 20, VlanID: intp(999)}, IsPrecondition},
		{"occupied onu id", BindRequest{SerialNumber: "485754430A1B2C3D", LineProfileID: 10, ServiceProfileID: 20, OnuID: intp(1)}, IsPrecondition},
		{"onu id out of range", BindRequest{SerialNumber: "485754430A1B2C3D", LineProfileID: 10, ServiceProfileID: 20, OnuID: intp(128)}, IsPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(fake.log())
			_, err := m.Bind(context.Background(), tt.req)
			if err == nil || !tt.want(err) {
				t.Fatalf("Bind() error = %v", err)
			}
			// Precondition failures must not touch the device.
			if after := len(fake.log()); after != before {
				t.Errorf("device commands sent on failed precondition: %v", fake.log()[before:])
			}
		})
	}
}

func TestBindRollsBackOnServicePortFailure(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	spCmd := "service-port vlan 100 gpon 0/1/0 ont 2 gemport 1 multi-service user-vlan 100 tag-transform translate"
	fake.mu.Lock()
	fake.errs = map[string]error{
		spCmd: &cli.CLIError{Command: spCmd, Output: "Failure: VLAN does not exist"},
	}
	fake.mu.Unlock()

	vlan := 100
	_, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430A1B2C3D",
		LineProfileID:    10,
		ServiceProfileID: 20,
		VlanID:           &vlan,
	})

	var be *BindError
	if !asBindError(err, &be) || be.Stage != "service-port" {
		t.Fatalf("Bind() error = %v, want BindError at service-port", err)
	}
	if !strings.Contains(be.Output, "VLAN does not exist") {
		t.Errorf("device output not carried: %q", be.Output)
	}

	log := fake.log()
	sp := indexOf(log, func(c string) bool { return c == spCmd })
	del := indexOf(log, func(c string) bool { return c == "ont delete 2" })
	if sp < 0 || del < sp {
		t.Errorf("rollback ont delete missing or out of order: %v", log)
	}

	if _, ok := m.Snapshot().BoundByID("0/1/0-2"); ok {
		t.Error("failed bind leaked into the snapshot")
	}
}

func TestBindRollsBackOnNativeVlanFailure(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	nvCmd := "ont port native-vlan 2 eth 1 vlan 100 priority 0"
	fake.mu.Lock()
	fake.errs = map[string]error{
		nvCmd: &cli.CLIError{Command: nvCmd, Output: "Error: Parameter error"},
	}
	fake.mu.Unlock()

	vlan := 100
	_, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430A1B2C3D",
		LineProfileID:    10,
		ServiceProfileID: 20,
		VlanID:           &vlan,
	})

	var be *BindError
	if !asBindError(err, &be) || be.Stage != "native-vlan" {
		t.Fatalf("Bind() error = %v, want BindError at native-vlan", err)
	}
	if !strings.Contains(be.Output, "Parameter error") {
		t.Errorf("device output not carried: %q", be.Output)
	}

	log := fake.log()
	del := indexOf(log, func(c string) bool { return c == "ont delete 2" })
	quit := indexOf(log, func(c string) bool { return c == "quit" })
	if del < 0 || quit < del {
		t.Errorf("rollback must delete inside the interface context: %v", log)
	}

	// No service-port was created, so none may be undone.
	if idx := indexOf(log, func(c string) bool { return strings.HasPrefix(c, "undo service-port") }); idx >= 0 {
		t.Errorf("spurious undo service-port: %v", log)
	}
}

func TestUnbindDeletesAndCleansConfig(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	vlan := 100
	err := m.Unbind(context.Background(), UnbindRequest{
		Port:        "0/1/0",
		OnuID:       1,
		VlanID:      &vlan,
		CleanConfig: true,
	})
	if err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}

	log := fake.log()
	enter := indexOf(log, func(c string) bool { return c == "interface gpon 0/1" })
	del := indexOf(log, func(c string) bool { return c == "ont delete 1" })
	undo := indexOf(log, func(c string) bool { return c == "undo service-port vlan 100 gpon 0/1/0 ont 1 gemport 1" })
	if enter < 0 || del < enter || undo < del {
		t.Errorf("unbind sequence wrong: %v", log)
	}

	if _, ok := m.Snapshot().BoundByID("0/1/0-1"); ok {
		t.Error("unbound ONT still in snapshot")
	}
}

func TestUnbindThenRefreshReadmitsSerial(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	bound, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430A1B2C3D",
		LineProfileID:    10,
		ServiceProfileID: 20,
	})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if err := m.Unbind(context.Background(), UnbindRequest{Port: bound.Port, OnuID: bound.OnuID}); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	if _, ok := m.Snapshot().UnboundBySerial("485754430A1B2C3D"); ok {
		t.Error("serial readmitted before the device reported it again")
	}

	// The device still lists the serial in autofind; the next sync brings
	// it back into the unbound set.
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := m.Snapshot().UnboundBySerial("485754430A1B2C3D"); !ok {
		t.Error("serial not readmitted after refresh")
	}
}

func TestUnbindNotFound(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	err := m.Unbind(context.Background(), UnbindRequest{Port: "0/1/0", OnuID: 7})
	if !IsNotFound(err) {
		t.Errorf("Unbind() error = %v, want NotFoundError", err)
	}
}

func TestUnbindForcePushesThroughRejection(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	fake.mu.Lock()
	fake.errs = map[string]error{
		"ont delete 1": &cli.CLIError{Command: "ont delete 1", Output: "Error: The ONT does not exist"},
	}
	fake.mu.Unlock()

	if err := m.Unbind(context.Background(), UnbindRequest{Port: "0/1/0", OnuID: 1, Force: true}); err != nil {
		t.Fatalf("forced Unbind() error = %v", err)
	}
	if _, ok := m.Snapshot().BoundByID("0/1/0-1"); ok {
		t.Error("forced unbind did not drop the snapshot entry")
	}
}

func TestValidate(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	if err := m.Validate("485754430A1B2C3D"); err != nil {
		t.Errorf("Validate(discovered) = %v", err)
	}
	if err := m.Validate("485754431122AABB"); !IsPrecondition(err) {
		t.Errorf("Validate(bound) = %v, want PreconditionError", err)
	}
	if err := m.Validate("4857544300000000"); !IsPrecondition(err) {
		t.Errorf("Validate(unknown) = %v, want PreconditionError", err)
	}
}

func TestVerify(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	res, err := m.Verify("485754431122aabb")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.State != "bound" || res.Port != "0/1/0" || res.OnuID == nil || *res.OnuID != 0 {
		t.Errorf("bound verify = %+v", res)
	}
	if res.VlanAttached {
		t.Error("vlan reported attached for a bind this manager never made")
	}

	res, err = m.Verify("485754430A1B2C3D")
	if err != nil || res.State != "unbound" || res.Port != "0/1/0" {
		t.Errorf("unbound verify = %+v, %v", res, err)
	}

	res, err = m.Verify("4857544300000000")
	if err != nil || res.State != "unknown" {
		t.Errorf("unknown verify = %+v, %v", res, err)
	}

	// Verify is stable when nothing mutates the cache.
	first, _ := m.Verify("485754430A1B2C3D")
	second, _ := m.Verify("485754430A1B2C3D")
	if first != second {
		t.Errorf("Verify not idempotent: %+v vs %+v", first, second)
	}
}

func TestVerifySeesVlanAfterBind(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	vlan := 100
	if _, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430A1B2C3D",
		LineProfileID:    10,
		ServiceProfileID: 20,
		VlanID:           &vlan,
	}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	res, err := m.Verify("485754430A1B2C3D")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.State != "bound" || !res.VlanAttached {
		t.Errorf("verify after bind = %+v", res)
	}
}

func TestBindGeneralTypeUsesPasswordAuth(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := refreshedManager(t, fake)

	if _, err := m.Bind(context.Background(), BindRequest{
		SerialNumber:     "485754430A1B2C3D",
		LineProfileID:    10,
		ServiceProfileID: 20,
		OnuType:          "general",
		OnuPassword:      "0x30303030",
	}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	log := fake.log()
	add := indexOf(log, func(c string) bool { return strings.HasPrefix(c, "ont add 2 password-auth 0x30303030 once") })
	if add < 0 {
		t.Errorf("password-auth add command missing: %v", log)
	}
}

func asBindError(err error, target **BindError) bool {
	if err == nil {
		return false
	}
	be, ok := err.(*BindError)
	if ok {
		*target = be
	}
	return ok
}
