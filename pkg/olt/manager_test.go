package olt

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/nanoncore/nano-olt-manager/pkg/southbound/cli"
	"github.com/nanoncore/nano-olt-manager/pkg/southbound/huawei"
)

// fakeSession is a scripted CommandSession. Unknown commands succeed with
// empty output, which matches how the device answers most config commands.
type fakeSession struct {
	mu       sync.Mutex
	commands []string
	outputs  map[string]string
	errs     map[string]error
	closed   bool
}

func (f *fakeSession) Execute(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if err, ok := f.errs[cmd]; ok {
		return f.outputs[cmd], err
	}
	return f.outputs[cmd], nil
}

func (f *fakeSession) EnterInterface(ctx context.Context, frameSlot string) error {
	_, err := f.Execute(ctx, "interface gpon "+frameSlot)
	return err
}

func (f *fakeSession) QuitInterface(ctx context.Context) error {
	_, err := f.Execute(ctx, "quit")
	return err
}

func (f *fakeSession) InitialVLANOutput() string { return f.outputs["__initial_vlan__"] }

func (f *fakeSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

const (
	testVersionOut = "  PRODUCT : MA5801-GP08\n  VERSION : MA5801V100R021C00\n  MA5801-GP08 uptime is 1 day(s)\n"
	testVlanOut    = "  100   smart   common\n  200   smart   common\n  4000  smart   common\n"
	testBoardOut   = "  1  H901GPBD  Normal\n"
	testAutofind   = "  0/ 1/0   485754430A1B2C3D   HG8310M   HWTC   V3R017C10S120\n"
	testOntInfo    = "  0/ 1/0  0  485754431122AABB  active  online   normal  match\n" +
		"  0/ 1/0  1  48575443BBBBBBBB  active  offline  normal  mismatch\n" +
		"  0/ 1/0  3  48575443CCCCCCCC  active  online   normal  match\n"
	testLineProf = "  10  FTTH-100M  3\n"
	testSrvProf  = "  20  SRV-DEF    3\n"
)

func scriptedOutputs() map[string]string {
	return map[string]string{
		huawei.CmdVersion:         testVersionOut,
		huawei.CmdVlanAll:         testVlanOut,
		huawei.CmdBoard0:          testBoardOut,
		huawei.CmdAutofindAll:     testAutofind,
		huawei.CmdOntInfoAll:      testOntInfo,
		huawei.CmdOntInfoDetail:   "",
		huawei.CmdOpticalInfoAll:  "",
		huawei.CmdLineProfiles:    testLineProf,
		huawei.CmdServiceProfiles: testSrvProf,
	}
}

func newTestManager(t *testing.T, fake *fakeSession) *Manager {
	t.Helper()
	m := NewManager(func() (CommandSession, error) { return fake, nil }, log.New(io.Discard))
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRefreshBuildsSnapshot(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := newTestManager(t, fake)

	snap, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if snap.Device.Product != "MA5801-GP08" {
		t.Errorf("Device = %+v", snap.Device)
	}
	if len(snap.Bound) != 3 {
		t.Fatalf("bound = %+v", snap.Bound)
	}
	if snap.Bound[0].ID != "0/1/0-0" || snap.Bound[0].Status != "online" {
		t.Errorf("first bound = %+v", snap.Bound[0])
	}
	if len(snap.Unbound) != 1 || snap.Unbound[0].SerialNumber != "485754430A1B2C3D" {
		t.Errorf("unbound = %+v", snap.Unbound)
	}
	if len(snap.Vlans) != 3 || snap.Vlans[0].InUse() {
		t.Errorf("vlans = %+v", snap.Vlans)
	}
	if len(snap.GponPorts) != 16 || snap.GponPorts[0] != "0/1/0" {
		t.Errorf("ports = %d %v", len(snap.GponPorts), snap.GponPorts[:1])
	}

	if m.Snapshot() != snap {
		t.Error("snapshot not published")
	}
	st := m.Status()
	if !st.Connected || st.LastError != "" || st.LastSuccess.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestRefreshKeepsPreviousSnapshotOnFailure(t *testing.T) {
	fake := &fakeSession{outputs: scriptedOutputs()}
	m := newTestManager(t, fake)

	first, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	fake.mu.Lock()
	fake.errs = map[string]error{huawei.CmdOntInfoAll: &cli.TimeoutError{Command: huawei.CmdOntInfoAll}}
	fake.mu.Unlock()

	if _, err := m.Refresh(context.Background()); !IsRefreshError(err) {
		t.Fatalf("Refresh() error = %v, want RefreshError", err)
	}
	if m.Snapshot() != first {
		t.Error("failed refresh replaced the snapshot")
	}
	if st := m.Status(); st.LastError == "" {
		t.Error("status.LastError not set")
	}
}

func TestAutofindFallsBackToPerPort(t *testing.T) {
	outputs := scriptedOutputs()
	delete(outputs, huawei.CmdAutofindAll)
	outputs[huawei.CmdAutofindPort] = "  1  485754430A1B2C3D  HG8310M  -  V3R017C10S120\n"
	fake := &fakeSession{
		outputs: outputs,
		errs: map[string]error{
			huawei.CmdAutofindAll: &cli.CLIError{Command: huawei.CmdAutofindAll, Output: "Unknown command"},
		},
	}
	m := newTestManager(t, fake)

	snap, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(snap.Unbound) != 1 {
		t.Fatalf("unbound = %+v", snap.Unbound)
	}
	if snap.Unbound[0].Port != "0/1/0" {
		t.Errorf("per-port autofind did not imply the port: %+v", snap.Unbound[0])
	}

	log := fake.log()
	if !contains(log, "interface gpon 0/1") {
		t.Errorf("per-port variant never entered the interface: %v", log)
	}

	// The probe is remembered: a second refresh goes straight to per-port.
	before := countOccurrences(fake.log(), huawei.CmdAutofindAll)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}
	if after := countOccurrences(fake.log(), huawei.CmdAutofindAll); after != before {
		t.Error("global autofind re-probed on the same connection")
	}
}

func TestRefreshSingleflight(t *testing.T) {
	block := make(chan struct{})
	outputs := scriptedOutputs()
	fake := &fakeSession{outputs: outputs}
	dialed := 0
	m := NewManager(func() (CommandSession, error) {
		dialed++
		<-block
		return fake, nil
	}, log.New(io.Discard))
	t.Cleanup(func() { m.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Refresh(context.Background())
		}()
	}
	close(block)
	wg.Wait()

	if dialed != 1 {
		t.Errorf("dialed %d times, concurrent refreshes did not coalesce", dialed)
	}
}

func TestVlanFallsBackToInitialCapture(t *testing.T) {
	outputs := scriptedOutputs()
	outputs["__initial_vlan__"] = testVlanOut
	delete(outputs, huawei.CmdVlanAll)
	fake := &fakeSession{
		outputs: outputs,
		errs: map[string]error{
			huawei.CmdVlanAll: &cli.CLIError{Command: huawei.CmdVlanAll, Output: "Unknown command"},
		},
	}
	m := newTestManager(t, fake)

	snap, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(snap.Vlans) != 3 {
		t.Errorf("vlans from initial capture = %+v", snap.Vlans)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func countOccurrences(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

func indexOf(list []string, pred func(string) bool) int {
	for i, v := range list {
		if pred(v) {
			return i
		}
	}
	return -1
}
