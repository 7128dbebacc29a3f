package olt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nanoncore/nano-olt-manager/pkg/southbound/cli"
	"github.com/nanoncore/nano-olt-manager/pkg/southbound/huawei"
)

// dataGemport carries subscriber traffic; the management stream uses the
// ip-index form instead of a gemport.
const dataGemport = 1

// stageOutput picks the device text for a failed stage. The session returns
// it alongside the error, but a rejection surfaced only as a CLIError still
// carries it in the error itself.
func stageOutput(out string, err error) string {
	if out != "" {
		return out
	}
	var ce *cli.CLIError
	if errors.As(err, &ce) {
		return ce.Output
	}
	return out
}

// Validate checks whether a serial can be bound right now: already-bound and
// never-discovered serials fail the precondition.
func (m *Manager) Validate(serial string) error {
	snap := m.Snapshot()
	if snap == nil {
		return errors.New("inventory not loaded yet")
	}
	serial = strings.ToUpper(strings.TrimSpace(serial))
	if _, bound := snap.BoundBySerial(serial); bound {
		return NewPreconditionError("serial %s is already bound", serial)
	}
	if _, ok := snap.UnboundBySerial(serial); !ok {
		return NewPreconditionError("serial %s has not been discovered", serial)
	}
	return nil
}

// Verify reports where a serial currently stands without touching the
// device.
func (m *Manager) Verify(serial string) (VerifyResult, error) {
	snap := m.Snapshot()
	if snap == nil {
		return VerifyResult{}, errors.New("inventory not loaded yet")
	}
	serial = strings.ToUpper(strings.TrimSpace(serial))
	res := VerifyResult{SerialNumber: serial, State: "unknown"}

	if b, ok := snap.BoundBySerial(serial); ok {
		res.State = "bound"
		res.Port = b.Port
		id := b.OnuID
		res.OnuID = &id
		if b.Optical != nil {
			res.RxPower = b.Optical.RxPower
		}
		m.stateMu.RLock()
		meta, ok := m.bindMeta[b.ID]
		m.stateMu.RUnlock()
		res.VlanAttached = ok && meta.VlanID != nil
		return res, nil
	}
	if u, ok := snap.UnboundBySerial(serial); ok {
		res.State = "unbound"
		res.Port = u.Port
	}
	return res, nil
}

// Bind provisions an unbound ONU: ont add in the interface context, optional
// native VLAN and TR-069 association, then the service-ports from config
// mode. Any device rejection partway through rolls the ONT back out.
func (m *Manager) Bind(ctx context.Context, req BindRequest) (BoundOnu, error) {
	snap := m.Snapshot()
	if snap == nil {
		return BoundOnu{}, errors.New("inventory not loaded yet")
	}

	serial := strings.ToUpper(strings.TrimSpace(req.SerialNumber))
	if serial == "" {
		return BoundOnu{}, NewPreconditionError("serialNumber is required")
	}

	unbound, ok := snap.UnboundBySerial(serial)
	if !ok {
		if _, bound := snap.BoundBySerial(serial); bound {
			return BoundOnu{}, NewPreconditionError("serial %s is already bound", serial)
		}
		return BoundOnu{}, &NotFoundError{Kind: "unbound onu", Key: serial}
	}

	port := req.Port
	if port == "" {
		port = unbound.Port
	}
	port = huawei.NormalizePort(port)
	if !ValidPort(port) {
		return BoundOnu{}, NewPreconditionError("invalid port %q", req.Port)
	}
	fs, _, _ := huawei.SplitPort(port)

	if !snap.HasLineProfile(req.LineProfileID) {
		return BoundOnu{}, NewPreconditionError("line profile %d does not exist", req.LineProfileID)
	}
	if !snap.HasServiceProfile(req.ServiceProfileID) {
		return BoundOnu{}, NewPreconditionError("service profile %d does not exist", req.ServiceProfileID)
	}
	if req.VlanID != nil {
		if _, ok := snap.VlanByID(*req.VlanID); !ok {
			return BoundOnu{}, NewPreconditionError("vlan %d does not exist", *req.VlanID)
		}
	}
	if req.ManagementVlanID != nil {
		if _, ok := snap.VlanByID(*req.ManagementVlanID); !ok {
			return BoundOnu{}, NewPreconditionError("management vlan %d does not exist", *req.ManagementVlanID)
		}
	}

	var onuID int
	if req.OnuID != nil {
		onuID = *req.OnuID
		if onuID < 0 || onuID > maxOnuID {
			return BoundOnu{}, NewPreconditionError("onu id %d out of range 0..%d", onuID, maxOnuID)
		}
		if _, taken := snap.BoundByID(BoundID(port, onuID)); taken {
			return BoundOnu{}, NewPreconditionError("onu id %d on port %s is occupied", onuID, port)
		}
	} else {
		id, err := snap.NextFreeOnuID(port)
		if err != nil {
			return BoundOnu{}, err
		}
		onuID = id
	}

	ethPort := req.EthPort
	if ethPort == 0 {
		ethPort = 1
	}

	omci := true
	switch req.OnuType {
	case "", "huawei":
	case "general":
		omci = false
		if req.OnuPassword == "" && unbound.Password == "" {
			return BoundOnu{}, NewPreconditionError("onuType general requires onuPassword")
		}
	default:
		return BoundOnu{}, NewPreconditionError("unknown onuType %q", req.OnuType)
	}
	password := req.OnuPassword
	if password == "" {
		password = unbound.Password
	}

	if err := m.acquireSession(ctx); err != nil {
		return BoundOnu{}, err
	}
	defer m.releaseSession()

	sess, err := m.session()
	if err != nil {
		return BoundOnu{}, err
	}

	// Another API call may have bound the serial or taken the ID while we
	// waited for the session; recheck against the now-current snapshot.
	if cur := m.Snapshot(); cur != nil {
		if _, bound := cur.BoundBySerial(serial); bound {
			return BoundOnu{}, NewPreconditionError("serial %s is already bound", serial)
		}
		if _, taken := cur.BoundByID(BoundID(port, onuID)); taken {
			return BoundOnu{}, NewPreconditionError("onu id %d on port %s is occupied", onuID, port)
		}
	}

	addCmd := huawei.AddOntCommand(huawei.AddOntSpec{
		OntID:            onuID,
		SerialNumber:     serial,
		Password:         password,
		LineProfileID:    req.LineProfileID,
		ServiceProfileID: req.ServiceProfileID,
		Description:      req.Description,
		OmciManaged:      omci,
	})

	if err := sess.EnterInterface(ctx, fs); err != nil {
		return BoundOnu{}, err
	}

	if out, err := m.run(ctx, sess, addCmd); err != nil {
		sess.QuitInterface(ctx)
		return BoundOnu{}, &BindError{Stage: "ont-add", Output: stageOutput(out, err), Err: err}
	}

	rollback := func(stage, out string, cause error) (BoundOnu, error) {
		if _, derr := m.run(ctx, sess, huawei.DeleteOntCommand(onuID)); derr != nil {
			m.logger.Error("rollback ont delete failed", "port", port, "onuId", onuID, "err", derr)
		}
		sess.QuitInterface(ctx)
		return BoundOnu{}, &BindError{Stage: stage, Output: stageOutput(out, cause), Err: cause}
	}

	if req.VlanID != nil {
		cmd := huawei.NativeVlanCommand(onuID, ethPort, *req.VlanID)
		if out, err := m.run(ctx, sess, cmd); err != nil {
			return rollback("native-vlan", out, err)
		}
	}
	if req.Tr069Profile != "" {
		cmd := huawei.Tr069Command(onuID, req.Tr069Profile)
		if out, err := m.run(ctx, sess, cmd); err != nil {
			return rollback("tr069", out, err)
		}
	}

	if err := sess.QuitInterface(ctx); err != nil {
		return BoundOnu{}, err
	}

	// Service-ports live in config mode; a failure here still has to unwind
	// the ONT created above.
	rollbackFromConfig := func(stage, out string, cause error, undoData bool) (BoundOnu, error) {
		if undoData && req.VlanID != nil {
			m.run(ctx, sess, huawei.UndoServicePortCommand(*req.VlanID, port, onuID, dataGemport))
		}
		if err := sess.EnterInterface(ctx, fs); err == nil {
			if _, derr := m.run(ctx, sess, huawei.DeleteOntCommand(onuID)); derr != nil {
				m.logger.Error("rollback ont delete failed", "port", port, "onuId", onuID, "err", derr)
			}
			sess.QuitInterface(ctx)
		}
		return BoundOnu{}, &BindError{Stage: stage, Output: stageOutput(out, cause), Err: cause}
	}

	if req.VlanID != nil {
		cmd := huawei.ServicePortCommand(*req.VlanID, port, onuID, dataGemport)
		if out, err := m.run(ctx, sess, cmd); err != nil {
			return rollbackFromConfig("service-port", out, err, false)
		}
	}
	if req.ManagementVlanID != nil {
		cmd := huawei.ManagementServicePortCommand(*req.ManagementVlanID, port, onuID, dataGemport+1)
		if out, err := m.run(ctx, sess, cmd); err != nil {
			return rollbackFromConfig("mgmt-service-port", out, err, true)
		}
	}

	onuType := req.OnuType
	if onuType == "" {
		onuType = "huawei"
	}
	gemport := 0
	if req.VlanID != nil {
		gemport = dataGemport
	}
	bound := BoundOnu{
		ID:               BoundID(port, onuID),
		Port:             port,
		OnuID:            onuID,
		SerialNumber:     serial,
		Description:      req.Description,
		Status:           "offline",
		ConfigStatus:     "initial",
		LineProfileID:    req.LineProfileID,
		ServiceProfileID: req.ServiceProfileID,
		VlanID:           req.VlanID,
		ManagementVlanID: req.ManagementVlanID,
		GemportID:        gemport,
		OnuType:          onuType,
		Tr069Profile:     req.Tr069Profile,
		PppoeUsername:    req.PppoeUsername,
		PppoePassword:    req.PppoePassword,
		BoundAt:          time.Now(),
	}
	if bound.Description == "" {
		bound.Description = serial
	}

	m.publishBind(bound, req)
	m.logger.Info("onu bound",
		"serial", serial, "port", port, "onuId", onuID,
		"lineProfile", req.LineProfileID, "serviceProfile", req.ServiceProfileID)
	return bound, nil
}

// publishBind applies the successful bind to the published snapshot so reads
// reflect it immediately, ahead of the next full refresh.
func (m *Manager) publishBind(bound BoundOnu, req BindRequest) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.bindMeta[bound.ID] = bound
	if req.VlanID != nil {
		m.serviceCounts[*req.VlanID]++
	}
	if req.ManagementVlanID != nil {
		m.serviceCounts[*req.ManagementVlanID]++
	}

	if m.snap == nil {
		return
	}
	next := m.snap.clone()
	next.Bound = append(next.Bound, bound)
	for i := range next.Vlans {
		next.Vlans[i].ServiceCount = m.serviceCounts[next.Vlans[i].ID]
	}
	next.sortAll()
	next.Reindex()
	m.snap = next
}

// Unbind deletes a bound ONT and optionally its service-ports. Force pushes
// through device rejections, useful for half-configured leftovers.
func (m *Manager) Unbind(ctx context.Context, req UnbindRequest) error {
	snap := m.Snapshot()
	if snap == nil {
		return errors.New("inventory not loaded yet")
	}

	port := huawei.NormalizePort(req.Port)
	if !ValidPort(port) {
		return NewPreconditionError("invalid port %q", req.Port)
	}
	id := BoundID(port, req.OnuID)
	if _, ok := snap.BoundByID(id); !ok {
		return &NotFoundError{Kind: "onu", Key: id}
	}
	fs, _, _ := huawei.SplitPort(port)

	if err := m.acquireSession(ctx); err != nil {
		return err
	}
	defer m.releaseSession()

	sess, err := m.session()
	if err != nil {
		return err
	}

	if err := sess.EnterInterface(ctx, fs); err != nil {
		return err
	}
	if out, err := m.run(ctx, sess, huawei.DeleteOntCommand(req.OnuID)); err != nil {
		if !req.Force {
			sess.QuitInterface(ctx)
			return &BindError{Stage: "ont-delete", Output: stageOutput(out, err), Err: err}
		}
		m.logger.Warn("forcing unbind past ont delete failure", "onu", id, "err", err)
	}
	if err := sess.QuitInterface(ctx); err != nil {
		return err
	}

	if req.CleanConfig {
		// Best effort: a missing service-port is not a failure here.
		if req.VlanID != nil {
			cmd := huawei.UndoServicePortCommand(*req.VlanID, port, req.OnuID, dataGemport)
			if _, err := m.run(ctx, sess, cmd); err != nil && !cli.IsCLIError(err) {
				return err
			}
		}
		if req.ManagementVlanID != nil {
			cmd := huawei.UndoManagementServicePortCommand(*req.ManagementVlanID, port, req.OnuID)
			if _, err := m.run(ctx, sess, cmd); err != nil && !cli.IsCLIError(err) {
				return err
			}
		}
	}

	m.publishUnbind(id)
	m.logger.Info("onu unbound", "onu", id, "force", req.Force)
	return nil
}

func (m *Manager) publishUnbind(id string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	delete(m.bindMeta, id)
	if m.snap == nil {
		return
	}
	next := m.snap.clone()
	kept := next.Bound[:0]
	for _, b := range next.Bound {
		if b.ID != id {
			kept = append(kept, b)
		}
	}
	next.Bound = kept
	next.Reindex()
	m.snap = next
}
