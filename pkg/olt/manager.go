package olt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/nanoncore/nano-olt-manager/pkg/metrics"
	"github.com/nanoncore/nano-olt-manager/pkg/southbound/cli"
	"github.com/nanoncore/nano-olt-manager/pkg/southbound/huawei"
)

// CommandSession is the slice of the CLI session the manager drives.
type CommandSession interface {
	Execute(ctx context.Context, cmd string) (string, error)
	EnterInterface(ctx context.Context, frameSlot string) error
	QuitInterface(ctx context.Context) error
	InitialVLANOutput() string
	Connected() bool
	Close() error
}

// Dialer opens a fresh CLI session to the OLT.
type Dialer func() (CommandSession, error)

// SSHDialer builds a Dialer from the transport config.
func SSHDialer(cfg cli.Config, logger *log.Logger) Dialer {
	return func() (CommandSession, error) {
		return cli.NewSession(cfg, logger)
	}
}

const defaultRefreshInterval = 60 * time.Minute

// Manager owns the CLI session, the inventory snapshot and the refresh
// lifecycle. Reads come from the published snapshot without touching the
// device; writes take exclusive session ownership for their whole command
// sequence so refreshes and binds never interleave.
type Manager struct {
	logger *log.Logger
	dial   Dialer

	refreshInterval time.Duration
	sf              singleflight.Group

	// sessCh is a context-aware mutex over sess and the autofind probe
	// state. Held for the duration of a device conversation.
	sessCh chan struct{}
	sess   CommandSession

	// autofindPerPort is probed on the first refresh of each connection.
	// Firmwares without the global form keep the per-port variant for the
	// rest of the session.
	autofindPerPort bool
	autofindProbed  bool

	// stateMu guards the published snapshot, status and VLAN refcounts.
	stateMu sync.RWMutex
	snap    *Snapshot
	status  RefreshStatus

	// serviceCounts persists the advisory per-VLAN refcount across snapshot
	// rebuilds; it only ever grows.
	serviceCounts map[int]int

	// bindMeta remembers the provisioning parameters of each bind made
	// through this manager, keyed by the bound ID. The CLI offers no cheap
	// way to read service-ports or profiles back per ONT, so Verify and
	// snapshot rebuilds answer from this.
	bindMeta map[string]BoundOnu
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshInterval overrides the periodic refresh cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshInterval = d
		}
	}
}

// NewManager creates a Manager. No connection is made until the first
// refresh or write operation.
func NewManager(dial Dialer, logger *log.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:          logger,
		dial:            dial,
		refreshInterval: defaultRefreshInterval,
		sessCh:          make(chan struct{}, 1),
		serviceCounts:   make(map[int]int),
		bindMeta:        make(map[string]BoundOnu),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) acquireSession(ctx context.Context) error {
	select {
	case m.sessCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseSession() { <-m.sessCh }

// Snapshot returns the last successful inventory view, which may be nil
// before the first refresh completes.
func (m *Manager) Snapshot() *Snapshot {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.snap
}

// Status returns the refresh health.
func (m *Manager) Status() RefreshStatus {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.status
}

// Run refreshes immediately and then on the configured interval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	if _, err := m.Refresh(ctx); err != nil {
		m.logger.Error("initial refresh failed", "err", err)
	}

	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Refresh(ctx); err != nil {
				m.logger.Error("periodic refresh failed", "err", err)
			}
		}
	}
}

// Refresh rebuilds the inventory from the device. Concurrent callers share a
// single in-flight refresh. On failure the previous snapshot stays published.
func (m *Manager) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := m.sf.Do("refresh", func() (any, error) {
		return m.refreshAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (m *Manager) refreshAll(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	m.stateMu.Lock()
	m.status.InProgress = true
	m.status.LastAttempt = start
	m.stateMu.Unlock()

	snap, connected, err := m.fetch(ctx)

	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.status.InProgress = false
	m.status.Connected = connected
	metrics.SessionConnected.Set(boolGauge(connected))

	if err != nil {
		m.status.LastError = err.Error()
		metrics.RefreshFailures.Inc()
		m.logger.Warn("refresh failed, keeping previous snapshot", "err", err)
		return nil, err
	}

	m.snap = snap
	m.status.LastSuccess = time.Now()
	m.status.LastError = ""
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	metrics.BoundOnus.Set(float64(len(snap.Bound)))
	metrics.UnboundOnus.Set(float64(len(snap.Unbound)))
	m.logger.Info("inventory refreshed",
		"bound", len(snap.Bound),
		"unbound", len(snap.Unbound),
		"vlans", len(snap.Vlans),
		"took", time.Since(start))
	return snap, nil
}

// fetch runs the full display sequence under exclusive session ownership.
// connected reports the session state observed while the lock was held.
func (m *Manager) fetch(ctx context.Context) (snap *Snapshot, connected bool, err error) {
	if err := m.acquireSession(ctx); err != nil {
		return nil, false, err
	}
	defer m.releaseSession()
	defer func() { connected = m.sess != nil && m.sess.Connected() }()

	sess, err := m.session()
	if err != nil {
		return nil, false, &RefreshError{Step: "connect", Err: err}
	}

	versionOut, err := m.run(ctx, sess, huawei.CmdVersion)
	if err != nil {
		return nil, false, &RefreshError{Step: "version", Err: err}
	}
	device := huawei.ParseVersion(versionOut)

	// Some firmwares reject `display vlan all` from config mode; the session
	// captured it from enable mode during dial, so fall back to that.
	vlanOut, err := m.run(ctx, sess, huawei.CmdVlanAll)
	if err != nil {
		if !cli.IsCLIError(err) {
			return nil, false, &RefreshError{Step: "vlan", Err: err}
		}
		vlanOut = sess.InitialVLANOutput()
	}

	boardOut, err := m.run(ctx, sess, huawei.CmdBoard0)
	if err != nil {
		return nil, false, &RefreshError{Step: "board", Err: err}
	}
	ports := huawei.ParseGponPorts(boardOut)

	autofind, err := m.fetchAutofind(ctx, sess, ports)
	if err != nil {
		return nil, false, &RefreshError{Step: "autofind", Err: err}
	}

	ontOut, err := m.run(ctx, sess, huawei.CmdOntInfoAll)
	if err != nil {
		return nil, false, &RefreshError{Step: "ont-info", Err: err}
	}
	detailOut, err := m.run(ctx, sess, huawei.CmdOntInfoDetail)
	if err != nil && !cli.IsCLIError(err) {
		return nil, false, &RefreshError{Step: "ont-detail", Err: err}
	}
	opticalOut, err := m.run(ctx, sess, huawei.CmdOpticalInfoAll)
	if err != nil && !cli.IsCLIError(err) && !cli.IsTimeout(err) {
		return nil, false, &RefreshError{Step: "optical", Err: err}
	}

	lineOut, err := m.run(ctx, sess, huawei.CmdLineProfiles)
	if err != nil {
		return nil, false, &RefreshError{Step: "line-profiles", Err: err}
	}
	srvOut, err := m.run(ctx, sess, huawei.CmdServiceProfiles)
	if err != nil {
		return nil, false, &RefreshError{Step: "service-profiles", Err: err}
	}

	// Not every firmware supports TR-069 profile listing.
	tr069Out, err := m.run(ctx, sess, huawei.CmdTr069Profiles)
	if err != nil && !cli.IsCLIError(err) {
		return nil, false, &RefreshError{Step: "tr069-profiles", Err: err}
	}

	return m.assemble(device, vlanOut, ports, autofind, ontOut, detailOut, opticalOut, lineOut, srvOut, tr069Out), false, nil
}

// fetchAutofind handles the two firmware variants. The first refresh on a
// connection probes the global form; a rejection switches this session to
// walking every GPON interface with the per-port form.
func (m *Manager) fetchAutofind(ctx context.Context, sess CommandSession, ports []string) ([]huawei.AutofindONU, error) {
	if !m.autofindProbed {
		out, err := m.run(ctx, sess, huawei.CmdAutofindAll)
		m.autofindProbed = true
		switch {
		case err == nil:
			m.autofindPerPort = false
			return huawei.ParseAutofind(out), nil
		case cli.IsCLIError(err):
			m.autofindPerPort = true
			m.logger.Debug("global autofind unsupported, using per-port variant")
		default:
			return nil, err
		}
	}

	if !m.autofindPerPort {
		out, err := m.run(ctx, sess, huawei.CmdAutofindAll)
		if err != nil {
			return nil, err
		}
		return huawei.ParseAutofind(out), nil
	}

	var all []huawei.AutofindONU
	for _, fs := range frameSlots(ports) {
		if err := sess.EnterInterface(ctx, fs); err != nil {
			return nil, err
		}
		out, err := sess.Execute(ctx, huawei.CmdAutofindPort)
		if err != nil && !cli.IsCLIError(err) {
			return nil, err
		}
		for _, o := range huawei.ParseAutofind(out) {
			if o.Port == "" {
				// The per-port form omits F/S/P on some firmwares.
				o.Port = fs + "/0"
			}
			all = append(all, o)
		}
	}
	if err := sess.QuitInterface(ctx); err != nil {
		return nil, err
	}
	return all, nil
}

// frameSlots reduces a port list to its unique frame/slot prefixes in order.
func frameSlots(ports []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range ports {
		fs, _, ok := huawei.SplitPort(p)
		if !ok || seen[fs] {
			continue
		}
		seen[fs] = true
		out = append(out, fs)
	}
	return out
}

func (m *Manager) assemble(
	device huawei.OLTInfo,
	vlanOut string,
	ports []string,
	autofind []huawei.AutofindONU,
	ontOut, detailOut, opticalOut, lineOut, srvOut, tr069Out string,
) *Snapshot {
	snap := &Snapshot{
		Device: DeviceInfo{
			Product: device.Product,
			Version: device.Version,
			Patch:   device.Patch,
			Uptime:  device.Uptime,
		},
		GponPorts: ports,
		FetchedAt: time.Now(),
	}

	now := time.Now()
	for _, a := range autofind {
		snap.Unbound = append(snap.Unbound, UnboundOnu{
			SerialNumber:    a.SerialNumber,
			Port:            a.Port,
			EquipmentID:     a.EquipmentID,
			SoftwareVersion: a.SoftwareVersion,
			Password:        a.Password,
			DiscoveredAt:    now,
		})
	}

	descs := make(map[string]string)
	for _, d := range huawei.ParseOntDetail(detailOut) {
		descs[BoundID(d.Port, d.OntID)] = d.Description
	}
	optical := make(map[string]*OpticalStatus)
	for _, r := range huawei.ParseOpticalInfo(opticalOut, "") {
		if r.Port == "" {
			continue
		}
		optical[BoundID(r.Port, r.OntID)] = &OpticalStatus{
			RxPower:     r.RxPower,
			TxPower:     r.TxPower,
			OltRxPower:  r.OltRxPower,
			Temperature: r.Temperature,
		}
	}

	m.stateMu.RLock()
	for _, o := range huawei.ParseOntInfo(ontOut) {
		id := BoundID(o.Port, o.OntID)
		b := BoundOnu{
			ID:           id,
			Port:         o.Port,
			OnuID:        o.OntID,
			SerialNumber: o.SerialNumber,
			Description:  descs[id],
			Status:       huawei.RunStatus(o.RunState),
			ConfigStatus: huawei.ConfigStatus(o.ConfigState),
			MatchState:   o.MatchState,
			Optical:      optical[id],
		}
		// Provisioning metadata survives rebuilds for binds made here.
		if meta, ok := m.bindMeta[id]; ok {
			b.LineProfileID = meta.LineProfileID
			b.ServiceProfileID = meta.ServiceProfileID
			b.VlanID = meta.VlanID
			b.ManagementVlanID = meta.ManagementVlanID
			b.GemportID = meta.GemportID
			b.OnuType = meta.OnuType
			b.Tr069Profile = meta.Tr069Profile
			b.PppoeUsername = meta.PppoeUsername
			b.PppoePassword = meta.PppoePassword
			b.BoundAt = meta.BoundAt
		}
		snap.Bound = append(snap.Bound, b)
	}

	for _, v := range huawei.ParseVLANs(vlanOut) {
		snap.Vlans = append(snap.Vlans, Vlan{
			ID:           v.ID,
			Type:         v.Type,
			Attribute:    v.Attribute,
			ServiceCount: m.serviceCounts[v.ID],
		})
	}
	m.stateMu.RUnlock()

	for _, p := range huawei.ParseProfiles(lineOut) {
		snap.LineProfiles = append(snap.LineProfiles, Profile(p))
	}
	for _, p := range huawei.ParseProfiles(srvOut) {
		snap.ServiceProfiles = append(snap.ServiceProfiles, Profile(p))
	}
	for _, p := range huawei.ParseProfiles(tr069Out) {
		snap.Tr069Profiles = append(snap.Tr069Profiles, Profile(p))
	}

	snap.sortAll()
	snap.Reindex()
	return snap
}

// session returns the live session, dialing a new one if needed. Callers must
// hold the session lock.
func (m *Manager) session() (CommandSession, error) {
	if m.sess != nil && m.sess.Connected() {
		return m.sess, nil
	}
	if m.sess != nil {
		m.sess.Close()
		m.sess = nil
	}
	sess, err := m.dial()
	if err != nil {
		return nil, err
	}
	m.sess = sess
	m.autofindProbed = false
	m.logger.Info("CLI session established")
	return sess, nil
}

// run executes one command and feeds the command metrics.
func (m *Manager) run(ctx context.Context, sess CommandSession, cmd string) (string, error) {
	out, err := sess.Execute(ctx, cmd)
	metrics.CommandsTotal.WithLabelValues(commandResult(err)).Inc()
	if err != nil {
		m.logger.Debug("command failed", "cmd", firstWord(cmd), "err", err)
	}
	return out, err
}

func commandResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case cli.IsCLIError(err):
		return "rejected"
	case cli.IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Reboot resets a bound ONT.
func (m *Manager) Reboot(ctx context.Context, port string, onuID int) error {
	snap := m.Snapshot()
	if snap == nil {
		return errors.New("inventory not loaded yet")
	}
	if _, ok := snap.BoundByID(BoundID(port, onuID)); !ok {
		return &NotFoundError{Kind: "onu", Key: BoundID(port, onuID)}
	}
	fs, idx, ok := huawei.SplitPort(port)
	if !ok {
		return NewPreconditionError("invalid port %q", port)
	}

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
	_, err = m.run(ctx, sess, huawei.ResetOntCommand(idx, onuID))
	if qerr := sess.QuitInterface(ctx); err == nil {
		err = qerr
	}
	return err
}

// Close shuts the CLI session down.
func (m *Manager) Close() error {
	if err := m.acquireSession(context.Background()); err != nil {
		return err
	}
	defer m.releaseSession()
	if m.sess == nil {
		return nil
	}
	err := m.sess.Close()
	m.sess = nil
	return err
}
