// Package huawei interprets MA5800-family CLI output and composes the
// command sequences the management plane sends back. All parsers are pure
// text functions so they can be exercised against recorded fixtures.
package huawei

import (
	"regexp"
	"strconv"
	"strings"
)

// portRE tolerates the spaces some firmwares insert inside F/S/P
// ("0/ 1/0"); every exported port string is normalized to digits-only form.
var portRE = regexp.MustCompile(`(\d+)\s*/\s*(\d+)\s*/\s*(\d+)`)

var serialRE = regexp.MustCompile(`\b[0-9A-Fa-f]{16}\b`)

// NormalizePort rewrites an F/S/P triple to canonical `f/s/p` with no
// whitespace. Returns "" when s does not contain a port triple.
func NormalizePort(s string) string {
	m := portRE.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1] + "/" + m[2] + "/" + m[3]
}

// OLTInfo is the device identity parsed from `display version`.
type OLTInfo struct {
	Product string `json:"product"`
	Version string `json:"version"`
	Patch   string `json:"patch"`
	Uptime  string `json:"uptime"`
}

var (
	productRE = regexp.MustCompile(`MA\d+[A-Z0-9-]+`)
	versionRE = regexp.MustCompile(`V\d+R\d+C\d+`)
	patchRE   = regexp.MustCompile(`SPC\d+`)
	uptimeRE  = regexp.MustCompile(`(?i)uptime is\s+(.+?)\s*$|Run\s*time\s*[:：]\s*(.+?)\s*$`)
)

// ParseVersion extracts product, firmware version, patch and uptime from
// `display version` output. Missing fields default to "Unknown" / "-".
func ParseVersion(out string) OLTInfo {
	info := OLTInfo{Product: "Unknown", Version: "Unknown", Patch: "-", Uptime: "-"}

	// Some firmwares print the product and firmware version as one token
	// ("MA5801V100R021C00"); strip the version tail and keep the longest
	// remaining candidate.
	product := ""
	for _, m := range productRE.FindAllString(out, -1) {
		if v := versionRE.FindStringIndex(m); v != nil {
			m = m[:v[0]]
		}
		if len(m) > len(product) {
			product = m
		}
	}
	if product != "" {
		info.Product = product
	}
	if m := versionRE.FindString(out); m != "" {
		info.Version = m
	}
	if m := patchRE.FindString(out); m != "" {
		info.Patch = m
	}
	for _, line := range strings.Split(out, "\n") {
		if m := uptimeRE.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			if m[1] != "" {
				info.Uptime = m[1]
			} else {
				info.Uptime = m[2]
			}
			break
		}
	}
	return info
}

// AutofindONU is one freshly detected, unprovisioned ONU.
type AutofindONU struct {
	Port            string `json:"port"`
	SerialNumber    string `json:"serialNumber"`
	EquipmentID     string `json:"equipmentId"`
	SoftwareVersion string `json:"softwareVersion,omitempty"`
	Password        string `json:"password,omitempty"`
}

// ParseAutofind handles the three autofind output styles seen on MA5800
// firmwares: the plain table whose rows begin with F/S/P, the block style
// with `SN : XXXX` lines, and the `index SN` table. Serials are emitted
// uppercase and duplicates discarded.
func ParseAutofind(out string) []AutofindONU {
	var onus []AutofindONU
	seen := make(map[string]bool)

	add := func(o AutofindONU) {
		o.SerialNumber = strings.ToUpper(o.SerialNumber)
		if o.SerialNumber == "" || seen[o.SerialNumber] {
			return
		}
		if o.EquipmentID == "" {
			o.EquipmentID = "Unknown"
		}
		seen[o.SerialNumber] = true
		onus = append(onus, o)
	}

	// Block style: "F/S/P : 0/1/0" ... "SN : 48575443..." within one record.
	var block AutofindONU
	flushBlock := func() {
		if block.SerialNumber != "" {
			add(block)
		}
		block = AutofindONU{}
	}

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isRuleLine(trimmed) {
			continue
		}

		if key, val, ok := splitKV(trimmed); ok {
			switch strings.ToLower(key) {
			case "f/s/p", "fsp", "port":
				flushBlock()
				block.Port = NormalizePort(val)
			case "sn", "serial number", "ont sn":
				// SN may render as "48575443XXXXXXXX (HWTC-XXXX)".
				if m := serialRE.FindString(val); m != "" {
					block.SerialNumber = m
				}
			case "password", "ont password":
				if val != "-" {
					block.Password = val
				}
			case "equipmentid", "equipment-id", "ont equipmentid", "vendorid":
				block.EquipmentID = val
			case "software version", "ont softwareversion", "mainsoftversion":
				block.SoftwareVersion = val
			}
			continue
		}

		// Table styles. Columns either start with F/S/P or with an index
		// number followed by the serial.
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}

		var port string
		var rest []string
		if loc := portRE.FindStringIndex(trimmed); loc != nil && loc[0] == 0 {
			port = NormalizePort(trimmed)
			rest = strings.Fields(trimmed[loc[1]:])
		} else if _, err := strconv.Atoi(fields[0]); err == nil {
			rest = fields[1:]
		} else {
			continue
		}

		if len(rest) == 0 {
			continue
		}
		sn := serialRE.FindString(rest[0])
		if sn == "" {
			continue
		}
		o := AutofindONU{Port: port, SerialNumber: sn}
		if len(rest) > 1 {
			o.EquipmentID = rest[1]
		}
		if len(rest) > 3 {
			o.SoftwareVersion = rest[3]
		} else if len(rest) > 2 && looksLikeSoftwareVersion(rest[2]) {
			o.SoftwareVersion = rest[2]
		}
		add(o)
	}
	flushBlock()
	return onus
}

func looksLikeSoftwareVersion(s string) bool {
	return strings.HasPrefix(s, "V") && strings.ContainsAny(s, "0123456789")
}

// OntState is a provisioned ONT row from `display ont info 0 all`.
type OntState struct {
	Port         string `json:"port"`
	OntID        int    `json:"ontId"`
	SerialNumber string `json:"serialNumber"`
	ControlFlag  string `json:"controlFlag"`
	RunState     string `json:"runState"`
	ConfigState  string `json:"configState"`
	MatchState   string `json:"matchState"`
}

// ParseOntInfo extracts the provisioned ONT table. Unparseable rows are
// skipped.
func ParseOntInfo(out string) []OntState {
	var onts []OntState
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isRuleLine(trimmed) {
			continue
		}

		port := ""
		if portRE.MatchString(trimmed) {
			port = NormalizePort(trimmed)
			trimmed = strings.TrimSpace(portRE.ReplaceAllString(trimmed, ""))
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 3 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 0 || id > 127 {
			continue
		}
		sn := serialRE.FindString(fields[1])
		if sn == "" {
			continue
		}

		ont := OntState{
			Port:         port,
			OntID:        id,
			SerialNumber: strings.ToUpper(sn),
		}
		if len(fields) > 2 {
			ont.ControlFlag = fields[2]
		}
		if len(fields) > 3 {
			ont.RunState = fields[3]
		}
		if len(fields) > 4 {
			ont.ConfigState = fields[4]
		}
		if len(fields) > 5 {
			ont.MatchState = fields[5]
		}
		onts = append(onts, ont)
	}
	return onts
}

// RunStatus maps a raw run state to the normalized status vocabulary.
func RunStatus(runState string) string {
	s := strings.ToLower(runState)
	switch {
	case strings.Contains(s, "online"):
		return "online"
	case strings.Contains(s, "los"), strings.Contains(s, "dying"):
		return "los"
	default:
		return "offline"
	}
}

// ConfigStatus maps a raw config state to the normalized vocabulary.
func ConfigStatus(configState string) string {
	s := strings.ToLower(configState)
	switch {
	case strings.Contains(s, "initial"):
		return "initial"
	case strings.Contains(s, "fail"):
		return "failed"
	default:
		return "normal"
	}
}

// OpticalReading carries per-ONT optical measurements. Fields the device
// reported as unparsable stay nil.
type OpticalReading struct {
	Port        string   `json:"port,omitempty"`
	OntID       int      `json:"ontId"`
	RxPower     *float64 `json:"rxPower,omitempty"`
	TxPower     *float64 `json:"txPower,omitempty"`
	OltRxPower  *float64 `json:"oltRxPower,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// ParseOpticalInfo handles both forms of `display ont optical-info 0 all`:
// the short table emitted inside an interface context (first column ONT-ID)
// and the long table with a leading F/S/P. impliedPort fills in the port for
// the short form.
func ParseOpticalInfo(out, impliedPort string) []OpticalReading {
	var readings []OpticalReading
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isRuleLine(trimmed) || strings.HasPrefix(strings.ToLower(trimmed), "ont") {
			continue
		}

		port := impliedPort
		if loc := portRE.FindStringIndex(trimmed); loc != nil && loc[0] == 0 {
			port = NormalizePort(trimmed)
			trimmed = strings.TrimSpace(trimmed[loc[1]:])
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 0 || id > 127 {
			continue
		}

		r := OpticalReading{Port: port, OntID: id}
		r.RxPower = parseOptionalFloat(fields, 1)
		r.TxPower = parseOptionalFloat(fields, 2)
		r.OltRxPower = parseOptionalFloat(fields, 3)
		r.Temperature = parseOptionalFloat(fields, 4)
		readings = append(readings, r)
	}
	return readings
}

// parseOptionalFloat parses fields[i] tolerating "-", "NaN" and column
// shortfalls; failures yield nil rather than zero.
func parseOptionalFloat(fields []string, i int) *float64 {
	if i >= len(fields) {
		return nil
	}
	v, err := strconv.ParseFloat(fields[i], 64)
	if err != nil || v != v { // NaN
		return nil
	}
	return &v
}

// OntDescription associates an operator description with a provisioned ONT.
type OntDescription struct {
	Port        string `json:"port"`
	OntID       int    `json:"ontId"`
	Description string `json:"description"`
}

// ParseOntDetail walks `display ont info 0 all detail` blocks in which an
// `F/S/P : x/y/z` line precedes `ONT-ID : n` and, further down,
// `Description : ...`.
func ParseOntDetail(out string) []OntDescription {
	var descs []OntDescription
	var cur OntDescription
	haveID := false

	flush := func() {
		if haveID && cur.Port != "" {
			descs = append(descs, cur)
		}
		cur = OntDescription{Port: cur.Port} // port carries across ONT blocks on the same interface
		haveID = false
	}

	for _, raw := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		key, val, ok := splitKV(trimmed)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "f/s/p":
			flush()
			cur.Port = NormalizePort(val)
		case "ont-id", "ont id":
			if haveID {
				flush()
			}
			if id, err := strconv.Atoi(val); err == nil {
				cur.OntID = id
				haveID = true
			}
		case "description":
			if haveID {
				cur.Description = val
			}
		}
	}
	flush()
	return descs
}

// ProfileRow is an `id name` row from the profile listings.
type ProfileRow struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

var profileRowRE = regexp.MustCompile(`^\s*(\d+)\s+(\S+)`)

// ParseProfiles extracts `id name` rows from `display ont-lineprofile gpon
// all` / `display ont-srvprofile gpon all`, skipping header rule lines.
func ParseProfiles(out string) []ProfileRow {
	var rows []ProfileRow
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimRight(raw, "\r")
		if isRuleLine(strings.TrimSpace(line)) || isProfileHeader(line) {
			continue
		}
		m := profileRowRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		rows = append(rows, ProfileRow{ID: id, Name: m[2]})
	}
	return rows
}

func isProfileHeader(line string) bool {
	low := strings.ToLower(line)
	return strings.Contains(low, "profile-id") || strings.Contains(low, "profile-name") ||
		strings.Contains(low, "binding times")
}

// VlanRow is one row of `display vlan all`.
type VlanRow struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	Attribute string `json:"attribute,omitempty"`
}

var vlanTypes = map[string]bool{
	"smart": true, "standard": true, "mux": true, "super": true,
}

// ParseVLANs extracts VLAN rows; ids outside 1..4094 and rows whose type is
// not a known VLAN type are skipped.
func ParseVLANs(out string) []VlanRow {
	var rows []VlanRow
	for _, raw := range strings.Split(out, "\n") {
		fields := strings.Fields(strings.TrimRight(raw, "\r"))
		if len(fields) < 2 {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 1 || id > 4094 {
			continue
		}
		typ := strings.ToLower(fields[1])
		if !vlanTypes[typ] {
			continue
		}
		row := VlanRow{ID: id, Type: typ}
		if len(fields) > 2 {
			row.Attribute = strings.ToLower(fields[2])
		}
		rows = append(rows, row)
	}
	return rows
}

// ParseGponPorts derives the GPON port list from `display board 0`. Each
// GPON board row contributes its slot's ports; MA5801 boards expose 16.
func ParseGponPorts(out string) []string {
	var ports []string
	boardRE := regexp.MustCompile(`(?im)^\s*(\d+)\s+\S*(?:GPBD|GPFD|GPON)\S*\s`)
	for _, m := range boardRE.FindAllStringSubmatch(out, -1) {
		slot, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		for p := 0; p < 16; p++ {
			ports = append(ports, "0/"+strconv.Itoa(slot)+"/"+strconv.Itoa(p))
		}
	}
	return ports
}

// splitKV splits "Key : value" lines. The value may be empty.
func splitKV(line string) (key, val string, ok bool) {
	i := strings.Index(line, ":")
	if i < 1 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:i])
	val = strings.TrimSpace(line[i+1:])
	if key == "" || strings.Contains(key, " : ") {
		return "", "", false
	}
	return key, val, true
}

// isRuleLine matches the dashed/underscored separator rows the CLI prints
// around tables.
func isRuleLine(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		if r != '-' && r != '_' && r != '=' && r != '+' && r != ' ' {
			return false
		}
	}
	return true
}
