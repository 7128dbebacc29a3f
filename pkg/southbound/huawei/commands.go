package huawei

import (
	"fmt"
	"strings"
)

// Display command strings sent from config mode.
const (
	CmdVersion         = "display version"
	CmdOntInfoAll      = "display ont info 0 all"
	CmdOntInfoDetail   = "display ont info 0 all detail"
	CmdOpticalInfoAll  = "display ont optical-info 0 all"
	CmdLineProfiles    = "display ont-lineprofile gpon all"
	CmdServiceProfiles = "display ont-srvprofile gpon all"
	CmdVlanAll         = "display vlan all"
	CmdBoard0          = "display board 0"
	CmdTr069Profiles   = "display tr069-server-config all"

	// Autofind has two firmware variants. The per-port form runs inside an
	// interface context; the global form runs from config mode.
	CmdAutofindPort = "display ont autofind 0"
	CmdAutofindAll  = "display ont autofind all"
)

// InterfaceCommand enters the GPON interface context for frame/slot, e.g.
// "0/1".
func InterfaceCommand(frameSlot string) string {
	return "interface gpon " + frameSlot
}

// SplitPort splits a normalized F/S/P into the frame/slot pair used by
// `interface gpon` and the port index used inside that context.
func SplitPort(port string) (frameSlot, portIdx string, ok bool) {
	p := NormalizePort(port)
	if p == "" {
		return "", "", false
	}
	i := strings.LastIndex(p, "/")
	return p[:i], p[i+1:], true
}

// AddOntSpec carries everything needed to compose the provisioning sequence
// for one ONU.
type AddOntSpec struct {
	OntID            int
	SerialNumber     string
	Password         string // only for password-auth vendors
	LineProfileID    int
	ServiceProfileID int
	Description      string
	OmciManaged      bool // Huawei ONUs are OMCI-managed; others use password auth
}

// AddOntCommand composes the `ont add` line issued inside the interface
// context. Huawei ONUs authenticate by serial and are managed over OMCI;
// third-party ONUs fall back to one-shot password auth.
func AddOntCommand(spec AddOntSpec) string {
	desc := spec.Description
	if desc == "" {
		desc = spec.SerialNumber
	}
	if spec.OmciManaged {
		return fmt.Sprintf(
			"ont add %d sn-auth %s omci ont-lineprofile-id %d ont-srvprofile-id %d desc %q",
			spec.OntID, strings.ToUpper(spec.SerialNumber),
			spec.LineProfileID, spec.ServiceProfileID, desc,
		)
	}
	return fmt.Sprintf(
		"ont add %d password-auth %s once ont-lineprofile-id %d ont-srvprofile-id %d desc %q",
		spec.OntID, spec.Password,
		spec.LineProfileID, spec.ServiceProfileID, desc,
	)
}

// DeleteOntCommand composes the `ont delete` line for the interface context.
func DeleteOntCommand(ontID int) string {
	return fmt.Sprintf("ont delete %d", ontID)
}

// NativeVlanCommand tags the ONU's first ethernet port with the subscriber
// VLAN. Issued inside the interface context.
func NativeVlanCommand(ontID, ethPort, vlanID int) string {
	return fmt.Sprintf("ont port native-vlan %d eth %d vlan %d priority 0", ontID, ethPort, vlanID)
}

// ServicePortCommand creates the upstream service-port binding a VLAN to one
// ONT gemport. Issued from config mode with the full F/S/P.
func ServicePortCommand(vlanID int, port string, ontID, gemport int) string {
	return fmt.Sprintf(
		"service-port vlan %d gpon %s ont %d gemport %d multi-service user-vlan %d tag-transform translate",
		vlanID, NormalizePort(port), ontID, gemport, vlanID,
	)
}

// ManagementServicePortCommand creates the inband management service-port.
// ip-index 1 selects the management traffic stream on the ONT.
func ManagementServicePortCommand(vlanID int, port string, ontID, gemport int) string {
	return fmt.Sprintf(
		"service-port vlan %d gpon %s ont %d ip-index 1 multi-service user-vlan %d tag-transform translate",
		vlanID, NormalizePort(port), ontID, vlanID,
	)
}

// UndoServicePortCommand removes a service-port by its attribute set, which
// avoids having to track the numeric service-port index.
func UndoServicePortCommand(vlanID int, port string, ontID, gemport int) string {
	return fmt.Sprintf(
		"undo service-port vlan %d gpon %s ont %d gemport %d",
		vlanID, NormalizePort(port), ontID, gemport,
	)
}

// UndoManagementServicePortCommand removes the inband management
// service-port created with ip-index 1.
func UndoManagementServicePortCommand(vlanID int, port string, ontID int) string {
	return fmt.Sprintf(
		"undo service-port vlan %d gpon %s ont %d ip-index 1",
		vlanID, NormalizePort(port), ontID,
	)
}

// Tr069Command associates the ONT with a TR-069 ACS profile. Issued inside
// the interface context after `ont add`.
func Tr069Command(ontID int, profileName string) string {
	return fmt.Sprintf("ont tr069-server-config %d profile-name %s", ontID, profileName)
}

// ResetOntCommand reboots the ONT. Issued inside the interface context.
func ResetOntCommand(portIdx string, ontID int) string {
	return fmt.Sprintf("ont reset %s %d", portIdx, ontID)
}
