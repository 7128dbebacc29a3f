// Package olt holds the device inventory model and the manager that keeps it
// in sync with a live OLT over the CLI session, including ONU bind and unbind
// orchestration.
package olt

import (
	"fmt"
	"time"
)

// UnboundOnu is an ONU the OLT has discovered via autofind but that carries
// no configuration yet.
type UnboundOnu struct {
	SerialNumber    string    `json:"serialNumber"`
	Port            string    `json:"port"`
	EquipmentID     string    `json:"equipmentId"`
	SoftwareVersion string    `json:"softwareVersion,omitempty"`
	Password        string    `json:"-"`
	DiscoveredAt    time.Time `json:"discoveredAt"`
}

// BoundOnu is a provisioned ONT. Its ID is the stable "port-onuId" pair, e.g.
// "0/1/0-2".
type BoundOnu struct {
	ID           string `json:"id"`
	Port         string `json:"port"`
	OnuID        int    `json:"onuId"`
	SerialNumber string `json:"serialNumber"`
	Description  string `json:"description,omitempty"`

	// Status is online, offline or los; ConfigStatus is normal, initial or
	// failed.
	Status       string `json:"status"`
	ConfigStatus string `json:"configStatus"`
	MatchState   string `json:"matchState,omitempty"`

	Optical *OpticalStatus `json:"optical,omitempty"`

	// Provisioning metadata recorded at bind time. The device does not
	// report these back over the CLI, so they are populated only for binds
	// performed through this manager.
	LineProfileID    int       `json:"lineProfileId,omitempty"`
	ServiceProfileID int       `json:"serviceProfileId,omitempty"`
	VlanID           *int      `json:"vlanId,omitempty"`
	ManagementVlanID *int      `json:"managementVlanId,omitempty"`
	GemportID        int       `json:"gemportId,omitempty"`
	OnuType          string    `json:"onuType,omitempty"`
	Tr069Profile     string    `json:"tr069Profile,omitempty"`
	PppoeUsername    string    `json:"pppoeUsername,omitempty"`
	PppoePassword    string    `json:"-"`
	BoundAt          time.Time `json:"boundAt,omitzero"`
}

// BoundID composes the stable identifier for a (port, onuId) pair.
func BoundID(port string, onuID int) string {
	return fmt.Sprintf("%s-%d", port, onuID)
}

// OpticalStatus carries the last optical readings for a bound ONU. Nil fields
// mean the device reported no usable value.
type OpticalStatus struct {
	RxPower     *float64 `json:"rxPower,omitempty"`
	TxPower     *float64 `json:"txPower,omitempty"`
	OltRxPower  *float64 `json:"oltRxPower,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Profile is a GPON line or service profile row.
type Profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Vlan is a VLAN known to the OLT. ServiceCount is an advisory refcount of
// service-ports this manager has created on it; it is never decremented and
// only signals "probably in use".
type Vlan struct {
	ID           int    `json:"id"`
	Type         string `json:"type"`
	Attribute    string `json:"attribute,omitempty"`
	ServiceCount int    `json:"serviceCount"`
}

// InUse reports whether any service has been bound to the VLAN.
func (v Vlan) InUse() bool { return v.ServiceCount > 0 }

// DeviceInfo is the OLT identity from `display version`.
type DeviceInfo struct {
	Product string `json:"product"`
	Version string `json:"version"`
	Patch   string `json:"patch"`
	Uptime  string `json:"uptime"`
}

// RefreshStatus describes the health of the inventory cache.
type RefreshStatus struct {
	InProgress  bool      `json:"inProgress"`
	Connected   bool      `json:"connected"`
	LastAttempt time.Time `json:"lastAttempt,omitempty"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// BindRequest describes one ONU provisioning operation. OnuType "huawei"
// (the default) binds by serial over OMCI; "general" uses one-shot password
// authentication for third-party ONUs.
type BindRequest struct {
	SerialNumber     string `json:"serialNumber"`
	Port             string `json:"port,omitempty"`  // defaults to the autofind port
	OnuID            *int   `json:"onuId,omitempty"` // defaults to lowest free ID
	LineProfileID    int    `json:"lineProfileId"`
	ServiceProfileID int    `json:"serviceProfileId"`
	VlanID           *int   `json:"vlanId,omitempty"`
	ManagementVlanID *int   `json:"managementVlanId,omitempty"`
	Description      string `json:"description,omitempty"`
	OnuType          string `json:"onuType,omitempty"`
	OnuPassword      string `json:"onuPassword,omitempty"`
	Tr069Profile     string `json:"tr069Profile,omitempty"`
	PppoeUsername    string `json:"pppoeUsername,omitempty"`
	PppoePassword    string `json:"pppoePassword,omitempty"`
	EthPort          int    `json:"ethPort,omitempty"` // defaults to 1
}

// VerifyResult is the non-mutating diagnostic for one serial.
type VerifyResult struct {
	SerialNumber string   `json:"serialNumber"`
	State        string   `json:"state"` // bound, unbound or unknown
	Port         string   `json:"port,omitempty"`
	OnuID        *int     `json:"onuId,omitempty"`
	RxPower      *float64 `json:"rxPower,omitempty"`
	VlanAttached bool     `json:"vlanAttached"`
}

// UnbindRequest removes a bound ONT. CleanConfig additionally removes the
// service-ports tied to the given VLANs; Force ignores CLI rejections along
// the way.
type UnbindRequest struct {
	Port             string `json:"port"`
	OnuID            int    `json:"onuId"`
	VlanID           *int   `json:"vlanId,omitempty"`
	ManagementVlanID *int   `json:"managementVlanId,omitempty"`
	CleanConfig      bool   `json:"cleanConfig"`
	Force            bool   `json:"force"`
}
