// Package access holds the shared domain model for fleet access management:
// hosts, principals, capabilities, grants and their outcomes.
package access

import (
	"fmt"
	"net"
	"strconv"
)

// HostStatus is the liveness state of a managed host. It is updated only by
// the monitoring paths, never by provisioning.
type HostStatus string

const (
	StatusUnknown HostStatus = "unknown"
	StatusOnline  HostStatus = "online"
	StatusOffline HostStatus = "offline"
)

// AuthMode selects how a session authenticates to a host.
type AuthMode string

const (
	AuthPassword AuthMode = "password"
	AuthKey      AuthMode = "key"
)

// Host identifies one managed machine and how to reach it. The core treats a
// Host as an immutable value per operation; the inventory owns the records.
type Host struct {
	ID       string
	Name     string
	Addr     string
	Port     int
	User     string
	Auth     AuthMode
	Password string
	KeyPath  string
	Status   HostStatus
}

// DialAddr returns the host:port string for the transport dial.
func (h Host) DialAddr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Addr, strconv.Itoa(port))
}

// Principal is a human user of the outer system. The core only reads it.
type Principal struct {
	ID    string
	Login string
}

// Capability is a closed enumeration of permission kinds. Each value maps to
// a fixed activation/deactivation procedure; there is no open-ended registry.
type Capability uint8

const (
	CapBasic Capability = iota
	CapSudo
	CapDocker
	CapDatabase
	CapCustom
)

var capabilityNames = map[Capability]string{
	CapBasic:    "basic",
	CapSudo:     "sudo",
	CapDocker:   "docker",
	CapDatabase: "database",
	CapCustom:   "custom",
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// ParseCapability maps a capability name to its enum value.
func ParseCapability(name string) (Capability, error) {
	for c, n := range capabilityNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown capability %q", name)
}

// Capabilities lists every defined capability in declaration order.
func Capabilities() []Capability {
	return []Capability{CapBasic, CapSudo, CapDocker, CapDatabase, CapCustom}
}

// DesiredState is the direction of a grant.
type DesiredState string

const (
	StateGranted DesiredState = "granted"
	StateRevoked DesiredState = "revoked"
)

// Grant is the unit of provisioning work. It is created by the external
// workflow once a request is approved and consumed exactly once by the
// engine, which returns a per-grant Outcome. The core does not store grants.
type Grant struct {
	ID              string
	HostID          string
	Principal       Principal
	Capability      Capability
	State           DesiredState
	AccountOverride string
	Justification   string
}

// Account returns the effective OS account name for the grant: the override
// when present, otherwise the principal's login.
func (g Grant) Account() string {
	if g.AccountOverride != "" {
		return g.AccountOverride
	}
	return g.Principal.Login
}

// Outcome is the terminal result of one grant. GeneratedPassword is set on at
// most one outcome per (host, account) partition: the one whose processing
// created the account.
type Outcome struct {
	GrantID           string
	HostID            string
	Account           string
	Success           bool
	Message           string
	GeneratedPassword string
}

// HostOutcome is one host's result within a fleet-wide operation.
type HostOutcome struct {
	HostID  string
	Success bool
	Message string
}
