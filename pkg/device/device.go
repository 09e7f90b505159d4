// Package device defines the field-node record shared between discovery,
// the controller and the observer gateway.
package device

import (
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// ID is the stable opaque identity of a field node, derived from its
// hardware address on first discovery. IP and ports are routing hints
// that may change across reboots; the ID never does.
type ID string

// IDFromMAC derives a node ID from a hardware address. Separators and
// case are normalised so "AA:BB:CC:00:00:01" and "aa-bb-cc-00-00-01"
// yield the same ID.
func IDFromMAC(mac string) ID {
	norm := strings.ToLower(mac)
	norm = strings.NewReplacer(":", "", "-", "", ".", "").Replace(norm)
	return ID("node-" + norm)
}

// IsNil reports whether the ID is unset (empty).
func (id ID) IsNil() bool {
	return id == ""
}

func (id ID) String() string {
	return string(id)
}

// State is the connection lifecycle state of a node.
type State int

const (
	// StateDiscovered means the node was seen by discovery but no
	// connection attempt has started yet.
	StateDiscovered State = iota
	// StateConnecting means a TCP connect is in flight.
	StateConnecting
	// StateReady means the control channel is up.
	StateReady
	// StateBackoff means the last connection failed and the supervisor
	// is waiting before retrying.
	StateBackoff
	// StateDead means the supervisor has been shut down and will not
	// reconnect without an external restart.
	StateDead
)

// String converts a State into its API representation.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "Discovered"
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	case StateBackoff:
		return "Backoff"
	case StateDead:
		return "Dead"
	}
	return ""
}

// MarshalJSON encodes the state by name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// Device holds the identity, routing hints and lifecycle state of a
// field node.
type Device struct {
	ID         ID        `json:"device_id"`
	Name       string    `json:"display_name"`
	MAC        string    `json:"mac"`
	Addr       net.IP    `json:"last_known_ip"`
	TCPPort    int       `json:"tcp_port"`
	UDPPort    int       `json:"udp_port"`
	Firmware   string    `json:"firmware,omitempty"`
	State      State     `json:"state"`
	LastSeenAt time.Time `json:"last_seen"`
}

// NewDevice returns a Device in the Discovered state.
func NewDevice(id ID, mac string, addr net.IP, tcpPort, udpPort int) *Device {
	return &Device{
		ID:      id,
		MAC:     mac,
		Addr:    addr,
		TCPPort: tcpPort,
		UDPPort: udpPort,
		State:   StateDiscovered,
	}
}

// TCPAddr returns the node's control channel address.
func (d *Device) TCPAddr() string {
	return net.JoinHostPort(d.Addr.String(), fmt.Sprintf("%d", d.TCPPort))
}

// SortDevices sorts devices by name and if equal, by ID.
func SortDevices(devices []Device) {
	slices.SortFunc(devices, func(a, b Device) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		// If names are equal, order by ID
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
