// Package domain holds the types shared by every protocol layer:
// device addresses, rosters, acknowledgement bookkeeping and clock samples.
package domain

import (
	"slices"
	"strings"
	"time"
)

// DeviceAddress identifies a peer on the LAN. It is a dotted IPv4 string.
type DeviceAddress string

// String returns the address text.
func (a DeviceAddress) String() string { return string(a) }

// Less orders addresses lexically, the same order the match uses to pick
// who plays first.
func (a DeviceAddress) Less(b DeviceAddress) bool {
	return strings.Compare(string(a), string(b)) < 0
}

// Roster lists every discovered peer except the local device.
type Roster []DeviceAddress

// Contains reports whether addr is in the roster.
func (r Roster) Contains(addr DeviceAddress) bool {
	return slices.Contains(r, addr)
}

// Strings returns the roster as plain strings (for storage and JSON).
func (r Roster) Strings() []string {
	out := make([]string, len(r))
	for i, a := range r {
		out[i] = string(a)
	}
	return out
}

// NewRoster builds a sorted roster without duplicates and without self.
func NewRoster(self DeviceAddress, addrs ...DeviceAddress) Roster {
	out := make(Roster, 0, len(addrs))
	for _, a := range addrs {
		if a == "" || a == self || out.Contains(a) {
			continue
		}
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// PendingAck correlates an outstanding reliable send with the
// acknowledgement it expects.
type PendingAck struct {
	Dest     DeviceAddress
	Checksum uint16
	Deadline time.Time
}
