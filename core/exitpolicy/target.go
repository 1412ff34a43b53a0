// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package exitpolicy implements exit policy evaluation for stream exit
// selection.
package exitpolicy

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ExitTarget is a stream destination evaluated against an exit policy.
// Targets are comparable and canonicalized by the constructors, suitable for
// use as map keys.
type ExitTarget struct {
	// Hostname is the target hostname, empty when Addr is set.
	Hostname string

	// Addr is the target address, the zero Addr when Hostname is set.
	Addr netip.Addr

	// Port is the target port.
	Port uint16
}

// HostnameTarget returns the canonical ExitTarget for a hostname and port.
func HostnameTarget(hostname string, port uint16) ExitTarget {
	return ExitTarget{Hostname: strings.ToLower(hostname), Port: port}
}

// AddressTarget returns the canonical ExitTarget for a literal address and
// port.
func AddressTarget(addr netip.Addr, port uint16) ExitTarget {
	return ExitTarget{Addr: addr.Unmap(), Port: port}
}

// IsAddress returns true when the target is a literal address.
func (t *ExitTarget) IsAddress() bool {
	return t.Addr.IsValid()
}

// String returns the target as a "host:port" string.
func (t *ExitTarget) String() string {
	if t.IsAddress() {
		return netip.AddrPortFrom(t.Addr, t.Port).String()
	}
	return net.JoinHostPort(t.Hostname, strconv.Itoa(int(t.Port)))
}
