// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"net/netip"

	"github.com/katzenpost/core/crypto/ecdh"

	"github.com/wispnet/wisp/core/crypto"
	"github.com/wispnet/wisp/core/exitpolicy"
)

// Router describes a relay as the circuit layer needs it for construction
// and exit selection. Implementations are supplied by the directory layer.
type Router interface {
	// Nickname returns the router's human readable name, for logging only.
	Nickname() string

	// Identity returns the router's identity digest.
	Identity() [crypto.IdentityLength]byte

	// OnionKey returns the public key the router extends circuits with.
	OnionKey() *ecdh.PublicKey

	// Addr returns the router's link address.
	Addr() netip.AddrPort

	// ExitPolicy returns the router's advertised exit policy.
	ExitPolicy() *exitpolicy.Policy
}
