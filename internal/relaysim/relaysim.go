// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relaysim emulates the relay side of Wisp circuits, for tests and
// in-process diagnostics. The emulation speaks the real cell formats and
// handshake, but runs every hop in the same address space.
package relaysim

import (
	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/crypto"
)

// Hop is the relay side crypto state of a single circuit position.
type Hop struct {
	fwdCipher *crypto.Stream
	bwdCipher *crypto.Stream
	fwdDigest *crypto.Digest
	bwdDigest *crypto.Digest
}

// NewHop derives the relay side state from handshake derived keys.
func NewHop(keys *crypto.NodeKeys) *Hop {
	return &Hop{
		fwdCipher: crypto.NewRelayStream(&keys.ForwardKey),
		bwdCipher: crypto.NewRelayStream(&keys.BackwardKey),
		fwdDigest: crypto.NewDigest(&keys.ForwardDigest),
		bwdDigest: crypto.NewDigest(&keys.BackwardDigest),
	}
}

// PeelForward strips the hop's forward cipher layer off an encoded relay
// payload in place and reports whether the cell is addressed to this hop.
// The rolling digest is only advanced on a match.
func (h *Hop) PeelForward(p []byte) (bool, error) {
	h.fwdCipher.XORKeyStream(p, p)

	digest := cell.RelayDigest(p)
	cell.ZeroRelayDigest(p)
	defer cell.SetRelayDigest(p, &digest)
	want, err := h.fwdDigest.PeekSum(p)
	if err != nil {
		return false, err
	}
	if want != digest {
		return false, nil
	}
	h.fwdDigest.Write(p)
	return true, nil
}

// WrapBackward commits the hop's backward rolling digest over an encoded
// reply payload and applies the hop's backward cipher layer, producing the
// form the hop a reply originates at puts on the wire.
func (h *Hop) WrapBackward(p []byte) {
	cell.ZeroRelayDigest(p)
	h.bwdDigest.Write(p)
	sum := h.bwdDigest.Sum()
	cell.SetRelayDigest(p, &sum)
	h.bwdCipher.XORKeyStream(p, p)
}

// AddBackwardLayer applies the hop's backward cipher layer to a reply
// passing through on its way to the client.
func (h *Hop) AddBackwardLayer(p []byte) {
	h.bwdCipher.XORKeyStream(p, p)
}
