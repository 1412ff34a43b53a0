// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"sync"

	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/crypto"
)

// Node is a single hop of a circuit, holding the router it was built
// through and the per direction crypto state derived from the extension
// handshake.
type Node struct {
	sync.Mutex

	router Router

	keys      *crypto.NodeKeys
	fwdCipher *crypto.Stream
	bwdCipher *crypto.Stream
	fwdDigest *crypto.Digest
	bwdDigest *crypto.Digest
}

// NewNode creates a keyed Node for router r, taking ownership of keys.
func NewNode(r Router, keys *crypto.NodeKeys) *Node {
	return &Node{
		router:    r,
		keys:      keys,
		fwdCipher: crypto.NewRelayStream(&keys.ForwardKey),
		bwdCipher: crypto.NewRelayStream(&keys.BackwardKey),
		fwdDigest: crypto.NewDigest(&keys.ForwardDigest),
		bwdDigest: crypto.NewDigest(&keys.BackwardDigest),
	}
}

// Router returns the router this hop was built through.
func (n *Node) Router() Router {
	return n.router
}

// encryptForward applies the hop's forward cipher layer to an encoded relay
// payload in place.
func (n *Node) encryptForward(p []byte) {
	n.Lock()
	defer n.Unlock()
	n.fwdCipher.XORKeyStream(p, p)
}

// decryptBackward peels the hop's backward cipher layer off an encoded
// relay payload in place.
func (n *Node) decryptBackward(p []byte) {
	n.Lock()
	defer n.Unlock()
	n.bwdCipher.XORKeyStream(p, p)
}

// digestForward accumulates an outbound relay payload, with the digest
// field zeroed, into the hop's forward rolling digest and returns the
// resulting truncated digest.
func (n *Node) digestForward(p []byte) [crypto.RelayDigestLength]byte {
	n.Lock()
	defer n.Unlock()
	n.fwdDigest.Write(p)
	return n.fwdDigest.Sum()
}

// recognizeBackward tests whether a fully peeled relay payload originated
// at this hop. The rolling digest is only advanced on a match, and the
// payload's digest field is left as found.
func (n *Node) recognizeBackward(p []byte) (bool, error) {
	digest := cell.RelayDigest(p)
	cell.ZeroRelayDigest(p)
	defer cell.SetRelayDigest(p, &digest)

	n.Lock()
	defer n.Unlock()
	want, err := n.bwdDigest.PeekSum(p)
	if err != nil {
		return false, err
	}
	if want != digest {
		return false, nil
	}
	n.bwdDigest.Write(p)
	return true, nil
}

// reset clears the hop's key material.
func (n *Node) reset() {
	n.Lock()
	defer n.Unlock()
	n.fwdCipher.Reset()
	n.bwdCipher.Reset()
	if n.keys != nil {
		n.keys.Reset()
		n.keys = nil
	}
}
