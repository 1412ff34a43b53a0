// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/utils"
)

const (
	// ClientHandshakeLength is the length of a serialized client handshake
	// payload in bytes.
	ClientHandshakeLength = PublicKeyLength

	// HandshakeReplyLength is the length of a serialized handshake reply in
	// bytes.
	HandshakeReplyLength = PublicKeyLength + AuthLength
)

var (
	errInvalidHandshake = errors.New("crypto: invalid handshake payload")
	errAuthFailure      = errors.New("crypto: handshake authentication failure")
	errDegenerateKey    = errors.New("crypto: degenerate handshake shared secret")
)

// ClientHandshake is the client side of the circuit extension handshake with
// a single node.
type ClientHandshake struct {
	id        [IdentityLength]byte
	onionKey  *ecdh.PublicKey
	ephemeral *ecdh.PrivateKey
}

// NewClientHandshake creates the client side handshake state targeting the
// node with the given identity digest and onion key, sampling the ephemeral
// key from r.
func NewClientHandshake(r io.Reader, id *[IdentityLength]byte, onionKey *ecdh.PublicKey) (*ClientHandshake, error) {
	eph, err := ecdh.NewKeypair(r)
	if err != nil {
		return nil, err
	}
	h := &ClientHandshake{onionKey: onionKey, ephemeral: eph}
	copy(h.id[:], id[:])
	return h, nil
}

// ToBytes appends the serialized handshake payload to slice b, and returns
// the resulting slice.
func (h *ClientHandshake) ToBytes(b []byte) []byte {
	return append(b, h.ephemeral.PublicKey().Bytes()...)
}

// ProcessReply consumes the reply generated by the node, completing the
// handshake, and returns the derived per hop keys.
func (h *ClientHandshake) ProcessReply(reply []byte) (*NodeKeys, error) {
	if len(reply) != HandshakeReplyLength {
		return nil, errInvalidHandshake
	}
	nodePub := new(ecdh.PublicKey)
	if err := nodePub.FromBytes(reply[:PublicKeyLength]); err != nil {
		return nil, err
	}

	var expEph, expOnion [PublicKeyLength]byte
	defer utils.ExplicitBzero(expEph[:])
	defer utils.ExplicitBzero(expOnion[:])
	h.ephemeral.Exp(&expEph, nodePub)
	h.ephemeral.Exp(&expOnion, h.onionKey)
	if utils.CtIsZero(expEph[:]) || utils.CtIsZero(expOnion[:]) {
		return nil, errDegenerateKey
	}

	keys, auth := deriveHandshake(&expEph, &expOnion, &h.id, h.onionKey.Bytes(), h.ephemeral.PublicKey().Bytes(), reply[:PublicKeyLength])
	if !hmac.Equal(auth, reply[PublicKeyLength:]) {
		keys.Reset()
		return nil, errAuthFailure
	}
	return keys, nil
}

// Reset clears the ClientHandshake such that no sensitive data is left in
// memory.
func (h *ClientHandshake) Reset() {
	if h.ephemeral != nil {
		h.ephemeral.Reset()
		h.ephemeral = nil
	}
}

// HandshakeReply computes the node side of the extension handshake from the
// client payload, returning the serialized reply and the derived per hop
// keys. The node's ephemeral key is sampled from r.
func HandshakeReply(r io.Reader, id *[IdentityLength]byte, onionKey *ecdh.PrivateKey, payload []byte) ([]byte, *NodeKeys, error) {
	if len(payload) != ClientHandshakeLength {
		return nil, nil, errInvalidHandshake
	}
	clientPub := new(ecdh.PublicKey)
	if err := clientPub.FromBytes(payload); err != nil {
		return nil, nil, err
	}

	eph, err := ecdh.NewKeypair(r)
	if err != nil {
		return nil, nil, err
	}
	defer eph.Reset()

	var expEph, expOnion [PublicKeyLength]byte
	defer utils.ExplicitBzero(expEph[:])
	defer utils.ExplicitBzero(expOnion[:])
	eph.Exp(&expEph, clientPub)
	onionKey.Exp(&expOnion, clientPub)
	if utils.CtIsZero(expEph[:]) || utils.CtIsZero(expOnion[:]) {
		return nil, nil, errDegenerateKey
	}

	nodePub := make([]byte, 0, PublicKeyLength)
	nodePub = append(nodePub, eph.PublicKey().Bytes()...)

	keys, auth := deriveHandshake(&expEph, &expOnion, id, onionKey.PublicKey().Bytes(), payload, nodePub)
	reply := make([]byte, 0, HandshakeReplyLength)
	reply = append(reply, nodePub...)
	reply = append(reply, auth...)
	return reply, keys, nil
}

// deriveHandshake derives the per hop keys and the authentication tag from
// the two shared group elements and the handshake transcript (identity
// digest, onion key, client ephemeral, node ephemeral).
func deriveHandshake(expEph, expOnion *[PublicKeyLength]byte, id *[IdentityLength]byte, b, x, y []byte) (*NodeKeys, []byte) {
	secretInput := make([]byte, 0, 2*PublicKeyLength+IdentityLength+3*PublicKeyLength+len(protoID))
	secretInput = append(secretInput, expEph[:]...)
	secretInput = append(secretInput, expOnion[:]...)
	secretInput = append(secretInput, id[:]...)
	secretInput = append(secretInput, b...)
	secretInput = append(secretInput, x...)
	secretInput = append(secretInput, y...)
	secretInput = append(secretInput, []byte(protoID)...)
	defer utils.ExplicitBzero(secretInput)

	keys, authKey := deriveKeys(secretInput)
	defer utils.ExplicitBzero(authKey[:])

	m := hmac.New(sha256.New, authKey[:])
	m.Write(id[:])
	m.Write(b)
	m.Write(x)
	m.Write(y)
	m.Write([]byte(protoID))

	return keys, m.Sum(nil)
}
