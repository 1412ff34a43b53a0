// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the Wisp circuit layer cryptographic operations.
package crypto

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding"
	"hash"
	"io"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/utils"
	"gitlab.com/yawning/bsaes.git"
	"golang.org/x/crypto/hkdf"
)

const (
	// HashLength is the output size of the unkeyed hash in bytes.
	HashLength = sha256.Size

	// IdentityLength is the length of a node identity digest in bytes.
	IdentityLength = HashLength

	// StreamKeyLength is the key size of the relay stream cipher in bytes.
	StreamKeyLength = 16

	// StreamIVLength is the IV size of the relay stream cipher in bytes.
	StreamIVLength = 16

	// DigestSeedLength is the seed size of a rolling relay digest in bytes.
	DigestSeedLength = 32

	// RelayDigestLength is the truncated rolling digest size carried in a
	// relay cell header, in bytes.
	RelayDigestLength = 4

	// PublicKeyLength is the length of a DH group element in bytes.
	PublicKeyLength = ecdh.GroupElementLength

	// AuthLength is the length of the handshake authentication tag in bytes.
	AuthLength = 32

	authKeyLength = 32
	okmLength     = 2*DigestSeedLength + 2*StreamKeyLength + authKeyLength
	kdfInfo       = "wisp-kdf-v1-hkdf-sha256"
	protoID       = "wisp-ntor-v1"
)

type resetable interface {
	Reset()
}

// Stream is the relay crypto stream cipher.
type Stream struct {
	cipher.Stream
}

// Reset clears the Stream instance such that no sensitive data is left in
// memory.
func (s *Stream) Reset() {
	// bsaes's ctrAble implementation exposes this, `crypto/aes` does not,
	// c'est la vie.
	if r, ok := s.Stream.(resetable); ok {
		r.Reset()
	}
}

// NewStream returns a new Stream keyed with the provided key and IV.
func NewStream(key *[StreamKeyLength]byte, iv *[StreamIVLength]byte) *Stream {
	// bsaes is smart enough to detect if the Go runtime and the CPU support
	// AES-NI and PCLMULQDQ and call `crypto/aes`.
	blk, err := bsaes.NewCipher(key[:])
	if err != nil {
		// Not covered by unit tests because this indicates a bug in bsaes.
		panic("crypto/NewStream: failed to create AES instance: " + err.Error())
	}
	return &Stream{cipher.NewCTR(blk, iv[:])}
}

// NewRelayStream returns a new Stream keyed with key and the fixed all zero
// IV of the relay crypto. Relay stream keys are single use, unique per hop
// and direction.
func NewRelayStream(key *[StreamKeyLength]byte) *Stream {
	var iv [StreamIVLength]byte
	return NewStream(key, &iv)
}

// Digest is a seeded rolling digest accumulating every relay payload
// exchanged with a single hop in a single direction.
type Digest struct {
	h hash.Hash
}

// NewDigest returns a new Digest seeded with seed.
func NewDigest(seed *[DigestSeedLength]byte) *Digest {
	d := &Digest{h: sha256.New()}
	d.h.Write(seed[:])
	return d
}

// Write accumulates b into the rolling digest.
func (d *Digest) Write(b []byte) {
	d.h.Write(b)
}

// Sum returns the truncated digest over everything accumulated so far,
// without advancing the accumulator.
func (d *Digest) Sum() (sum [RelayDigestLength]byte) {
	copy(sum[:], d.h.Sum(nil))
	return
}

// PeekSum returns the truncated digest the accumulator would produce after
// accumulating b, without advancing the accumulator.
func (d *Digest) PeekSum(b []byte) (sum [RelayDigestLength]byte, err error) {
	clone, err := d.clone()
	if err != nil {
		return
	}
	clone.Write(b)
	copy(sum[:], clone.Sum(nil))
	return
}

func (d *Digest) clone() (hash.Hash, error) {
	state, err := d.h.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		return nil, err
	}
	clone := sha256.New()
	if err = clone.(encoding.BinaryUnmarshaler).UnmarshalBinary(state); err != nil {
		return nil, err
	}
	return clone, nil
}

// NodeKeys are the per hop circuit keys derived from the extension
// handshake.
type NodeKeys struct {
	ForwardDigest  [DigestSeedLength]byte
	BackwardDigest [DigestSeedLength]byte
	ForwardKey     [StreamKeyLength]byte
	BackwardKey    [StreamKeyLength]byte
}

// Reset clears the NodeKeys structure such that no sensitive data is left in
// memory.
func (k *NodeKeys) Reset() {
	utils.ExplicitBzero(k.ForwardDigest[:])
	utils.ExplicitBzero(k.BackwardDigest[:])
	utils.ExplicitBzero(k.ForwardKey[:])
	utils.ExplicitBzero(k.BackwardKey[:])
}

func deriveKeys(secretInput []byte) (*NodeKeys, *[authKeyLength]byte) {
	okm := hkdfExpand(sha256.New, secretInput, []byte(kdfInfo), okmLength)
	defer utils.ExplicitBzero(okm)
	ptr := okm

	k := new(NodeKeys)
	copy(k.ForwardDigest[:], ptr[:DigestSeedLength])
	ptr = ptr[DigestSeedLength:]
	copy(k.BackwardDigest[:], ptr[:DigestSeedLength])
	ptr = ptr[DigestSeedLength:]
	copy(k.ForwardKey[:], ptr[:StreamKeyLength])
	ptr = ptr[StreamKeyLength:]
	copy(k.BackwardKey[:], ptr[:StreamKeyLength])
	ptr = ptr[StreamKeyLength:]

	authKey := new([authKeyLength]byte)
	copy(authKey[:], ptr[:authKeyLength])

	return k, authKey
}

// Hash calculates the digest of message msg.
func Hash(msg []byte) [HashLength]byte {
	return sha256.Sum256(msg)
}

func hkdfExpand(hashFn func() hash.Hash, prk, info []byte, l int) []byte {
	r := hkdf.Expand(hashFn, prk, info)
	okm := make([]byte, l)
	if _, err := io.ReadFull(r, okm); err != nil {
		// Not covered by unit tests because okmLength is far below the
		// HKDF expansion limit.
		panic("crypto/hkdfExpand: failed to expand: " + err.Error())
	}
	return okm
}
