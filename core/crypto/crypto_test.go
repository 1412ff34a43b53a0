// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"testing"

	"github.com/katzenpost/core/crypto/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	var src [1024]byte
	_, err := rand.Reader.Read(src[:])
	require.NoError(t, err, "failed to read source buffer")

	expected := sha256.Sum256(src[:])
	actual := Hash(src[:])
	assert.Equal(HashLength, len(actual), "Hash() returned unexpected size digest")
	assert.Equal(expected, actual, "Hash() mismatch against SHA256")
}

func TestStream(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	var key [StreamKeyLength]byte
	_, err := rand.Reader.Read(key[:])
	require.NoError(err, "failed to read Stream key")

	var iv [StreamIVLength]byte
	_, err = rand.Reader.Read(iv[:])
	require.NoError(err, "failed to read Stream IV")

	s := NewStream(&key, &iv)

	var src, expected, actual [1024]byte
	_, err = rand.Reader.Read(src[:])
	require.NoError(err, "failed to read source buffer")

	blk, err := aes.NewCipher(key[:])
	require.NoError(err, "failed to initialize crypto/aes")
	ctr := cipher.NewCTR(blk, iv[:])

	ctr.XORKeyStream(expected[:], src[:])
	s.XORKeyStream(actual[:], src[:])
	assert.Equal(expected, actual, "XORKeyStream() mismatch against CTR-AES128")

	s.Reset()
}

func TestRelayStream(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	var key [StreamKeyLength]byte
	_, err := rand.Reader.Read(key[:])
	require.NoError(err, "failed to read Stream key")

	var iv [StreamIVLength]byte
	s := NewRelayStream(&key)

	var src, expected, actual [256]byte
	_, err = rand.Reader.Read(src[:])
	require.NoError(err, "failed to read source buffer")

	blk, err := aes.NewCipher(key[:])
	require.NoError(err, "failed to initialize crypto/aes")
	ctr := cipher.NewCTR(blk, iv[:])

	ctr.XORKeyStream(expected[:], src[:])
	s.XORKeyStream(actual[:], src[:])
	assert.Equal(expected, actual, "relay stream did not use an all zero IV")

	// The transform is an involution when the keystream position matches.
	s2 := NewRelayStream(&key)
	var roundTrip [256]byte
	s2.XORKeyStream(roundTrip[:], actual[:])
	assert.Equal(src, roundTrip, "decrypt mismatch")

	s.Reset()
	s2.Reset()
}

func TestDigest(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	var seed [DigestSeedLength]byte
	_, err := rand.Reader.Read(seed[:])
	require.NoError(err, "failed to read digest seed")

	var payload [509]byte
	_, err = rand.Reader.Read(payload[:])
	require.NoError(err, "failed to read payload")

	d := NewDigest(&seed)
	before := d.Sum()
	assert.Equal(before, d.Sum(), "Sum() advanced the accumulator")

	peeked, err := d.PeekSum(payload[:])
	require.NoError(err, "PeekSum()")
	assert.Equal(before, d.Sum(), "PeekSum() advanced the accumulator")
	assert.NotEqual(before, peeked, "PeekSum() ignored the payload")

	d.Write(payload[:])
	assert.Equal(peeked, d.Sum(), "Write() disagrees with PeekSum()")

	// An identically seeded accumulator fed the same payloads stays in
	// lockstep, a differently seeded one does not.
	twin := NewDigest(&seed)
	twin.Write(payload[:])
	assert.Equal(d.Sum(), twin.Sum(), "identically seeded digests diverged")

	var otherSeed [DigestSeedLength]byte
	_, err = rand.Reader.Read(otherSeed[:])
	require.NoError(err, "failed to read digest seed")
	other := NewDigest(&otherSeed)
	other.Write(payload[:])
	assert.NotEqual(d.Sum(), other.Sum(), "differently seeded digests agree")
}

func TestNodeKeysReset(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	require := require.New(t)

	k := new(NodeKeys)
	_, err := rand.Reader.Read(k.ForwardDigest[:])
	require.NoError(err)
	_, err = rand.Reader.Read(k.BackwardDigest[:])
	require.NoError(err)
	_, err = rand.Reader.Read(k.ForwardKey[:])
	require.NoError(err)
	_, err = rand.Reader.Read(k.BackwardKey[:])
	require.NoError(err)

	k.Reset()
	assert.Zero(k.ForwardDigest)
	assert.Zero(k.BackwardDigest)
	assert.Zero(k.ForwardKey)
	assert.Zero(k.BackwardKey)
}
