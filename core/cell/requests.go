// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/wispnet/wisp/core/crypto"
)

const (
	addrTypeIPv4 = 0x04
	addrTypeIPv6 = 0x06

	beginFlagsLength = 4
)

var (
	errInvalidExtend = errors.New("cell: invalid extend request")
	errInvalidBegin  = errors.New("cell: invalid begin request")
)

// ExtendRequest is the de-serialized data of a RelayExtend cell.
type ExtendRequest struct {
	Addr      netip.AddrPort
	Identity  [crypto.IdentityLength]byte
	Handshake [crypto.ClientHandshakeLength]byte
}

// ToBytes appends the serialized request to slice b, and returns the
// resulting slice.
func (r *ExtendRequest) ToBytes(b []byte) []byte {
	addr := r.Addr.Addr()
	if addr.Is4() {
		a := addr.As4()
		b = append(b, addrTypeIPv4)
		b = append(b, a[:]...)
	} else {
		a := addr.As16()
		b = append(b, addrTypeIPv6)
		b = append(b, a[:]...)
	}
	b = append(b, 0, 0)
	binary.BigEndian.PutUint16(b[len(b)-2:], r.Addr.Port())
	b = append(b, r.Identity[:]...)
	b = append(b, r.Handshake[:]...)
	return b
}

// ExtendRequestFromBytes deserializes an ExtendRequest from b.
func ExtendRequestFromBytes(b []byte) (*ExtendRequest, error) {
	if len(b) < 1 {
		return nil, errInvalidExtend
	}
	var addr netip.Addr
	switch b[0] {
	case addrTypeIPv4:
		if len(b) < 1+4 {
			return nil, errInvalidExtend
		}
		var a [4]byte
		copy(a[:], b[1:])
		addr = netip.AddrFrom4(a)
		b = b[1+4:]
	case addrTypeIPv6:
		if len(b) < 1+16 {
			return nil, errInvalidExtend
		}
		var a [16]byte
		copy(a[:], b[1:])
		addr = netip.AddrFrom16(a)
		b = b[1+16:]
	default:
		return nil, errInvalidExtend
	}
	if len(b) != 2+crypto.IdentityLength+crypto.ClientHandshakeLength {
		return nil, errInvalidExtend
	}

	r := new(ExtendRequest)
	r.Addr = netip.AddrPortFrom(addr, binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	copy(r.Identity[:], b[:crypto.IdentityLength])
	copy(r.Handshake[:], b[crypto.IdentityLength:])
	return r, nil
}

// BeginRequest is the de-serialized data of a RelayBegin cell.
type BeginRequest struct {
	// Target is the "host:port" the exit is asked to connect to, where host
	// is either a hostname or a literal address.
	Target string

	Flags uint32
}

// ToBytes appends the serialized request to slice b, and returns the
// resulting slice.
func (r *BeginRequest) ToBytes(b []byte) []byte {
	b = append(b, []byte(r.Target)...)
	b = append(b, 0x00)
	b = append(b, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(b[len(b)-beginFlagsLength:], r.Flags)
	return b
}

// BeginRequestFromBytes deserializes a BeginRequest from b.
func BeginRequestFromBytes(b []byte) (*BeginRequest, error) {
	idx := -1
	for i, v := range b {
		if v == 0x00 {
			idx = i
			break
		}
	}
	if idx < 1 || len(b) != idx+1+beginFlagsLength {
		return nil, errInvalidBegin
	}
	r := new(BeginRequest)
	r.Target = string(b[:idx])
	r.Flags = binary.BigEndian.Uint32(b[idx+1:])
	return r, nil
}
