// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wispnet/wisp/core/crypto"
)

const (
	// RelayHeaderLength is the length of a relay payload header in bytes.
	RelayHeaderLength = 1 + 2 + crypto.RelayDigestLength + 2

	// RelayPayloadLength is the relay data capacity of a single cell in
	// bytes.
	RelayPayloadLength = PayloadLength - RelayHeaderLength

	relayStreamIDOffset = 1
	relayDigestOffset   = 3
	relayLengthOffset   = relayDigestOffset + crypto.RelayDigestLength
)

// RelayCommand is a relay cell command.
type RelayCommand byte

const (
	// RelayBegin opens an exit stream on the final hop.
	RelayBegin RelayCommand = 0x01

	// RelayData carries stream data.
	RelayData RelayCommand = 0x02

	// RelayEnd closes a stream, with a reason in the first data byte.
	RelayEnd RelayCommand = 0x03

	// RelayConnected reports a successful stream open.
	RelayConnected RelayCommand = 0x04

	// RelaySendMe widens a flow control window, stream or circuit scoped.
	RelaySendMe RelayCommand = 0x05

	// RelayExtend asks the final hop to extend the circuit.
	RelayExtend RelayCommand = 0x06

	// RelayExtended carries the extension handshake reply.
	RelayExtended RelayCommand = 0x07

	// RelayTruncate asks a hop to drop the hops past it.
	RelayTruncate RelayCommand = 0x08

	// RelayTruncated acknowledges a truncation, with a reason byte.
	RelayTruncated RelayCommand = 0x09

	// RelayDrop is long range padding, discarded on receipt.
	RelayDrop RelayCommand = 0x0a

	// RelayResolve asks the final hop to resolve a hostname.
	RelayResolve RelayCommand = 0x0b

	// RelayResolved carries the answer to a RelayResolve.
	RelayResolved RelayCommand = 0x0c

	// RelayBeginDir opens a directory stream on the final hop.
	RelayBeginDir RelayCommand = 0x0d
)

// String returns the relay command as a human readable string.
func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelaySendMe:
		return "RELAY_SENDME"
	case RelayExtend:
		return "RELAY_EXTEND"
	case RelayExtended:
		return "RELAY_EXTENDED"
	case RelayTruncate:
		return "RELAY_TRUNCATE"
	case RelayTruncated:
		return "RELAY_TRUNCATED"
	case RelayDrop:
		return "RELAY_DROP"
	case RelayResolve:
		return "RELAY_RESOLVE"
	case RelayResolved:
		return "RELAY_RESOLVED"
	case RelayBeginDir:
		return "RELAY_BEGIN_DIR"
	default:
		return fmt.Sprintf("[unknown relay command: 0x%02x]", byte(c))
	}
}

// EndReason is the reason carried in a RelayEnd cell.
type EndReason byte

const (
	// EndReasonMisc is a close for an unlisted reason.
	EndReasonMisc EndReason = 0x01

	// EndReasonResolveFailed is a failed hostname resolution.
	EndReasonResolveFailed EndReason = 0x02

	// EndReasonConnectRefused is a refused onward connection.
	EndReasonConnectRefused EndReason = 0x03

	// EndReasonExitPolicy is a target refused by the exit policy.
	EndReasonExitPolicy EndReason = 0x04

	// EndReasonDestroy is a stream torn down with its circuit.
	EndReasonDestroy EndReason = 0x05

	// EndReasonDone is a normal close.
	EndReasonDone EndReason = 0x06

	// EndReasonTimeout is an expired onward connection attempt.
	EndReasonTimeout EndReason = 0x07

	// EndReasonInternal is a close caused by an internal failure.
	EndReasonInternal EndReason = 0x08

	// EndReasonConnReset is a reset onward connection.
	EndReasonConnReset EndReason = 0x09

	// EndReasonNotDirectory is a directory request to a hop that serves no
	// directory.
	EndReasonNotDirectory EndReason = 0x0a
)

// String returns the end reason as a human readable string.
func (r EndReason) String() string {
	switch r {
	case EndReasonMisc:
		return "MISC"
	case EndReasonResolveFailed:
		return "RESOLVEFAILED"
	case EndReasonConnectRefused:
		return "CONNECTREFUSED"
	case EndReasonExitPolicy:
		return "EXITPOLICY"
	case EndReasonDestroy:
		return "DESTROY"
	case EndReasonDone:
		return "DONE"
	case EndReasonTimeout:
		return "TIMEOUT"
	case EndReasonInternal:
		return "INTERNAL"
	case EndReasonConnReset:
		return "CONNRESET"
	case EndReasonNotDirectory:
		return "NOTDIRECTORY"
	default:
		return fmt.Sprintf("[unknown reason: 0x%02x]", byte(r))
	}
}

var (
	errRelayTooLarge = errors.New("cell: relay data exceeds payload capacity")
	errInvalidRelay  = errors.New("cell: invalid relay payload")
)

// RelayCell is a de-serialized relay cell payload.
type RelayCell struct {
	Command  RelayCommand
	StreamID uint16
	Digest   [crypto.RelayDigestLength]byte
	Data     []byte
}

// EncodePayload serializes the relay payload into p. The capacity past the
// data is zero filled, and the padding is covered by the rolling digest.
func (r *RelayCell) EncodePayload(p *[PayloadLength]byte) error {
	if len(r.Data) > RelayPayloadLength {
		return errRelayTooLarge
	}
	p[0] = byte(r.Command)
	binary.BigEndian.PutUint16(p[relayStreamIDOffset:relayDigestOffset], r.StreamID)
	copy(p[relayDigestOffset:relayLengthOffset], r.Digest[:])
	binary.BigEndian.PutUint16(p[relayLengthOffset:RelayHeaderLength], uint16(len(r.Data)))
	n := copy(p[RelayHeaderLength:], r.Data)
	tail := p[RelayHeaderLength+n:]
	for i := range tail {
		tail[i] = 0
	}
	return nil
}

// RelayCellFromPayload parses a decrypted relay payload.
func RelayCellFromPayload(p []byte) (*RelayCell, error) {
	if len(p) != PayloadLength {
		return nil, errInvalidRelay
	}
	r := new(RelayCell)
	r.Command = RelayCommand(p[0])
	switch r.Command {
	case RelayBegin, RelayData, RelayEnd, RelayConnected, RelaySendMe,
		RelayExtend, RelayExtended, RelayTruncate, RelayTruncated,
		RelayDrop, RelayResolve, RelayResolved, RelayBeginDir:
	default:
		return nil, errInvalidRelay
	}
	r.StreamID = binary.BigEndian.Uint16(p[relayStreamIDOffset:relayDigestOffset])
	copy(r.Digest[:], p[relayDigestOffset:relayLengthOffset])
	l := binary.BigEndian.Uint16(p[relayLengthOffset:RelayHeaderLength])
	if int(l) > RelayPayloadLength {
		return nil, errInvalidRelay
	}
	r.Data = make([]byte, l)
	copy(r.Data, p[RelayHeaderLength:])
	return r, nil
}

// RelayDigest extracts the digest field from an encoded relay payload.
func RelayDigest(p []byte) (d [crypto.RelayDigestLength]byte) {
	copy(d[:], p[relayDigestOffset:relayLengthOffset])
	return
}

// SetRelayDigest overwrites the digest field of an encoded relay payload.
func SetRelayDigest(p []byte, d *[crypto.RelayDigestLength]byte) {
	copy(p[relayDigestOffset:relayLengthOffset], d[:])
}

// ZeroRelayDigest zeroes the digest field of an encoded relay payload,
// producing the form over which rolling digests are computed.
func ZeroRelayDigest(p []byte) {
	var zero [crypto.RelayDigestLength]byte
	SetRelayDigest(p, &zero)
}
