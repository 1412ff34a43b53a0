// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package cell implements the Wisp link cell wire format.
package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CircIDLength is the length of a circuit identifier in bytes.
	CircIDLength = 4

	// PayloadLength is the length of a link cell payload in bytes.
	PayloadLength = 509

	// CellLength is the length of a link cell on the wire in bytes.
	CellLength = CircIDLength + 1 + PayloadLength

	handshakeLengthOffset = 2
)

// Command is a link cell command.
type Command byte

const (
	// Padding is a keepalive cell, discarded on receipt.
	Padding Command = 0x00

	// Create carries the client half of the first hop handshake.
	Create Command = 0x01

	// Created carries the first hop's handshake reply.
	Created Command = 0x02

	// Relay carries an onion encrypted relay payload.
	Relay Command = 0x03

	// Destroy tears down a circuit, with a reason in the first payload byte.
	Destroy Command = 0x04
)

// String returns the command as a human readable string.
func (c Command) String() string {
	switch c {
	case Padding:
		return "PADDING"
	case Create:
		return "CREATE"
	case Created:
		return "CREATED"
	case Relay:
		return "RELAY"
	case Destroy:
		return "DESTROY"
	default:
		return fmt.Sprintf("[unknown command: 0x%02x]", byte(c))
	}
}

// DestroyReason is the reason carried in a Destroy cell.
type DestroyReason byte

const (
	// DestroyReasonNone is a teardown with no reason given.
	DestroyReasonNone DestroyReason = 0x00

	// DestroyReasonProtocol is a teardown caused by a protocol violation.
	DestroyReasonProtocol DestroyReason = 0x01

	// DestroyReasonInternal is a teardown caused by an internal failure.
	DestroyReasonInternal DestroyReason = 0x02

	// DestroyReasonRequested is a client requested teardown.
	DestroyReasonRequested DestroyReason = 0x03

	// DestroyReasonConnectFailed is a teardown caused by a failed onward
	// connection.
	DestroyReasonConnectFailed DestroyReason = 0x04

	// DestroyReasonFinished is a teardown of a circuit past its useful life.
	DestroyReasonFinished DestroyReason = 0x05

	// DestroyReasonTimeout is a teardown caused by an expired timer.
	DestroyReasonTimeout DestroyReason = 0x06
)

// String returns the destroy reason as a human readable string.
func (r DestroyReason) String() string {
	switch r {
	case DestroyReasonNone:
		return "NONE"
	case DestroyReasonProtocol:
		return "PROTOCOL"
	case DestroyReasonInternal:
		return "INTERNAL"
	case DestroyReasonRequested:
		return "REQUESTED"
	case DestroyReasonConnectFailed:
		return "CONNECTFAILED"
	case DestroyReasonFinished:
		return "FINISHED"
	case DestroyReasonTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("[unknown reason: 0x%02x]", byte(r))
	}
}

var (
	errInvalidCell      = errors.New("cell: invalid serialized cell")
	errInvalidCommand   = errors.New("cell: invalid cell command")
	errInvalidHandshake = errors.New("cell: invalid handshake payload")
)

// Cell is a link cell.
type Cell struct {
	CircID  uint32
	Command Command
	Payload [PayloadLength]byte
}

// ToBytes appends the serialized cell to slice b, and returns the resulting
// slice.
func (c *Cell) ToBytes(b []byte) []byte {
	var hdr [CircIDLength + 1]byte
	binary.BigEndian.PutUint32(hdr[:CircIDLength], c.CircID)
	hdr[CircIDLength] = byte(c.Command)
	b = append(b, hdr[:]...)
	b = append(b, c.Payload[:]...)
	return b
}

// FromBytes deserializes exactly one link cell from b.
func FromBytes(b []byte) (*Cell, error) {
	if len(b) != CellLength {
		return nil, errInvalidCell
	}
	c := new(Cell)
	c.CircID = binary.BigEndian.Uint32(b[:CircIDLength])
	c.Command = Command(b[CircIDLength])
	switch c.Command {
	case Padding, Create, Created, Relay, Destroy:
	default:
		return nil, errInvalidCommand
	}
	copy(c.Payload[:], b[CircIDLength+1:])
	return c, nil
}

// NewPadding creates a link keepalive cell.
func NewPadding() *Cell {
	return new(Cell)
}

// NewDestroy creates a Destroy cell for the given circuit.
func NewDestroy(circID uint32, reason DestroyReason) *Cell {
	c := &Cell{CircID: circID, Command: Destroy}
	c.Payload[0] = byte(reason)
	return c
}

// DestroyReason returns the reason field of a Destroy cell.
func (c *Cell) DestroyReason() DestroyReason {
	return DestroyReason(c.Payload[0])
}

// NewCreate creates a Create cell carrying the client handshake payload.
func NewCreate(circID uint32, handshake []byte) (*Cell, error) {
	return newHandshakeCell(Create, circID, handshake)
}

// NewCreated creates a Created cell carrying the handshake reply.
func NewCreated(circID uint32, reply []byte) (*Cell, error) {
	return newHandshakeCell(Created, circID, reply)
}

func newHandshakeCell(cmd Command, circID uint32, handshake []byte) (*Cell, error) {
	if len(handshake) > PayloadLength-handshakeLengthOffset {
		return nil, errInvalidHandshake
	}
	c := &Cell{CircID: circID, Command: cmd}
	binary.BigEndian.PutUint16(c.Payload[0:handshakeLengthOffset], uint16(len(handshake)))
	copy(c.Payload[handshakeLengthOffset:], handshake)
	return c, nil
}

// HandshakeData returns the handshake payload of a Create or Created cell.
func (c *Cell) HandshakeData() ([]byte, error) {
	l := binary.BigEndian.Uint16(c.Payload[0:handshakeLengthOffset])
	if int(l) > PayloadLength-handshakeLengthOffset {
		return nil, errInvalidHandshake
	}
	return c.Payload[handshakeLengthOffset : handshakeLengthOffset+int(l)], nil
}
