// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"errors"
	"fmt"

	"github.com/wispnet/wisp/core/cell"
)

var (
	// ErrCircuitDestroyed is the error returned when an operation is
	// attempted on a circuit that has been torn down.
	ErrCircuitDestroyed = errors.New("circuit: destroyed")

	// ErrCircuitClosing is the error returned when a new stream or hop is
	// attempted on a circuit that is marked for close.
	ErrCircuitClosing = errors.New("circuit: marked for close")

	// ErrCircuitNotOpen is the error returned when an operation requires a
	// fully built circuit.
	ErrCircuitNotOpen = errors.New("circuit: not open")

	// ErrEntryBuilt is the error returned when CreateTo is called on a
	// circuit that already has an entry hop.
	ErrEntryBuilt = errors.New("circuit: entry hop already established")

	// ErrNoHops is the error returned when an operation needs a hop on a
	// circuit with an empty path.
	ErrNoHops = errors.New("circuit: empty path")

	// ErrNotInPath is the error returned when a relay cell is addressed to
	// a node that is not part of the circuit.
	ErrNotInPath = errors.New("circuit: node not in path")

	// ErrWrongCircuitType is the error returned when a stream open is not
	// legal for the circuit's type.
	ErrWrongCircuitType = errors.New("circuit: operation not legal for circuit type")

	// ErrResponseTimeout is the error returned when a hop fails to answer a
	// CREATE, EXTEND or TRUNCATE within the response window.
	ErrResponseTimeout = errors.New("circuit: response timed out")

	// ErrStreamClosed is the error returned on I/O against a stream that
	// was closed locally.
	ErrStreamClosed = errors.New("circuit: stream closed")

	// ErrStreamTimeout is the error returned when a stream open exceeds the
	// connect window.
	ErrStreamTimeout = errors.New("circuit: stream connect timed out")

	// ErrAlreadyAtTarget is the error returned when a cannibalization
	// targets the router the circuit already ends at.
	ErrAlreadyAtTarget = errors.New("circuit: already ends at target")

	// ErrFamilyMismatch is the error returned when a cannibalization target
	// is not address family compatible with the current exit.
	ErrFamilyMismatch = errors.New("circuit: target address family differs from exit")
)

// ConnectError is the error used to indicate that handing a cell to the
// connection failed.
type ConnectError struct {
	// Err is the original error that caused the send to fail.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("circuit: connection error: %v", e.Err)
}

// Unwrap returns the inner error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProtocolError is the error used to indicate that a hop violated the relay
// protocol.
type ProtocolError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("circuit: protocol error: %v", e.Err)
}

// Unwrap returns the inner error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(f string, a ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}

// StreamError is the error used to indicate that the exit refused or severed
// a stream, carrying the reason it gave.
type StreamError struct {
	// Reason is the end reason reported by the exit.
	Reason cell.EndReason
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	return fmt.Sprintf("circuit: stream rejected by exit: %v", e.Reason)
}
