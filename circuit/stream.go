// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/exitpolicy"
)

const (
	streamWindowStart     = 500
	streamWindowIncrement = 50
	streamQueueSize       = 512
)

// Stream is an application stream multiplexed onto a circuit, terminated
// at the circuit's final hop. It implements io.ReadWriteCloser, with reads
// and writes flow controlled end to end.
type Stream struct {
	sync.Mutex

	circuit *Circuit
	node    *Node
	id      uint16

	recvCh  chan *RelayCell
	readBuf bytes.Buffer

	connectCh chan error

	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error

	remoteEndSeen bool
	remoteEnded   bool
	endReason     cell.EndReason

	pkgWindow     int
	pkgWindowWait chan struct{}
	deliverWindow int
}

func newStream(c *Circuit, id uint16, node *Node) *Stream {
	return &Stream{
		circuit:       c,
		node:          node,
		id:            id,
		recvCh:        make(chan *RelayCell, streamQueueSize),
		connectCh:     make(chan error, 1),
		closedCh:      make(chan struct{}),
		pkgWindow:     streamWindowStart,
		deliverWindow: streamWindowStart,
	}
}

// ID returns the circuit scoped stream identifier.
func (s *Stream) ID() uint16 {
	return s.id
}

// Circuit returns the circuit the stream is attached to.
func (s *Stream) Circuit() *Circuit {
	return s.circuit
}

// Read reads stream data, blocking until data, end of stream or teardown.
// Data buffered before the exit ended the stream is still readable, the
// end of stream is reported only after the buffer drains.
func (s *Stream) Read(p []byte) (int, error) {
	for {
		s.Lock()
		if s.readBuf.Len() > 0 {
			n, _ := s.readBuf.Read(p)
			s.Unlock()
			return n, nil
		}
		if s.remoteEnded {
			reason := s.endReason
			s.Unlock()
			if reason == cell.EndReasonDone {
				return 0, io.EOF
			}
			return 0, &StreamError{Reason: reason}
		}
		s.Unlock()

		select {
		case rc := <-s.recvCh:
			s.ingest(rc)
		case <-s.closedCh:
			return 0, s.closeError()
		}
	}
}

func (s *Stream) ingest(rc *RelayCell) {
	s.Lock()
	defer s.Unlock()
	switch rc.Command {
	case cell.RelayData:
		s.readBuf.Write(rc.Data)
	case cell.RelayEnd:
		s.remoteEnded = true
		s.endReason = rc.endReason()
	}
}

// Write sends stream data towards the exit, splitting it into relay cells
// and blocking whenever the stream or circuit package window is exhausted.
func (s *Stream) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		select {
		case <-s.closedCh:
			return written, s.closeError()
		default:
		}
		s.Lock()
		ended := s.remoteEndSeen
		s.Unlock()
		if ended {
			return written, ErrStreamClosed
		}

		chunk := len(p)
		if chunk > cell.RelayPayloadLength {
			chunk = cell.RelayPayloadLength
		}
		if err := s.consumePackageWindow(); err != nil {
			return written, err
		}
		if err := s.circuit.consumePackageWindow(s.closedCh); err != nil {
			return written, err
		}
		rc, err := s.circuit.CreateRelayCell(cell.RelayData, s.id, s.node)
		if err != nil {
			return written, err
		}
		rc.Data = p[:chunk]
		if err = s.circuit.SendRelayCell(rc); err != nil {
			return written, err
		}
		written += chunk
		p = p[chunk:]
	}
	return written, nil
}

// Close closes the stream, telling the exit unless the exit ended the
// stream first, and detaches it from the circuit.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.Lock()
		sendEnd := !s.remoteEndSeen
		s.closeErr = ErrStreamClosed
		close(s.closedCh)
		s.Unlock()

		if sendEnd {
			if rc, err := s.circuit.CreateRelayCell(cell.RelayEnd, s.id, s.node); err == nil {
				rc.Data = []byte{byte(cell.EndReasonDone)}
				if err = s.circuit.SendRelayCell(rc); err != nil {
					s.circuit.log.Debugf("Failed to send RELAY_END for stream %d: %v", s.id, err)
				}
			}
		}
		s.circuit.removeStream(s)
	})
	return nil
}

// abandon closes the stream without notifying the exit, recording err as
// the condition observed by blocked and future I/O.
func (s *Stream) abandon(err error) {
	s.closeOnce.Do(func() {
		s.Lock()
		s.closeErr = err
		close(s.closedCh)
		s.Unlock()
		s.circuit.removeStream(s)
	})
}

func (s *Stream) onCircuitDestroyed() {
	s.abandon(ErrCircuitDestroyed)
}

func (s *Stream) closeError() error {
	s.Lock()
	defer s.Unlock()
	if s.closeErr == nil {
		return ErrStreamClosed
	}
	return s.closeErr
}

// deliverCell dispatches an inbound relay cell bound for this stream.
func (s *Stream) deliverCell(rc *RelayCell) {
	switch rc.Command {
	case cell.RelayConnected:
		select {
		case s.connectCh <- nil:
		default:
		}
	case cell.RelaySendMe:
		s.widenPackageWindow(streamWindowIncrement)
	case cell.RelayData:
		s.noteDataDelivered()
		s.enqueue(rc)
	case cell.RelayEnd:
		s.Lock()
		s.remoteEndSeen = true
		s.Unlock()
		select {
		case s.connectCh <- &StreamError{Reason: rc.endReason()}:
		default:
		}
		s.enqueue(rc)
		s.circuit.removeStream(s)
	default:
		s.circuit.log.Debugf("Dropping %v on stream %d", rc.Command, s.id)
	}
}

func (s *Stream) enqueue(rc *RelayCell) {
	select {
	case s.recvCh <- rc:
	default:
		droppedStreamCells.Inc()
		s.circuit.log.Warningf("Dropping %v: stream %d receive queue full", rc.Command, s.id)
	}
}

func (s *Stream) waitForConnect(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-s.connectCh:
		return err
	case <-timer.C:
		return ErrStreamTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closedCh:
		return s.closeError()
	}
}

func (s *Stream) consumePackageWindow() error {
	s.Lock()
	for s.pkgWindow <= 0 {
		if s.pkgWindowWait == nil {
			s.pkgWindowWait = make(chan struct{})
		}
		waitCh := s.pkgWindowWait
		s.Unlock()
		select {
		case <-waitCh:
		case <-s.closedCh:
			return s.closeError()
		case <-s.circuit.destroyedCh:
			return ErrCircuitDestroyed
		}
		s.Lock()
	}
	s.pkgWindow--
	s.Unlock()
	return nil
}

func (s *Stream) widenPackageWindow(n int) {
	s.Lock()
	s.pkgWindow += n
	if s.pkgWindowWait != nil {
		close(s.pkgWindowWait)
		s.pkgWindowWait = nil
	}
	s.Unlock()
}

// noteDataDelivered charges an inbound data cell against the stream level
// deliver window, topping the exit up with a SENDME at the usual threshold.
func (s *Stream) noteDataDelivered() {
	s.Lock()
	s.deliverWindow--
	topUp := s.deliverWindow <= streamWindowStart-streamWindowIncrement
	if topUp {
		s.deliverWindow += streamWindowIncrement
	}
	s.Unlock()
	if !topUp {
		return
	}
	rc, err := s.circuit.CreateRelayCell(cell.RelaySendMe, s.id, s.node)
	if err != nil {
		return
	}
	if err = s.circuit.SendRelayCell(rc); err != nil {
		s.circuit.log.Debugf("Failed to send stream SENDME: %v", err)
	}
}

// OpenDirectoryStream opens the directory stream on a directory circuit,
// blocking until the final hop acknowledges it.
func (c *Circuit) OpenDirectoryStream(ctx context.Context) (*Stream, error) {
	if c.ctype != TypeDirectory {
		return nil, ErrWrongCircuitType
	}
	return c.openStream(ctx, cell.RelayBeginDir, nil)
}

// OpenExitStream opens a stream through the exit to hostname:port, leaving
// resolution to the exit. The open fails fast if the exit's policy cannot
// accept the target or the target already failed on this circuit.
func (c *Circuit) OpenExitStream(ctx context.Context, hostname string, port uint16) (*Stream, error) {
	return c.openExitStream(ctx, exitpolicy.HostnameTarget(hostname, port))
}

// OpenExitStreamToAddress opens a stream through the exit to a literal
// address and port.
func (c *Circuit) OpenExitStreamToAddress(ctx context.Context, addr netip.Addr, port uint16) (*Stream, error) {
	return c.openExitStream(ctx, exitpolicy.AddressTarget(addr, port))
}

func (c *Circuit) openExitStream(ctx context.Context, target exitpolicy.ExitTarget) (*Stream, error) {
	if c.ctype != TypeExit {
		return nil, ErrWrongCircuitType
	}
	c.Lock()
	switch c.state {
	case stateDestroyed:
		c.Unlock()
		return nil, ErrCircuitDestroyed
	case stateClosing:
		c.Unlock()
		return nil, ErrCircuitClosing
	}
	c.Unlock()
	if !c.CanHandleExitTo(target) {
		return nil, &StreamError{Reason: cell.EndReasonExitPolicy}
	}

	begin := &cell.BeginRequest{Target: target.String()}
	s, err := c.openStream(ctx, cell.RelayBegin, begin.ToBytes(nil))
	if err != nil {
		if _, rejected := err.(*StreamError); rejected {
			c.RecordFailedExitTarget(target)
		}
		return nil, err
	}
	return s, nil
}

func (c *Circuit) openStream(ctx context.Context, cmd cell.RelayCommand, data []byte) (*Stream, error) {
	c.Lock()
	switch c.state {
	case stateDestroyed:
		c.Unlock()
		return nil, ErrCircuitDestroyed
	case stateClosing:
		c.Unlock()
		return nil, ErrCircuitClosing
	case stateOpen:
	default:
		c.Unlock()
		return nil, ErrCircuitNotOpen
	}
	node := c.nodes[len(c.nodes)-1]
	id := c.allocStreamIDLocked()
	s := newStream(c, id, node)
	c.streams[id] = s
	c.Unlock()

	rc, err := c.CreateRelayCell(cmd, id, node)
	if err != nil {
		s.abandon(err)
		return nil, err
	}
	rc.Data = data
	if err = c.SendRelayCell(rc); err != nil {
		s.abandon(err)
		return nil, err
	}

	if err = s.waitForConnect(ctx, c.streamConnectTimeout); err != nil {
		streamOpenFailures.Inc()
		switch err.(type) {
		case *StreamError:
			s.abandon(err)
		default:
			s.Close()
		}
		return nil, err
	}
	streamsOpened.Inc()
	return s, nil
}
