// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/exitpolicy"
	"github.com/wispnet/wisp/internal/relaysim"
)

func TestStreamEcho(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.AcceptAll())
	c, _ := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, e}))

	s, err := c.OpenExitStream(ctx, "example.com", 80)
	require.NoError(err)
	require.NotZero(s.ID())
	require.Equal(c, s.Circuit())
	require.Len(c.ActiveStreams(), 1)

	// Payloads larger than a single relay cell are split and reassembled.
	msg := bytes.Repeat([]byte("wisp"), 300)
	n, err := s.Write(msg)
	require.NoError(err)
	require.Equal(len(msg), n)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(s, got)
	require.NoError(err)
	require.Equal(msg, got)

	require.NoError(s.Close())
	require.Empty(c.ActiveStreams())
	require.True(c.IsConnected(), "closing a stream leaves the circuit up")
}

func TestStreamTypeGates(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.AcceptAll())

	dir, _ := newLoopCircuit(t, TypeDirectory, a, e)
	require.NoError(dir.Build(ctx, []Router{a, e}))
	_, err := dir.OpenExitStream(ctx, "example.com", 80)
	require.Equal(ErrWrongCircuitType, err)

	s, err := dir.OpenDirectoryStream(ctx)
	require.NoError(err)
	_, err = s.Write([]byte("GET"))
	require.NoError(err)
	got := make([]byte, 3)
	_, err = io.ReadFull(s, got)
	require.NoError(err)
	require.Equal([]byte("GET"), got)
	require.NoError(s.Close())

	exit, _ := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(exit.Build(ctx, []Router{a, e}))
	_, err = exit.OpenDirectoryStream(ctx)
	require.Equal(ErrWrongCircuitType, err)
}

func TestStreamPolicyFailFast(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.RejectAll())
	c, lc := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, e}))

	before := lc.handledCells()
	_, err := c.OpenExitStream(ctx, "example.com", 80)
	var serr *StreamError
	require.ErrorAs(err, &serr)
	require.Equal(cell.EndReasonExitPolicy, serr.Reason)
	require.Equal(before, lc.handledCells(), "rejected locally, nothing sent")
	require.Empty(c.ActiveStreams())
}

// permissiveRouter reports an accept everything exit policy for a router
// whose relay side enforces its real one.
type permissiveRouter struct {
	*relaysim.Router
}

func (p permissiveRouter) ExitPolicy() *exitpolicy.Policy {
	return exitpolicy.AcceptAll()
}

func TestStreamPolicyExitReject(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.RejectAll())
	c, _ := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, permissiveRouter{e}}))

	target := exitpolicy.HostnameTarget("example.com", 80)
	require.True(c.CanHandleExitTo(target))

	_, err := c.OpenExitStream(ctx, "example.com", 80)
	var serr *StreamError
	require.ErrorAs(err, &serr)
	require.Equal(cell.EndReasonExitPolicy, serr.Reason)
	require.Empty(c.ActiveStreams())

	// The exit's verdict is remembered, later selection skips the target.
	require.False(c.CanHandleExitTo(target))
	_, err = c.OpenExitStream(ctx, "example.com", 80)
	require.ErrorAs(err, &serr)
}

func TestStreamConnectTimeout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	conn := new(recordConn)
	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.AcceptAll())
	c, _, hops := newManualCircuit(t, conn, TypeExit, a)

	_, err := c.OpenExitStream(context.Background(), "example.com", 80)
	require.Equal(ErrStreamTimeout, err)
	require.Empty(c.ActiveStreams(), "timed out stream is detached")

	// The abandoned open sent a BEGIN and then an END.
	sent := conn.sentCells()
	require.Len(sent, 2)
	var cmds []cell.RelayCommand
	for _, link := range sent {
		require.Equal(cell.Relay, link.Command)
		p := link.Payload[:]
		recognized, err := hops[0].PeelForward(p)
		require.NoError(err)
		require.True(recognized)
		r, err := cell.RelayCellFromPayload(p)
		require.NoError(err)
		cmds = append(cmds, r.Command)
	}
	require.Equal([]cell.RelayCommand{cell.RelayBegin, cell.RelayEnd}, cmds)
}

func TestStreamReadBufferedBeforeEnd(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	conn := new(recordConn)
	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.AcceptAll())
	c, nodes, _ := newManualCircuit(t, conn, TypeExit, a)

	s := newStream(c, 7, nodes[0])
	c.Lock()
	c.streams[7] = s
	c.Unlock()

	s.deliverCell(&RelayCell{RelayCell: cell.RelayCell{Command: cell.RelayData, StreamID: 7, Data: []byte("abc")}, node: nodes[0]})
	s.deliverCell(&RelayCell{RelayCell: cell.RelayCell{Command: cell.RelayEnd, StreamID: 7, Data: []byte{byte(cell.EndReasonDone)}}, node: nodes[0]})

	// Buffered data drains before the end of stream surfaces.
	buf := make([]byte, 2)
	n, err := s.Read(buf)
	require.NoError(err)
	require.Equal("ab", string(buf[:n]))
	n, err = s.Read(buf)
	require.NoError(err)
	require.Equal("c", string(buf[:n]))
	_, err = s.Read(buf)
	require.Equal(io.EOF, err)

	// A clean end detaches the stream from the circuit.
	require.Empty(c.ActiveStreams())

	// Writing against a remotely ended stream fails, and closing it must
	// not send a RELAY_END of its own.
	_, err = s.Write([]byte("late"))
	require.Equal(ErrStreamClosed, err)
	sent := len(conn.sentCells())
	require.NoError(s.Close())
	require.Len(conn.sentCells(), sent)
}

func TestStreamReadEndReason(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	conn := new(recordConn)
	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.AcceptAll())
	c, nodes, _ := newManualCircuit(t, conn, TypeExit, a)

	s := newStream(c, 9, nodes[0])
	c.Lock()
	c.streams[9] = s
	c.Unlock()

	s.deliverCell(&RelayCell{RelayCell: cell.RelayCell{Command: cell.RelayEnd, StreamID: 9, Data: []byte{byte(cell.EndReasonConnReset)}}, node: nodes[0]})

	_, err := s.Read(make([]byte, 1))
	var serr *StreamError
	require.ErrorAs(err, &serr)
	require.Equal(cell.EndReasonConnReset, serr.Reason)
}

func TestStreamCloseIdempotent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	conn := new(recordConn)
	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.AcceptAll())
	c, nodes, _ := newManualCircuit(t, conn, TypeExit, a)

	s := newStream(c, 3, nodes[0])
	c.Lock()
	c.streams[3] = s
	c.Unlock()

	require.NoError(s.Close())
	require.NoError(s.Close())
	require.Len(conn.sentCells(), 1, "exactly one RELAY_END")

	_, err := s.Read(make([]byte, 1))
	require.Equal(ErrStreamClosed, err)
	_, err = s.Write([]byte("x"))
	require.Equal(ErrStreamClosed, err)
}

func TestStreamCircuitDestroyCascade(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.AcceptAll())
	c, lc := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, e}))

	s, err := c.OpenExitStream(ctx, "example.com", 80)
	require.NoError(err)

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		readErr <- err
	}()

	c.Destroy()
	select {
	case err := <-readErr:
		require.Equal(ErrCircuitDestroyed, err)
	case <-time.After(time.Second):
		require.FailNow("read still blocked after destroy")
	}

	_, err = s.Write([]byte("x"))
	require.Equal(ErrCircuitDestroyed, err)
	_, err = c.OpenExitStream(ctx, "example.com", 80)
	require.Equal(ErrCircuitDestroyed, err)

	lc.Lock()
	require.Equal([]uint32{1}, lc.detached)
	lc.Unlock()
}

func TestMarkForClose(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.AcceptAll())
	c, _ := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, e}))

	s, err := c.OpenExitStream(ctx, "example.com", 80)
	require.NoError(err)

	c.MarkForClose()
	require.True(c.IsConnected(), "closing drains, it does not kill")

	// Traffic in flight still moves.
	_, err = s.Write([]byte("draining"))
	require.NoError(err)
	got := make([]byte, 8)
	_, err = io.ReadFull(s, got)
	require.NoError(err)
	require.Equal("draining", string(got))

	// New streams and new hops are refused while draining.
	_, err = c.OpenExitStream(ctx, "example.com", 80)
	require.Equal(ErrCircuitClosing, err)
	require.Equal(ErrCircuitClosing, c.AppendNode(NewNode(a, newRandomKeys(t))))

	// The last stream going away destroys the circuit.
	require.NoError(s.Close())
	require.False(c.IsConnected())
	_, err = c.OpenExitStream(ctx, "example.com", 80)
	require.Equal(ErrCircuitDestroyed, err)
}

func TestMarkForCloseIdle(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.AcceptAll())
	c, _ := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, e}))

	// No streams attached, the close is immediate.
	c.MarkForClose()
	require.False(c.IsConnected())
}

func TestStreamWindowAccounting(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.AcceptAll())
	c, _ := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, e}))

	s, err := c.OpenExitStream(ctx, "example.com", 80)
	require.NoError(err)

	// 100 one byte writes, each echoed back. Package windows are charged
	// per sent cell, deliver windows are topped back up by SENDMEs at the
	// usual thresholds.
	for i := 0; i < 100; i++ {
		_, err = s.Write([]byte("x"))
		require.NoError(err)
	}
	got := make([]byte, 100)
	_, err = io.ReadFull(s, got)
	require.NoError(err)

	s.Lock()
	require.Equal(streamWindowStart-100, s.pkgWindow)
	require.Equal(streamWindowStart, s.deliverWindow, "stream SENDMEs kept the deliver window topped up")
	s.Unlock()
	c.Lock()
	require.Equal(circuitWindowStart-100, c.pkgWindow)
	require.Equal(circuitWindowStart, c.deliverWindow, "circuit SENDME kept the deliver window topped up")
	c.Unlock()
}

func TestStreamConcurrent(t *testing.T) {
	t.Parallel()
	require := require.New(t)
	ctx := context.Background()

	const (
		nStreams = 4
		nWrites  = 25
		chunk    = 64
	)

	a := newTestRouter(t, "a", "192.0.2.1:9001", exitpolicy.RejectAll())
	e := newTestRouter(t, "e", "192.0.2.3:9001", exitpolicy.AcceptAll())
	c, _ := newLoopCircuit(t, TypeExit, a, e)
	require.NoError(c.Build(ctx, []Router{a, e}))

	echo := func(s *Stream, fill byte) error {
		msg := bytes.Repeat([]byte{fill}, chunk)
		for i := 0; i < nWrites; i++ {
			if _, err := s.Write(msg); err != nil {
				return err
			}
		}
		buf := make([]byte, nWrites*chunk)
		if _, err := io.ReadFull(s, buf); err != nil {
			return err
		}
		for _, b := range buf {
			if b != fill {
				return fmt.Errorf("stream %d echo corrupted: %q", s.ID(), b)
			}
		}
		return nil
	}

	streams := make([]*Stream, 0, nStreams)
	for i := 0; i < nStreams; i++ {
		s, err := c.OpenExitStream(ctx, "example.com", 80)
		require.NoError(err)
		streams = append(streams, s)
	}
	require.Len(c.ActiveStreams(), nStreams)

	errCh := make(chan error, nStreams)
	var wg sync.WaitGroup
	for i, s := range streams {
		wg.Add(1)
		go func(s *Stream, fill byte) {
			defer wg.Done()
			errCh <- echo(s, fill)
		}(s, byte('a'+i))
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(err)
	}

	for _, s := range streams {
		require.NoError(s.Close())
	}
	require.Empty(c.ActiveStreams())
}
