// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package conn implements the link connection that carries circuit cells
// between a client and its entry relay.
package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"

	"github.com/wispnet/wisp/circuit"
	"github.com/wispnet/wisp/core/cell"
)

const (
	defaultKeepAliveInterval = 3 * time.Minute
	defaultConnectTimeout    = 1 * time.Minute

	// circIDInitiatorBit is set on every circuit id allocated by the
	// initiating side of the link, keeping the two allocation spaces
	// disjoint.
	circIDInitiatorBit = uint32(1) << 31
	circIDMask         = circIDInitiatorBit - 1
)

var (
	// ErrClosed is the error returned when an operation fails because the
	// connection has been closed.
	ErrClosed = errors.New("conn: connection closed")

	// ErrNoCircuitIDs is the error returned when the circuit id space of
	// the connection is exhausted.
	ErrNoCircuitIDs = errors.New("conn: no available circuit ids")

	defaultDialer = net.Dialer{
		KeepAlive: defaultKeepAliveInterval,
		Timeout:   defaultConnectTimeout,
	}
)

// Config is the configuration of a link connection.
type Config struct {
	// LogBackend is the logging backend to use for connection and circuit
	// logging.
	LogBackend *log.Backend

	// KeepAliveInterval is the idle interval after which a Padding cell is
	// written to the link, 0 selects a sane default.
	KeepAliveInterval time.Duration

	// RelayResponseTimeout is passed through to circuits created on this
	// connection, 0 selects a sane default.
	RelayResponseTimeout time.Duration

	// StreamConnectTimeout is passed through to circuits created on this
	// connection, 0 selects a sane default.
	StreamConnectTimeout time.Duration

	// DialContextFn is the optional alternative Dialer.DialContext function
	// to be used by Dial when establishing tcp connections.
	DialContextFn func(ctx context.Context, network, address string) (net.Conn, error)
}

func (cfg *Config) validate() error {
	if cfg.LogBackend == nil {
		return errors.New("conn: no LogBackend provided")
	}
	return nil
}

type sendCtx struct {
	cell   *cell.Cell
	doneFn func(error)
}

// Conn multiplexes circuits over a single reliable ordered link. It frames
// fixed size cells onto the underlying net.Conn, demultiplexes inbound cells
// onto the owning circuits by circuit id, and serializes all writes through
// a single worker.
type Conn struct {
	sync.Mutex
	worker.Worker

	log *logging.Logger
	cfg *Config
	nc  net.Conn

	circuits   map[uint32]*circuit.Circuit
	nextCircID uint32

	sendCh    chan *sendCtx
	closedCh  chan interface{}
	closeOnce sync.Once
	haltOnce  sync.Once

	keepAliveInterval time.Duration
	isConnected       bool

	txBuf []byte
}

// New wraps an established net.Conn in a link connection and starts its
// read and write workers. The connection assumes ownership of nc.
func New(cfg *Config, nc net.Conn) (*Conn, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Conn{
		log:               cfg.LogBackend.GetLogger("conn:" + nc.RemoteAddr().String()),
		cfg:               cfg,
		nc:                nc,
		circuits:          make(map[uint32]*circuit.Circuit),
		nextCircID:        rand.NewMath().Uint32() & circIDMask,
		sendCh:            make(chan *sendCtx),
		closedCh:          make(chan interface{}),
		keepAliveInterval: cfg.KeepAliveInterval,
		isConnected:       true,
	}
	if c.keepAliveInterval <= 0 {
		c.keepAliveInterval = defaultKeepAliveInterval
	}

	c.Go(c.readWorker)
	c.Go(c.writeWorker)

	return c, nil
}

// RemoteAddr returns the remote address of the underlying transport.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// IsLive returns true if the connection is usable.
func (c *Conn) IsLive() bool {
	c.Lock()
	defer c.Unlock()
	return c.isConnected
}

// SendCell queues a link cell for transmission and blocks until the cell has
// been handed to the transport, or the connection is torn down.
func (c *Conn) SendCell(cl *cell.Cell) error {
	c.Lock()
	if !c.isConnected {
		c.Unlock()
		return ErrClosed
	}

	errCh := make(chan error)
	sc := &sendCtx{
		cell: cl,
		doneFn: func(err error) {
			errCh <- err
		},
	}
	select {
	case c.sendCh <- sc:
	case <-c.closedCh:
		c.Unlock()
		return ErrClosed
	}

	// Release the lock so this won't deadlock in shutdown.
	c.Unlock()

	return <-errCh
}

// NewCircuit allocates a circuit id and creates a circuit of the given type
// riding on this connection. Inbound cells bearing the allocated id are
// dispatched to the returned circuit until it detaches.
func (c *Conn) NewCircuit(t circuit.Type) (*circuit.Circuit, error) {
	c.Lock()
	defer c.Unlock()

	if !c.isConnected {
		return nil, ErrClosed
	}

	id, err := c.allocCircIDLocked()
	if err != nil {
		return nil, err
	}
	circ, err := circuit.New(&circuit.Config{
		Conn:                 c,
		ID:                   id,
		Type:                 t,
		LogBackend:           c.cfg.LogBackend,
		RelayResponseTimeout: c.cfg.RelayResponseTimeout,
		StreamConnectTimeout: c.cfg.StreamConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	c.circuits[id] = circ

	c.log.Debugf("Created circuit %d (%v).", id, t)
	return circ, nil
}

// DetachCircuit removes the circuit with the given id from inbound dispatch.
func (c *Conn) DetachCircuit(id uint32) {
	c.Lock()
	defer c.Unlock()
	delete(c.circuits, id)
}

func (c *Conn) allocCircIDLocked() (uint32, error) {
	for attempts := uint32(0); attempts < circIDMask; attempts++ {
		c.nextCircID = (c.nextCircID + 1) & circIDMask
		if c.nextCircID == 0 {
			continue
		}
		id := c.nextCircID | circIDInitiatorBit
		if _, ok := c.circuits[id]; !ok {
			return id, nil
		}
	}
	return 0, ErrNoCircuitIDs
}

// Close tears down the connection, destroying every circuit riding on it,
// and waits for the workers to terminate.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	c.haltOnce.Do(c.Halt)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		// Unblock senders parked on the queue before taking the lock.
		close(c.closedCh)

		c.Lock()
		c.isConnected = false

		// Force drain the send queue, the write worker is done with it.
		for drained := false; !drained; {
			select {
			case sc := <-c.sendCh:
				sc.doneFn(ErrClosed)
			default:
				drained = true
			}
		}

		circs := make([]*circuit.Circuit, 0, len(c.circuits))
		for _, circ := range c.circuits {
			circs = append(circs, circ)
		}
		c.circuits = make(map[uint32]*circuit.Circuit)
		c.Unlock()

		c.nc.Close()
		for _, circ := range circs {
			circ.Destroy()
		}

		c.log.Debugf("Connection closed: %v", err)
	})
}

func (c *Conn) readWorker() {
	defer c.log.Debugf("Read worker terminating.")

	var buf [cell.CellLength]byte
	for {
		if _, err := io.ReadFull(c.nc, buf[:]); err != nil {
			c.log.Debugf("Read failed: %v", err)
			c.shutdown(err)
			return
		}
		cl, err := cell.FromBytes(buf[:])
		if err != nil {
			// Unknown commands are dropped rather than treated as
			// fatal so that the link survives protocol additions.
			c.log.Warningf("Dropping undecodable cell: %v", err)
			droppedCells.Inc()
			continue
		}
		receivedCells.Inc()
		c.onCell(cl)
	}
}

func (c *Conn) onCell(cl *cell.Cell) {
	if cl.CircID == 0 {
		if cl.Command != cell.Padding {
			c.log.Warningf("Dropping link level %v cell.", cl.Command)
			droppedCells.Inc()
		}
		return
	}

	c.Lock()
	circ := c.circuits[cl.CircID]
	c.Unlock()
	if circ == nil {
		c.log.Debugf("Dropping %v cell for unknown circuit %d.", cl.Command, cl.CircID)
		droppedCells.Inc()
		return
	}

	switch cl.Command {
	case cell.Relay:
		circ.DeliverRelayCell(cl)
	case cell.Created, cell.Destroy, cell.Padding:
		circ.DeliverControlCell(cl)
	default:
		// Create is a responder side command, a client link never
		// services it.
		c.log.Warningf("Dropping %v cell on circuit %d.", cl.Command, cl.CircID)
		droppedCells.Inc()
	}
}

func (c *Conn) writeWorker() {
	defer c.log.Debugf("Write worker terminating.")

	timer := time.NewTimer(c.keepAliveInterval)
	defer timer.Stop()
	for {
		var timerFired bool
		select {
		case <-c.HaltCh():
			c.shutdown(ErrClosed)
			return
		case <-c.closedCh:
			return
		case <-timer.C:
			timerFired = true
			if err := c.writeCell(cell.NewPadding()); err != nil {
				c.log.Debugf("Failed to send keepalive: %v", err)
				c.shutdown(err)
				return
			}
			keepAlivesSent.Inc()
		case sc := <-c.sendCh:
			err := c.writeCell(sc.cell)
			sc.doneFn(err)
			if err != nil {
				c.log.Debugf("Failed to send cell: %v", err)
				c.shutdown(err)
				return
			}
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}
		timer.Reset(c.keepAliveInterval)
	}
}

func (c *Conn) writeCell(cl *cell.Cell) error {
	c.txBuf = cl.ToBytes(c.txBuf[:0])
	if _, err := c.nc.Write(c.txBuf); err != nil {
		return err
	}
	sentCells.Inc()
	return nil
}

var _ circuit.Connection = (*Conn)(nil)
