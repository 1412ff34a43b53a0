// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements the client side of Wisp onion circuits, the
// layered relay crypto, stream multiplexing and end to end flow control on
// top of a link connection.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/crypto"
	"github.com/wispnet/wisp/core/exitpolicy"
)

const (
	defaultRelayResponseTimeout = 20 * time.Second
	defaultStreamConnectTimeout = 30 * time.Second

	responseQueueSize = 32
	controlQueueSize  = 4

	circuitWindowStart     = 1000
	circuitWindowIncrement = 100
)

// Type is the purpose tag of a circuit, fixed at creation.
type Type int

const (
	// TypeExit is a circuit for application streams to exit targets.
	TypeExit Type = iota

	// TypeDirectory is a circuit for directory streams.
	TypeDirectory

	// TypeInternal is a circuit that terminates inside the network.
	TypeInternal
)

// String returns the circuit type as a human readable string.
func (t Type) String() string {
	switch t {
	case TypeExit:
		return "exit"
	case TypeDirectory:
		return "directory"
	case TypeInternal:
		return "internal"
	default:
		return fmt.Sprintf("[unknown type: %d]", int(t))
	}
}

type state uint32

const (
	stateUnconnected state = iota
	stateBuilding
	stateOpen
	stateClosing
	stateDestroyed
)

func (s state) String() string {
	switch s {
	case stateUnconnected:
		return "unconnected"
	case stateBuilding:
		return "building"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	case stateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("[unknown state: %d]", uint32(s))
	}
}

// Connection is the link connection a circuit sends its cells on. The
// circuit holds a non owning handle, the connection outlives its circuits.
type Connection interface {
	// SendCell queues a link cell for transmission, blocking until the
	// cell is handed to the transport.
	SendCell(c *cell.Cell) error

	// IsLive returns true if the connection is usable.
	IsLive() bool

	// DetachCircuit removes the circuit with the given id from inbound
	// dispatch.
	DetachCircuit(id uint32)
}

// Config is the configuration of a single circuit.
type Config struct {
	// Conn is the connection the circuit rides on.
	Conn Connection

	// ID is the connection scoped circuit identifier.
	ID uint32

	// Type is the circuit's purpose tag.
	Type Type

	// LogBackend is the logging backend to use for circuit logging.
	LogBackend *log.Backend

	// RelayResponseTimeout is the maximum time to wait for a circuit
	// scoped relay response, 0 selects a sane default.
	RelayResponseTimeout time.Duration

	// StreamConnectTimeout is the maximum time to wait for the exit to
	// answer a stream open, 0 selects a sane default.
	StreamConnectTimeout time.Duration
}

func (cfg *Config) validate() error {
	if cfg.Conn == nil {
		return errors.New("circuit: no Connection provided")
	}
	if cfg.ID == 0 {
		return errors.New("circuit: no circuit id provided")
	}
	if cfg.LogBackend == nil {
		return errors.New("circuit: no LogBackend provided")
	}
	switch cfg.Type {
	case TypeExit, TypeDirectory, TypeInternal:
	default:
		return fmt.Errorf("circuit: invalid circuit type: %d", int(cfg.Type))
	}
	return nil
}

// Circuit is a client onion circuit, an ordered path of keyed hops
// multiplexed onto a Connection.
type Circuit struct {
	sync.Mutex

	log  *logging.Logger
	conn Connection

	id    uint32
	ctype Type

	state state
	nodes []*Node

	streams      map[uint16]*Stream
	nextStreamID uint16

	failedExits map[exitpolicy.ExitTarget]struct{}

	respCh      chan *RelayCell
	ctlCh       chan *cell.Cell
	destroyedCh chan struct{}

	// txLock serializes the forward onion transforms so concurrent sends
	// cannot interleave cipher and digest state.
	txLock sync.Mutex

	// rxLock does the same for the backward peels.
	rxLock sync.Mutex

	pkgWindow     int
	pkgWindowWait chan struct{}
	deliverWindow int

	relayResponseTimeout time.Duration
	streamConnectTimeout time.Duration
}

// New creates a circuit on cfg.Conn. The circuit starts out unconnected,
// CreateTo or Build establish its path.
func New(cfg *Config) (*Circuit, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Circuit{
		log:                  cfg.LogBackend.GetLogger(fmt.Sprintf("circuit:%d", cfg.ID)),
		conn:                 cfg.Conn,
		id:                   cfg.ID,
		ctype:                cfg.Type,
		streams:              make(map[uint16]*Stream),
		nextStreamID:         uint16(rand.NewMath().Uint32()),
		failedExits:          make(map[exitpolicy.ExitTarget]struct{}),
		respCh:               make(chan *RelayCell, responseQueueSize),
		ctlCh:                make(chan *cell.Cell, controlQueueSize),
		destroyedCh:          make(chan struct{}),
		pkgWindow:            circuitWindowStart,
		deliverWindow:        circuitWindowStart,
		relayResponseTimeout: cfg.RelayResponseTimeout,
		streamConnectTimeout: cfg.StreamConnectTimeout,
	}
	if c.relayResponseTimeout <= 0 {
		c.relayResponseTimeout = defaultRelayResponseTimeout
	}
	if c.streamConnectTimeout <= 0 {
		c.streamConnectTimeout = defaultStreamConnectTimeout
	}
	return c, nil
}

// CircuitID returns the connection scoped identifier of the circuit.
func (c *Circuit) CircuitID() uint32 {
	return c.id
}

// Type returns the circuit's purpose tag.
func (c *Circuit) Type() Type {
	return c.ctype
}

// IsConnected returns true when the circuit has at least one keyed hop, has
// not been torn down, and its connection is live.
func (c *Circuit) IsConnected() bool {
	c.Lock()
	defer c.Unlock()
	switch c.state {
	case stateBuilding, stateOpen, stateClosing:
	default:
		return false
	}
	return len(c.nodes) > 0 && c.conn.IsLive()
}

// AppendNode adds a keyed hop to the end of the path.
func (c *Circuit) AppendNode(n *Node) error {
	c.Lock()
	defer c.Unlock()
	switch c.state {
	case stateDestroyed:
		return ErrCircuitDestroyed
	case stateClosing:
		return ErrCircuitClosing
	}
	if c.state == stateUnconnected {
		c.state = stateBuilding
	}
	c.nodes = append(c.nodes, n)
	return nil
}

// FinalNode returns the hop the path currently ends at.
func (c *Circuit) FinalNode() (*Node, error) {
	c.Lock()
	defer c.Unlock()
	if c.state == stateDestroyed {
		return nil, ErrCircuitDestroyed
	}
	if len(c.nodes) == 0 {
		return nil, ErrNoHops
	}
	return c.nodes[len(c.nodes)-1], nil
}

// CreateRelayCell constructs a relay cell of the given command and stream
// id, addressed to the target hop. The target must be part of the path.
func (c *Circuit) CreateRelayCell(cmd cell.RelayCommand, streamID uint16, target *Node) (*RelayCell, error) {
	c.Lock()
	defer c.Unlock()
	if c.state == stateDestroyed {
		return nil, ErrCircuitDestroyed
	}
	if c.indexOfLocked(target) < 0 {
		return nil, ErrNotInPath
	}
	return &RelayCell{
		RelayCell: cell.RelayCell{Command: cmd, StreamID: streamID},
		node:      target,
	}, nil
}

// SendRelayCell commits the target hop's forward rolling digest over the
// cell, applies the onion layers from the target inward and hands the
// result to the connection.
func (c *Circuit) SendRelayCell(rc *RelayCell) error {
	c.Lock()
	if c.state == stateDestroyed {
		c.Unlock()
		return ErrCircuitDestroyed
	}
	idx := c.indexOfLocked(rc.node)
	if idx < 0 {
		c.Unlock()
		return ErrNotInPath
	}
	wrap := make([]*Node, idx+1)
	copy(wrap, c.nodes[:idx+1])
	c.Unlock()

	link := &cell.Cell{CircID: c.id, Command: cell.Relay}
	rc.Digest = [crypto.RelayDigestLength]byte{}
	if err := rc.RelayCell.EncodePayload(&link.Payload); err != nil {
		return err
	}

	// The send happens under txLock as well: the target hop replays the
	// forward digests in arrival order, so cells must hit the wire in the
	// order their digests were committed.
	c.txLock.Lock()
	digest := rc.node.digestForward(link.Payload[:])
	cell.SetRelayDigest(link.Payload[:], &digest)
	for i := len(wrap) - 1; i >= 0; i-- {
		wrap[i].encryptForward(link.Payload[:])
	}
	err := c.conn.SendCell(link)
	c.txLock.Unlock()
	rc.Digest = digest

	if err != nil {
		return &ConnectError{Err: err}
	}
	cellsSent.Inc()
	return nil
}

// ReceiveRelayCell returns the next circuit scoped relay cell. A nil cell
// with a nil error indicates that the response window elapsed without
// traffic.
func (c *Circuit) ReceiveRelayCell(ctx context.Context) (*RelayCell, error) {
	select {
	case <-c.destroyedCh:
		return nil, ErrCircuitDestroyed
	default:
	}

	timer := time.NewTimer(c.relayResponseTimeout)
	defer timer.Stop()
	select {
	case rc := <-c.respCh:
		return rc, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.destroyedCh:
		return nil, ErrCircuitDestroyed
	}
}

// DeliverRelayCell feeds an inbound link cell of command Relay into the
// circuit. The payload is peeled hop by hop until a rolling digest claims
// it, then the plaintext is dispatched by stream id. Cells that no hop
// recognizes are discarded.
func (c *Circuit) DeliverRelayCell(raw *cell.Cell) {
	rc, err := c.peelCell(raw)
	if err != nil {
		c.log.Debugf("Discarding relay cell: %v", err)
		return
	}
	c.dispatchRelayCell(rc)
}

var errUnrecognizedCell = errors.New("no hop recognizes the cell")

func (c *Circuit) peelCell(raw *cell.Cell) (*RelayCell, error) {
	c.Lock()
	if c.state == stateDestroyed {
		c.Unlock()
		return nil, ErrCircuitDestroyed
	}
	nodes := make([]*Node, len(c.nodes))
	copy(nodes, c.nodes)
	c.Unlock()
	if len(nodes) == 0 {
		return nil, newProtocolError("relay cell on a bare circuit")
	}

	c.rxLock.Lock()
	defer c.rxLock.Unlock()
	p := raw.Payload[:]
	for i, n := range nodes {
		n.decryptBackward(p)
		recognized, err := n.recognizeBackward(p)
		if err != nil {
			return nil, err
		}
		if !recognized {
			continue
		}
		r, err := cell.RelayCellFromPayload(p)
		if err != nil {
			return nil, newProtocolError("malformed relay payload from hop %d: %v", i, err)
		}
		cellsReceived.Inc()
		return &RelayCell{RelayCell: *r, node: n}, nil
	}
	unrecognizedCells.Inc()
	return nil, errUnrecognizedCell
}

func (c *Circuit) dispatchRelayCell(rc *RelayCell) {
	if rc.Command == cell.RelayDrop {
		return
	}

	if rc.StreamID != 0 {
		switch rc.Command {
		case cell.RelayData, cell.RelayEnd, cell.RelayConnected, cell.RelaySendMe, cell.RelayResolved:
		default:
			c.log.Debugf("Dropping %v: unexpected stream scope", rc.Command)
			return
		}
		if rc.Command == cell.RelayData {
			c.noteDataDelivered(rc.node)
		}
		c.Lock()
		s := c.streams[rc.StreamID]
		c.Unlock()
		if s == nil {
			droppedStreamCells.Inc()
			c.log.Debugf("Dropping %v for unknown stream %d", rc.Command, rc.StreamID)
			return
		}
		s.deliverCell(rc)
		return
	}

	switch rc.Command {
	case cell.RelaySendMe:
		c.widenPackageWindow(circuitWindowIncrement)
	case cell.RelayExtended, cell.RelayTruncated:
		select {
		case c.respCh <- rc:
		default:
			c.log.Warningf("Dropping %v: response queue full", rc.Command)
		}
	default:
		c.log.Debugf("Dropping circuit scoped %v", rc.Command)
	}
}

// DeliverControlCell feeds an inbound non relay link cell into the circuit.
func (c *Circuit) DeliverControlCell(ctl *cell.Cell) {
	switch ctl.Command {
	case cell.Padding:
	case cell.Created:
		select {
		case c.ctlCh <- ctl:
		default:
			c.log.Debugf("Dropping unsolicited %v", ctl.Command)
		}
	case cell.Destroy:
		c.log.Debugf("Peer destroyed circuit: %v", ctl.DestroyReason())
		c.destroy(cell.DestroyReasonNone, false)
	default:
		c.log.Debugf("Dropping control cell %v", ctl.Command)
	}
}

func (c *Circuit) awaitControl(ctx context.Context, want cell.Command) (*cell.Cell, error) {
	timer := time.NewTimer(c.relayResponseTimeout)
	defer timer.Stop()
	for {
		select {
		case ctl := <-c.ctlCh:
			if ctl.Command != want {
				c.log.Debugf("Ignoring control cell %v while awaiting %v", ctl.Command, want)
				continue
			}
			return ctl, nil
		case <-timer.C:
			return nil, ErrResponseTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.destroyedCh:
			return nil, ErrCircuitDestroyed
		}
	}
}

// CanHandleExitTo returns true when the final hop's exit policy permits the
// target and the target has not already failed on this circuit.
func (c *Circuit) CanHandleExitTo(target exitpolicy.ExitTarget) bool {
	c.Lock()
	defer c.Unlock()
	if !c.canExitLocked() {
		return false
	}
	if _, failed := c.failedExits[target]; failed {
		return false
	}
	return c.nodes[len(c.nodes)-1].router.ExitPolicy().AcceptsTarget(target)
}

// CanHandleExitToPort returns true when the final hop's exit policy could
// permit some target on the given port and no target on that port has
// already failed on this circuit.
func (c *Circuit) CanHandleExitToPort(port uint16) bool {
	c.Lock()
	defer c.Unlock()
	if !c.canExitLocked() {
		return false
	}
	for t := range c.failedExits {
		if t.Port == port {
			return false
		}
	}
	return c.nodes[len(c.nodes)-1].router.ExitPolicy().AcceptsPort(port)
}

func (c *Circuit) canExitLocked() bool {
	switch c.state {
	case stateDestroyed, stateClosing:
		return false
	}
	return len(c.nodes) > 0
}

// RecordFailedExitTarget remembers a target this circuit failed to reach,
// so that later exit selection skips it. The memory lasts for the life of
// the circuit.
func (c *Circuit) RecordFailedExitTarget(target exitpolicy.ExitTarget) {
	c.Lock()
	defer c.Unlock()
	if c.state == stateDestroyed {
		return
	}
	c.failedExits[target] = struct{}{}
}

// ActiveStreams returns a snapshot of the streams attached to the circuit.
func (c *Circuit) ActiveStreams() []*Stream {
	c.Lock()
	defer c.Unlock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	return streams
}

// MarkForClose moves the circuit into the closing state. No new streams or
// hops are accepted, traffic in flight drains, and the circuit destroys
// itself once the last stream detaches. A circuit with no streams is
// destroyed immediately.
func (c *Circuit) MarkForClose() {
	c.Lock()
	switch c.state {
	case stateDestroyed, stateClosing:
		c.Unlock()
		return
	}
	if len(c.streams) == 0 {
		c.Unlock()
		c.destroy(cell.DestroyReasonFinished, true)
		return
	}
	c.state = stateClosing
	n := len(c.streams)
	c.Unlock()
	c.log.Debugf("Marked for close with %d active streams", n)
}

// Destroy tears the circuit down from any state. Attached streams observe a
// connection lost condition, hop key material is wiped, and a best effort
// DESTROY cell is sent to the network.
func (c *Circuit) Destroy() {
	c.destroy(cell.DestroyReasonRequested, true)
}

func (c *Circuit) destroy(reason cell.DestroyReason, sendDestroy bool) {
	c.Lock()
	if c.state == stateDestroyed {
		c.Unlock()
		return
	}
	c.state = stateDestroyed
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = nil
	nodes := c.nodes
	c.nodes = nil
	close(c.destroyedCh)
	c.Unlock()

	for _, s := range streams {
		s.onCircuitDestroyed()
	}
	for _, n := range nodes {
		n.reset()
	}
	if sendDestroy {
		if err := c.conn.SendCell(cell.NewDestroy(c.id, reason)); err != nil {
			c.log.Debugf("Failed to send DESTROY: %v", err)
		}
	}
	c.conn.DetachCircuit(c.id)
	circuitsDestroyed.Inc()
	c.log.Debugf("Destroyed: %v", reason)
}

func (c *Circuit) removeStream(s *Stream) {
	c.Lock()
	if cur, ok := c.streams[s.id]; ok && cur == s {
		delete(c.streams, s.id)
	}
	drained := c.state == stateClosing && len(c.streams) == 0
	c.Unlock()
	if drained {
		c.destroy(cell.DestroyReasonFinished, true)
	}
}

func (c *Circuit) allocStreamIDLocked() uint16 {
	for {
		c.nextStreamID++
		if c.nextStreamID == 0 {
			continue
		}
		if _, busy := c.streams[c.nextStreamID]; !busy {
			return c.nextStreamID
		}
	}
}

func (c *Circuit) indexOfLocked(n *Node) int {
	for i, cur := range c.nodes {
		if cur == n {
			return i
		}
	}
	return -1
}

// consumePackageWindow blocks until a unit of the circuit level package
// window is available, or until the circuit or the caller's stream dies.
func (c *Circuit) consumePackageWindow(abortCh <-chan struct{}) error {
	c.Lock()
	for c.pkgWindow <= 0 {
		if c.pkgWindowWait == nil {
			c.pkgWindowWait = make(chan struct{})
		}
		waitCh := c.pkgWindowWait
		c.Unlock()
		select {
		case <-waitCh:
		case <-c.destroyedCh:
			return ErrCircuitDestroyed
		case <-abortCh:
			return ErrStreamClosed
		}
		c.Lock()
	}
	c.pkgWindow--
	c.Unlock()
	return nil
}

func (c *Circuit) widenPackageWindow(n int) {
	c.Lock()
	c.pkgWindow += n
	if c.pkgWindowWait != nil {
		close(c.pkgWindowWait)
		c.pkgWindowWait = nil
	}
	c.Unlock()
}

// noteDataDelivered charges an inbound data cell against the circuit level
// deliver window, topping the sender up with a SENDME at the usual
// threshold.
func (c *Circuit) noteDataDelivered(from *Node) {
	c.Lock()
	c.deliverWindow--
	topUp := c.deliverWindow <= circuitWindowStart-circuitWindowIncrement
	if topUp {
		c.deliverWindow += circuitWindowIncrement
	}
	c.Unlock()
	if !topUp {
		return
	}
	rc, err := c.CreateRelayCell(cell.RelaySendMe, 0, from)
	if err != nil {
		return
	}
	if err = c.SendRelayCell(rc); err != nil {
		c.log.Debugf("Failed to send circuit SENDME: %v", err)
	}
}
