// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"

	"github.com/katzenpost/core/crypto/rand"

	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/crypto"
)

// CreateTo performs the handshake with router r over the connection,
// keying the circuit's entry hop. The circuit must not have one yet.
func (c *Circuit) CreateTo(ctx context.Context, r Router) error {
	c.Lock()
	switch c.state {
	case stateDestroyed:
		c.Unlock()
		return ErrCircuitDestroyed
	case stateClosing:
		c.Unlock()
		return ErrCircuitClosing
	case stateUnconnected:
	default:
		c.Unlock()
		return ErrEntryBuilt
	}
	c.state = stateBuilding
	c.Unlock()

	id := r.Identity()
	hs, err := crypto.NewClientHandshake(rand.Reader, &id, r.OnionKey())
	if err != nil {
		return err
	}
	defer hs.Reset()

	create, err := cell.NewCreate(c.id, hs.ToBytes(nil))
	if err != nil {
		return err
	}
	if err = c.conn.SendCell(create); err != nil {
		return &ConnectError{Err: err}
	}
	c.log.Debugf("Sent CREATE to %v", r.Nickname())

	reply, err := c.awaitControl(ctx, cell.Created)
	if err != nil {
		return err
	}
	hsData, err := reply.HandshakeData()
	if err != nil {
		return newProtocolError("malformed CREATED from %v: %v", r.Nickname(), err)
	}
	keys, err := hs.ProcessReply(hsData)
	if err != nil {
		return newProtocolError("invalid CREATED from %v: %v", r.Nickname(), err)
	}
	return c.AppendNode(NewNode(r, keys))
}

// ExtendTo extends the circuit by one hop, asking the current final hop to
// connect to router r and relaying the handshake through it.
func (c *Circuit) ExtendTo(ctx context.Context, r Router) error {
	final, err := c.FinalNode()
	if err != nil {
		return err
	}

	id := r.Identity()
	hs, err := crypto.NewClientHandshake(rand.Reader, &id, r.OnionKey())
	if err != nil {
		return err
	}
	defer hs.Reset()

	req := &cell.ExtendRequest{Addr: r.Addr(), Identity: id}
	copy(req.Handshake[:], hs.ToBytes(nil))
	rc, err := c.CreateRelayCell(cell.RelayExtend, 0, final)
	if err != nil {
		return err
	}
	rc.Data = req.ToBytes(nil)
	if err = c.SendRelayCell(rc); err != nil {
		return err
	}
	c.log.Debugf("Sent EXTEND to %v via %v", r.Nickname(), final.router.Nickname())

	reply, err := c.ReceiveRelayCell(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		return ErrResponseTimeout
	}
	if reply.Command != cell.RelayExtended || reply.Node() != final {
		return newProtocolError("expected EXTENDED from %v, got %v", final.router.Nickname(), reply.Command)
	}
	keys, err := hs.ProcessReply(reply.Data)
	if err != nil {
		return newProtocolError("invalid EXTENDED for %v: %v", r.Nickname(), err)
	}
	return c.AppendNode(NewNode(r, keys))
}

// Build drives the full construction of the circuit along path, leaving it
// open on success. On failure the circuit is left partially built and the
// caller owns its teardown.
func (c *Circuit) Build(ctx context.Context, path []Router) error {
	if len(path) == 0 {
		return ErrNoHops
	}
	if err := c.CreateTo(ctx, path[0]); err != nil {
		return err
	}
	for _, r := range path[1:] {
		if err := c.ExtendTo(ctx, r); err != nil {
			return err
		}
	}

	c.Lock()
	if c.state == stateBuilding {
		c.state = stateOpen
	}
	open := c.state == stateOpen
	c.Unlock()
	if !open {
		return ErrCircuitDestroyed
	}
	circuitsBuilt.Inc()
	c.log.Debugf("Open with %d hops", len(path))
	return nil
}

// CannibalizeTo repurposes an open circuit for a new target by extending
// it one hop to target, reusing the hops already built. The target must
// not be the hop the circuit already ends at and must be address family
// compatible with it.
func (c *Circuit) CannibalizeTo(ctx context.Context, target Router) error {
	c.Lock()
	switch c.state {
	case stateDestroyed:
		c.Unlock()
		return ErrCircuitDestroyed
	case stateClosing:
		c.Unlock()
		return ErrCircuitClosing
	case stateOpen:
	default:
		c.Unlock()
		return ErrCircuitNotOpen
	}
	final := c.nodes[len(c.nodes)-1]
	c.Unlock()

	finalID := final.router.Identity()
	targetID := target.Identity()
	if finalID == targetID {
		return ErrAlreadyAtTarget
	}
	finalAddr := final.router.Addr().Addr().Unmap()
	targetAddr := target.Addr().Addr().Unmap()
	if finalAddr.Is4() != targetAddr.Is4() {
		return ErrFamilyMismatch
	}

	if err := c.ExtendTo(ctx, target); err != nil {
		return err
	}
	c.log.Debugf("Cannibalized towards %v", target.Nickname())
	return nil
}

// TruncateTo drops every hop past node, asking node to sever its onward
// link. Streams attached past the truncation point are orphaned.
func (c *Circuit) TruncateTo(ctx context.Context, node *Node) error {
	rc, err := c.CreateRelayCell(cell.RelayTruncate, 0, node)
	if err != nil {
		return err
	}
	if err = c.SendRelayCell(rc); err != nil {
		return err
	}

	reply, err := c.ReceiveRelayCell(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		return ErrResponseTimeout
	}
	if reply.Command != cell.RelayTruncated || reply.Node() != node {
		return newProtocolError("expected TRUNCATED from %v, got %v", node.router.Nickname(), reply.Command)
	}

	c.Lock()
	var trimmed []*Node
	if idx := c.indexOfLocked(node); idx >= 0 {
		trimmed = append(trimmed, c.nodes[idx+1:]...)
		c.nodes = c.nodes[:idx+1]
	}
	c.Unlock()
	for _, n := range trimmed {
		n.reset()
	}
	if len(trimmed) > 0 {
		c.log.Debugf("Truncated %d hops past %v", len(trimmed), node.router.Nickname())
	}
	return nil
}
