// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package relaysim

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"

	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/crypto"
	"github.com/wispnet/wisp/core/exitpolicy"
)

// Router is an emulated relay, holding the key material a real directory
// would publish for it. It satisfies the circuit layer's router contract.
type Router struct {
	name   string
	addr   netip.AddrPort
	onion  *ecdh.PrivateKey
	id     [crypto.IdentityLength]byte
	policy *exitpolicy.Policy
}

// NewRouter creates an emulated relay named name at addr, sampling a fresh
// onion key from r.
func NewRouter(r io.Reader, name string, addr netip.AddrPort, policy *exitpolicy.Policy) (*Router, error) {
	k, err := ecdh.NewKeypair(r)
	if err != nil {
		return nil, err
	}
	rt := &Router{name: name, addr: addr, onion: k, policy: policy}
	rt.id = crypto.Hash(k.PublicKey().Bytes())
	return rt, nil
}

// Nickname returns the relay's name.
func (r *Router) Nickname() string {
	return r.name
}

// Identity returns the relay's identity digest.
func (r *Router) Identity() [crypto.IdentityLength]byte {
	return r.id
}

// OnionKey returns the public half of the relay's onion key.
func (r *Router) OnionKey() *ecdh.PublicKey {
	return r.onion.PublicKey()
}

// Addr returns the relay's link address.
func (r *Router) Addr() netip.AddrPort {
	return r.addr
}

// ExitPolicy returns the relay's exit policy.
func (r *Router) ExitPolicy() *exitpolicy.Policy {
	return r.policy
}

// Network emulates the relay side of a single client link, the entry relay
// plus every relay reachable behind it. Exit streams are answered by an
// echo service.
type Network struct {
	entry    *Router
	byID     map[[crypto.IdentityLength]byte]*Router
	circuits map[uint32]*simCircuit
}

type simCircuit struct {
	hops []*simHop
}

type simHop struct {
	router  *Router
	state   *Hop
	streams map[uint16]bool
}

func newSimHop(r *Router, keys *crypto.NodeKeys) *simHop {
	return &simHop{router: r, state: NewHop(keys), streams: make(map[uint16]bool)}
}

// NewNetwork creates a Network over the given relays. The first relay is
// the entry the emulated link terminates at.
func NewNetwork(routers ...*Router) *Network {
	n := &Network{
		entry:    routers[0],
		byID:     make(map[[crypto.IdentityLength]byte]*Router),
		circuits: make(map[uint32]*simCircuit),
	}
	for _, r := range routers {
		n.byID[r.Identity()] = r
	}
	return n
}

// HandleCell processes one link cell from the client and returns the link
// cells the relay side sends back.
func (n *Network) HandleCell(raw *cell.Cell) ([]*cell.Cell, error) {
	switch raw.Command {
	case cell.Padding:
		return nil, nil
	case cell.Create:
		return n.onCreate(raw)
	case cell.Relay:
		return n.onRelay(raw)
	case cell.Destroy:
		delete(n.circuits, raw.CircID)
		return nil, nil
	default:
		return nil, fmt.Errorf("relaysim: unexpected link cell %v", raw.Command)
	}
}

func (n *Network) onCreate(raw *cell.Cell) ([]*cell.Cell, error) {
	if _, exists := n.circuits[raw.CircID]; exists {
		return nil, fmt.Errorf("relaysim: duplicate CREATE for circuit %d", raw.CircID)
	}
	hsData, err := raw.HandshakeData()
	if err != nil {
		return nil, err
	}
	id := n.entry.Identity()
	reply, keys, err := crypto.HandshakeReply(rand.Reader, &id, n.entry.onion, hsData)
	if err != nil {
		return nil, err
	}
	n.circuits[raw.CircID] = &simCircuit{hops: []*simHop{newSimHop(n.entry, keys)}}
	created, err := cell.NewCreated(raw.CircID, reply)
	if err != nil {
		return nil, err
	}
	return []*cell.Cell{created}, nil
}

func (n *Network) onRelay(raw *cell.Cell) ([]*cell.Cell, error) {
	sc := n.circuits[raw.CircID]
	if sc == nil {
		return nil, fmt.Errorf("relaysim: relay cell for unknown circuit %d", raw.CircID)
	}
	p := raw.Payload[:]
	for i, h := range sc.hops {
		recognized, err := h.state.PeelForward(p)
		if err != nil {
			return nil, err
		}
		if recognized {
			return n.onRecognized(raw.CircID, sc, i, p)
		}
	}
	return nil, fmt.Errorf("relaysim: unrecognized relay cell on circuit %d", raw.CircID)
}

func (n *Network) onRecognized(circID uint32, sc *simCircuit, at int, p []byte) ([]*cell.Cell, error) {
	r, err := cell.RelayCellFromPayload(p)
	if err != nil {
		return nil, err
	}
	h := sc.hops[at]
	final := at == len(sc.hops)-1

	switch r.Command {
	case cell.RelayExtend:
		if !final {
			return nil, fmt.Errorf("relaysim: EXTEND at non final hop %d", at)
		}
		req, err := cell.ExtendRequestFromBytes(r.Data)
		if err != nil {
			return nil, err
		}
		next := n.byID[req.Identity]
		if next == nil {
			return nil, fmt.Errorf("relaysim: EXTEND to unknown relay")
		}
		reply, keys, err := crypto.HandshakeReply(rand.Reader, &req.Identity, next.onion, req.Handshake[:])
		if err != nil {
			return nil, err
		}
		sc.hops = append(sc.hops, newSimHop(next, keys))
		return n.reply(circID, sc, at, &cell.RelayCell{Command: cell.RelayExtended, Data: reply})

	case cell.RelayTruncate:
		sc.hops = sc.hops[:at+1]
		return n.reply(circID, sc, at, &cell.RelayCell{
			Command: cell.RelayTruncated,
			Data:    []byte{byte(cell.DestroyReasonRequested)},
		})

	case cell.RelayBegin:
		if !final {
			return nil, fmt.Errorf("relaysim: BEGIN at non final hop %d", at)
		}
		req, err := cell.BeginRequestFromBytes(r.Data)
		if err != nil {
			return nil, err
		}
		target, err := exitTargetFromBegin(req)
		if err != nil {
			return nil, err
		}
		if !h.router.policy.AcceptsTarget(target) {
			return n.reply(circID, sc, at, &cell.RelayCell{
				Command:  cell.RelayEnd,
				StreamID: r.StreamID,
				Data:     []byte{byte(cell.EndReasonExitPolicy)},
			})
		}
		h.streams[r.StreamID] = true
		return n.reply(circID, sc, at, &cell.RelayCell{Command: cell.RelayConnected, StreamID: r.StreamID})

	case cell.RelayBeginDir:
		if !final {
			return nil, fmt.Errorf("relaysim: BEGIN_DIR at non final hop %d", at)
		}
		h.streams[r.StreamID] = true
		return n.reply(circID, sc, at, &cell.RelayCell{Command: cell.RelayConnected, StreamID: r.StreamID})

	case cell.RelayData:
		if !h.streams[r.StreamID] {
			return n.reply(circID, sc, at, &cell.RelayCell{
				Command:  cell.RelayEnd,
				StreamID: r.StreamID,
				Data:     []byte{byte(cell.EndReasonMisc)},
			})
		}
		// Echo the data back on the same stream.
		return n.reply(circID, sc, at, &cell.RelayCell{
			Command:  cell.RelayData,
			StreamID: r.StreamID,
			Data:     r.Data,
		})

	case cell.RelayEnd:
		delete(h.streams, r.StreamID)
		return nil, nil

	case cell.RelayResolve:
		// Every name resolves to the loopback in the emulation.
		addr := netip.MustParseAddr("127.0.0.1").As4()
		return n.reply(circID, sc, at, &cell.RelayCell{
			Command:  cell.RelayResolved,
			StreamID: r.StreamID,
			Data:     addr[:],
		})

	case cell.RelaySendMe, cell.RelayDrop:
		return nil, nil

	default:
		return nil, fmt.Errorf("relaysim: unexpected relay cell %v", r.Command)
	}
}

// reply wraps a relay payload originating at hop from with the backward
// layers the client expects to peel.
func (n *Network) reply(circID uint32, sc *simCircuit, from int, r *cell.RelayCell) ([]*cell.Cell, error) {
	link := &cell.Cell{CircID: circID, Command: cell.Relay}
	if err := r.EncodePayload(&link.Payload); err != nil {
		return nil, err
	}
	p := link.Payload[:]
	sc.hops[from].state.WrapBackward(p)
	for i := from - 1; i >= 0; i-- {
		sc.hops[i].state.AddBackwardLayer(p)
	}
	return []*cell.Cell{link}, nil
}

func exitTargetFromBegin(req *cell.BeginRequest) (exitpolicy.ExitTarget, error) {
	host, portStr, err := net.SplitHostPort(req.Target)
	if err != nil {
		return exitpolicy.ExitTarget{}, fmt.Errorf("relaysim: malformed BEGIN target: %v", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return exitpolicy.ExitTarget{}, fmt.Errorf("relaysim: malformed BEGIN port: %v", err)
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return exitpolicy.AddressTarget(a, uint16(port)), nil
	}
	return exitpolicy.HostnameTarget(host, uint16(port)), nil
}
