// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wispnet/wisp/core/crypto"
)

// Geometry describes the fixed wire layout of link and relay cells.
type Geometry struct {

	// CellLength is the length of a link cell on the wire.
	CellLength int

	// CircIDLength is the length of the circuit identifier field.
	CircIDLength int

	// CommandLength is the length of the link command field.
	CommandLength int

	// PayloadLength is the length of the link cell payload.
	PayloadLength int

	// RelayHeaderLength is the length of the relay header inside the
	// payload of a RELAY cell.
	RelayHeaderLength int

	// RelayPayloadLength is the relay data capacity of a single cell.
	RelayPayloadLength int

	// RelayDigestLength is the length of the truncated rolling digest
	// carried in each relay header.
	RelayDigestLength int

	// ClientHandshakeLength is the length of the handshake payload a
	// client places in a CREATE cell.
	ClientHandshakeLength int

	// HandshakeReplyLength is the length of the handshake reply carried
	// in a CREATED cell.
	HandshakeReplyLength int
}

// NewGeometry returns the cell geometry used on all links.
func NewGeometry() *Geometry {
	return &Geometry{
		CellLength:            CellLength,
		CircIDLength:          CircIDLength,
		CommandLength:         1,
		PayloadLength:         PayloadLength,
		RelayHeaderLength:     RelayHeaderLength,
		RelayPayloadLength:    RelayPayloadLength,
		RelayDigestLength:     crypto.RelayDigestLength,
		ClientHandshakeLength: crypto.ClientHandshakeLength,
		HandshakeReplyLength:  crypto.HandshakeReplyLength,
	}
}

func (g *Geometry) String() string {
	var b strings.Builder
	b.WriteString("wisp_cell_geometry:\n")
	b.WriteString(fmt.Sprintf("cell size: %d\n", g.CellLength))
	b.WriteString(fmt.Sprintf("payload size: %d\n", g.PayloadLength))
	b.WriteString(fmt.Sprintf("relay header size: %d\n", g.RelayHeaderLength))
	b.WriteString(fmt.Sprintf("relay payload size: %d\n", g.RelayPayloadLength))
	b.WriteString(fmt.Sprintf("client handshake size: %d\n", g.ClientHandshakeLength))
	b.WriteString(fmt.Sprintf("handshake reply size: %d\n", g.HandshakeReplyLength))
	return b.String()
}

// Display returns the geometry rendered as TOML.
func (g *Geometry) Display() string {
	buf := new(bytes.Buffer)
	encoder := toml.NewEncoder(buf)
	err := encoder.Encode(g)
	if err != nil {
		panic(err)
	}
	return buf.String()
}
