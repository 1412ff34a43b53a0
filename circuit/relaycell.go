// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"github.com/wispnet/wisp/core/cell"
)

// RelayCell is a relay cell bound to a hop of the circuit, the hop it is
// addressed to on the way out or the hop it was recognized at on the way
// in.
type RelayCell struct {
	cell.RelayCell

	node *Node
}

// Node returns the hop the cell is bound to.
func (rc *RelayCell) Node() *Node {
	return rc.node
}

// endReason extracts the reason from a RelayEnd cell's data.
func (rc *RelayCell) endReason() cell.EndReason {
	if len(rc.Data) == 0 {
		return cell.EndReasonMisc
	}
	return cell.EndReason(rc.Data[0])
}
