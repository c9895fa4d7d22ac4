// Copyright 2025 R5 Labs
// This file is part of the R5 Core library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package discover

import (
	"errors"
	"net"

	"github.com/ethereum/go-ethereum/common/mclock"

	"github.com/r5-labs/discv5/client/p2p/enode"
	"github.com/r5-labs/discv5/client/p2p/discover/v5wire"
)

var (
	errClosed = errors.New("socket closed")
)

// call represents an outstanding request awaiting a correlated response. At
// most one call per destination node is ever "active" (sent on the wire) at
// a time; further calls to the same node queue up and are sent once the
// active one completes.
type call struct {
	id   enode.ID
	addr *net.UDPAddr
	node *enode.Node // required to perform a handshake if challenged

	packet       v5wire.Packet
	responseType byte
	reqid        []byte
	ch           chan v5wire.Packet
	err          chan error

	// valid only while the call is active
	nonce          v5wire.Nonce
	handshakeCount int
	challenge      *v5wire.Whoareyou
	timeout        mclock.Timer
}

// callTimeout is posted to the dispatch loop when a call's response timer
// fires.
type callTimeout struct {
	c     *call
	timer mclock.Timer
}

// sendRequest is a request to transmit a packet, submitted to the dispatch
// loop from outside it (e.g. a response being sent from a handler running on
// a different goroutine than the dispatch loop itself).
type sendRequest struct {
	destID   enode.ID
	destAddr *net.UDPAddr
	msg      v5wire.Packet
}
