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
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

// Protocol constants, named after the quantities used throughout the spec
// this engine implements.
const (
	alpha                = 3  // lookup concurrency parameter
	lookupRequestLimit   = 3  // number of distances asked of one node during a lookup
	findnodeResultLimit  = 15 // max nodes returned for one FINDNODE request
	maxNodesPerPacket    = 3  // max records carried by one NODES packet
	totalNodesRespLimit  = 5  // max NODES packets accumulated per FINDNODE call

	respTimeout    = 2 * time.Second
	lookupInterval = 60 * time.Second
)

// Config holds engine-wide settings. Zero-value fields are replaced with
// sensible defaults by withDefaults.
type Config struct {
	// PrivateKey is mandatory; it defines the local node's identity.
	PrivateKey *ecdsa.PrivateKey

	// Bootnodes is the set of nodes used to bootstrap the routing table.
	Bootnodes []*enode.Node

	// Unhandled, if set, receives packets too short to be discv5 packets.
	Unhandled chan<- ReadPacket

	// Log is the logger used throughout the engine.
	Log log.Logger

	Clock mclock.Clock

	// RevalidationFailureThreshold is the number of consecutive failed
	// liveness checks before a node is evicted from the routing table.
	// Bootstrap nodes are never evicted regardless of this setting.
	RevalidationFailureThreshold int
}

func (cfg Config) withDefaults() Config {
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	if cfg.RevalidationFailureThreshold == 0 {
		cfg.RevalidationFailureThreshold = 3
	}
	return cfg
}
