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
	"time"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

// node wraps an enode.Node with the routing-table-local bookkeeping needed by
// the revalidation loop: when it was last contacted, and how many times in a
// row it has failed to answer a liveness check.
type node struct {
	*enode.Node
	addedAt        time.Time // time node was added to the table
	livenessChecks uint      // how often liveness was checked
	failCount      int       // consecutive revalidation failures
}

type encPubkey [64]byte

func wrapNode(n *enode.Node) *node {
	return &node{Node: n}
}

func wrapNodes(ns []*enode.Node) []*node {
	result := make([]*node, len(ns))
	for i, n := range ns {
		result[i] = wrapNode(n)
	}
	return result
}

func unwrapNode(n *node) *enode.Node {
	return n.Node
}

func unwrapNodes(ns []*node) []*enode.Node {
	result := make([]*enode.Node, len(ns))
	for i, n := range ns {
		result[i] = unwrapNode(n)
	}
	return result
}

func (n *node) String() string {
	return n.Node.String()
}
