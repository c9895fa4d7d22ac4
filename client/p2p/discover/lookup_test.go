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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

// Models spec.md §8 property 7 and 8: the lookup terminates, returns no
// duplicates, and never has more than alpha queries in flight at once.
func TestLookupTerminatesWithBoundedParallelism(t *testing.T) {
	tr := newPingRecorder()
	tab, db := newTestTable(tr)
	defer db.Close()
	defer tab.close()

	const networkSize = 50
	all := nodesAtDistance(tab.self().ID(), 200, networkSize)
	for _, n := range all {
		tab.addSeenNode(wrapNode(n))
	}

	var inFlight int32
	var maxInFlight int32
	var mu sync.Mutex

	query := func(n *enode.Node) ([]*enode.Node, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if cur > maxInFlight {
			maxInFlight = cur
		}
		mu.Unlock()
		defer atomic.AddInt32(&inFlight, -1)

		// Respond with a handful of nodes from the network, simulating
		// FINDNODE results.
		lo := 0
		if idx := int(n.IP()[0]); idx < networkSize {
			lo = idx
		}
		hi := lo + 3
		if hi > len(all) {
			hi = len(all)
		}
		return all[lo:hi], nil
	}

	target := enode.ID{0xff}
	it := newLookup(nil, tab, target, query)
	result := it.run()

	if len(result) == 0 {
		t.Fatal("lookup returned no nodes")
	}
	if len(result) > bucketSize {
		t.Fatalf("lookup returned %d nodes, want at most %d", len(result), bucketSize)
	}
	if hasDuplicates(wrapNodes(result)) {
		t.Fatal("lookup result contains duplicates")
	}
	if maxInFlight > alpha {
		t.Fatalf("observed %d concurrent queries, want at most %d (alpha)", maxInFlight, alpha)
	}
}

func TestLookupDistancesSpreadAroundTarget(t *testing.T) {
	var target, dest enode.ID
	target[0] = 0x01
	dest[0] = 0xff

	dists := lookupDistances(target, dest)
	if len(dists) != lookupRequestLimit {
		t.Fatalf("got %d distances, want %d", len(dists), lookupRequestLimit)
	}
	td := uint(enode.LogDist(target, dest))
	if dists[0] != td {
		t.Fatalf("first distance should be the exact log-distance, got %d want %d", dists[0], td)
	}
}

func TestNodesByDistancePushOrdersAndBounds(t *testing.T) {
	var target enode.ID
	h := nodesByDistance{target: target}

	near := unwrapNode(nodeAtDistance(target, 10, intIP(1)))
	far := unwrapNode(nodeAtDistance(target, 250, intIP(2)))
	h.push(far, 1)
	h.push(near, 1)

	if len(h.entries) != 1 {
		t.Fatalf("expected push to respect maxElems=1, got %d entries", len(h.entries))
	}
	if h.entries[0].ID() != near.ID() {
		t.Fatal("closer node should have displaced the farther one")
	}
}
