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
	crand "crypto/rand"
	"errors"
	"sort"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

// lookupFunc performs a single round of inquiry against a node on behalf of
// an in-progress lookup, and returns whatever nodes that node claims are
// closer to the target.
type lookupFunc func(*enode.Node) ([]*enode.Node, error)

// lookup implements the iterative Kademlia lookup procedure with parallelism
// alpha: it keeps a shortlist of the closest known nodes to target, and
// repeatedly queries the best unqueried entries (up to alpha concurrently,
// each query asking for lookupRequestLimit distances) until it converges,
// i.e. a full round queries no node closer than what's already known.
type lookup struct {
	tab         *Table
	target      enode.ID
	query       lookupFunc
	asked, seen map[enode.ID]bool
	result      nodesByDistance
	replyCh     chan []*enode.Node
	cancelCh    <-chan struct{}
	askedCount  int
}

func newLookup(cancelCh <-chan struct{}, tab *Table, target enode.ID, q lookupFunc) *lookup {
	it := &lookup{
		tab:      tab,
		target:   target,
		query:    q,
		asked:    make(map[enode.ID]bool),
		seen:     make(map[enode.ID]bool),
		result:   nodesByDistance{target: target},
		replyCh:  make(chan []*enode.Node, alpha),
		cancelCh: cancelCh,
	}
	// The local node is considered "asked" so it's never queried or returned.
	it.asked[tab.self().ID()] = true
	return it
}

// run executes the lookup to completion and returns the closest nodes found,
// ordered by increasing distance to target.
func (it *lookup) run() []*enode.Node {
	for it.advance() {
	}
	return it.result.entries
}

// advance performs one round of the lookup: it starts queries against the
// best candidates not yet asked, waits for one of them to respond, and
// reports whether the lookup should continue.
func (it *lookup) advance() bool {
	it.startQueries()
	if it.askedCount == 0 {
		return false // no candidates left to query, and none in flight
	}
	select {
	case nodes := <-it.replyCh:
		it.askedCount--
		for _, n := range nodes {
			if n != nil && !it.seen[n.ID()] {
				it.seen[n.ID()] = true
				it.result.push(n, bucketSize)
			}
		}
	case <-it.cancelCh:
		it.shutdown()
	}
	return true
}

func (it *lookup) shutdown() {
	for it.askedCount > 0 {
		<-it.replyCh
		it.askedCount--
	}
	it.query = nil
	it.result.entries = nil
}

// startQueries launches queries against up to alpha of the closest
// unqueried candidates in the current result set, seeding from the table
// when the result set is still empty.
func (it *lookup) startQueries() {
	if it.query == nil {
		return
	}
	if len(it.result.entries) == 0 {
		it.result.entries = unwrapNodes(it.tab.closest(it.target, bucketSize))
	}
	for i := 0; i < len(it.result.entries) && it.askedCount < alpha; i++ {
		n := it.result.entries[i]
		if !it.asked[n.ID()] {
			it.asked[n.ID()] = true
			it.askedCount++
			go it.query1(n, it.replyCh)
		}
	}
}

func (it *lookup) query1(n *enode.Node, reply chan<- []*enode.Node) {
	r, err := it.query(n)
	if errors.Is(err, errClosed) {
		reply <- nil
		return
	}
	reply <- r
}

// nodesByDistance is a list of nodes, ordered by distance to target.
type nodesByDistance struct {
	entries []*enode.Node
	target  enode.ID
}

// push adds the given node to the list, keeping the total size at most
// maxElems.
func (h *nodesByDistance) push(n *enode.Node, maxElems int) {
	ix := sort.Search(len(h.entries), func(i int) bool {
		return enode.DistCmp(h.target, h.entries[i].ID(), n.ID()) > 0
	})
	if len(h.entries) < maxElems {
		h.entries = append(h.entries, n)
	}
	if ix == len(h.entries) {
		// farther away than all nodes we already have; only keep if there
		// was room to append above.
		return
	}
	copy(h.entries[ix+1:], h.entries[ix:])
	h.entries[ix] = n
}

// lookupDistances computes the set of log-distances to request from dest
// during a lookup for target: the exact distance, then the distances
// immediately surrounding it, up to lookupRequestLimit entries.
func lookupDistances(target, dest enode.ID) []uint {
	td := enode.LogDist(target, dest)
	dists := []uint{uint(td)}
	for i := 1; len(dists) < lookupRequestLimit; i++ {
		if td+i <= 256 {
			dists = append(dists, uint(td+i))
		}
		if td-i > 0 {
			dists = append(dists, uint(td-i))
		}
	}
	return dists
}

// Lookup performs a recursive lookup for target and returns the closest
// nodes found, ordered by increasing distance.
func (e *Engine) Lookup(target enode.ID) []*enode.Node {
	return e.newLookup(e.closeCtx.Done(), target).run()
}

func (e *Engine) lookupRandom() []*enode.Node {
	return e.newRandomLookup(e.closeCtx.Done()).run()
}

func (e *Engine) lookupSelf() []*enode.Node {
	return e.newLookup(e.closeCtx.Done(), e.Self().ID()).run()
}

func (e *Engine) newRandomLookup(cancelCh <-chan struct{}) *lookup {
	var target enode.ID
	crand.Read(target[:])
	return e.newLookup(cancelCh, target)
}

func (e *Engine) newLookup(cancelCh <-chan struct{}, target enode.ID) *lookup {
	return newLookup(cancelCh, e.tab, target, func(n *enode.Node) ([]*enode.Node, error) {
		return e.lookupWorker(n, target)
	})
}

// lookupWorker sends a single FINDNODE for all of lookupDistances to one node
// on behalf of an in-progress lookup.
func (e *Engine) lookupWorker(destNode *enode.Node, target enode.ID) ([]*enode.Node, error) {
	dists := lookupDistances(target, destNode.ID())
	r, err := e.findnode(destNode, dists)
	if errors.Is(err, errClosed) {
		return nil, err
	}
	result := nodesByDistance{target: target}
	for _, n := range r {
		if n.ID() != e.Self().ID() {
			result.push(n, findnodeResultLimit)
		}
	}
	return result.entries, nil
}
