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
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enr"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

// Models spec.md §8 property 4: after inserting K+1 distinct nodes into the
// same bucket, the last (overflow) node inserted is in the replacement cache,
// and removing a resident promotes the newest replacement.
func TestTableBucketReplacementOnOverflow(t *testing.T) {
	tr := newPingRecorder()
	tab, db := newTestTable(tr)
	defer db.Close()
	defer tab.close()

	var last *node
	for i := 0; i < bucketSize+1; i++ {
		n := nodeAtDistance(tab.self().ID(), 200, intIP(i))
		tab.addSeenNode(n)
		last = n
	}

	b := tab.bucket(last.ID())
	if len(b.entries) != bucketSize {
		t.Fatalf("bucket has %d entries, want %d", len(b.entries), bucketSize)
	}
	if len(b.replacements) == 0 {
		t.Fatal("expected the overflow node to land in the replacement cache")
	}

	tail := b.entries[len(b.entries)-1]
	replacement := tab.replace(b, tail)
	if replacement == nil {
		t.Fatal("expected a replacement to be promoted into the vacated tail slot")
	}
	if contains(b.entries, tail.ID()) {
		t.Fatal("removed node is still present")
	}
	if !contains(b.entries, replacement.ID()) {
		t.Fatal("promoted replacement is not present in the bucket")
	}
}

// Models spec.md §8 property 3 (admission predicates), the id != self_id leg.
func TestTableRejectsSelf(t *testing.T) {
	tr := newPingRecorder()
	tab, db := newTestTable(tr)
	defer db.Close()
	defer tab.close()

	before := tab.len()
	tab.addSeenNode(wrapNode(tab.self()))
	if tab.len() != before {
		t.Fatal("table admitted its own node")
	}
}

// Models spec.md §8 property 9: revalidation removes a node that never
// answers, but retains a bootstrap node under the same conditions.
func TestTableRevalidateRemovesDeadNode(t *testing.T) {
	tr := newPingRecorder()
	tab, db := newTestTable(tr)
	defer db.Close()
	defer tab.close()

	dead := nodeAtDistance(tab.self().ID(), 120, intIP(1))
	tab.addSeenNode(dead)
	tr.mu.Lock()
	tr.dead[dead.ID()] = true
	tr.mu.Unlock()

	threshold := tab.revalidateThreshold()
	for i := 0; i < threshold; i++ {
		done := make(chan struct{}, 1)
		tab.wg.Add(1)
		tab.doRevalidate(done)
		<-done
	}

	b := tab.bucket(dead.ID())
	if contains(b.entries, dead.ID()) {
		t.Fatal("dead node should have been evicted after reaching the failure threshold")
	}
}

func TestTableRevalidateRetainsBootstrapNode(t *testing.T) {
	tr := newPingRecorder()
	var r enr.Record
	r.Set(enr.IP(intIP(7)))
	r.Set(enr.UDP(30303))
	boot := enode.SignNull(&r, idAtDistance(enode.ID{}, 120))
	tab, err := newTable(tr, mustOpenDB(t), []*enode.Node{boot}, log.Root())
	if err != nil {
		t.Fatal(err)
	}
	go tab.loop()
	defer tab.close()

	tab.addSeenNode(wrapNode(boot))
	tr.mu.Lock()
	tr.dead[boot.ID()] = true
	tr.mu.Unlock()

	threshold := tab.revalidateThreshold()
	for i := 0; i < threshold+2; i++ {
		done := make(chan struct{}, 1)
		tab.wg.Add(1)
		tab.doRevalidate(done)
		<-done
	}

	b := tab.bucket(boot.ID())
	if !contains(b.entries, boot.ID()) {
		t.Fatal("bootstrap node should never be evicted by revalidation failures")
	}
}

func mustOpenDB(t *testing.T) *enode.DB {
	t.Helper()
	db, err := enode.OpenDB("")
	if err != nil {
		t.Fatal(err)
	}
	return db
}
