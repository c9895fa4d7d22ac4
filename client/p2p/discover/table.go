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
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

const (
	// bucketSize is K, the maximum number of live entries in one bucket.
	bucketSize = 16
	// nBuckets is the number of log-distance buckets: one per possible
	// non-zero distance in a 256-bit ID space.
	nBuckets = 256

	// revalidation / maintenance tunables.
	seedMinTableTime  = 5 * time.Minute
	seedCount         = 30
	revalidateInterval = 10 * time.Second
	refreshInterval    = lookupInterval
	copyNodesInterval  = 30 * time.Second
)

var errTimeout = errors.New("RPC timeout")

// transport is the interface the table uses to contact remote nodes. It is
// implemented by the protocol engine (Engine) and by test doubles.
type transport interface {
	Self() *enode.Node
	lookupRandom() []*enode.Node
	lookupSelf() []*enode.Node
	ping(*enode.Node) (seq uint64, err error)
	RequestENR(*enode.Node) (*enode.Node, error)
	deleteSession(id enode.ID, addr string)
}

// bucket contains nodes, ordered by time last contacted (most recently
// contacted node at the end). Entries that cannot be added because the
// bucket is full go into replacements instead.
type bucket struct {
	entries      []*node
	replacements []*node
	ips          netSet
}

// Table is the Kademlia routing table: 256 log-distance buckets of up to K
// live entries each, kept fresh by periodic revalidation and lookup.
type Table struct {
	mutex   sync.Mutex
	buckets [nBuckets]*bucket
	nursery []*enode.Node
	rand    *randSource
	ips     netSet

	log   log.Logger
	db    *enode.DB
	net   transport
	cfg   Config
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup

	refreshReq chan chan struct{}
}

// netSet is a small per-bucket/table guard against many nodes from the same
// IP, to keep a single host from dominating a bucket.
type netSet struct {
	mu   sync.Mutex
	seen map[string]int
}

func newNetSet() netSet { return netSet{seen: make(map[string]int)} }

func (s *netSet) add(ip net.IP) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ipKey(ip)
	if s.seen[k] >= 2 {
		return false
	}
	s.seen[k]++
	return true
}

func (s *netSet) remove(ip net.IP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := ipKey(ip)
	if s.seen[k] > 0 {
		s.seen[k]--
	}
}

func ipKey(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

// randSource is a minimal, lock-protected math/rand-like source good enough
// for jittering the revalidation schedule; it is not used for anything
// security sensitive.
type randSource struct {
	mu sync.Mutex
	b  [8]byte
}

func newRandSource() *randSource { return &randSource{} }

func (r *randSource) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rand.Read(r.b[:])
	var v uint64
	for _, x := range r.b {
		v = v<<8 | uint64(x)
	}
	return int(v % uint64(n))
}

func newTable(t transport, db *enode.DB, bootnodes []*enode.Node, log log.Logger) (*Table, error) {
	tab := &Table{
		net:     t,
		db:      db,
		rand:    newRandSource(),
		ips:     newNetSet(),
		log:     log,
		closeCh: make(chan struct{}),
		refreshReq: make(chan chan struct{}),
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{ips: newNetSet()}
	}
	if err := tab.setFallbackNodes(bootnodes); err != nil {
		return nil, err
	}
	return tab, nil
}

// setFallbackNodes sets the bootstrap nodes used to fill the table when it
// is empty, e.g. right after startup.
func (tab *Table) setFallbackNodes(nodes []*enode.Node) error {
	for _, n := range nodes {
		if err := n.ValidateComplete(); err != nil {
			return fmt.Errorf("bad bootstrap node %q: %v", n, err)
		}
	}
	tab.nursery = append([]*enode.Node{}, nodes...)
	return nil
}

func (tab *Table) self() *enode.Node {
	return tab.net.Self()
}

// refresh requests an out-of-schedule bucket refresh and returns a channel
// that closes once it completes. Safe to call concurrently; if the table is
// already closed the returned channel is closed immediately.
func (tab *Table) refresh() <-chan struct{} {
	done := make(chan struct{})
	select {
	case tab.refreshReq <- done:
	case <-tab.closeCh:
		close(done)
	}
	return done
}

// close shuts down the table's background maintenance loop.
func (tab *Table) close() {
	tab.closeOnce.Do(func() {
		close(tab.closeCh)
	})
	tab.wg.Wait()
}

// loop runs the table's maintenance: periodic revalidation of the least
// recently seen node in a pseudo-random bucket, and periodic bucket refresh
// via self-lookup and random lookups.
func (tab *Table) loop() {
	tab.wg.Add(1)
	defer tab.wg.Done()

	var (
		revalidate     = time.NewTimer(tab.nextRevalidateTime())
		refresh        = time.NewTicker(refreshInterval)
		copyNodes      = time.NewTicker(copyNodesInterval)
		refreshDone    = make(chan struct{})
		revalidateDone = make(chan struct{}, 1)
		waiting        []chan struct{}
		refreshing     bool
	)
	defer revalidate.Stop()
	defer refresh.Stop()
	defer copyNodes.Stop()

	startRefresh := func() {
		if refreshing {
			return
		}
		refreshing = true
		tab.wg.Add(1)
		go tab.doRefresh(refreshDone)
	}
	startRefresh()

loop:
	for {
		select {
		case <-refresh.C:
			startRefresh()
		case req := <-tab.refreshReq:
			waiting = append(waiting, req)
			startRefresh()
		case <-revalidate.C:
			tab.wg.Add(1)
			go tab.doRevalidate(revalidateDone)
		case <-revalidateDone:
			revalidate.Reset(tab.nextRevalidateTime())
		case <-refreshDone:
			refreshing = false
			for _, ch := range waiting {
				close(ch)
			}
			waiting = nil
		case <-copyNodes.C:
			go tab.copyLiveNodes()
		case <-tab.closeCh:
			break loop
		}
	}
	for _, ch := range waiting {
		close(ch)
	}
}

func (tab *Table) nextRevalidateTime() time.Duration {
	return time.Duration(tab.rand.Intn(int(revalidateInterval))) + revalidateInterval/2
}

// doRevalidate checks that the last node in a random bucket is still live.
func (tab *Table) doRevalidate(done chan<- struct{}) {
	defer tab.wg.Done()
	defer func() { done <- struct{}{} }()

	last, bi := tab.nodeToRevalidate()
	if last == nil {
		return
	}
	seq, err := tab.net.ping(unwrapNode(last))

	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.buckets[bi]
	if err == nil {
		last.livenessChecks++
		last.failCount = 0
		tab.bumpInBucket(b, last)
		if last.Seq() < seq {
			if n, err := tab.net.RequestENR(unwrapNode(last)); err == nil {
				last.Node = n
			}
		}
		return
	}

	last.failCount++
	if last.failCount < tab.revalidateThreshold() {
		return
	}
	if tab.isBootstrapNode(last.ID()) {
		tab.log.Trace("Bootstrap node failed liveness check, retaining", "id", last.ID(), "ip", last.IP(), "fails", last.failCount)
		return
	}
	// Node failed to respond enough times in a row: replace with a node
	// from the replacement cache, or drop it outright.
	if r := tab.replace(b, last); r != nil {
		tab.log.Trace("Replaced dead node", "b", bi, "id", last.ID(), "ip", last.IP(), "r", r.ID(), "rip", r.IP())
	} else {
		tab.log.Trace("Removed dead node", "b", bi, "id", last.ID(), "ip", last.IP())
	}
}

func (tab *Table) revalidateThreshold() int {
	if tab.cfg.RevalidationFailureThreshold > 0 {
		return tab.cfg.RevalidationFailureThreshold
	}
	return 3
}

func (tab *Table) isBootstrapNode(id enode.ID) bool {
	for _, n := range tab.nursery {
		if n.ID() == id {
			return true
		}
	}
	return false
}

// nodeToRevalidate returns the last node in a random, non-empty bucket.
func (tab *Table) nodeToRevalidate() (n *node, bi int) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	for _, bi = range tab.rand.perm(len(tab.buckets)) {
		b := tab.buckets[bi]
		if len(b.entries) > 0 {
			last := b.entries[len(b.entries)-1]
			return last, bi
		}
	}
	return nil, 0
}

func (r *randSource) perm(n int) []int {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	return p
}

// doRefresh performs a lookup for the local node's own ID and for a handful
// of random IDs, feeding whatever is returned into the table.
func (tab *Table) doRefresh(done chan<- struct{}) {
	defer tab.wg.Done()
	defer func() { done <- struct{}{} }()

	tab.loadSeedNodes()

	for _, n := range tab.net.lookupSelf() {
		tab.addSeenNode(wrapNode(n))
	}
	for i := 0; i < 3; i++ {
		for _, n := range tab.net.lookupRandom() {
			tab.addSeenNode(wrapNode(n))
		}
	}
}

func (tab *Table) loadSeedNodes() {
	seeds := tab.nursery
	for i := range seeds {
		tab.addSeenNode(wrapNode(seeds[i]))
	}
}

// copyLiveNodes walks the nodes that have been in the table for at least
// seedMinTableTime. It does not write them anywhere: node records are not
// persisted, so they are not available as bootstrap nodes in future runs.
func (tab *Table) copyLiveNodes() {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	now := time.Now()
	for _, b := range tab.buckets {
		for _, n := range b.entries {
			if now.Sub(n.addedAt) >= seedMinTableTime {
				_ = n // persistence of seed nodes is out of scope; hook kept for parity
			}
		}
	}
}

// bucket returns the bucket for the given node ID, keyed on log-distance
// from the local node.
func (tab *Table) bucket(id enode.ID) *bucket {
	d := enode.LogDist(tab.self().ID(), id)
	return tab.bucketAtDistance(d)
}

func (tab *Table) bucketAtDistance(d int) *bucket {
	if d <= 0 {
		return tab.buckets[0]
	}
	return tab.buckets[d-1]
}

// addSeenNode inserts a node into its bucket if the bucket has free space.
// The caller must not hold tab.mutex.
func (tab *Table) addSeenNode(n *node) {
	if n.ID() == tab.self().ID() {
		return
	}
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.bucket(n.ID())
	if contains(b.entries, n.ID()) {
		return
	}
	if len(b.entries) >= bucketSize {
		tab.addReplacement(b, n)
		return
	}
	if !tab.ips.add(n.IP()) || !b.ips.add(n.IP()) {
		return
	}
	n.addedAt = time.Now()
	b.entries = append(b.entries, n)
	tab.removeIP(b, n.IP())
}

// addInboundNode is identical to addSeenNode but additionally bumps an
// already-known node to the most-recently-seen position in its bucket,
// mirroring how a node heard from directly (e.g. it pinged us) is treated
// as "just seen".
func (tab *Table) addInboundNode(n *node) {
	tab.mutex.Lock()
	b := tab.bucket(n.ID())
	bumped := tab.bumpInBucket(b, n)
	tab.mutex.Unlock()
	if !bumped {
		tab.addSeenNode(n)
	}
}

func (tab *Table) removeIP(b *bucket, ip net.IP) {
	// ips.add already accounted occupancy; nothing further to release here,
	// this hook exists for symmetry with discv4's addIP/removeIP pairing.
	_ = b
	_ = ip
}

func contains(ns []*node, id enode.ID) bool {
	for _, n := range ns {
		if n.ID() == id {
			return true
		}
	}
	return false
}

// bumpInBucket moves n to the end of the bucket (most recently seen) if it
// is present, refreshing its record if newer.
func (tab *Table) bumpInBucket(b *bucket, n *node) bool {
	for i, existing := range b.entries {
		if existing.ID() == n.ID() {
			if existing.Seq() < n.Seq() {
				b.entries[i].Node = n.Node
			}
			copy(b.entries[i:], b.entries[i+1:])
			b.entries[len(b.entries)-1] = existing
			return true
		}
	}
	return false
}

// addReplacement adds n to the bucket's replacement cache.
func (tab *Table) addReplacement(b *bucket, n *node) {
	for _, e := range b.replacements {
		if e.ID() == n.ID() {
			return
		}
	}
	if !tab.ips.add(n.IP()) {
		return
	}
	var removed *node
	// The replacement cache is bounded FIFO, size K (spec.md §3/§4.2), the
	// same bound as a live bucket.
	b.replacements, removed = pushNode(b.replacements, n, bucketSize)
	if removed != nil {
		tab.ips.remove(removed.IP())
	}
}

// replace removes the last entry from the bucket and, if a replacement is
// available, installs the newest one in its place. It returns the
// replacement node, or nil if none was available.
func (tab *Table) replace(b *bucket, last *node) *node {
	if len(b.entries) == 0 || b.entries[len(b.entries)-1].ID() != last.ID() {
		return nil
	}
	if len(b.replacements) == 0 {
		tab.deleteInBucket(b, last)
		return nil
	}
	r := b.replacements[0]
	b.replacements = deleteNode(b.replacements, r)
	tab.deleteInBucket(b, last)
	b.entries = append(b.entries, r)
	return r
}

// deleteInBucket is the choke point where a node is definitively dropped
// from the table. Its session is torn down along with it (spec.md §3:
// "deleted when its node is evicted from the routing table").
func (tab *Table) deleteInBucket(b *bucket, n *node) {
	b.entries = deleteNode(b.entries, n)
	tab.ips.remove(n.IP())
	addr := net.UDPAddr{IP: n.IP(), Port: int(n.UDP())}
	tab.net.deleteSession(n.ID(), addr.String())
}

// pushNode adds n to the front of list, keeping at most max entries.
func pushNode(list []*node, n *node, max int) ([]*node, *node) {
	if len(list) < max {
		list = append(list, nil)
	}
	removed := list[len(list)-1]
	copy(list[1:], list)
	list[0] = n
	return list, removed
}

func deleteNode(list []*node, n *node) []*node {
	for i := range list {
		if list[i].ID() == n.ID() {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// closest returns the n nodes in the table closest to target.
func (tab *Table) closest(target enode.ID, n int) []*node {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	var all []*node
	for _, b := range tab.buckets {
		all = append(all, b.entries...)
	}
	sort.Slice(all, func(i, j int) bool {
		return enode.DistCmp(target, all[i].ID(), all[j].ID()) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// neighboursAtDistances returns up to n nodes from buckets at exactly the
// given log-distances from the local node. Distance 0 means the local node
// itself.
func (tab *Table) neighboursAtDistances(distances []uint, n int) []*node {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	var result []*node
	seen := make(map[int]bool)
	for _, d := range distances {
		if seen[int(d)] {
			continue
		}
		seen[int(d)] = true
		if d == 0 {
			result = append(result, wrapNode(tab.self()))
			continue
		}
		if int(d) > len(tab.buckets) {
			continue
		}
		result = append(result, tab.buckets[d-1].entries...)
	}
	if len(result) > n {
		result = result[:n]
	}
	return result
}

// len reports the total number of nodes held in the table.
func (tab *Table) len() int {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	n := 0
	for _, b := range tab.buckets {
		n += len(b.entries)
	}
	return n
}

// getNode returns the node with the given ID, if it is currently held in
// the table.
func (tab *Table) getNode(id enode.ID) *enode.Node {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	b := tab.bucket(id)
	for _, n := range b.entries {
		if n.ID() == id {
			return unwrapNode(n)
		}
	}
	return nil
}

// allNodes returns every node currently held in the table, across all
// buckets, in no particular order.
func (tab *Table) allNodes() []*enode.Node {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	var nodes []*enode.Node
	for _, b := range tab.buckets {
		for _, n := range b.entries {
			nodes = append(nodes, unwrapNode(n))
		}
	}
	return nodes
}
