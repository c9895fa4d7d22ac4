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
	"bytes"
	"context"
	"crypto/ecdsa"
	crand "crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enr"

	"github.com/r5-labs/discv5/client/p2p/discover/v5wire"
	"github.com/r5-labs/discv5/client/p2p/enode"
	"github.com/r5-labs/discv5/client/p2p/netutil"
)

var errLowPort = errors.New("low port")

// Engine is the protocol engine: it owns the UDP socket, the session codec,
// the routing table, and the in-flight call tracker, and drives the
// single-threaded dispatch loop that mediates access to all of them. Per the
// concurrency model, all mutation of dispatch-owned state happens on the
// dispatch goroutine; callers interact with it exclusively through channels.
type Engine struct {
	conn      UDPConn
	localNode *enode.LocalNode
	priv      *ecdsa.PrivateKey
	db        *enode.DB
	log       log.Logger
	clock     mclock.Clock
	unhandled chan<- ReadPacket

	tab   *Table
	codec *v5wire.Codec

	packetInCh    chan ReadPacket
	readNextCh    chan struct{}
	callCh        chan *call
	callDoneCh    chan *call
	respTimeoutCh chan *callTimeout
	sendCh        chan sendRequest

	activeCallByNode map[enode.ID]*call
	activeCallByAuth map[v5wire.Nonce]*call
	callQueue        map[enode.ID][]*call

	closeOnce      sync.Once
	closeCtx       context.Context
	cancelCloseCtx context.CancelFunc
	wg             sync.WaitGroup
}

// Listen creates an Engine bound to conn and starts its background loops.
func Listen(conn UDPConn, ln *enode.LocalNode, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	closeCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:      conn,
		localNode: ln,
		priv:      cfg.PrivateKey,
		db:        ln.Database(),
		log:       cfg.Log,
		clock:     cfg.Clock,
		unhandled: cfg.Unhandled,

		codec: v5wire.NewCodec(ln, cfg.PrivateKey, cfg.Clock, ln.Database()),

		packetInCh:    make(chan ReadPacket, 1),
		readNextCh:    make(chan struct{}, 1),
		callCh:        make(chan *call),
		callDoneCh:    make(chan *call),
		respTimeoutCh: make(chan *callTimeout),
		sendCh:        make(chan sendRequest),

		activeCallByNode: make(map[enode.ID]*call),
		activeCallByAuth: make(map[v5wire.Nonce]*call),
		callQueue:        make(map[enode.ID][]*call),

		closeCtx:       closeCtx,
		cancelCloseCtx: cancel,
	}
	tab, err := newTable(e, e.db, cfg.Bootnodes, e.log)
	if err != nil {
		return nil, err
	}
	tab.cfg = cfg
	e.tab = tab

	go e.tab.loop()
	e.wg.Add(3)
	go e.readLoop()
	go e.dispatch()
	go e.handshakeGCLoop()
	return e, nil
}

// Close shuts down the engine: the socket, the dispatch loop, and the
// routing table's maintenance loops.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancelCloseCtx()
		e.conn.Close()
		e.wg.Wait()
		e.tab.close()
	})
}

// Self returns the local node's current record.
func (e *Engine) Self() *enode.Node {
	return e.localNode.Node()
}

// LocalNode returns the underlying local node object.
func (e *Engine) LocalNode() *enode.LocalNode {
	return e.localNode
}

// AddNode adds n to the routing table without requiring prior
// authentication, for bootstrapping from a known-good record (e.g. a
// bootstrap ENR). The node is inserted as-is: it is returned by table
// queries, lookups and FINDNODE replies right away, without first being
// pinged or seen in an authenticated packet.
func (e *Engine) AddNode(n *enode.Node) {
	e.tab.addSeenNode(wrapNode(n))
}

// GetNode looks up id in the routing table. Per spec.md's Non-goals, the
// engine persists session secrets only, not node records, so there is no
// further fallback once the table doesn't have it.
func (e *Engine) GetNode(id enode.ID) *enode.Node {
	return e.getNode(id)
}

// AllNodes returns every node currently held in the routing table.
func (e *Engine) AllNodes() []*enode.Node {
	return e.tab.allNodes()
}

// RandomNodes returns up to n nodes drawn from a fresh random lookup,
// triggering a table refresh first if the table is currently empty.
func (e *Engine) RandomNodes(n int) []*enode.Node {
	if e.tab.len() == 0 {
		<-e.tab.refresh()
	}
	result := e.lookupRandom()
	if len(result) > n {
		result = result[:n]
	}
	return result
}

// Neighbours returns up to k nodes from the routing table closest to id.
func (e *Engine) Neighbours(id enode.ID, k int) []*enode.Node {
	return unwrapNodes(e.tab.closest(id, k))
}

// Resolve searches for n's most current record. If n is already in the
// table with a newer sequence number, that copy is preferred as the
// starting point. It tries a direct RequestENR first and only falls back to
// a full network lookup if that fails; it returns n unchanged if nothing
// better is found.
func (e *Engine) Resolve(n *enode.Node) *enode.Node {
	if intable := e.tab.getNode(n.ID()); intable != nil && intable.Seq() > n.Seq() {
		n = intable
	}
	if resp, err := e.RequestENR(n); err == nil {
		return resp
	}
	result := e.Lookup(n.ID())
	for _, rn := range result {
		if rn.ID() == n.ID() && rn.Seq() > n.Seq() {
			return rn
		}
	}
	return n
}

// ResolveNodeID searches for a node with the given id, returning nil if it
// cannot be resolved either locally or via a lookup.
func (e *Engine) ResolveNodeID(id enode.ID) *enode.Node {
	if id == e.Self().ID() {
		return e.Self()
	}
	n := e.tab.getNode(id)
	if n != nil {
		if resp, err := e.RequestENR(n); err == nil {
			return resp
		}
	}
	result := e.Lookup(id)
	for _, rn := range result {
		if rn.ID() == id {
			if n != nil && rn.Seq() <= n.Seq() {
				return n
			}
			return rn
		}
	}
	return n
}

// Ping performs a liveness check against n, returning its PONG response.
func (e *Engine) Ping(n *enode.Node) (*v5wire.Pong, error) {
	req := &v5wire.Ping{ENRSeq: e.localNode.Node().Seq()}
	resp := e.callToNode(n, v5wire.PongMsg, req)
	defer e.callDone(resp)
	select {
	case p := <-resp.ch:
		return p.(*v5wire.Pong), nil
	case err := <-resp.err:
		return nil, err
	}
}

// FindNode calls FINDNODE on n for the given distances and returns the
// assembled NODES result, filtered per the relay-IP and distance rules.
func (e *Engine) FindNode(n *enode.Node, distances []uint) ([]*enode.Node, error) {
	return e.findnode(n, distances)
}

// ping performs a liveness check against n, returning its current ENR
// sequence number.
func (e *Engine) ping(n *enode.Node) (uint64, error) {
	pong, err := e.Ping(n)
	if err != nil {
		return 0, err
	}
	return pong.ENRSeq, nil
}

// RequestENR fetches n's most current record directly (FINDNODE at distance 0).
func (e *Engine) RequestENR(n *enode.Node) (*enode.Node, error) {
	nodes, err := e.findnode(n, []uint{0})
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, fmt.Errorf("%d nodes in response for distance zero", len(nodes))
	}
	return nodes[0], nil
}

// deleteSession tears down the codec session for (id, addr). Called by the
// table when it evicts the corresponding node.
func (e *Engine) deleteSession(id enode.ID, addr string) {
	e.codec.DeleteSession(id, addr)
}

// findnode calls FINDNODE on n for the given distances and accumulates the
// NODES response packets it provokes.
func (e *Engine) findnode(n *enode.Node, distances []uint) ([]*enode.Node, error) {
	resp := e.callToNode(n, v5wire.NodesMsg, &v5wire.Findnode{Distances: distances})
	return e.waitForNodes(resp, distances)
}

func (e *Engine) waitForNodes(c *call, distances []uint) ([]*enode.Node, error) {
	defer e.callDone(c)

	var (
		nodes           []*enode.Node
		seen            = make(map[enode.ID]struct{})
		received, total = 0, -1
	)
	for {
		select {
		case respP := <-c.ch:
			resp := respP.(*v5wire.Nodes)
			for _, rec := range resp.Nodes {
				n, err := e.verifyResponseNode(c, rec, distances, seen)
				if err != nil {
					e.log.Debug("Invalid record in NODES", "id", c.id, "err", err)
					continue
				}
				nodes = append(nodes, n)
			}
			if total == -1 {
				total = int(resp.RespCount)
				if total > totalNodesRespLimit {
					total = totalNodesRespLimit
				}
			}
			if received++; received == total {
				return nodes, nil
			}
		case err := <-c.err:
			return nodes, err
		}
	}
}

func (e *Engine) verifyResponseNode(c *call, r *enr.Record, distances []uint, seen map[enode.ID]struct{}) (*enode.Node, error) {
	n, err := enode.New(enode.ValidSchemes, r)
	if err != nil {
		return nil, err
	}
	if err := netutil.CheckRelayIP(c.addr.IP, n.IP()); err != nil {
		return nil, err
	}
	if n.UDP() <= 1024 {
		return nil, errLowPort
	}
	if distances != nil {
		nd := enode.LogDist(c.id, n.ID())
		if !containsUint(uint(nd), distances) {
			return nil, errors.New("does not match any requested distance")
		}
	}
	if _, ok := seen[n.ID()]; ok {
		return nil, errors.New("duplicate record")
	}
	seen[n.ID()] = struct{}{}
	return n, nil
}

func containsUint(x uint, xs []uint) bool {
	for _, v := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// callToNode starts a new call to n.
func (e *Engine) callToNode(n *enode.Node, responseType byte, req v5wire.Packet) *call {
	addr := &net.UDPAddr{IP: n.IP(), Port: int(n.UDP())}
	c := &call{id: n.ID(), addr: addr, node: n}
	e.initCall(c, responseType, req)
	return c
}

func (e *Engine) initCall(c *call, responseType byte, packet v5wire.Packet) {
	c.packet = packet
	c.responseType = responseType
	c.reqid = make([]byte, 8)
	c.ch = make(chan v5wire.Packet, 1)
	c.err = make(chan error, 1)
	crand.Read(c.reqid)
	packet.SetRequestID(c.reqid)
	select {
	case e.callCh <- c:
	case <-e.closeCtx.Done():
		c.err <- errClosed
	}
}

func (e *Engine) callDone(c *call) {
	for {
		select {
		case <-c.ch:
		case <-c.err:
		case e.callDoneCh <- c:
			return
		case <-e.closeCtx.Done():
			return
		}
	}
}

// dispatch is the single goroutine that owns all request-tracker state: the
// active call per destination, the call queue per destination, and the
// mapping from auth nonce back to the call it belongs to. Every other
// goroutine communicates with it exclusively through channels.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	e.readNextCh <- struct{}{}

	for {
		select {
		case c := <-e.callCh:
			e.callQueue[c.id] = append(e.callQueue[c.id], c)
			e.sendNextCall(c.id)

		case ct := <-e.respTimeoutCh:
			active := e.activeCallByNode[ct.c.id]
			if ct.c == active && ct.timer == active.timeout {
				ct.c.err <- errTimeout
			}

		case c := <-e.callDoneCh:
			active := e.activeCallByNode[c.id]
			if active != c {
				continue // already replaced or never active; ignore stale completion
			}
			if c.timeout != nil {
				c.timeout.Stop()
			}
			delete(e.activeCallByAuth, c.nonce)
			delete(e.activeCallByNode, c.id)
			e.sendNextCall(c.id)

		case r := <-e.sendCh:
			e.send(r.destID, r.destAddr, r.msg, nil)

		case p := <-e.packetInCh:
			e.handlePacket(p.Data, p.Addr)
			e.readNextCh <- struct{}{}

		case <-e.closeCtx.Done():
			close(e.readNextCh)
			for id, queue := range e.callQueue {
				for _, c := range queue {
					c.err <- errClosed
				}
				delete(e.callQueue, id)
			}
			for id, c := range e.activeCallByNode {
				c.err <- errClosed
				delete(e.activeCallByNode, id)
				delete(e.activeCallByAuth, c.nonce)
			}
			return
		}
	}
}

func (e *Engine) startResponseTimeout(c *call) {
	if c.timeout != nil {
		c.timeout.Stop()
	}
	var (
		timer mclock.Timer
		done  = make(chan struct{})
	)
	timer = e.clock.AfterFunc(respTimeout, func() {
		<-done
		select {
		case e.respTimeoutCh <- &callTimeout{c, timer}:
		case <-e.closeCtx.Done():
		}
	})
	c.timeout = timer
	close(done)
}

func (e *Engine) sendNextCall(id enode.ID) {
	queue := e.callQueue[id]
	if len(queue) == 0 || e.activeCallByNode[id] != nil {
		return
	}
	e.activeCallByNode[id] = queue[0]
	e.sendCall(e.activeCallByNode[id])
	if len(queue) == 1 {
		delete(e.callQueue, id)
	} else {
		copy(queue, queue[1:])
		e.callQueue[id] = queue[:len(queue)-1]
	}
}

func (e *Engine) sendCall(c *call) {
	if c.nonce != (v5wire.Nonce{}) {
		delete(e.activeCallByAuth, c.nonce)
	}
	newNonce, _ := e.send(c.id, c.addr, c.packet, c.challenge)
	c.nonce = newNonce
	e.activeCallByAuth[newNonce] = c
	e.startResponseTimeout(c)
}

// sendResponse sends a packet that does not trigger a handshake by itself,
// even if no session keys are currently available.
func (e *Engine) sendResponse(toID enode.ID, toAddr *net.UDPAddr, packet v5wire.Packet) error {
	_, err := e.send(toID, toAddr, packet, nil)
	return err
}

func (e *Engine) send(toID enode.ID, toAddr *net.UDPAddr, packet v5wire.Packet, c *v5wire.Whoareyou) (v5wire.Nonce, error) {
	addr := toAddr.String()
	enc, nonce, err := e.codec.Encode(toID, addr, packet, c)
	if err != nil {
		e.log.Warn(">> "+packet.Name(), "id", toID, "addr", addr, "err", err)
		return nonce, err
	}
	_, err = e.conn.WriteToUDP(enc, toAddr)
	return nonce, err
}

func (e *Engine) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, maxPacketSize)
	for range e.readNextCh {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		cpy := make([]byte, n)
		copy(cpy, buf[:n])
		select {
		case e.packetInCh <- ReadPacket{Data: cpy, Addr: from}:
		case <-e.closeCtx.Done():
			return
		}
	}
}

// handshakeGCLoop periodically expires WHOAREYOU challenges that have been
// outstanding longer than v5wire.HandshakeTimeout, so a peer that never
// completes a handshake doesn't pin a handshake entry forever (spec.md §3,
// §5's close-semantics note on handshakes outliving their timer).
func (e *Engine) handshakeGCLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.clock.After(v5wire.HandshakeTimeout):
			e.codec.ExpireHandshakes()
		case <-e.closeCtx.Done():
			return
		}
	}
}

func (e *Engine) handlePacket(rawpacket []byte, fromAddr *net.UDPAddr) {
	addr := fromAddr.String()
	fromID, fromNode, packet, err := e.codec.Decode(rawpacket, addr)
	if err != nil {
		if e.unhandled != nil && errors.Is(err, v5wire.ErrMessageTooShort) {
			cpy := make([]byte, len(rawpacket))
			copy(cpy, rawpacket)
			select {
			case e.unhandled <- ReadPacket{Data: cpy, Addr: fromAddr}:
			default:
			}
			return
		}
		e.log.Debug("Bad discv5 packet", "id", fromID, "addr", addr, "err", err)
		return
	}
	if fromNode != nil {
		e.tab.addInboundNode(wrapNode(fromNode))
	}
	e.handle(packet, fromID, fromAddr)
}

func (e *Engine) handle(p v5wire.Packet, fromID enode.ID, fromAddr *net.UDPAddr) {
	switch p := p.(type) {
	case *v5wire.Unknown:
		e.handleUnknown(p, fromID, fromAddr)
	case *v5wire.Whoareyou:
		e.handleWhoareyou(p, fromID, fromAddr)
	case *v5wire.Ping:
		e.handlePing(p, fromID, fromAddr)
	case *v5wire.Pong:
		if e.handleCallResponse(fromID, fromAddr, p) {
			toAddr := &net.UDPAddr{IP: p.ToIP, Port: int(p.ToPort)}
			e.localNode.UDPEndpointStatement(fromAddr, toAddr)
		}
	case *v5wire.Findnode:
		e.handleFindnode(p, fromID, fromAddr)
	case *v5wire.Nodes:
		e.handleCallResponse(fromID, fromAddr, p)
	}
}

func (e *Engine) handleCallResponse(fromID enode.ID, fromAddr *net.UDPAddr, p v5wire.Packet) bool {
	ac := e.activeCallByNode[fromID]
	if ac == nil || !bytes.Equal(p.RequestID(), ac.reqid) {
		return false
	}
	if ac.addr.String() != fromAddr.String() {
		return false
	}
	if p.Kind() != ac.responseType {
		return false
	}
	e.startResponseTimeout(ac)
	ac.ch <- p
	return true
}

func (e *Engine) handleUnknown(p *v5wire.Unknown, fromID enode.ID, fromAddr *net.UDPAddr) {
	addr := fromAddr.String()
	// A handshake for this (id, addr) may already be pending: spec.md §3
	// requires the duplicate be dropped rather than overwriting the
	// outstanding challenge, so resend the one already in flight instead of
	// minting a new one.
	if current := e.codec.CurrentChallenge(fromID, addr); current != nil {
		e.log.Debug("Repeating discv5 handshake challenge", "id", fromID, "addr", addr)
		e.sendResponse(fromID, fromAddr, current)
		return
	}
	challenge := &v5wire.Whoareyou{Nonce: p.Nonce}
	crand.Read(challenge.IDNonce[:])
	if n := e.getNode(fromID); n != nil {
		challenge.Node = n
		challenge.RecordSeq = n.Seq()
	}
	e.sendResponse(fromID, fromAddr, challenge)
}

var (
	errChallengeNoCall = errors.New("no matching call")
	errChallengeTwice  = errors.New("second handshake")
)

func (e *Engine) handleWhoareyou(p *v5wire.Whoareyou, fromID enode.ID, fromAddr *net.UDPAddr) {
	c, err := e.matchWithCall(fromID, p.Nonce)
	if err != nil {
		e.log.Debug("Invalid WHOAREYOU/v5", "addr", fromAddr, "err", err)
		return
	}
	if c.node == nil {
		c.err <- errors.New("remote wants handshake, but call has no ENR")
		return
	}
	c.handshakeCount++
	c.challenge = p
	p.Node = c.node
	e.sendCall(c)
}

func (e *Engine) matchWithCall(fromID enode.ID, nonce v5wire.Nonce) (*call, error) {
	c := e.activeCallByAuth[nonce]
	if c == nil {
		return nil, errChallengeNoCall
	}
	if c.handshakeCount > 0 {
		return nil, errChallengeTwice
	}
	return c, nil
}

func (e *Engine) handlePing(p *v5wire.Ping, fromID enode.ID, fromAddr *net.UDPAddr) {
	e.sendResponse(fromID, fromAddr, &v5wire.Pong{
		ReqID:  p.ReqID,
		ToIP:   fromAddr.IP,
		ToPort: uint16(fromAddr.Port),
		ENRSeq: e.localNode.Node().Seq(),
	})
}

func (e *Engine) handleFindnode(p *v5wire.Findnode, fromID enode.ID, fromAddr *net.UDPAddr) {
	nodes := e.collectTableNodes(fromAddr.IP, p.Distances, findnodeResultLimit)
	for _, resp := range packNodes(p.ReqID, nodes) {
		e.sendResponse(fromID, fromAddr, resp)
	}
}

// collectTableNodes gathers up to limit nodes from the table matching any of
// the requested distances, skipping any whose IP fails the relay check
// against the requester's address.
func (e *Engine) collectTableNodes(rip net.IP, distances []uint, limit int) []*enode.Node {
	var nodes []*enode.Node
	seen := make(map[uint]bool)
	for _, d := range distances {
		if seen[d] || d > 256 {
			continue
		}
		seen[d] = true
		for _, n := range e.tab.neighboursAtDistances([]uint{d}, bucketSize) {
			if netutil.CheckRelayIP(rip, n.IP()) != nil {
				continue
			}
			nodes = append(nodes, unwrapNode(n))
			if len(nodes) >= limit {
				return nodes
			}
		}
	}
	return nodes
}

// packNodes splits a result set into NODES response packets, each carrying
// at most maxNodesPerPacket records, as required by the maximum UDP packet
// size.
func packNodes(reqid []byte, nodes []*enode.Node) []*v5wire.Nodes {
	if len(nodes) == 0 {
		return []*v5wire.Nodes{{ReqID: reqid, RespCount: 1}}
	}
	total := (len(nodes) + maxNodesPerPacket - 1) / maxNodesPerPacket
	var resp []*v5wire.Nodes
	for len(nodes) > 0 {
		p := &v5wire.Nodes{ReqID: reqid, RespCount: uint8(total)}
		n := maxNodesPerPacket
		if n > len(nodes) {
			n = len(nodes)
		}
		for _, nd := range nodes[:n] {
			p.Nodes = append(p.Nodes, nd.Record())
		}
		nodes = nodes[n:]
		resp = append(resp, p)
	}
	return resp
}

func (e *Engine) getNode(id enode.ID) *enode.Node {
	for _, n := range e.tab.closest(id, 1) {
		if n.ID() == id {
			return unwrapNode(n)
		}
	}
	return nil
}
