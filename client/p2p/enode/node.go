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

package enode

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"net/netip"

	"github.com/ethereum/go-ethereum/p2p/enr"
)

// Node represents a host on the network, identified by its node ID and
// backed by a signed ENR record. The record's advertised address is cached
// alongside the parsed ID so that hot paths (routing table admission,
// distance comparisons) never need to re-walk the record.
type Node struct {
	r  enr.Record
	id ID

	ip  net.IP
	udp uint16
	tcp uint16
}

// New verifies the signature of r and wraps it into a Node, using the given
// identity scheme registry to derive the node address.
func New(validSchemes enr.IdentityScheme, r *enr.Record) (*Node, error) {
	if err := r.VerifySignature(validSchemes); err != nil {
		return nil, err
	}
	var id ID
	copy(id[:], validSchemes.NodeAddr(r))
	return newNodeWithID(r, id), nil
}

func newNodeWithID(r *enr.Record, id ID) *Node {
	n := &Node{r: *r, id: id}
	var ip4 enr.IPv4
	var ip6 enr.IPv6
	var udp enr.UDP
	var tcp enr.TCP
	if r.Load(&ip4) == nil {
		n.ip = net.IP(ip4)
	} else if r.Load(&ip6) == nil {
		n.ip = net.IP(ip6)
	}
	if r.Load(&udp) == nil {
		n.udp = uint16(udp)
	}
	if r.Load(&tcp) == nil {
		n.tcp = uint16(tcp)
	}
	return n
}

// SignNull wraps r as a Node with the "null" identity scheme, i.e. without any
// real signature. This is used only by tests that need deterministic node IDs.
func SignNull(r *enr.Record, id ID) *Node {
	r.Set(enr.ID("null"))
	r.Set(enr.WithEntry("nulladdr", id))
	if err := r.SetSig(nullID{}, []byte{}); err != nil {
		panic(err)
	}
	return newNodeWithID(r, id)
}

// ID returns the node identifier.
func (n *Node) ID() ID { return n.id }

// Seq returns the ENR sequence number.
func (n *Node) Seq() uint64 { return n.r.Seq() }

// Record returns the node's complete ENR record.
func (n *Node) Record() *enr.Record {
	cpy := n.r
	return &cpy
}

// IP returns the node's advertised IP address, or nil if it has none.
func (n *Node) IP() net.IP { return n.ip }

// UDP returns the node's advertised discovery port.
func (n *Node) UDP() uint16 { return n.udp }

// TCP returns the node's advertised RLPx listening port.
func (n *Node) TCP() uint16 { return n.tcp }

// UDPEndpoint returns the node's UDP endpoint, and reports whether the node
// has a valid endpoint at all.
func (n *Node) UDPEndpoint() (netip.AddrPort, bool) {
	if n.ip == nil || n.udp == 0 {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(n.ip.To16())
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), n.udp), true
}

// ValidateComplete reports whether the node has the fields required to be
// dialed or used as a bootstrap node.
func (n *Node) ValidateComplete() error {
	if n.udp == 0 {
		return fmt.Errorf("missing UDP port")
	}
	if n.ip == nil {
		return fmt.Errorf("missing IP address")
	}
	if n.ip.IsMulticast() || n.ip.IsUnspecified() {
		return fmt.Errorf("invalid IP address %v", n.ip)
	}
	return nil
}

func (n *Node) String() string {
	return fmt.Sprintf("enode://%s@%v:%d", n.id.String(), n.ip, n.udp)
}

// PubkeyToIDV4 is kept for compatibility with callers still named after the
// upstream v4 identity scheme; it derives an ID with this engine's v5sha scheme.
func PubkeyToIDV4(pub *ecdsa.PublicKey) ID {
	return HashPubkey(pub)
}
