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
	"net"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

func startEngine(t *testing.T, bootnodes []*enode.Node) *Engine {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	ln := enode.NewLocalNode(db, key)
	ln.SetStaticIP(net.IPv4(127, 0, 0, 1))

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	ln.SetFallbackUDP(conn.LocalAddr().(*net.UDPAddr).Port)

	e, err := Listen(conn, ln, Config{PrivateKey: key, Bootnodes: bootnodes, Log: log.Root()})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

// Models spec.md §8 scenario S1/S2: a fresh engine pings a peer it only
// knows the record of, completing a full WHOAREYOU handshake, and a
// zero-distance FINDNODE returns the peer's own current record.
func TestEnginePingAndFindnodeSelf(t *testing.T) {
	a := startEngine(t, nil)
	b := startEngine(t, nil)

	bNode := b.Self()
	seq, err := a.ping(bNode)
	require.NoError(t, err)
	require.Equal(t, bNode.Seq(), seq)

	nodes, err := a.findnode(bNode, []uint{0})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, bNode.ID(), nodes[0].ID())
}

func TestEngineHandlePingInsertsIntoTable(t *testing.T) {
	a := startEngine(t, nil)
	b := startEngine(t, nil)

	_, err := a.ping(b.Self())
	require.NoError(t, err)

	// B received A's record in the handshake that carried the PING, and
	// should now hold A in its table.
	found := b.getNode(a.Self().ID())
	require.NotNil(t, found)
	require.Equal(t, a.Self().ID(), found.ID())
}

// Exercises the exported embedding surface (spec.md §6) end to end: AddNode,
// GetNode, Ping, FindNode, Neighbours, and Resolve all work against a peer
// reached only through a bootstrap record handed to AddNode.
func TestEngineEmbeddingSurface(t *testing.T) {
	b := startEngine(t, nil)
	a := startEngine(t, nil)

	require.Nil(t, a.GetNode(b.Self().ID()))
	a.AddNode(b.Self())
	require.NotNil(t, a.GetNode(b.Self().ID()))

	pong, err := a.Ping(b.Self())
	require.NoError(t, err)
	require.Equal(t, b.Self().Seq(), pong.ENRSeq)

	nodes, err := a.FindNode(b.Self(), []uint{0})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, b.Self().ID(), nodes[0].ID())

	neighbours := a.Neighbours(b.Self().ID(), 16)
	require.NotEmpty(t, neighbours)
	require.Equal(t, b.Self().ID(), neighbours[0].ID())

	resolved := a.Resolve(b.Self())
	require.Equal(t, b.Self().ID(), resolved.ID())

	require.Contains(t, idsOf(a.AllNodes()), b.Self().ID())
}

func idsOf(nodes []*enode.Node) []enode.ID {
	ids := make([]enode.ID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID()
	}
	return ids
}
