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

package v5wire

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

func setupPeers(t *testing.T) (a, b *Codec, aNode, bNode *enode.Node) {
	t.Helper()
	clock := new(mclock.Simulated)

	keyA, err := crypto.GenerateKey()
	require.NoError(t, err)
	dbA, err := enode.OpenDB("")
	require.NoError(t, err)
	lnA := enode.NewLocalNode(dbA, keyA)

	keyB, err := crypto.GenerateKey()
	require.NoError(t, err)
	dbB, err := enode.OpenDB("")
	require.NoError(t, err)
	lnB := enode.NewLocalNode(dbB, keyB)

	a = NewCodec(lnA, keyA, clock, dbA)
	b = NewCodec(lnB, keyB, clock, dbB)
	return a, b, lnA.Node(), lnB.Node()
}

// Models spec.md §8 property 1/2: a handshake started by a random packet,
// answered with WHOAREYOU, completed with a handshake message, round-trips a
// plaintext body end to end and installs a session on both sides.
func TestCodecHandshakeRoundTrip(t *testing.T) {
	a, b, aNode, bNode := setupPeers(t)

	// A has no session with B yet: encoding a PING produces a random packet.
	ping := &Ping{ReqID: []byte{1, 2, 3, 4}, ENRSeq: aNode.Seq()}
	randomPkt, nonce, err := a.Encode(bNode.ID(), "b-addr", ping, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, randomPkt)

	// B doesn't recognize the random packet and issues WHOAREYOU.
	who := &Whoareyou{Nonce: nonce, RecordSeq: 0, Node: aNode}
	crand := make([]byte, 32)
	copy(who.IDNonce[:], crand)
	whoBytes, _, err := b.Encode(aNode.ID(), "a-addr", who, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, whoBytes)

	// A decodes the WHOAREYOU and re-sends the PING as a handshake message.
	_, _, decodedWho, err := a.Decode(whoBytes, "b-addr")
	require.NoError(t, err)
	challenge, ok := decodedWho.(*Whoareyou)
	require.True(t, ok)
	challenge.Node = bNode

	handshakePkt, _, err := a.Encode(bNode.ID(), "b-addr", ping, challenge)
	require.NoError(t, err)

	// B decodes the handshake message: it recovers A's record and the PING.
	fromID, fromNode, decodedPacket, err := b.Decode(handshakePkt, "a-addr")
	require.NoError(t, err)
	assert.Equal(t, aNode.ID(), fromID)
	if assert.NotNil(t, fromNode) {
		assert.Equal(t, aNode.ID(), fromNode.ID())
	}
	decodedPing, ok := decodedPacket.(*Ping)
	require.True(t, ok)
	assert.Equal(t, ping.ReqID, decodedPing.ReqID)

	// Both sides now have an installed session and can talk without a
	// further handshake.
	pong := &Pong{ReqID: ping.ReqID, ENRSeq: bNode.Seq()}
	pongPkt, _, err := b.Encode(aNode.ID(), "a-addr", pong, nil)
	require.NoError(t, err)
	_, _, decodedPong, err := a.Decode(pongPkt, "b-addr")
	require.NoError(t, err)
	p, ok := decodedPong.(*Pong)
	require.True(t, ok)
	assert.Equal(t, pong.ReqID, p.ReqID)
}

// Models spec.md §8 property 2: a bit flip in the ciphertext fails decryption.
func TestCodecBitFlipFailsDecrypt(t *testing.T) {
	a, b, aNode, bNode := setupPeers(t)

	ping := &Ping{ReqID: []byte{9}, ENRSeq: aNode.Seq()}
	_, nonce, err := a.Encode(bNode.ID(), "b-addr", ping, nil)
	require.NoError(t, err)

	who := &Whoareyou{Nonce: nonce, Node: aNode}
	whoBytes, _, err := b.Encode(aNode.ID(), "a-addr", who, nil)
	require.NoError(t, err)
	_, _, decodedWho, err := a.Decode(whoBytes, "b-addr")
	require.NoError(t, err)
	challenge := decodedWho.(*Whoareyou)
	challenge.Node = bNode

	handshakePkt, _, err := a.Encode(bNode.ID(), "b-addr", ping, challenge)
	require.NoError(t, err)

	// Flip the bits of the last byte, which lies in the GCM authentication tag.
	flipped := append([]byte{}, handshakePkt...)
	flipped[len(flipped)-1] ^= 0xff

	_, _, decoded, err := b.Decode(flipped, "a-addr")
	assert.Error(t, err)
	_, isUnknown := decoded.(*Unknown)
	assert.True(t, isUnknown)
}
