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
	"crypto/ecdsa"
	crand "crypto/rand"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

// HandshakeTimeout is the lifetime of an in-flight WHOAREYOU challenge
// (spec.md §3/§5/§6's HANDSHAKE_TIMEOUT). Exported so callers that need to
// schedule the handshake GC (the engine) share the same value rather than
// carrying a second, possibly-drifting copy of it.
const HandshakeTimeout = 2 * time.Second

// The SessionCache keeps negotiated encryption keys and
// state for in-progress handshakes in the Discovery v5 wire protocol.
type SessionCache struct {
	sessions   lru.BasicLRU[sessionID, *session]
	handshakes map[sessionID]*Whoareyou
	clock      mclock.Clock
	store      enode.SessionStore

	// hooks for overriding randomness.
	nonceGen        func(uint32) (Nonce, error)
	ephemeralKeyGen func() (*ecdsa.PrivateKey, error)
}

// sessionID identifies a session or handshake.
type sessionID struct {
	id   enode.ID
	addr string
}

// session contains session information
type session struct {
	writeKey     []byte
	readKey      []byte
	nonceCounter uint32
}

// keysFlipped returns a copy of s with the read and write keys flipped.
func (s *session) keysFlipped() *session {
	return &session{s.readKey, s.writeKey, s.nonceCounter}
}

// marshalBinary packs a session into the opaque byte value spec.md §3/§6
// says the injected session store holds: write key, read key, then the
// nonce counter so a restored session keeps counting forward rather than
// reusing nonces.
func (s *session) marshalBinary() []byte {
	b := make([]byte, 0, 2*keySize+4)
	b = append(b, s.writeKey...)
	b = append(b, s.readKey...)
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], s.nonceCounter)
	return append(b, cnt[:]...)
}

func unmarshalSession(b []byte) (*session, bool) {
	if len(b) != 2*keySize+4 {
		return nil, false
	}
	s := &session{
		writeKey:     append([]byte{}, b[:keySize]...),
		readKey:      append([]byte{}, b[keySize:2*keySize]...),
		nonceCounter: binary.BigEndian.Uint32(b[2*keySize:]),
	}
	return s, true
}

// NewSessionCache creates a session cache backed by an in-memory LRU of
// maxItems entries, with store as the persistence layer spec.md §3 requires
// ("Sessions live in an injected key/value store keyed by (node_id,
// address)"). store may be nil, in which case sessions live only as long as
// the LRU keeps them.
func NewSessionCache(maxItems int, clock mclock.Clock, store enode.SessionStore) *SessionCache {
	return &SessionCache{
		sessions:        lru.NewBasicLRU[sessionID, *session](maxItems),
		handshakes:      make(map[sessionID]*Whoareyou),
		clock:           clock,
		store:           store,
		nonceGen:        generateNonce,
		ephemeralKeyGen: crypto.GenerateKey,
	}
}

func generateNonce(counter uint32) (n Nonce, err error) {
	binary.BigEndian.PutUint32(n[:4], counter)
	_, err = crand.Read(n[4:])
	return n, err
}

// nextNonce creates a nonce for encrypting a message to the given session.
func (sc *SessionCache) nextNonce(s *session) (Nonce, error) {
	s.nonceCounter++
	return sc.nonceGen(s.nonceCounter)
}

// session returns the current session for the given node, if any. A miss in
// the in-memory LRU falls through to the injected store before giving up,
// so a session survives an LRU eviction (or a restart, for an on-disk
// store) as long as the store still has it.
func (sc *SessionCache) session(id enode.ID, addr string) *session {
	key := sessionID{id, addr}
	if item, ok := sc.sessions.Get(key); ok {
		return item
	}
	if sc.store == nil {
		return nil
	}
	raw, ok := sc.store.GetSession(id, addr)
	if !ok {
		return nil
	}
	s, ok := unmarshalSession(raw)
	if !ok {
		return nil
	}
	sc.sessions.Add(key, s)
	return s
}

// readKey returns the current read key for the given node.
func (sc *SessionCache) readKey(id enode.ID, addr string) []byte {
	if s := sc.session(id, addr); s != nil {
		return s.readKey
	}
	return nil
}

// storeNewSession stores new encryption keys in the cache and, if a store
// is configured, persists them so the session survives an LRU eviction or a
// process restart.
func (sc *SessionCache) storeNewSession(id enode.ID, addr string, s *session) {
	sc.sessions.Add(sessionID{id, addr}, s)
	if sc.store != nil {
		sc.store.PutSession(id, addr, s.marshalBinary())
	}
}

// deleteSession drops a session from both the LRU and the backing store.
// Called when the node it belongs to is evicted from the routing table
// (spec.md §3: "deleted when its node is evicted from the routing table").
func (sc *SessionCache) deleteSession(id enode.ID, addr string) {
	sc.sessions.Remove(sessionID{id, addr})
	if sc.store != nil {
		sc.store.DeleteSession(id, addr)
	}
}

// getHandshake gets the handshake challenge we previously sent to the given remote node.
func (sc *SessionCache) getHandshake(id enode.ID, addr string) *Whoareyou {
	return sc.handshakes[sessionID{id, addr}]
}

// storeSentHandshake stores the handshake challenge sent to the given remote node.
func (sc *SessionCache) storeSentHandshake(id enode.ID, addr string, challenge *Whoareyou) {
	challenge.sent = sc.clock.Now()
	sc.handshakes[sessionID{id, addr}] = challenge
}

// deleteHandshake deletes handshake data for the given node.
func (sc *SessionCache) deleteHandshake(id enode.ID, addr string) {
	delete(sc.handshakes, sessionID{id, addr})
}

// handshakeGC deletes timed-out handshakes.
func (sc *SessionCache) handshakeGC() {
	deadline := sc.clock.Now().Add(-HandshakeTimeout)
	for key, challenge := range sc.handshakes {
		if challenge.sent < deadline {
			delete(sc.handshakes, key)
		}
	}
}
