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

	"github.com/r5-labs/discv5/client/p2p/enode"
)

func TestSessionCacheStoreAndLookup(t *testing.T) {
	clock := new(mclock.Simulated)
	sc := NewSessionCache(16, clock, nil)

	var id enode.ID
	id[0] = 1
	addr := "203.0.113.1:30303"

	if sc.session(id, addr) != nil {
		t.Fatal("session should not exist yet")
	}
	s := &session{writeKey: make([]byte, keySize), readKey: make([]byte, keySize)}
	sc.storeNewSession(id, addr, s)
	if got := sc.session(id, addr); got != s {
		t.Fatal("stored session not returned")
	}
	if got := sc.readKey(id, addr); len(got) != keySize {
		t.Fatalf("unexpected read key length %d", len(got))
	}
}

func TestSessionCacheHandshakeGC(t *testing.T) {
	clock := new(mclock.Simulated)
	sc := NewSessionCache(16, clock, nil)

	var id enode.ID
	id[1] = 7
	addr := "203.0.113.2:30303"

	sc.storeSentHandshake(id, addr, &Whoareyou{})
	if sc.getHandshake(id, addr) == nil {
		t.Fatal("handshake should be present immediately after storing")
	}

	clock.Run(HandshakeTimeout + 1)
	sc.handshakeGC()
	if sc.getHandshake(id, addr) != nil {
		t.Fatal("handshake should have been garbage collected after timeout")
	}
}

// memStore is a minimal enode.SessionStore double backed by a map, used to
// verify the session cache actually reaches through to its injected store
// rather than living purely in the in-memory LRU.
type memStore struct {
	m map[string][]byte
}

func newMemStore() *memStore { return &memStore{m: make(map[string][]byte)} }

func (s *memStore) key(id enode.ID, addr string) string { return string(id[:]) + "|" + addr }

func (s *memStore) GetSession(id enode.ID, addr string) ([]byte, bool) {
	v, ok := s.m[s.key(id, addr)]
	return v, ok
}

func (s *memStore) PutSession(id enode.ID, addr string, value []byte) {
	s.m[s.key(id, addr)] = value
}

func (s *memStore) DeleteSession(id enode.ID, addr string) {
	delete(s.m, s.key(id, addr))
}

// Sessions must actually be written through to the injected store (spec.md
// §3/§6: "Sessions live in an injected key/value store"), survive an LRU
// eviction by being re-read from the store, and disappear from the store on
// deleteSession.
func TestSessionCachePersistsToStore(t *testing.T) {
	clock := new(mclock.Simulated)
	store := newMemStore()
	sc := NewSessionCache(16, clock, store)

	var id enode.ID
	id[0] = 5
	addr := "203.0.113.4:30303"

	s := &session{writeKey: []byte("0123456789abcdef"), readKey: []byte("fedcba9876543210"), nonceCounter: 3}
	sc.storeNewSession(id, addr, s)
	if _, ok := store.GetSession(id, addr); !ok {
		t.Fatal("session was not written to the injected store")
	}

	// Evict from the in-memory LRU directly and confirm the cache falls
	// back to the store rather than reporting the session as gone.
	sc.sessions.Remove(sessionID{id, addr})
	restored := sc.session(id, addr)
	if restored == nil {
		t.Fatal("session should have been restored from the store")
	}
	if string(restored.writeKey) != string(s.writeKey) || restored.nonceCounter != s.nonceCounter {
		t.Fatal("restored session does not match what was stored")
	}

	sc.deleteSession(id, addr)
	if _, ok := store.GetSession(id, addr); ok {
		t.Fatal("session should have been removed from the store")
	}
}

// A second WHOAREYOU for the same (id, addr) while one is already pending
// must not be silently dropped by the cache layer itself — per spec.md §3,
// rejecting the duplicate is the Protocol Engine's job (it checks
// getHandshake before calling storeSentHandshake again); the cache always
// honors whichever challenge it was asked to store.
func TestSessionCacheHandshakeOverwrite(t *testing.T) {
	clock := new(mclock.Simulated)
	sc := NewSessionCache(16, clock, nil)

	var id enode.ID
	id[2] = 9
	addr := "203.0.113.3:30303"

	first := &Whoareyou{RecordSeq: 1}
	sc.storeSentHandshake(id, addr, first)
	second := &Whoareyou{RecordSeq: 2}
	sc.storeSentHandshake(id, addr, second)

	if got := sc.getHandshake(id, addr); got.RecordSeq != 2 {
		t.Fatalf("expected the most recently stored challenge, got seq %d", got.RecordSeq)
	}
}
