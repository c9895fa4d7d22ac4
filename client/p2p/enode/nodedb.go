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
	"encoding/binary"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// DB is the persisted state owned by a local node: the sequence number used
// to sign its own record, and the session secrets negotiated with remote
// peers. Per the spec, the only persisted state is the session key/value
// store; local sequence numbers piggy-back on the same handle for
// convenience but would be equally at home in memory.
//
// DB is safe for concurrent use. An empty (freshly opened, on-disk or
// in-memory) database is a valid starting state.
type DB struct {
	lvl  *leveldb.DB // nil when running purely in memory
	mem  map[string][]byte
	mu   sync.RWMutex
}

const (
	dbLocalSeqPrefix = "ls:"
	dbSessionPrefix  = "sk:"
)

// OpenDB opens (or creates) a node database at the given path. An empty path
// opens an in-memory database, which does not persist across restarts.
func OpenDB(path string) (*DB, error) {
	if path == "" {
		return &DB{mem: make(map[string][]byte)}, nil
	}
	lvl, err := leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 5})
	if _, iscorrupted := err.(*errors.ErrCorrupted); iscorrupted {
		lvl, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &DB{lvl: lvl}, nil
}

// Close flushes and closes the database.
func (db *DB) Close() error {
	if db.lvl == nil {
		return nil
	}
	return db.lvl.Close()
}

func (db *DB) get(key []byte) ([]byte, bool) {
	if db.lvl != nil {
		v, err := db.lvl.Get(key, nil)
		if err != nil {
			return nil, false
		}
		return v, true
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.mem[string(key)]
	return v, ok
}

func (db *DB) put(key, value []byte) error {
	if db.lvl != nil {
		return db.lvl.Put(key, value, nil)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	cpy := make([]byte, len(value))
	copy(cpy, value)
	db.mem[string(key)] = cpy
	return nil
}

func (db *DB) delete(key []byte) error {
	if db.lvl != nil {
		return db.lvl.Delete(key, nil)
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.mem, string(key))
	return nil
}

// localSeq returns the stored sequence number for id, or a freshly minted one
// (seeded from the current time, like the upstream protocol does) if none is
// stored yet.
func (db *DB) localSeq(id ID) uint64 {
	if b, ok := db.get(localSeqKey(id)); ok && len(b) == 8 {
		return binary.BigEndian.Uint64(b)
	}
	return nowMilliseconds()
}

// storeLocalSeq persists the sequence number last used to sign id's own record.
func (db *DB) storeLocalSeq(id ID, seq uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	db.put(localSeqKey(id), b[:])
}

func localSeqKey(id ID) []byte {
	return append([]byte(dbLocalSeqPrefix), id[:]...)
}

// SessionStore is the engine's injected capability for session secrets. It
// is keyed by (node_id, address) and stores opaque byte values; its only
// operations are get, put, and delete.
type SessionStore interface {
	GetSession(id ID, addr string) ([]byte, bool)
	PutSession(id ID, addr string, value []byte)
	DeleteSession(id ID, addr string)
}

func sessionKey(id ID, addr string) []byte {
	k := make([]byte, 0, len(dbSessionPrefix)+len(id)+len(addr))
	k = append(k, dbSessionPrefix...)
	k = append(k, id[:]...)
	k = append(k, addr...)
	return k
}

// GetSession implements SessionStore.
func (db *DB) GetSession(id ID, addr string) ([]byte, bool) {
	return db.get(sessionKey(id, addr))
}

// PutSession implements SessionStore.
func (db *DB) PutSession(id ID, addr string, value []byte) {
	db.put(sessionKey(id, addr), value)
}

// DeleteSession implements SessionStore.
func (db *DB) DeleteSession(id ID, addr string) {
	db.delete(sessionKey(id, addr))
}
