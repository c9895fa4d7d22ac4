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
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
)

// ValidSchemes is the set of identity schemes accepted by this engine.
var ValidSchemes = enr.SchemeMap{
	"v5sha": V5ShaID{},
}

// ValidSchemesForTesting additionally accepts the signature-less "null" scheme,
// which is only meaningful in tests that construct nodes without real keys.
var ValidSchemesForTesting = enr.SchemeMap{
	"v5sha": V5ShaID{},
	"null":  nullID{},
}

// V5ShaID is this engine's identity scheme: node addresses are the SHA-256
// hash of the serialized public key (per the NodeId definition of the
// protocol this engine speaks), and records are signed with secp256k1 over
// the same hash.
type V5ShaID struct{}

// SignV5 signs r with privkey using the v5sha scheme.
func SignV5(r *enr.Record, privkey *ecdsa.PrivateKey) error {
	cpy := *r
	cpy.Set(enr.ID("v5sha"))
	cpy.Set(enr.Secp256k1(privkey.PublicKey))

	h := sha256.New()
	rlp.Encode(h, cpy.AppendElements(nil))
	sig, err := crypto.Sign(h.Sum(nil), privkey)
	if err != nil {
		return err
	}
	sig = sig[:len(sig)-1] // drop recovery id
	if err := cpy.SetSig(V5ShaID{}, sig); err != nil {
		return err
	}
	*r = cpy
	return nil
}

type s256raw []byte

func (s256raw) ENRKey() string { return "secp256k1" }

func (V5ShaID) Verify(r *enr.Record, sig []byte) error {
	var entry s256raw
	if err := r.Load(&entry); err != nil {
		return err
	} else if len(entry) != 33 {
		return fmt.Errorf("enode: invalid public key, want 33 bytes")
	}
	h := sha256.New()
	rlp.Encode(h, r.AppendElements(nil))
	if !crypto.VerifySignature(entry, h.Sum(nil), sig) {
		return errInvalidSig
	}
	return nil
}

var errInvalidSig = fmt.Errorf("enode: invalid record signature")

func (V5ShaID) NodeAddr(r *enr.Record) []byte {
	var pubkey enr.Secp256k1
	if err := r.Load(&pubkey); err != nil {
		return nil
	}
	id := HashPubkey((*ecdsa.PublicKey)(&pubkey))
	return id[:]
}

// nullID is the signature-less identity scheme, used only by tests that need
// deterministic node IDs without generating real keys.
type nullID struct{}

func (nullID) Verify(r *enr.Record, sig []byte) error { return nil }

func (nullID) NodeAddr(r *enr.Record) []byte {
	var id ID
	r.Load(enr.WithEntry("nulladdr", &id))
	return id[:]
}
