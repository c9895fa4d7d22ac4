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
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// ID is the unique 256-bit identifier of a node. It is the SHA-256 hash of the
// node's serialized secp256k1 public key.
type ID [32]byte

// Bytes returns a byte slice representation of the ID.
func (id ID) Bytes() []byte {
	return id[:]
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// TerminalString returns a shortened hex string for logging purposes.
func (id ID) TerminalString() string {
	return hex.EncodeToString(id[:8])
}

// MarshalText implements the encoding.TextMarshaler interface.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (id *ID) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != len(id) {
		return fmt.Errorf("enode: invalid ID length %d", len(b))
	}
	copy(id[:], b)
	return nil
}

// HashPubkey derives the node ID for the given public key: the SHA-256 hash of
// the key's uncompressed 65-byte serialization.
func HashPubkey(pub *ecdsa.PublicKey) ID {
	return sha256.Sum256(crypto.FromECDSAPub(pub))
}

// PubkeyToIDV5 is an alias of HashPubkey kept for call-site clarity; it names the
// identity scheme this engine uses ("v5sha") explicitly.
func PubkeyToIDV5(pub *ecdsa.PublicKey) ID {
	return HashPubkey(pub)
}

// LogDist returns the logarithmic distance between a and b, i.e. 256 minus the
// number of leading zero bits in a XOR b, with LogDist(x, x) = 0.
func LogDist(a, b ID) int {
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		lz += leadingZeros8(x)
		break
	}
	return len(a)*8 - lz
}

func leadingZeros8(x byte) int {
	n := 0
	for i := 7; i >= 0; i-- {
		if x&(1<<uint(i)) != 0 {
			break
		}
		n++
	}
	return n
}

// DistCmp compares the distances of a and b to target; it returns -1 if a is
// closer, 1 if b is closer, and 0 if they are equal.
func DistCmp(target, a, b ID) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}
