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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	crand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/hkdf"

	"github.com/r5-labs/discv5/client/p2p/enode"
)

// Encoding parameters.
const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	idNonceSize  = 32
	keySize      = 16

	minPacketSize = 63
	maxPacketSize = 1280
)

var (
	ErrInvalidHeader   = errors.New("invalid packet header")
	ErrInvalidAuthKey  = errors.New("invalid ephemeral pubkey in handshake")
	ErrNoSession       = errors.New("no existing session")
	ErrInvalidSig      = errors.New("invalid handshake signature")
	ErrMessageTooShort = errors.New("packet too short")

	whoareyouMagicSuffix = []byte("WHOAREYOU")
)

// Codec encodes and decodes discovery v5 packets. Its Encode/Decode pair is the single
// chokepoint all wire traffic flows through: message packets are opened or sealed with
// the session key negotiated for (node, addr), ordinary packets that arrive without an
// existing session provoke a WHOAREYOU challenge, and WHOAREYOU responses complete a
// handshake that installs a fresh session.
type Codec struct {
	sha256    hash.Hash
	localnode *enode.LocalNode
	privkey   *ecdsa.PrivateKey
	localID   enode.ID

	sc *SessionCache
}

// NewCodec creates a wire codec. store is the injected session key/value
// store spec.md §3/§6 requires sessions to persist in; it may be nil, in
// which case sessions live only in the in-process LRU.
func NewCodec(ln *enode.LocalNode, key *ecdsa.PrivateKey, clock mclock.Clock, store enode.SessionStore) *Codec {
	c := &Codec{
		sha256:    sha256.New(),
		localnode: ln,
		privkey:   key,
		localID:   ln.ID(),
		sc:        NewSessionCache(1024, clock, store),
	}
	return c
}

// CurrentChallenge returns the WHOAREYOU challenge already outstanding for
// (id, addr), if any. The caller uses this to avoid starting a second,
// concurrent handshake with the same peer (spec.md §3, §7, testable
// property S5).
func (c *Codec) CurrentChallenge(id enode.ID, addr string) *Whoareyou {
	return c.sc.getHandshake(id, addr)
}

// ExpireHandshakes drops WHOAREYOU challenges that have been outstanding
// longer than HandshakeTimeout. Meant to be called periodically by the
// engine's maintenance loop.
func (c *Codec) ExpireHandshakes() {
	c.sc.handshakeGC()
}

// DeleteSession drops the session for (id, addr), e.g. when its node is
// evicted from the routing table (spec.md §3).
func (c *Codec) DeleteSession(id enode.ID, addr string) {
	c.sc.deleteSession(id, addr)
}

// tag computes the packet tag: SHA256(recipient-id) XOR sender-id.
func (c *Codec) tag(destID enode.ID) [32]byte {
	var tag [32]byte
	c.sha256.Reset()
	c.sha256.Write(destID[:])
	c.sha256.Sum(tag[:0])
	for i := range tag {
		tag[i] ^= c.localID[i]
	}
	return tag
}

// whoareyouMagic computes the magic value used to recognize WHOAREYOU packets addressed
// to destID: SHA256(destID || "WHOAREYOU").
func whoareyouMagic(destID enode.ID) []byte {
	h := sha256.New()
	h.Write(destID[:])
	h.Write(whoareyouMagicSuffix)
	return h.Sum(nil)
}

// Encode encodes a packet to a node. 'id' and 'addr' specify the destination node. The
// 'challenge' parameter should be the most recently received WHOAREYOU packet from that
// node, if any.
//
// For an ordinary message, Encode uses the existing session for the node, if any, and
// otherwise sends a random packet to provoke a WHOAREYOU from the remote end.
func (c *Codec) Encode(id enode.ID, addr string, packet Packet, challenge *Whoareyou) ([]byte, Nonce, error) {
	if w, ok := packet.(*Whoareyou); ok {
		return c.encodeWhoareyou(id, addr, w)
	}
	if challenge != nil {
		return c.encodeHandshakeMessage(id, addr, packet, challenge)
	}
	if session := c.sc.session(id, addr); session != nil {
		return c.encodeMessage(id, packet, session)
	}
	return c.encodeRandom(id)
}

// encodeRandom encodes a random packet with no known session, used to provoke WHOAREYOU
// from a node we've never talked to, or whose session has expired.
func (c *Codec) encodeRandom(destID enode.ID) ([]byte, Nonce, error) {
	tag := c.tag(destID)
	nonce, err := c.sc.nonceGen(0)
	if err != nil {
		return nil, Nonce{}, fmt.Errorf("can't generate nonce: %v", err)
	}
	junk := make([]byte, 44)
	if _, err := crand.Read(junk); err != nil {
		return nil, Nonce{}, err
	}
	buf := new(bytes.Buffer)
	buf.Write(tag[:])
	buf.Write(nonce[:])
	buf.Write(junk)
	return buf.Bytes(), nonce, nil
}

// encodeWhoareyou encodes the WHOAREYOU challenge packet.
func (c *Codec) encodeWhoareyou(destID enode.ID, addr string, p *Whoareyou) ([]byte, Nonce, error) {
	magic := whoareyouMagic(destID)
	buf := new(bytes.Buffer)
	buf.Write(magic)
	if err := rlp.Encode(buf, []interface{}{p.Nonce, p.IDNonce, p.RecordSeq}); err != nil {
		return nil, Nonce{}, err
	}
	p.ChallengeData = append([]byte{}, buf.Bytes()...)
	c.sc.storeSentHandshake(destID, addr, p)
	return buf.Bytes(), p.Nonce, nil
}

// encodeMessage encodes an ordinary message packet encrypted under an existing session.
func (c *Codec) encodeMessage(destID enode.ID, packet Packet, s *session) ([]byte, Nonce, error) {
	nonce, err := c.sc.nextNonce(s)
	if err != nil {
		return nil, Nonce{}, fmt.Errorf("can't generate nonce: %v", err)
	}
	tag := c.tag(destID)
	body, err := encodeMessageBody(packet)
	if err != nil {
		return nil, Nonce{}, err
	}
	headbuf := new(bytes.Buffer)
	headbuf.Write(tag[:])
	headbuf.Write(nonce[:])
	enc, err := encryptGCM(nil, s.writeKey[:], nonce[:], body, tag[:])
	if err != nil {
		return nil, Nonce{}, err
	}
	out := append(headbuf.Bytes(), enc...)
	return out, nonce, nil
}

// encodeHandshakeMessage encodes a message packet that completes a handshake: the
// ephemeral key exchange, the ID-nonce signature, and our own record (if the challenge
// indicates the recipient doesn't have our current one), followed by the encrypted
// message body under the freshly derived session key.
func (c *Codec) encodeHandshakeMessage(destID enode.ID, addr string, packet Packet, challenge *Whoareyou) ([]byte, Nonce, error) {
	ephkey, err := c.sc.ephemeralKeyGen()
	if err != nil {
		return nil, Nonce{}, fmt.Errorf("can't generate ephemeral key: %v", err)
	}
	ephpub := crypto.FromECDSAPub(&ephkey.PublicKey)

	destPubkey, err := challengeDestPubkey(challenge)
	if err != nil {
		return nil, Nonce{}, err
	}
	session, err := deriveKeys(sha256.New, ephkey, destPubkey, c.localID, destID, challenge)
	if err != nil {
		return nil, Nonce{}, fmt.Errorf("can't derive session keys: %v", err)
	}

	idSig, err := signIDNonce(c.privkey, challenge.ChallengeData, ephpub)
	if err != nil {
		return nil, Nonce{}, fmt.Errorf("can't sign ID nonce: %v", err)
	}

	var record *enr.Record
	if challenge.RecordSeq < c.localnode.Node().Seq() {
		r := c.localnode.Node().Record()
		record = r
	}

	nonce, err := c.sc.nonceGen(0)
	if err != nil {
		return nil, Nonce{}, err
	}
	tag := c.tag(destID)

	head := struct {
		Version   uint8
		Signature []byte
		EphPubkey []byte
		Record    *enr.Record `rlp:"nil"`
	}{5, idSig, ephpub, record}
	headRLP, err := rlp.EncodeToBytes(head)
	if err != nil {
		return nil, Nonce{}, err
	}

	body, err := encodeMessageBody(packet)
	if err != nil {
		return nil, Nonce{}, err
	}
	authData := append(append([]byte{}, tag[:]...), headRLP...)
	enc, err := encryptGCM(nil, session.writeKey, nonce[:], body, authData)
	if err != nil {
		return nil, Nonce{}, err
	}

	out := new(bytes.Buffer)
	out.Write(tag[:])
	out.Write(nonce[:])
	lenBuf, _ := rlp.EncodeToBytes(uint32(len(headRLP)))
	out.Write(lenBuf)
	out.Write(headRLP)
	out.Write(enc)

	c.sc.storeNewSession(destID, addr, session)
	c.sc.deleteHandshake(destID, addr)
	return out.Bytes(), nonce, nil
}

// Decode decodes a packet. For ordinary messages under an active session, it returns the
// decoded Packet. An unrecognized or non-decryptable input decodes as *Unknown, which the
// caller should respond to with a WHOAREYOU challenge. When the input completes a
// handshake, the returned *enode.Node is the remote node's record (nil if it didn't send
// one, i.e. it believes we already have its current record).
func (c *Codec) Decode(input []byte, addr string) (enode.ID, *enode.Node, Packet, error) {
	if len(input) < minPacketSize {
		return enode.ID{}, nil, nil, ErrMessageTooShort
	}
	if bytes.HasPrefix(input, whoareyouMagic(c.localID)) {
		p, err := c.decodeWhoareyou(input)
		return enode.ID{}, nil, p, err
	}
	if len(input) < 32+12 {
		return enode.ID{}, nil, nil, ErrInvalidHeader
	}
	var tag [32]byte
	copy(tag[:], input[:32])
	senderID := c.recoverSenderID(tag)

	challenge := c.sc.getHandshake(senderID, addr)
	if len(input) > 32+12+4 && challenge != nil {
		n, p, err := c.decodeHandshakeMessage(senderID, addr, input, challenge)
		if err != nil {
			return senderID, nil, &Unknown{}, err
		}
		return senderID, n, p, nil
	}

	var nonce Nonce
	copy(nonce[:], input[32:44])
	if s := c.sc.session(senderID, addr); s != nil {
		p, err := c.decodeMessage(senderID, nonce, tag, input[44:], s.readKey)
		if err == nil {
			return senderID, nil, p, nil
		}
	}
	return senderID, nil, &Unknown{Nonce: nonce}, nil
}

// recoverSenderID inverts the tag computation: tag = SHA256(local id) XOR sender id, so
// sender id = tag XOR SHA256(local id).
func (c *Codec) recoverSenderID(tag [32]byte) enode.ID {
	c.sha256.Reset()
	c.sha256.Write(c.localID[:])
	var h [32]byte
	c.sha256.Sum(h[:0])
	var id enode.ID
	for i := range id {
		id[i] = tag[i] ^ h[i]
	}
	return id
}

func (c *Codec) decodeWhoareyou(input []byte) (Packet, error) {
	magicLen := 32
	var p Whoareyou
	if err := rlp.DecodeBytes(input[magicLen:], &struct {
		Nonce     *Nonce
		IDNonce   *[idNonceSize]byte
		RecordSeq *uint64
	}{&p.Nonce, &p.IDNonce, &p.RecordSeq}); err != nil {
		return nil, fmt.Errorf("invalid whoareyou body: %v", err)
	}
	p.ChallengeData = append([]byte{}, input...)
	return &p, nil
}

func (c *Codec) decodeMessage(fromID enode.ID, nonce Nonce, tag [32]byte, ct []byte, readKey []byte) (Packet, error) {
	msgdata, err := decryptGCM(readKey, nonce[:], ct, tag[:])
	if err != nil {
		return nil, err
	}
	return decodeMessageBody(msgdata)
}

func (c *Codec) decodeHandshakeMessage(fromID enode.ID, addr string, input []byte, challenge *Whoareyou) (*enode.Node, Packet, error) {
	tag := input[:32]
	nonce := input[32:44]
	rest := input[44:]

	var lenField uint32
	lenRLPLen, err := readRLPUint32(rest, &lenField)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid auth header length field: %v", err)
	}
	rest = rest[lenRLPLen:]
	if len(rest) < int(lenField) {
		return nil, nil, ErrInvalidHeader
	}
	headRLP := rest[:lenField]
	ct := rest[lenField:]

	var head struct {
		Version   uint8
		Signature []byte
		EphPubkey []byte
		Record    *enr.Record `rlp:"nil"`
	}
	if err := rlp.DecodeBytes(headRLP, &head); err != nil {
		return nil, nil, fmt.Errorf("invalid auth header: %v", err)
	}

	ephPubkey, err := crypto.UnmarshalPubkey(head.EphPubkey)
	if err != nil {
		return nil, nil, ErrInvalidAuthKey
	}

	session, err := deriveKeys(sha256.New, c.privkey, ephPubkey, fromID, c.localID, challenge)
	if err != nil {
		return nil, nil, fmt.Errorf("can't derive session keys: %v", err)
	}
	session = session.keysFlipped()

	var n *enode.Node
	if head.Record != nil {
		nn, err := enode.New(enode.ValidSchemesForTesting, head.Record)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid node record: %v", err)
		}
		if nn.ID() != fromID {
			return nil, nil, fmt.Errorf("record in handshake has wrong ID")
		}
		n = nn
	}
	senderPubkey := ephPubkey
	if n != nil {
		senderPubkey, err = nodePubkey(n)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := verifyIDNonceSig(senderPubkey, challenge.ChallengeData, head.EphPubkey, head.Signature); err != nil {
		return nil, nil, err
	}

	var tagArr [32]byte
	copy(tagArr[:], tag)
	authData := append(append([]byte{}, tagArr[:]...), headRLP...)
	var nonceArr Nonce
	copy(nonceArr[:], nonce)
	msgdata, err := decryptGCM(session.readKey, nonceArr[:], ct, authData)
	if err != nil {
		return n, nil, err
	}
	p, err := decodeMessageBody(msgdata)
	if err != nil {
		return n, nil, err
	}
	c.sc.storeNewSession(fromID, addr, session)
	c.sc.deleteHandshake(fromID, addr)
	return n, p, nil
}

func encodeMessageBody(p Packet) ([]byte, error) {
	body, err := rlp.EncodeToBytes(p)
	if err != nil {
		return nil, err
	}
	return append([]byte{p.Kind()}, body...), nil
}

func decodeMessageBody(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, ErrMessageTooShort
	}
	return DecodeMessage(data[0], data[1:])
}

func encryptGCM(dest, key, nonce, plaintext, authData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("can't create block cipher: %v", err)
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, err
	}
	return aesgcm.Seal(dest, nonce, plaintext, authData), nil
}

func decryptGCM(key, nonce, ct, authData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("can't create block cipher: %v", err)
	}
	if len(nonce) != gcmNonceSize {
		return nil, fmt.Errorf("invalid GCM nonce size: %d", len(nonce))
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, nonce, ct, authData)
}

// deriveKeys derives session keys via ECDH followed by HKDF, as specified for the
// handshake: the shared secret is the 33-byte compressed encoding of priv*pub, the HKDF
// info string binds in both node IDs, the challenge data is the HKDF salt, and the
// output is split into a write key and a read key from the perspective of the initiator
// (the caller flips them when deriving as the recipient).
func deriveKeys(newHash func() hash.Hash, priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey, n1, n2 enode.ID, challenge *Whoareyou) (*session, error) {
	eph := ecdh(priv, pub)
	if eph == nil {
		return nil, ErrInvalidAuthKey
	}
	info := make([]byte, 0, 26+len(n1)+len(n2))
	info = append(info, "discovery v5 key agreement"...)
	info = append(info, n1[:]...)
	info = append(info, n2[:]...)
	kdf := hkdf.New(newHash, eph, challenge.ChallengeData, info)
	sec := session{writeKey: make([]byte, keySize), readKey: make([]byte, keySize)}
	if _, err := io.ReadFull(kdf, sec.writeKey); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(kdf, sec.readKey); err != nil {
		return nil, err
	}
	return &sec, nil
}

func ecdh(privkey *ecdsa.PrivateKey, pubkey *ecdsa.PublicKey) []byte {
	secX, secY := pubkey.Curve.ScalarMult(pubkey.X, pubkey.Y, privkey.D.Bytes())
	if secX == nil {
		return nil
	}
	sec := make([]byte, 33)
	sec[0] = 0x02 | byte(secY.Bit(0))
	xb := secX.Bytes()
	copy(sec[33-len(xb):], xb)
	return sec
}

// signIDNonce signs the id-nonce challenge using the local node's secp256k1 key: the
// message is SHA256(challenge data || ephemeral pubkey).
func signIDNonce(key *ecdsa.PrivateKey, challenge, ephkey []byte) ([]byte, error) {
	idNonceHash := idNonceHash(challenge, ephkey)
	sig, err := crypto.Sign(idNonceHash, key)
	if err != nil {
		return nil, err
	}
	return sig[:len(sig)-1], nil // remove recovery id
}

func verifyIDNonceSig(pubkey *ecdsa.PublicKey, challenge, ephkey, sig []byte) error {
	idNonceHash := idNonceHash(challenge, ephkey)
	pubkeyBytes := crypto.FromECDSAPub(pubkey)
	if !crypto.VerifySignature(pubkeyBytes, idNonceHash, sig) {
		return ErrInvalidSig
	}
	return nil
}

func idNonceHash(challenge, ephkey []byte) []byte {
	h := sha256.New()
	h.Write(challenge)
	h.Write(ephkey)
	return h.Sum(nil)
}

func challengeDestPubkey(challenge *Whoareyou) (*ecdsa.PublicKey, error) {
	if challenge.Node == nil {
		return nil, fmt.Errorf("whoareyou challenge has no recipient node record")
	}
	return nodePubkey(challenge.Node)
}

func nodePubkey(n *enode.Node) (*ecdsa.PublicKey, error) {
	var pk enr.Secp256k1
	if err := n.Record().Load(&pk); err != nil {
		return nil, err
	}
	return (*ecdsa.PublicKey)(&pk), nil
}

// readRLPUint32 decodes an RLP-encoded uint32 prefix from the front of buf and reports
// how many bytes it occupied there.
func readRLPUint32(buf []byte, out *uint32) (int, error) {
	s := rlp.NewStream(bytes.NewReader(buf), uint64(len(buf)))
	if err := s.Decode(out); err != nil {
		return 0, err
	}
	return int(s.Pos()), nil
}
