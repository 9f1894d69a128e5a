package crypto

import (
	"crypto/sha256"

	"lukechampine.com/blake3"
)

// Domain separation tags. Every hash that feeds a scalar, a challenge, or a
// key-derivation step is prefixed with one of these so the same byte string
// can never be reinterpreted as two different kinds of hash input.
const (
	domainHashToScalar   = "botho/hash-to-scalar"
	domainHashToPoint    = "botho/hash-to-point"
	domainKeyImage       = "botho/key-image"
	domainStealth        = "botho/stealth-derive"
	domainCLSAGChallenge = "botho/clsag-challenge"
	domainSigningHash    = "botho/tx-signing-hash"
	domainCommitment     = "botho/pedersen-commitment"
	domainTagEntropy     = "botho/tag-entropy"
)

// Blake3_256 returns the 32-byte BLAKE3 hash of the concatenation of parts.
// Used for bulk/non-scalar hashing (block short-hashes, tag entropy inputs)
// where BLAKE3's speed matters and no uniform-scalar reduction is needed.
func Blake3_256(parts ...[]byte) [32]byte {
	h := blake3.New(32, nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SHA256d returns SHA-256 applied twice, the double-hash convention for
// anything that touches PoW.
func SHA256d(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	first := h.Sum(nil)
	return sha256.Sum256(first)
}

func domainTag(domain string, parts ...[]byte) []byte {
	h := blake3.New(64, nil)
	h.Write([]byte(domain))
	for _, p := range parts {
		var lenPrefix [8]byte
		putUint64(lenPrefix[:], uint64(len(p)))
		h.Write(lenPrefix[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

func putUint64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}
