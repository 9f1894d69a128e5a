// Package types holds the handful of primitives shared across every other
// package: the generic block/tx hash type. Anything
// with real structure (keys, commitments, transactions, blocks) lives in the
// package that owns its semantics (crypto, txmodel, ledger).
package types

import "encoding/hex"

// Hash is a 32-byte BLAKE3/SHA256 digest, used for block hashes, tx hashes,
// and Merkle roots throughout.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func HashFromBytes(b []byte) Hash {
	var h Hash
	copy(h[:], b)
	return h
}
