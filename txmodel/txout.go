// Package txmodel implements the Botho transaction data model: stealth
// TxOuts, CLSAG ring inputs, transfer and minting transactions, the
// deterministic signing hash, the transaction builder, and the ordered
// validation pipeline.
package txmodel

import (
	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/types"
)

// MaxMemoBytes bounds the optional encrypted memo attached to a TxOut.
const MaxMemoBytes = 512

// DustThreshold is the minimum non-zero output amount the system accepts,
// in the output's own token denomination.
const DustThreshold uint64 = 1000

// TxOut is a single transaction output: a one-time stealth target, the
// per-output ephemeral public key, the masked (encrypted) amount, the
// Pedersen commitment to the real value, an optional bounded memo, and a
// public cluster-tag vector. Never mutated after creation, and never removed
// from the ledger's UTXO database, even once spent.
type TxOut struct {
	TokenID      uint64
	TargetKey    crypto.Point
	Ephemeral    crypto.Point
	MaskedAmount crypto.MaskedAmount
	Commitment   crypto.Commitment
	Memo         []byte // optional, len <= MaxMemoBytes, already encrypted by caller
	Tags         clustertax.TagVector
}

// Hash returns a deterministic digest of the output's public fields,
// excluding nothing (every field is already public), used as a component
// of the transaction signing hash and of short-id computations.
func (o *TxOut) Hash() types.Hash {
	parts := [][]byte{
		o.TargetKey.Bytes(),
		o.Ephemeral.Bytes(),
		o.MaskedAmount.Nonce[:],
		o.MaskedAmount.Ciphertext,
		o.Commitment.Bytes(),
		o.Memo,
		encodeTagVector(o.Tags),
	}
	return types.HashFromBytes(digest(parts...))
}

func encodeTagVector(tv clustertax.TagVector) []byte {
	ids := make([]clustertax.ClusterId, 0, len(tv.Weights))
	for id := range tv.Weights {
		ids = append(ids, id)
	}
	sortClusterIds(ids)

	out := make([]byte, 0, 16*len(ids))
	for _, id := range ids {
		var idb [8]byte
		putU64(idb[:], uint64(id))
		var wb [8]byte
		putU64(wb[:], tv.Weights[id])
		out = append(out, idb[:]...)
		out = append(out, wb[:]...)
	}
	return out
}

func sortClusterIds(ids []clustertax.ClusterId) {
	// insertion sort: tag vectors in practice carry a handful of clusters
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(8*i))
	}
}

func digest(parts ...[]byte) []byte {
	h := crypto.Blake3_256(parts...)
	return h[:]
}
