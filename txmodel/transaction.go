package txmodel

import (
	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/types"
)

// RingSizeFloor is the minimum number of members (real + decoys) in every
// ring input.
const RingSizeFloor = 11

// Transaction is a transfer transaction: ring-signed inputs spending
// existing outputs, newly created outputs, a declared fee, and the
// aggregated range proof covering every output.
//
// InputTags is the value-weighted combination of the real inputs' tag
// vectors, published as one transaction-level aggregate. It reveals the
// cluster mix the fee curve needs (tag vectors are public on every output
// by design, since the progressive fee must be publicly auditable) but no
// per-input amount or per-input attribution: amounts stay behind the
// pseudo-output commitments, and which ring member contributed which tags
// stays hidden in the ring.
//
// ClusterTagProof commits to the decayed image of InputTags that every
// output's Tags field must carry; ValidateTagConservation recomputes and
// checks it directly, binding output tags to the declared aggregate
// through the signing hash.
type Transaction struct {
	Version         uint8
	Inputs          []*RingInput
	Outputs         []*TxOut
	Fee             uint64
	FeeToken        uint64
	TombstoneHeight uint64
	InputTags       clustertax.TagVector
	RangeProof      *crypto.RangeProof
	ClusterTagProof types.Hash
}

const signingHashDomain = "botho/tx-signing-hash/v1"

// SigningHash is deterministic over every public field except the
// signatures/proofs themselves: version, ring member references and
// pseudo commitments (not the CLSAG signature), outputs, fee, tombstone,
// and the aggregate input tags. Every CLSAG signature is computed over this
// hash, so later tampering with any of these fields invalidates every
// signature. The range proof is neither covered by this hash nor computed
// over it.
func (tx *Transaction) SigningHash() types.Hash {
	parts := [][]byte{[]byte(signingHashDomain), {tx.Version}}

	for _, in := range tx.Inputs {
		parts = append(parts, in.hashParts()...)
	}
	for _, out := range tx.Outputs {
		h := out.Hash()
		parts = append(parts, h[:])
	}

	var feeBytes, feeTokenBytes, tombBytes [8]byte
	putU64(feeBytes[:], tx.Fee)
	putU64(feeTokenBytes[:], tx.FeeToken)
	putU64(tombBytes[:], tx.TombstoneHeight)
	parts = append(parts, feeBytes[:], feeTokenBytes[:], tombBytes[:],
		encodeTagVector(tx.InputTags), tx.ClusterTagProof[:])

	return types.HashFromBytes(digest(parts...))
}

// Hash is the transaction's identity hash, over the signing hash plus every
// CLSAG signature (the range proof is not included), so two transactions with identical public
// fields but different (still-valid) signatures remain distinguishable.
func (tx *Transaction) Hash() types.Hash {
	signing := tx.SigningHash()
	parts := [][]byte{signing[:]}
	for _, in := range tx.Inputs {
		parts = append(parts, in.Signature.C0.Bytes(),
			in.Signature.KeyImage.Bytes(), in.Signature.CommitmentImage.Bytes())
		for _, r := range in.Signature.Responses {
			parts = append(parts, r.Bytes())
		}
	}
	return types.HashFromBytes(digest(parts...))
}

// Size estimates the canonical wire size in bytes, used by fee computation.
// Each ring member is a target key + commitment (64 bytes) plus one CLSAG
// response scalar (32 bytes); each input adds a pseudo commitment and two
// images (96 bytes); outputs are a fixed 200-byte skeleton plus memo;
// range proof cost is amortized per output at a fixed per-bit size.
func (tx *Transaction) Size() uint64 {
	var size uint64 = 16 // version + fee + fee token + tombstone, rounded
	for _, in := range tx.Inputs {
		size += uint64(len(in.Ring)) * 64
		size += uint64(len(in.Ring)) * 32 // responses
		size += 96                        // pseudo commitment + key image + commitment image
	}
	for _, out := range tx.Outputs {
		size += 200 + uint64(len(out.Memo))
	}
	size += uint64(16 * len(tx.InputTags.Weights))
	if tx.RangeProof != nil {
		for range tx.RangeProof.Bits {
			size += crypto.RangeProofBits * (32 * 5) // per-bit proof + commitment
		}
	}
	return size
}

// NumMemos counts outputs carrying a non-empty memo.
func (tx *Transaction) NumMemos() uint64 {
	var n uint64
	for _, o := range tx.Outputs {
		if len(o.Memo) > 0 {
			n++
		}
	}
	return n
}
