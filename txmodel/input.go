package txmodel

import (
	"github.com/botho-project/botho/crypto"
)

// RingMember is one candidate spender in a ring input: a one-time target
// key and its Pedersen commitment, either the real spent output or a decoy
// drawn from the ledger's decoy provider.
type RingMember struct {
	TargetKey  crypto.Point
	Commitment crypto.Commitment
}

// RingInput is a transaction input: an ordered ring of candidate outputs,
// a pseudo-output commitment re-committing the spent amount under a fresh
// blinding, and an aggregated CLSAG signature binding one hidden real
// index to both its spend key and the pseudo commitment.
//
// The pseudo commitment is what keeps amounts hidden end to end: the
// CLSAG proves it commits to the same value as the (undisclosed) real
// ring member, and balance validation only ever compares pseudo
// commitments against output commitments plus the public fee. Nothing in
// the broadcast bytes reveals the real member's amount or tags.
type RingInput struct {
	Ring             []RingMember
	PseudoCommitment crypto.Commitment
	Signature        *crypto.CLSAGSignature
}

// KeyImage returns the input's linkability key image.
func (in *RingInput) KeyImage() crypto.Point {
	return in.Signature.KeyImage
}

func (in *RingInput) ringKeys() []crypto.Point {
	keys := make([]crypto.Point, len(in.Ring))
	for i, m := range in.Ring {
		keys[i] = m.TargetKey
	}
	return keys
}

// commitDiffs returns, per ring member, that member's commitment minus the
// pseudo-output commitment, the second key the aggregated CLSAG signs
// under.
func (in *RingInput) commitDiffs() []crypto.Point {
	diffs := make([]crypto.Point, len(in.Ring))
	for i, m := range in.Ring {
		diffs[i] = m.Commitment.Point().Sub(in.PseudoCommitment.Point())
	}
	return diffs
}

func (in *RingInput) hashParts() [][]byte {
	parts := make([][]byte, 0, len(in.Ring)*2+1)
	for _, m := range in.Ring {
		parts = append(parts, m.TargetKey.Bytes(), m.Commitment.Bytes())
	}
	parts = append(parts, in.PseudoCommitment.Bytes())
	return parts
}
