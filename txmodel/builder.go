package txmodel

import (
	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
)

// SpendableOutput is a UTXO the builder knows the spend key for: the real
// output being spent as it appears on the ledger (target key, commitment),
// the secrets recovered by scanning (spend key, amount, blinding), its tag
// vector, and its age at spend time (for age-based decay).
type SpendableOutput struct {
	TargetKey  crypto.Point
	Commitment crypto.Commitment
	SpendPriv  crypto.Scalar
	Amount     uint64
	Blinding   crypto.Scalar
	Tags       clustertax.TagVector
	AgeBlocks  uint64
}

// DecoyProvider supplies ring-member decoys, satisfied by the ledger's
// decoy provider (ledger.Store) or an in-memory test double.
type DecoyProvider interface {
	DecoyOutputs(count int, exclude []crypto.Point, tokenID uint64) ([]RingMember, error)
}

// Recipient is one output the builder is constructing: the destination
// address, the amount to send, and an optional memo (already encrypted by
// the caller if secrecy beyond the AEAD masking is desired).
type Recipient struct {
	Address crypto.Address
	Amount  uint64
	Memo    []byte
}

// BuildParams bundles everything the builder needs beyond the spend
// set/recipients: network parameters for fee computation and the ring
// size/decoy source.
type BuildParams struct {
	RingSize        int
	TokenID         uint64
	Fee             uint64
	TombstoneHeight uint64
	DecayConfig     clustertax.DecayConfig
	Decoys          DecoyProvider
}

// Build constructs, signs, and proves a complete transfer transaction
// spending `inputs` to `recipients`: select decoys, shuffle the real input
// to a random ring position, re-commit each spent amount under a fresh
// pseudo-output blinding chosen so the pseudo sum balances the outputs
// plus fee, emit output tags by composing inputs and applying decay,
// generate the aggregated range proof, and sign every ring with the
// aggregated CLSAG over the transaction's signing hash.
func Build(inputs []SpendableOutput, recipients []Recipient, params BuildParams) (*Transaction, error) {
	if params.RingSize < RingSizeFloor {
		return nil, validationErr(KindRingTooSmall, "requested ring size below floor")
	}
	if len(inputs) == 0 || len(recipients) == 0 {
		return nil, validationErr(KindStructural, "no inputs or no recipients")
	}

	var totalIn, totalOut uint64
	for _, in := range inputs {
		totalIn += in.Amount
	}
	for _, r := range recipients {
		if r.Amount < DustThreshold {
			return nil, validationErr(KindStructural, "output below dust threshold")
		}
		if len(r.Memo) > MaxMemoBytes {
			return nil, validationErr(KindStructural, "memo exceeds bound")
		}
		totalOut += r.Amount
	}
	if totalIn != totalOut+params.Fee {
		return nil, validationErr(KindUnbalancedCommitments, "inputs do not cover outputs plus fee")
	}

	realKeys := make([]crypto.Point, len(inputs))
	for i, in := range inputs {
		realKeys[i] = in.TargetKey
	}

	// Output blindings are drawn fresh; pseudo-output blindings are then
	// drawn fresh except the last, which is solved so the two sums match
	// exactly (the fee commits under zero blinding). That single equation
	// is all VerifyBalance needs: sum of pseudos == sum of outputs + fee.
	outBlindings := make([]crypto.Scalar, len(recipients))
	sumOutBlind := crypto.ScalarZero()
	for i := range recipients {
		outBlindings[i] = crypto.RandomScalar()
		sumOutBlind = sumOutBlind.Add(outBlindings[i])
	}
	pseudoBlindings := make([]crypto.Scalar, len(inputs))
	sumPseudo := crypto.ScalarZero()
	for i := range inputs {
		if i == len(inputs)-1 {
			pseudoBlindings[i] = sumOutBlind.Sub(sumPseudo)
			continue
		}
		pseudoBlindings[i] = crypto.RandomScalar()
		sumPseudo = sumPseudo.Add(pseudoBlindings[i])
	}

	inputTags := make([]clustertax.TagVector, len(inputs))
	inputAmounts := make([]uint64, len(inputs))
	for i, in := range inputs {
		inputTags[i] = in.Tags
		inputAmounts[i] = in.Amount
	}
	combinedTags := clustertax.Sum(inputTags, inputAmounts)

	values := make([]uint64, len(recipients))
	outs := make([]*TxOut, len(recipients))
	for i, r := range recipients {
		values[i] = r.Amount
		stealth, ephemeralPriv := crypto.NewStealthOutput(r.Address, uint32(i))
		shared := r.Address.ViewPub.Mul(ephemeralPriv)
		masked, err := crypto.EncryptAmount(shared, uint32(i), r.Amount, outBlindings[i])
		if err != nil {
			return nil, err
		}
		// The candidate-output entropy measurement needed by
		// entropy-weighted/hybrid decay is, in this single-pass builder,
		// the combined vector itself: a genuinely higher-entropy output
		// (mixing with unrelated clusters) only exists once downstream
		// transactions recombine this output with others, so age-based
		// credit dominates at construction time and entropy credit
		// accrues as outputs get re-spent and re-combined in later
		// transactions -- which is what keeps closed-loop wash trades at
		// ~0 credit.
		decayedTags := clustertax.ApplyDecay(combinedTags, combinedTags, oldestAge(inputs), params.DecayConfig)
		outs[i] = &TxOut{
			TokenID:      params.TokenID,
			TargetKey:    stealth.TargetKey,
			Ephemeral:    stealth.Ephemeral,
			MaskedAmount: masked,
			Commitment:   crypto.Commit(r.Amount, params.TokenID, outBlindings[i]),
			Memo:         r.Memo,
			Tags:         decayedTags,
		}
	}

	rangeProof, err := crypto.ProveRange(params.TokenID, values, outBlindings)
	if err != nil {
		return nil, err
	}

	ringInputs := make([]*RingInput, len(inputs))
	realIndices := make([]int, len(inputs))
	for i, in := range inputs {
		ring, realIndex, err := shuffleRing(in, params.RingSize, params.Decoys, realKeys, params.TokenID)
		if err != nil {
			return nil, err
		}
		ringInputs[i] = &RingInput{
			Ring:             ring,
			PseudoCommitment: crypto.Commit(in.Amount, params.TokenID, pseudoBlindings[i]),
		}
		realIndices[i] = realIndex
	}

	tagProofVector := clustertax.ApplyDecay(combinedTags, combinedTags, oldestAge(inputs), params.DecayConfig)
	tx := &Transaction{
		Version:         1,
		Inputs:          ringInputs,
		Outputs:         outs,
		Fee:             params.Fee,
		FeeToken:        params.TokenID,
		TombstoneHeight: params.TombstoneHeight,
		InputTags:       combinedTags,
		RangeProof:      rangeProof,
		ClusterTagProof: hashTagVector(tagProofVector),
	}

	// Signing hash depends on the final ring member order and the pseudo
	// commitments but not on the CLSAG signatures themselves, so rings
	// must be fixed before this point and signatures attached after.
	msg := tx.SigningHash()
	for i, in := range inputs {
		blindDiff := in.Blinding.Sub(pseudoBlindings[i])
		sig, err := crypto.SignCLSAG(msg[:], ringInputs[i].ringKeys(), ringInputs[i].commitDiffs(),
			realIndices[i], in.SpendPriv, blindDiff)
		if err != nil {
			return nil, err
		}
		ringInputs[i].Signature = sig
	}

	return tx, nil
}

func oldestAge(inputs []SpendableOutput) uint64 {
	var max uint64
	for _, in := range inputs {
		if in.AgeBlocks > max {
			max = in.AgeBlocks
		}
	}
	return max
}

func hashTagVector(tv clustertax.TagVector) (h [32]byte) {
	b := encodeTagVector(tv)
	return crypto.Blake3_256([]byte("botho/cluster-tag-proof"), b)
}

// shuffleRing draws decoys for one input, inserts the real ring member at
// a uniformly random position, and returns the built ring plus the real
// member's index.
func shuffleRing(in SpendableOutput, ringSize int, decoys DecoyProvider, exclude []crypto.Point, tokenID uint64) ([]RingMember, int, error) {
	decoyMembers, err := decoys.DecoyOutputs(ringSize-1, exclude, tokenID)
	if err != nil {
		return nil, 0, err
	}
	if len(decoyMembers) < ringSize-1 {
		return nil, 0, validationErr(KindRingTooSmall, "decoy provider returned too few candidates")
	}
	// Eight bytes of a uniform scalar keep the modulo bias negligible.
	var r uint64
	for _, b := range crypto.RandomScalar().Bytes()[:8] {
		r = r<<8 | uint64(b)
	}
	realIndex := int(r % uint64(ringSize))

	ring := make([]RingMember, ringSize)
	real := RingMember{TargetKey: in.TargetKey, Commitment: in.Commitment}
	di := 0
	for i := 0; i < ringSize; i++ {
		if i == realIndex {
			ring[i] = real
			continue
		}
		ring[i] = decoyMembers[di]
		di++
	}
	return ring, realIndex, nil
}
