package txmodel

import (
	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
)

// KeyImageChecker reports whether a key image is already present in the
// ledger's spent set (or, at mempool ingress, already claimed by another
// pending transaction). Validate uses it only for the final,
// UTXO-set-dependent freshness check -- everything upstream of it is a pure
// function of the transaction's own bytes.
type KeyImageChecker interface {
	HasKeyImage(img crypto.Point) bool
}

// ValidationContext bundles the network parameters and cluster-wealth view
// the fee and tag-conservation checks need. Callers (mempool, ledger block
// application) construct one from their current chain state.
type ValidationContext struct {
	WealthIndex    clustertax.ClusterWealthIndex
	FeeCurve       clustertax.FeeCurveConfig
	FeePerByte     uint64
	MemoSurcharge  uint64
	DynamicFeeBase uint64
	CurrentHeight  uint64
	DecayConfig    clustertax.DecayConfig
}

// Validate runs the ordered validation pipeline, cheapest checks first,
// short-circuiting on the first failure. keyImages may be nil to
// skip the UTXO-set-dependent freshness check (used by wallet-side dry
// validation that has no ledger handle); ledger block application and
// mempool ingress must always pass a non-nil checker.
func Validate(tx *Transaction, ctx ValidationContext, keyImages KeyImageChecker) error {
	if err := validateStructural(tx, ctx); err != nil {
		return err
	}
	if err := validateTokenConsistency(tx); err != nil {
		return err
	}
	if err := validateFee(tx, ctx); err != nil {
		return err
	}
	if err := validateBalance(tx); err != nil {
		return err
	}
	if err := validateRangeProof(tx); err != nil {
		return err
	}
	if err := validateRingSignatures(tx); err != nil {
		return err
	}
	if err := ValidateTagConservation(tx, ctx.DecayConfig); err != nil {
		return err
	}
	if keyImages != nil {
		if err := validateKeyImageFreshness(tx, keyImages); err != nil {
			return err
		}
	}
	return nil
}

func validateStructural(tx *Transaction, ctx ValidationContext) error {
	if len(tx.Inputs) == 0 {
		return validationErr(KindStructural, "no inputs")
	}
	if len(tx.Outputs) == 0 {
		return validationErr(KindStructural, "no outputs")
	}
	for _, in := range tx.Inputs {
		if len(in.Ring) < RingSizeFloor {
			return validationErr(KindRingTooSmall, "ring below floor")
		}
		if in.Signature == nil || len(in.Signature.Responses) != len(in.Ring) {
			return validationErr(KindStructural, "malformed ring signature")
		}
	}
	if tx.TombstoneHeight != 0 && tx.TombstoneHeight <= ctx.CurrentHeight {
		return validationErr(KindStaleTombstone, "tombstone height not in the future")
	}
	return nil
}

// Dust enforcement on masked amounts happens at build time (the builder
// refuses to emit sub-dust outputs): a validator without the recipient's
// view key cannot decrypt MaskedAmount to compare it against
// DustThreshold. Validators instead rely on the range proof (always
// present, always checked) to bound every output's value.

func validateTokenConsistency(tx *Transaction) error {
	token := tx.FeeToken
	for _, out := range tx.Outputs {
		if out.TokenID != token {
			return validationErr(KindTokenMismatch, "output token mismatches fee token")
		}
	}
	if tx.RangeProof != nil && tx.RangeProof.TokenID != token {
		return validationErr(KindTokenMismatch, "range proof token mismatches fee token")
	}
	return nil
}

// validateFee recomputes the cluster-adjusted minimum from the public
// aggregate input-tag vector. Effective wealth is a weighted average over
// that vector's cluster fractions, so no input amount is needed: the
// per-value weighting already happened when the sender folded its inputs
// into InputTags, and the ring keeps the contributing members hidden.
func validateFee(tx *Transaction, ctx ValidationContext) error {
	wealth := clustertax.EffectiveWealthFromVector(tx.InputTags, ctx.WealthIndex)
	min := clustertax.MinimumFee(clustertax.FeeParams{
		FeePerByte:     ctx.FeePerByte,
		TxSizeBytes:    tx.Size(),
		MemoSurcharge:  ctx.MemoSurcharge,
		NumMemos:       tx.NumMemos(),
		DynamicFeeBase: ctx.DynamicFeeBase,
		FeeCurve:       ctx.FeeCurve,
	}, wealth)
	if tx.Fee < min {
		return validationErr(KindInsufficientFee, "fee below cluster-adjusted minimum")
	}
	return nil
}

// validateBalance checks conservation on commitments alone: the pseudo
// commitment sum must equal the output commitment sum plus the public fee
// under zero blinding. The CLSAG on each input separately proves its
// pseudo commitment carries the real ring member's amount, so no value is
// ever revealed here.
func validateBalance(tx *Transaction) error {
	pseudoCommits := make([]crypto.Commitment, len(tx.Inputs))
	for i, in := range tx.Inputs {
		pseudoCommits[i] = in.PseudoCommitment
	}
	outputCommits := make([]crypto.Commitment, len(tx.Outputs))
	for i, out := range tx.Outputs {
		outputCommits[i] = out.Commitment
	}
	if !crypto.VerifyBalance(pseudoCommits, outputCommits, tx.Fee, tx.FeeToken) {
		return validationErr(KindUnbalancedCommitments, "commitment sum does not balance")
	}
	return nil
}

func validateRangeProof(tx *Transaction) error {
	commits := make([]crypto.Commitment, len(tx.Outputs))
	for i, out := range tx.Outputs {
		commits[i] = out.Commitment
	}
	if err := crypto.VerifyRange(tx.RangeProof, commits); err != nil {
		return wrapValidationErr(KindRangeProofRejected, err)
	}
	return nil
}

func validateRingSignatures(tx *Transaction) error {
	msg := tx.SigningHash()
	for _, in := range tx.Inputs {
		if err := crypto.VerifyCLSAG(msg[:], in.ringKeys(), in.commitDiffs(), in.Signature); err != nil {
			return wrapValidationErr(KindRingSigInvalid, err)
		}
	}
	return nil
}

// ValidateTagConservation checks the declared aggregate against its
// committed hash and requires every output to carry the decayed image of
// InputTags. The vector itself is bound into the signing hash, so a
// signer cannot retroactively swap in a cheaper cluster mix.
func ValidateTagConservation(tx *Transaction, cfg clustertax.DecayConfig) error {
	decayed := clustertax.ApplyDecay(tx.InputTags, tx.InputTags, 0, cfg)
	if hashTagVector(decayed) != [32]byte(tx.ClusterTagProof) {
		return validationErr(KindTagSigInvalid, "cluster tag proof does not match declared input tags")
	}
	for _, out := range tx.Outputs {
		expected := clustertax.ApplyDecay(tx.InputTags, out.Tags, 0, cfg)
		if !tagVectorsEqual(expected, out.Tags) {
			return validationErr(KindTagSigInvalid, "output tags do not conserve input mass")
		}
	}
	return nil
}

func tagVectorsEqual(a, b clustertax.TagVector) bool {
	if len(a.Weights) != len(b.Weights) {
		return false
	}
	for c, w := range a.Weights {
		if b.Weights[c] != w {
			return false
		}
	}
	return true
}

func validateKeyImageFreshness(tx *Transaction, checker KeyImageChecker) error {
	seen := make(map[[32]byte]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		img := in.KeyImage()
		var key [32]byte
		copy(key[:], img.Bytes())
		if _, dup := seen[key]; dup {
			return validationErr(KindDoubleSpend, "duplicate key image within transaction")
		}
		seen[key] = struct{}{}
		if checker.HasKeyImage(img) {
			return validationErr(KindDoubleSpend, "key image already spent")
		}
	}
	return nil
}
