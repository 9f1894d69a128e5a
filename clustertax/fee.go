package clustertax

// FeeParams bundles the inputs to the minimum-fee formula that aren't
// derived from cluster wealth itself.
type FeeParams struct {
	FeePerByte     uint64
	TxSizeBytes    uint64
	MemoSurcharge  uint64
	NumMemos       uint64
	DynamicFeeBase uint64 // FixedScale-scaled congestion multiplier, 1.0 == FixedScale
	FeeCurve       FeeCurveConfig
}

// MinimumFee computes fee_per_byte * tx_size * cluster_factor(W) *
// dynamic_fee_base + memo_surcharge * num_memos, all in FixedScale fixed
// point for the two multipliers. effectiveWealth is the output of
// EffectiveWealthFromVector/EffectiveWealthFromTags.
func MinimumFee(params FeeParams, effectiveWealth uint64) uint64 {
	factor := ClusterFactor(params.FeeCurve, effectiveWealth)

	base := params.FeePerByte * params.TxSizeBytes
	base = mulDiv(base, factor, FixedScale)
	base = mulDiv(base, params.DynamicFeeBase, FixedScale)

	memoFee := params.MemoSurcharge * params.NumMemos
	return base + memoFee
}
