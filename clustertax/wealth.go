package clustertax

import "math/big"

// ClusterWealthIndex is a read-only view over the ledger's cluster-wealth
// map, satisfied by ledger.State and by in-memory test doubles.
type ClusterWealthIndex interface {
	ClusterWealth(id ClusterId) uint64
}

// MapWealthIndex is the trivial in-memory ClusterWealthIndex, used by
// wallet-side fee estimation and tests.
type MapWealthIndex map[ClusterId]uint64

func (m MapWealthIndex) ClusterWealth(id ClusterId) uint64 { return m[id] }

// EffectiveWealthFromVector evaluates effective wealth over one already
// combined tag vector: the weighted average of cluster wealths under the
// vector's fractions, background excluded. This is the validator-side
// entry point -- a transaction publishes only the aggregate vector, never
// per-input amounts, and the per-value weighting is already folded into
// the aggregate, so fractions are all that is needed.
func EffectiveWealthFromVector(tv TagVector, index ClusterWealthIndex) uint64 {
	acc := new(big.Int)
	for c, w := range tv.Weights {
		term := new(big.Int).SetUint64(w)
		term.Mul(term, new(big.Int).SetUint64(index.ClusterWealth(c)))
		acc.Add(acc, term)
	}
	acc.Div(acc, new(big.Int).SetUint64(TagWeightScale))
	if !acc.IsUint64() {
		return ^uint64(0)
	}
	return acc.Uint64()
}

// EffectiveWealthFromTags is the second entry point: operates directly on
// pre-extracted per-input tag vectors and amounts, the sender-side shape.
// A wallet that has scanned its own outputs uses this before the inputs
// are folded into a transaction's single aggregate vector.
func EffectiveWealthFromTags(tags []TagVector, amounts []uint64, index ClusterWealthIndex) uint64 {
	if len(tags) != len(amounts) || len(tags) == 0 {
		return 0
	}

	numerator := new(big.Int)
	var denom uint64
	for i, tv := range tags {
		v := amounts[i]
		if v == 0 {
			continue
		}
		denom += v
		for c, w := range tv.Weights {
			wealth := index.ClusterWealth(c)
			// value_i * weight_{i,c} * wealth_c, exact in big.Int.
			term := new(big.Int).SetUint64(v)
			term.Mul(term, new(big.Int).SetUint64(w))
			term.Mul(term, new(big.Int).SetUint64(wealth))
			numerator.Add(numerator, term)
		}
	}
	if denom == 0 {
		return 0
	}
	denominator := new(big.Int).SetUint64(denom)
	denominator.Mul(denominator, new(big.Int).SetUint64(TagWeightScale))
	if denominator.Sign() == 0 {
		return 0
	}
	numerator.Div(numerator, denominator)
	if !numerator.IsUint64() {
		return ^uint64(0) // saturate rather than silently truncate
	}
	return numerator.Uint64()
}
