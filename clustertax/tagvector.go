package clustertax

import (
	"math/big"
	"math/bits"
)

// Sum computes the value-weighted average tag vector across a set of input
// tags, each weighted by the spent amount it came from. Weights are
// TagWeightScale-fraction fixed point throughout; the final vector is
// renormalized so explicit weights never exceed TagWeightScale.
func Sum(tags []TagVector, amounts []uint64) TagVector {
	if len(tags) != len(amounts) {
		return NewTagVector()
	}
	var totalAmount uint64
	for _, a := range amounts {
		totalAmount += a
	}
	if totalAmount == 0 {
		return NewTagVector()
	}

	acc := make(map[ClusterId]uint64)
	for i, tv := range tags {
		if amounts[i] == 0 {
			continue
		}
		for c, w := range tv.Weights {
			contribution := mulDiv(amounts[i], w, totalAmount)
			acc[c] += contribution
		}
	}
	return TagVector{Weights: acc}.Normalize()
}

// mulDiv computes (a*b)/c without overflow, using a 128-bit intermediate
// product via bits.Mul64/Div64 -- amounts run up to 2^64 picocredits and
// weights up to TagWeightScale (~2^20), so a plain uint64 product would
// overflow.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}

// DecayMode selects how apply_decay reduces cluster weights on spend.
type DecayMode int

const (
	// DecayAgeBased reduces weights by DecayRate once the spent UTXO is at
	// least MinAgeBlocks old; otherwise a no-op.
	DecayAgeBased DecayMode = iota
	// DecayEntropyWeighted credits only the fraction of base decay
	// proportional to the bounded entropy increase between the input and
	// candidate output tag vectors.
	DecayEntropyWeighted
	// DecayHybrid sums the age baseline and the entropy bonus, capped at
	// DecayRate.
	DecayHybrid
)

// DecayConfig parameterizes decay application; the policy is configuration,
// not hard-coded, so every field here is a tunable.
type DecayConfig struct {
	Mode         DecayMode
	DecayRate    uint64 // TagWeightScale-fraction, e.g. 50_000 == 5%
	MinAgeBlocks uint64
	MinDelta     uint64 // Rényi-2 entropy bits, fixed-point *1e6
	FullDelta    uint64
}

// DefaultDecayConfig is entropy-weighted with a 5% base decay rate, a
// 10-block minimum maturity before any age credit applies, and an entropy
// window of [0.1, 2.0] bits.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Mode:         DecayEntropyWeighted,
		DecayRate:    50_000,
		MinAgeBlocks: 10,
		MinDelta:     100_000,   // 0.1 bit
		FullDelta:    2_000_000, // 2.0 bits
	}
}

// ApplyDecay produces the output tag vector carried forward to a new UTXO,
// given the input (weighted-summed) tag vector, the candidate output vector
// computed before decay (used only to measure entropy delta under
// entropy-weighted/hybrid modes), the spent UTXO's age in blocks, and the
// decay config.
func ApplyDecay(input TagVector, candidateOutput TagVector, spentAgeBlocks uint64, cfg DecayConfig) TagVector {
	switch cfg.Mode {
	case DecayAgeBased:
		return applyUniformDecay(input, ageCreditRate(cfg, spentAgeBlocks))
	case DecayEntropyWeighted:
		return applyUniformDecay(input, entropyCreditRate(cfg, input, candidateOutput))
	case DecayHybrid:
		age := ageCreditRate(cfg, spentAgeBlocks)
		entropy := entropyCreditRate(cfg, input, candidateOutput)
		rate := age + entropy
		if rate > cfg.DecayRate {
			rate = cfg.DecayRate
		}
		return applyUniformDecay(input, rate)
	default:
		return input.Clone()
	}
}

func ageCreditRate(cfg DecayConfig, spentAgeBlocks uint64) uint64 {
	if spentAgeBlocks < cfg.MinAgeBlocks {
		return 0
	}
	return cfg.DecayRate
}

// entropyCreditRate credits only the fraction of base decay proportional to
// the bounded entropy increase between input and candidate output,
// following the "only the fraction ... between min_delta and full_delta is
// credited; closed-loop wash trades get approximately zero credit" rule: a
// wash trade (same clusters recombined) produces ~0 entropy delta and so
// ~0 decay credit, regardless of how many hops it takes.
func entropyCreditRate(cfg DecayConfig, input, candidateOutput TagVector) uint64 {
	hIn := CollisionEntropy(input)
	hOut := CollisionEntropy(candidateOutput)
	if hOut <= hIn {
		return 0
	}
	delta := hOut - hIn
	if delta <= cfg.MinDelta {
		return 0
	}
	if delta >= cfg.FullDelta {
		return cfg.DecayRate
	}
	span := cfg.FullDelta - cfg.MinDelta
	return mulDiv(cfg.DecayRate, delta-cfg.MinDelta, span)
}

// applyUniformDecay reduces every explicit cluster weight by rate (a
// TagWeightScale-fraction) and lets the freed mass flow to background by
// simply not reassigning it.
func applyUniformDecay(tv TagVector, rate uint64) TagVector {
	if rate == 0 {
		return tv.Clone()
	}
	if rate > TagWeightScale {
		rate = TagWeightScale
	}
	keep := TagWeightScale - rate
	out := NewTagVector()
	for c, w := range tv.Weights {
		out.Weights[c] = mulDiv(w, keep, TagWeightScale)
	}
	return out
}

var (
	bigTagWeightScale = new(big.Int).SetUint64(TagWeightScale)
	bigDenomSquared   = new(big.Int).Mul(bigTagWeightScale, bigTagWeightScale)
	bigOne            = big.NewInt(1)
	fixedScale        = big.NewInt(1_000_000)
)

// CollisionEntropy returns the Rényi-2 (collision) entropy of a tag vector
// in bits, fixed-point scaled by 1e6, over the distribution formed by the
// explicit cluster weights plus the implicit background weight:
// -log2(Σ p_i^2) where p_i = weight_i / TagWeightScale. Computed with
// math/big so the result is exact, deterministic integer arithmetic --
// no floating point reaches this consensus-adjacent path.
func CollisionEntropy(tv TagVector) uint64 {
	sumSq := new(big.Int)
	sq := new(big.Int)
	for _, w := range tv.Weights {
		sq.SetUint64(w)
		sq.Mul(sq, sq)
		sumSq.Add(sumSq, sq)
	}
	bg := new(big.Int).SetUint64(tv.Background())
	bg.Mul(bg, bg)
	sumSq.Add(sumSq, bg)

	if sumSq.Sign() == 0 {
		return 20_000_000 // zero mass: treat as maximal entropy cap
	}
	if sumSq.Cmp(bigDenomSquared) >= 0 {
		return 0
	}

	// -log2(sumSq / denomSquared), fixed-point *1e6, via bit-length plus a
	// linear interpolation inside the bracketing power-of-two: exact at
	// both endpoints, monotonic in between, integer-only.
	numBits := sumSq.BitLen()
	denomBits := bigDenomSquared.BitLen()
	whole := int64(denomBits - numBits)

	// Mantissas of sumSq and denomSquared in [1, 2) as 20-bit fixed point;
	// log2 of each is its bit position plus (mantissa - 1).
	m := new(big.Int).Lsh(sumSq, 20)
	m.Rsh(m, uint(numBits-1))
	d := new(big.Int).Lsh(bigDenomSquared, 20)
	d.Rsh(d, uint(denomBits-1))
	frac := new(big.Int).Sub(d, m)
	frac.Mul(frac, fixedScale)
	frac.Quo(frac, big.NewInt(1<<20))

	return uint64(whole*1_000_000 + frac.Int64())
}
