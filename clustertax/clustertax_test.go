package clustertax

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTagVectorBackgroundFillsRemainder(t *testing.T) {
	tv := NewTagVector()
	tv.Weights[1] = 300_000
	tv.Weights[2] = 400_000
	require.Equal(t, uint64(300_000), tv.Background())
}

func TestSumWeightedAverage(t *testing.T) {
	a := NewTagVector()
	a.Weights[1] = TagWeightScale // fully cluster 1
	b := NewTagVector()           // fully background

	out := Sum([]TagVector{a, b}, []uint64{100, 100})
	require.InDelta(t, float64(TagWeightScale)/2, float64(out.Weights[1]), float64(TagWeightScale)*0.01)
}

func TestCollisionEntropyZeroForPureBackground(t *testing.T) {
	pure := NewTagVector() // all background, p=1 -> entropy 0
	require.Equal(t, uint64(0), CollisionEntropy(pure))
}

func TestCollisionEntropyIncreasesWithSpread(t *testing.T) {
	concentrated := NewTagVector()
	concentrated.Weights[1] = TagWeightScale

	spread := NewTagVector()
	spread.Weights[1] = TagWeightScale / 2
	spread.Weights[2] = TagWeightScale / 2

	require.Greater(t, CollisionEntropy(spread), CollisionEntropy(concentrated))
}

func TestAgeDecayNoOpBelowMinAge(t *testing.T) {
	cfg := DefaultDecayConfig()
	cfg.Mode = DecayAgeBased
	tv := NewTagVector()
	tv.Weights[1] = TagWeightScale

	out := ApplyDecay(tv, tv, cfg.MinAgeBlocks-1, cfg)
	require.Equal(t, tv.Weights[1], out.Weights[1])
}

func TestAgeDecayReducesWeightAboveMinAge(t *testing.T) {
	cfg := DefaultDecayConfig()
	cfg.Mode = DecayAgeBased
	tv := NewTagVector()
	tv.Weights[1] = TagWeightScale

	out := ApplyDecay(tv, tv, cfg.MinAgeBlocks, cfg)
	require.Less(t, out.Weights[1], tv.Weights[1])
}

func TestEntropyWeightedDecayNoCreditForWashTrade(t *testing.T) {
	cfg := DefaultDecayConfig()
	tv := NewTagVector()
	tv.Weights[1] = TagWeightScale

	// Wash trade: candidate output has identical distribution, so entropy
	// delta is zero and no decay credit is given.
	out := ApplyDecay(tv, tv, cfg.MinAgeBlocks+100, cfg)
	require.Equal(t, tv.Weights[1], out.Weights[1])
}

func TestEntropyWeightedDecayCreditsRealMixing(t *testing.T) {
	cfg := DefaultDecayConfig()
	input := NewTagVector()
	input.Weights[1] = TagWeightScale

	mixed := NewTagVector()
	mixed.Weights[1] = TagWeightScale / 4
	mixed.Weights[2] = TagWeightScale / 4
	mixed.Weights[3] = TagWeightScale / 4
	// remaining quarter background

	out := ApplyDecay(input, mixed, 0, cfg)
	require.Less(t, out.Weights[1], input.Weights[1])
}

func TestHybridDecayCapsAtBaseRate(t *testing.T) {
	cfg := DefaultDecayConfig()
	cfg.Mode = DecayHybrid
	input := NewTagVector()
	input.Weights[1] = TagWeightScale

	// Spread over four clusters: 2 bits of entropy gained over the
	// single-cluster input, so age and entropy credit together exceed the cap.
	mixed := NewTagVector()
	mixed.Weights[2] = TagWeightScale / 4
	mixed.Weights[3] = TagWeightScale / 4
	mixed.Weights[4] = TagWeightScale / 4
	mixed.Weights[5] = TagWeightScale / 4

	out := ApplyDecay(input, mixed, cfg.MinAgeBlocks+1000, cfg)
	minKept := TagWeightScale - cfg.DecayRate
	require.GreaterOrEqual(t, out.Weights[1], minKept-1) // allow rounding
}

func TestClusterFactorMonotoneNonDecreasing(t *testing.T) {
	cfg := DefaultFeeCurveConfig()
	prev := ClusterFactor(cfg, 0)
	for _, w := range []uint64{
		cfg.WMid / 100, cfg.WMid / 2, cfg.WMid, cfg.WMid * 2, cfg.WMid * 10, cfg.WMid * 1000,
	} {
		cur := ClusterFactor(cfg, w)
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestClusterFactorBounds(t *testing.T) {
	cfg := DefaultFeeCurveConfig()
	low := ClusterFactor(cfg, 0)
	high := ClusterFactor(cfg, cfg.WMid*1_000_000)
	require.GreaterOrEqual(t, low, cfg.RMin)
	require.LessOrEqual(t, high, cfg.RMax)
	require.Greater(t, high, low)
}

func TestEffectiveWealthExcludesBackground(t *testing.T) {
	allBackground := NewTagVector()
	idx := MapWealthIndex{1: 1_000_000}

	w := EffectiveWealthFromTags([]TagVector{allBackground}, []uint64{100}, idx)
	require.Equal(t, uint64(0), w)
}

func TestEffectiveWealthWeightsByClusterTotal(t *testing.T) {
	tv := NewTagVector()
	tv.Weights[1] = TagWeightScale // fully attributed to cluster 1
	idx := MapWealthIndex{1: 5_000}

	w := EffectiveWealthFromTags([]TagVector{tv}, []uint64{100}, idx)
	require.Equal(t, uint64(5_000), w)
}

func TestMinimumFeeScalesWithClusterFactor(t *testing.T) {
	cfg := DefaultFeeCurveConfig()
	poorParams := FeeParams{FeePerByte: 10, TxSizeBytes: 500, DynamicFeeBase: FixedScale, FeeCurve: cfg}
	poorFee := MinimumFee(poorParams, cfg.WMid/10)
	richFee := MinimumFee(poorParams, cfg.WMid*5)
	require.Greater(t, richFee, poorFee)
}
