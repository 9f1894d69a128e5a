package mempool

import (
	"sync"

	"github.com/botho-project/botho/clustertax"
)

// FeeBaseConfig tunes the congestion response. Growth/decay factors are
// FixedScale-scaled multipliers applied once per Observe call; the exact
// EWMA window and growth factor are tunables, not invariants.
type FeeBaseConfig struct {
	Floor        uint64 // FixedScale units, 1.0x
	Ceiling      uint64
	GrowthFactor uint64 // applied when occupancy > GrowThreshold, e.g. 1.05x
	DecayFactor  uint64 // applied when occupancy < DecayThreshold, e.g. 0.98x
	GrowThresh   uint64 // occupancy permille of soft cap, e.g. 500 (= 50%)
	DecayThresh  uint64 // e.g. 100 (= 10%)
	EwmaAlpha    uint64 // FixedScale weight of the newest sample
}

// DefaultFeeBaseConfig matches the recommended initial values: grow
// geometrically above 50% occupancy, decay below 10%, 8x ceiling.
func DefaultFeeBaseConfig() FeeBaseConfig {
	return FeeBaseConfig{
		Floor:        clustertax.FixedScale,
		Ceiling:      8 * clustertax.FixedScale,
		GrowthFactor: 1_050_000,
		DecayFactor:  980_000,
		GrowThresh:   500,
		DecayThresh:  100,
		EwmaAlpha:    200_000, // 0.2
	}
}

// feeBase maintains the dynamic fee base as an EWMA over mempool occupancy
// driving a geometric multiplier between floor and ceiling.
type feeBase struct {
	mu   sync.Mutex
	cfg  FeeBaseConfig
	ewma uint64 // occupancy permille, EWMA-smoothed
	base uint64 // current multiplier, FixedScale units
}

func newFeeBase(cfg FeeBaseConfig) *feeBase {
	return &feeBase{cfg: cfg, base: cfg.Floor}
}

// observe feeds one occupancy sample (permille of the soft cap) and steps
// the multiplier.
func (f *feeBase) observe(occupancyPermille uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a := f.cfg.EwmaAlpha
	f.ewma = (f.ewma*(clustertax.FixedScale-a) + occupancyPermille*a) / clustertax.FixedScale

	switch {
	case f.ewma > f.cfg.GrowThresh:
		f.base = f.base * f.cfg.GrowthFactor / clustertax.FixedScale
		if f.base > f.cfg.Ceiling {
			f.base = f.cfg.Ceiling
		}
	case f.ewma < f.cfg.DecayThresh:
		f.base = f.base * f.cfg.DecayFactor / clustertax.FixedScale
		if f.base < f.cfg.Floor {
			f.base = f.cfg.Floor
		}
	}
}

func (f *feeBase) current() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base
}
