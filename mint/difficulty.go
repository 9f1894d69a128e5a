package mint

import "math/bits"

// DifficultyConfig tunes the retarget controller. Difficulty here is the
// 64-bit PoW target prefix: a hash wins when its first 8 bytes, read
// big-endian, are strictly below the target, so a HIGHER value means an
// EASIER block.
type DifficultyConfig struct {
	EpochBlocks      uint64
	TargetBlockSecs  uint64
	MaxAdjustmentBps uint64 // per-epoch clamp on the multiplicative change
	DifficultyLag    uint64 // newest blocks excluded from the averaging window
	TailInflationBps uint64 // phase-2 net-inflation target, annualized
}

// DefaultDifficultyConfig retargets every 1440 blocks toward a 60-second
// block time, moves at most 25% per epoch, and excludes the newest 15
// blocks from the window so a burst of late-arriving timestamps cannot
// whipsaw the average.
func DefaultDifficultyConfig() DifficultyConfig {
	return DifficultyConfig{
		EpochBlocks:      1440,
		TargetBlockSecs:  60,
		MaxAdjustmentBps: 2500,
		DifficultyLag:    15,
		TailInflationBps: 150,
	}
}

// DifficultyController derives the next epoch's PoW target from the closing
// epoch's header timestamps. Pure integer arithmetic with deterministic
// rounding; the ledger calls Retarget through the ledger.RetargetFunc
// capability at each epoch boundary.
type DifficultyController struct {
	cfg      DifficultyConfig
	schedule EmissionSchedule
}

// NewDifficultyController binds a controller to the emission schedule it
// needs for phase detection.
func NewDifficultyController(cfg DifficultyConfig, schedule EmissionSchedule) *DifficultyController {
	return &DifficultyController{cfg: cfg, schedule: schedule}
}

// Retarget computes the next target from the epoch's timestamps (oldest
// first, including the boundary block's own). The window average excludes
// the DifficultyLag newest entries; the resulting ratio of actual to target
// elapsed time scales the target, clamped to MaxAdjustmentBps per epoch.
// In the tail phase the target is additionally nudged toward the
// net-inflation goal: observed fee burns shrink net emission, so a
// burn-heavy epoch eases the target slightly to keep net inflation on
// track.
func (c *DifficultyController) Retarget(height, current uint64, timestamps []int64, grossSupply, feesBurned uint64) uint64 {
	if len(timestamps) < 2 {
		return current
	}

	window := timestamps
	if lag := int(c.cfg.DifficultyLag); len(window) > lag+2 {
		window = window[:len(window)-lag]
	}

	first, last := window[0], window[len(window)-1]
	if last <= first {
		return current
	}
	actual := uint64(last - first)
	target := c.cfg.TargetBlockSecs * uint64(len(window)-1)
	if target == 0 {
		return current
	}

	// Blocks came too fast -> actual < target -> shrink the prefix target
	// (harder); too slow -> grow it (easier).
	next := mulDiv64(current, actual, target)
	next = c.clamp(current, next)

	if c.schedule.PhaseAt(height) == PhaseTail {
		next = c.tailNudge(next, grossSupply, feesBurned)
	}
	if next == 0 {
		next = 1
	}
	return next
}

// clamp bounds next within +/- MaxAdjustmentBps of current.
func (c *DifficultyController) clamp(current, next uint64) uint64 {
	maxUp := mulDiv64(current, 10_000+c.cfg.MaxAdjustmentBps, 10_000)
	maxDown := mulDiv64(current, 10_000-c.cfg.MaxAdjustmentBps, 10_000)
	if next > maxUp {
		return maxUp
	}
	if next < maxDown {
		return maxDown
	}
	return next
}

// tailNudge applies a small secondary correction in phase 2: if the last
// epoch's fee burns consumed more than the tail emission (net supply
// shrinking), ease the target by up to a quarter of the per-epoch clamp so
// gross emission catches back up toward TailInflationBps; if burns are
// negligible, leave the primary retarget alone.
func (c *DifficultyController) tailNudge(next uint64, grossSupply, feesBurned uint64) uint64 {
	epochEmission := c.schedule.TailReward * c.cfg.EpochBlocks
	if epochEmission == 0 || feesBurned < epochEmission {
		return next
	}
	nudgeBps := c.cfg.MaxAdjustmentBps / 4
	return mulDiv64(next, 10_000+nudgeBps, 10_000)
}

func mulDiv64(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return ^uint64(0) // quotient overflows; saturate
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}
