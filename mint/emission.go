// Package mint implements proof-of-work minting: the two-phase emission
// schedule, the windowed difficulty controller, the monetary-policy
// reporting surface, and the parallel nonce-striped worker pool that
// searches for valid minting transactions.
package mint

// Picocredits per BTH; 1 BTH = 10^12 picocredits.
const Picocredits uint64 = 1_000_000_000_000

// EmissionSchedule fixes the two-phase monetary policy. Phase 1 halves the
// initial reward every HalvingInterval blocks until HalvingCount halvings
// have completed; phase 2 pays a constant tail reward chosen at launch to
// hit the target net inflation.
type EmissionSchedule struct {
	InitialReward   uint64
	HalvingInterval uint64
	HalvingCount    uint64
	TailReward      uint64
}

// DefaultEmissionSchedule is the reference policy: 50 BTH initial reward,
// halving every 1,051,200 blocks (about two years at the target block
// time), 8 halvings, then a 0.3 BTH tail.
func DefaultEmissionSchedule() EmissionSchedule {
	return EmissionSchedule{
		InitialReward:   50 * Picocredits,
		HalvingInterval: 1_051_200,
		HalvingCount:    8,
		TailReward:      3 * Picocredits / 10,
	}
}

// Phase identifies which arm of the policy a height falls in.
type Phase int

const (
	PhaseHalving Phase = iota + 1
	PhaseTail
)

func (p Phase) String() string {
	if p == PhaseTail {
		return "tail"
	}
	return "halving"
}

// Reward is the authoritative block reward function: pure, deterministic,
// and used verbatim by block validation. grossSupply is accepted (and
// ignored in both phases) so the signature matches ledger.EmissionFunc; a
// future soft-capped tail could consult it.
func (e EmissionSchedule) Reward(height, grossSupply uint64) uint64 {
	if height == 0 {
		return 0
	}
	halvings := height / e.HalvingInterval
	if halvings >= e.HalvingCount {
		return e.TailReward
	}
	return e.InitialReward >> halvings
}

// PhaseAt reports which phase a height is in.
func (e EmissionSchedule) PhaseAt(height uint64) Phase {
	if height/e.HalvingInterval >= e.HalvingCount {
		return PhaseTail
	}
	return PhaseHalving
}

// CurrentHalving returns how many halvings have completed at height.
func (e EmissionSchedule) CurrentHalving(height uint64) uint64 {
	h := height / e.HalvingInterval
	if h > e.HalvingCount {
		return e.HalvingCount
	}
	return h
}

// BlocksUntilHalving returns the distance to the next halving boundary, or
// zero once the tail phase has begun.
func (e EmissionSchedule) BlocksUntilHalving(height uint64) uint64 {
	if e.PhaseAt(height) == PhaseTail {
		return 0
	}
	next := (height/e.HalvingInterval + 1) * e.HalvingInterval
	return next - height
}
