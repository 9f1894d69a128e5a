package mint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/types"
)

func TestRewardHalvesAndTails(t *testing.T) {
	e := DefaultEmissionSchedule()

	require.Equal(t, uint64(0), e.Reward(0, 0))
	require.Equal(t, e.InitialReward, e.Reward(1, 0))
	require.Equal(t, e.InitialReward, e.Reward(e.HalvingInterval-1, 0))
	require.Equal(t, e.InitialReward/2, e.Reward(e.HalvingInterval, 0))
	require.Equal(t, e.InitialReward/4, e.Reward(2*e.HalvingInterval, 0))

	tailStart := e.HalvingCount * e.HalvingInterval
	require.Equal(t, e.TailReward, e.Reward(tailStart, 0))
	require.Equal(t, e.TailReward, e.Reward(tailStart*10, 0))
}

func TestRewardMonotoneNonIncreasing(t *testing.T) {
	e := DefaultEmissionSchedule()
	prev := e.Reward(1, 0)
	// Sample across every halving boundary into the tail.
	for h := uint64(1); h < (e.HalvingCount+2)*e.HalvingInterval; h += e.HalvingInterval / 4 {
		r := e.Reward(h, 0)
		require.LessOrEqual(t, r, prev, "height %d", h)
		prev = r
	}
}

func TestPhaseAndHalvingAccounting(t *testing.T) {
	e := DefaultEmissionSchedule()
	require.Equal(t, PhaseHalving, e.PhaseAt(1))
	require.Equal(t, PhaseTail, e.PhaseAt(e.HalvingCount*e.HalvingInterval))
	require.Equal(t, uint64(1), e.CurrentHalving(e.HalvingInterval))
	require.Equal(t, e.HalvingInterval-5, e.BlocksUntilHalving(5))
	require.Equal(t, uint64(0), e.BlocksUntilHalving(e.HalvingCount*e.HalvingInterval+1))
}

func TestMonetarySystemTracksSupply(t *testing.T) {
	m := NewMonetarySystem(DefaultEmissionSchedule(), 0, 0, 0)
	m.RecordBlock(1, 50*Picocredits, 0)
	m.RecordBlock(2, 50*Picocredits, 10*Picocredits)

	stats := m.Stats()
	require.Equal(t, uint64(2), stats.Height)
	require.Equal(t, 90*Picocredits, stats.GrossSupplyMinted)
	require.Equal(t, 10*Picocredits, stats.TotalFeesBurned)
	require.Equal(t, PhaseHalving, stats.Phase)
}

func retargetStamps(n int, spacing int64) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i) * spacing
	}
	return out
}

func TestRetargetMovesTowardTarget(t *testing.T) {
	cfg := DefaultDifficultyConfig()
	c := NewDifficultyController(cfg, DefaultEmissionSchedule())
	current := uint64(1 << 40)

	// Blocks twice as slow as target: the prefix target must grow (easier),
	// clamped by the per-epoch bound.
	slow := c.Retarget(cfg.EpochBlocks, current, retargetStamps(100, int64(cfg.TargetBlockSecs*2)), 0, 0)
	require.Greater(t, slow, current)
	maxUp := current + current*cfg.MaxAdjustmentBps/10_000
	require.LessOrEqual(t, slow, maxUp)

	// Twice as fast: harder, again clamped.
	fast := c.Retarget(cfg.EpochBlocks, current, retargetStamps(100, int64(cfg.TargetBlockSecs/2)), 0, 0)
	require.Less(t, fast, current)
	minDown := current - current*cfg.MaxAdjustmentBps/10_000
	require.GreaterOrEqual(t, fast, minDown)
}

func TestRetargetOnTargetIsStable(t *testing.T) {
	cfg := DefaultDifficultyConfig()
	c := NewDifficultyController(cfg, DefaultEmissionSchedule())
	current := uint64(1 << 40)
	next := c.Retarget(cfg.EpochBlocks, current, retargetStamps(100, int64(cfg.TargetBlockSecs)), 0, 0)
	require.Equal(t, current, next)
}

func TestRetargetDegenerateWindows(t *testing.T) {
	cfg := DefaultDifficultyConfig()
	c := NewDifficultyController(cfg, DefaultEmissionSchedule())
	current := uint64(1 << 40)
	require.Equal(t, current, c.Retarget(cfg.EpochBlocks, current, nil, 0, 0))
	require.Equal(t, current, c.Retarget(cfg.EpochBlocks, current, []int64{5, 5}, 0, 0))
}

func TestWorkerFindsSolution(t *testing.T) {
	minter := crypto.WalletKeysFromSeed([32]byte{7})
	pool := NewPool(2, DefaultEmissionSchedule(), minter, nil)
	pool.Start()
	defer pool.Stop()

	var prev types.Hash
	prev[0] = 0xAA
	pool.SetWork(CurrentWork{
		PrevBlockHash: prev,
		Height:        1,
		Difficulty:    0x0FFF_FFFF_FFFF_FFFF, // ~1 in 16 hashes wins
		Timestamp:     time.Now().Unix(),
	})

	select {
	case sol := <-pool.Solutions():
		require.True(t, sol.Tx.VerifyPoW())
		require.Equal(t, uint64(1), sol.Tx.BlockHeight)
		require.Equal(t, prev, sol.Tx.PrevBlockHash)
		require.Equal(t, DefaultEmissionSchedule().InitialReward, sol.Tx.Reward)
	case <-time.After(10 * time.Second):
		t.Fatal("no minting solution within deadline")
	}
}
