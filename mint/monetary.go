package mint

import "sync"

// MonetaryStats is a point-in-time snapshot of the monetary system for
// operators and tests.
type MonetaryStats struct {
	Height             uint64
	Phase              Phase
	CurrentReward      uint64
	CurrentHalving     uint64
	BlocksUntilHalving uint64
	GrossSupplyMinted  uint64
	TotalFeesBurned    uint64
	NetSupply          uint64
}

// MonetarySystem wraps the pure emission schedule with the running totals a
// node reports: rewards recorded as blocks apply, fees recorded as burned.
type MonetarySystem struct {
	mu       sync.Mutex
	schedule EmissionSchedule

	height      uint64
	grossMinted uint64
	feesBurned  uint64
}

// NewMonetarySystem starts tracking from the given chain position.
func NewMonetarySystem(schedule EmissionSchedule, height, grossMinted, feesBurned uint64) *MonetarySystem {
	return &MonetarySystem{
		schedule:    schedule,
		height:      height,
		grossMinted: grossMinted,
		feesBurned:  feesBurned,
	}
}

// Schedule exposes the pure reward function.
func (m *MonetarySystem) Schedule() EmissionSchedule { return m.schedule }

// RecordBlock advances the tracker past one applied block.
func (m *MonetarySystem) RecordBlock(height, reward, feesBurned uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = height
	m.grossMinted += reward
	if feesBurned > m.grossMinted {
		m.grossMinted = 0
	} else {
		m.grossMinted -= feesBurned
	}
	m.feesBurned += feesBurned
}

// Stats returns the current snapshot.
func (m *MonetarySystem) Stats() MonetaryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MonetaryStats{
		Height:             m.height,
		Phase:              m.schedule.PhaseAt(m.height),
		CurrentReward:      m.schedule.Reward(m.height+1, m.grossMinted),
		CurrentHalving:     m.schedule.CurrentHalving(m.height),
		BlocksUntilHalving: m.schedule.BlocksUntilHalving(m.height),
		GrossSupplyMinted:  m.grossMinted,
		TotalFeesBurned:    m.feesBurned,
		NetSupply:          m.grossMinted,
	}
}
