// Package node is the orchestrator: one event loop multiplexing ledger
// writes, mempool housekeeping, minting work updates, consensus ticks, and
// the gossip inbox. All cross-component ties flow through here; the ledger
// is owned by the node and handed down as read references.
package node

import (
	"time"

	"github.com/botho-project/botho/consensus"
	"github.com/botho-project/botho/gossip"
	"github.com/botho-project/botho/ledger"
	"github.com/botho-project/botho/mempool"
	"github.com/botho-project/botho/mint"
	"github.com/botho-project/botho/onion"
)

// Exit codes per the external interface contract.
const (
	ExitOK        = 0
	ExitBadConfig = 1
	ExitLedger    = 2
	ExitConsensus = 3
	ExitSignal    = 130
)

// Config collects every subsystem's knobs. cmd/node populates it from
// flags; tests construct it directly.
type Config struct {
	DataDir   string
	NetworkID gossip.NetworkID

	ListenPort     int
	BootstrapPeers []string
	DNSSeeds       []string

	MinterSeed  [32]byte
	MintWorkers int

	QuorumMembers   []string // peer ids; empty means single-node quorum
	QuorumThreshold int

	Ledger    ledger.Params
	Mempool   mempool.Config
	Emission  mint.EmissionSchedule
	Diff      mint.DifficultyConfig
	Circuits  onion.PoolConfig
	RateLimit gossip.RateLimits

	NominationWindow time.Duration
	BallotTimeout    time.Duration
	TickInterval     time.Duration
	MaxTxPerSlot     int
}

// DefaultConfig is a mainnet node with one minting worker and a
// self-only quorum (useful until the operator configures trust).
func DefaultConfig() Config {
	schedule := mint.DefaultEmissionSchedule()
	diff := mint.DefaultDifficultyConfig()
	params := ledger.DefaultParams()
	params.Emission = schedule.Reward
	params.Retarget = mint.NewDifficultyController(diff, schedule).Retarget
	params.RetargetInterval = diff.EpochBlocks

	return Config{
		DataDir:          "./data",
		NetworkID:        gossip.Mainnet,
		ListenPort:       9351,
		MintWorkers:      1,
		Ledger:           params,
		Mempool:          mempool.DefaultConfig(),
		Emission:         schedule,
		Diff:             diff,
		Circuits:         onion.DefaultPoolConfig(),
		RateLimit:        gossip.DefaultRateLimits(),
		NominationWindow: 500 * time.Millisecond,
		BallotTimeout:    2 * time.Second,
		TickInterval:     250 * time.Millisecond,
		MaxTxPerSlot:     512,
	}
}

// quorumSet assembles the consensus trust configuration, defaulting to a
// self-only slice when the operator supplied none.
func (c Config) quorumSet(self consensus.NodeID) consensus.QuorumSet {
	if len(c.QuorumMembers) == 0 {
		return consensus.QuorumSet{Threshold: 1, Members: []consensus.NodeID{self}}
	}
	members := make([]consensus.NodeID, 0, len(c.QuorumMembers)+1)
	members = append(members, self)
	for _, m := range c.QuorumMembers {
		members = append(members, consensus.NodeID(m))
	}
	threshold := c.QuorumThreshold
	if threshold <= 0 {
		// Default to a 2/3+1 majority of the configured set.
		threshold = len(members)*2/3 + 1
	}
	return consensus.QuorumSet{Threshold: threshold, Members: members}
}
