package consensus

import (
	"github.com/google/uuid"

	"github.com/botho-project/botho/types"
)

// Phase tags which stage of the per-slot state machine a statement speaks
// for.
type Phase uint8

const (
	PhaseNominate Phase = iota
	PhasePrepare
	PhaseCommit
	PhaseExternalize
)

func (p Phase) String() string {
	switch p {
	case PhaseNominate:
		return "nominate"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhaseExternalize:
		return "externalize"
	default:
		return "unknown"
	}
}

// Ballot is a counter/value pair; the value is carried as the combined
// candidate set plus its digest so receivers can verify the pairing.
type Ballot struct {
	Counter   uint32
	ValueHash types.Hash
	Values    []ConsensusValue
}

// Msg is one consensus statement on the wire. ID is a correlation id for
// logging and dedup; it carries no protocol meaning.
type Msg struct {
	ID         uuid.UUID
	Sender     NodeID
	SlotIndex  uint64
	Phase      Phase
	QuorumHash types.Hash

	// Nomination payload.
	Voted    []ConsensusValue
	Accepted []ConsensusValue

	// Ballot payload.
	Ballot Ballot
}

// Event is what the engine yields to the orchestrator.
type Event interface{ isEvent() }

// SlotExternalized reports that a slot's value set is final.
type SlotExternalized struct {
	Slot   uint64
	Values []ConsensusValue
}

// Broadcast asks the orchestrator to gossip a statement to peers.
type Broadcast struct {
	Msg Msg
}

func (SlotExternalized) isEvent() {}
func (Broadcast) isEvent()        {}
