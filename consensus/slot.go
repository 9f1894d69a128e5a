package consensus

import (
	"time"

	"github.com/botho-project/botho/types"
)

// slot is the per-height state machine. States advance strictly
// Nominate -> Prepare -> Commit -> Externalize through the explicit
// transition function advance(); nothing transitions from inside message
// handlers.
type slot struct {
	index  uint64
	self   NodeID
	quorum QuorumSet

	phase Phase

	// Nomination bookkeeping. voted holds our own votes; peerVoted and
	// peerAccepted track, per peer, the values they have voted for or
	// accepted. accepted/confirmed are the federated-voting outcomes.
	values       map[types.Hash]ConsensusValue
	voted        map[types.Hash]struct{}
	accepted     map[types.Hash]struct{}
	confirmed    map[types.Hash]struct{}
	peerVoted    map[NodeID]map[types.Hash]struct{}
	peerAccepted map[NodeID]map[types.Hash]struct{}

	// Ballot bookkeeping.
	ballot       Ballot
	peerPrepared map[NodeID]Ballot
	peerCommit   map[NodeID]Ballot

	deadline     time.Time
	externalized bool
	finalValues  []ConsensusValue
}

func newSlot(index uint64, self NodeID, quorum QuorumSet, now time.Time, nominationWindow time.Duration) *slot {
	return &slot{
		index:        index,
		self:         self,
		quorum:       quorum,
		phase:        PhaseNominate,
		values:       make(map[types.Hash]ConsensusValue),
		voted:        make(map[types.Hash]struct{}),
		accepted:     make(map[types.Hash]struct{}),
		confirmed:    make(map[types.Hash]struct{}),
		peerVoted:    make(map[NodeID]map[types.Hash]struct{}),
		peerAccepted: make(map[NodeID]map[types.Hash]struct{}),
		peerPrepared: make(map[NodeID]Ballot),
		peerCommit:   make(map[NodeID]Ballot),
		deadline:     now.Add(nominationWindow),
	}
}

// vote adds a locally proposed value.
func (s *slot) vote(v ConsensusValue) {
	if s.phase != PhaseNominate {
		return
	}
	s.values[v.TxHash] = v
	s.voted[v.TxHash] = struct{}{}
}

// observe folds one peer statement into the slot's bookkeeping.
func (s *slot) observe(msg Msg) {
	switch msg.Phase {
	case PhaseNominate:
		pv := s.peerVoted[msg.Sender]
		if pv == nil {
			pv = make(map[types.Hash]struct{})
			s.peerVoted[msg.Sender] = pv
		}
		pa := s.peerAccepted[msg.Sender]
		if pa == nil {
			pa = make(map[types.Hash]struct{})
			s.peerAccepted[msg.Sender] = pa
		}
		for _, v := range msg.Voted {
			s.values[v.TxHash] = v
			pv[v.TxHash] = struct{}{}
		}
		for _, v := range msg.Accepted {
			s.values[v.TxHash] = v
			pv[v.TxHash] = struct{}{}
			pa[v.TxHash] = struct{}{}
		}
	case PhasePrepare:
		s.peerPrepared[msg.Sender] = msg.Ballot
		s.recordBallotValues(msg.Ballot)
	case PhaseCommit, PhaseExternalize:
		s.peerPrepared[msg.Sender] = msg.Ballot
		s.peerCommit[msg.Sender] = msg.Ballot
		s.recordBallotValues(msg.Ballot)
	}
}

func (s *slot) recordBallotValues(b Ballot) {
	for _, v := range b.Values {
		s.values[v.TxHash] = v
	}
}

// advance runs federated-voting closure and phase transitions, returning
// the statement to (re)broadcast and any externalization event. The
// returned statement reflects the post-transition state.
func (s *slot) advance(now time.Time, ballotTimeout time.Duration) (Msg, []Event) {
	var events []Event

	switch s.phase {
	case PhaseNominate:
		s.runNominationClosure()
		// Leave nomination once the window has elapsed and something is
		// confirmed; a zero window makes single-node setups advance on the
		// first tick.
		if len(s.confirmed) > 0 && !now.Before(s.deadline) {
			candidates := make([]ConsensusValue, 0, len(s.confirmed))
			for h := range s.confirmed {
				candidates = append(candidates, s.values[h])
			}
			combined := Combine(candidates)
			s.ballot = Ballot{Counter: 1, ValueHash: valueSetHash(combined), Values: combined}
			s.phase = PhasePrepare
			s.deadline = now.Add(ballotTimeout)
		}

	case PhasePrepare:
		if s.adoptFromBlockingSet() {
			s.deadline = now.Add(ballotTimeout * time.Duration(s.ballot.Counter+1))
		}
		if s.ballotAgreement(s.peerPrepared, true) {
			s.phase = PhaseCommit
			s.deadline = now.Add(ballotTimeout * time.Duration(s.ballot.Counter+1))
		} else if !now.Before(s.deadline) {
			// Round timed out: bump the counter and retry with the freshest
			// candidate set; timers stretch with the counter.
			s.ballot.Counter++
			s.deadline = now.Add(ballotTimeout * time.Duration(s.ballot.Counter+1))
		}

	case PhaseCommit:
		if s.ballotAgreement(s.peerCommit, true) {
			s.externalized = true
			s.finalValues = s.ballot.Values
			s.phase = PhaseExternalize
			events = append(events, SlotExternalized{Slot: s.index, Values: s.finalValues})
		} else if !now.Before(s.deadline) {
			s.ballot.Counter++
			s.deadline = now.Add(ballotTimeout * time.Duration(s.ballot.Counter+1))
		}
	}

	return s.statement(), events
}

// runNominationClosure recomputes the accepted and confirmed sets from
// current votes: a value is accepted once a quorum slice has voted for or
// accepted it (or a v-blocking set has accepted it), confirmed once a
// quorum slice has accepted it.
func (s *slot) runNominationClosure() {
	for h := range s.values {
		if _, ok := s.accepted[h]; !ok {
			votedOrAccepted := s.nodesWith(h, true)
			acceptedBy := s.nodesWith(h, false)
			if s.quorum.SliceSatisfied(votedOrAccepted) || s.quorum.Blocking(acceptedBy) {
				s.accepted[h] = struct{}{}
			}
		}
		if _, ok := s.accepted[h]; ok {
			if _, done := s.confirmed[h]; !done {
				if s.quorum.SliceSatisfied(s.nodesWith(h, false)) {
					s.confirmed[h] = struct{}{}
				}
			}
		}
	}
}

// nodesWith collects the nodes (self included) that have voted for
// (includeVotes) or accepted the value.
func (s *slot) nodesWith(h types.Hash, includeVotes bool) map[NodeID]struct{} {
	out := make(map[NodeID]struct{})
	if includeVotes {
		if _, ok := s.voted[h]; ok {
			out[s.self] = struct{}{}
		}
		for id, set := range s.peerVoted {
			if _, ok := set[h]; ok {
				out[id] = struct{}{}
			}
		}
	}
	if _, ok := s.accepted[h]; ok {
		out[s.self] = struct{}{}
	}
	for id, set := range s.peerAccepted {
		if _, ok := set[h]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

// ballotAgreement reports whether the nodes carrying our exact ballot value
// (self included when includeSelf) satisfy a quorum slice.
func (s *slot) ballotAgreement(peers map[NodeID]Ballot, includeSelf bool) bool {
	agreeing := make(map[NodeID]struct{})
	if includeSelf {
		agreeing[s.self] = struct{}{}
	}
	for id, b := range peers {
		if b.ValueHash == s.ballot.ValueHash {
			agreeing[id] = struct{}{}
		}
	}
	return s.quorum.SliceSatisfied(agreeing)
}

// adoptFromBlockingSet switches our ballot when a v-blocking set of peers
// has prepared a different value: safety requires following any set that
// intersects every slice we could form. Returns true if the ballot moved.
func (s *slot) adoptFromBlockingSet() bool {
	byValue := make(map[types.Hash]map[NodeID]struct{})
	byValueBallot := make(map[types.Hash]Ballot)
	for id, b := range s.peerPrepared {
		if b.ValueHash == s.ballot.ValueHash {
			continue
		}
		set := byValue[b.ValueHash]
		if set == nil {
			set = make(map[NodeID]struct{})
			byValue[b.ValueHash] = set
		}
		set[id] = struct{}{}
		if b.Counter >= byValueBallot[b.ValueHash].Counter {
			byValueBallot[b.ValueHash] = b
		}
	}
	for vh, set := range byValue {
		if s.quorum.Blocking(set) {
			adopted := byValueBallot[vh]
			if adopted.Counter < s.ballot.Counter {
				adopted.Counter = s.ballot.Counter
			}
			s.ballot = adopted
			return true
		}
	}
	return false
}

// statement snapshots the slot's current outward-facing claim.
func (s *slot) statement() Msg {
	msg := Msg{
		Sender:     s.self,
		SlotIndex:  s.index,
		Phase:      s.phase,
		QuorumHash: s.quorum.Hash(),
	}
	switch s.phase {
	case PhaseNominate:
		for h := range s.voted {
			msg.Voted = append(msg.Voted, s.values[h])
		}
		for h := range s.accepted {
			msg.Accepted = append(msg.Accepted, s.values[h])
		}
		msg.Voted = Combine(msg.Voted)
		msg.Accepted = Combine(msg.Accepted)
	default:
		msg.Ballot = s.ballot
	}
	return msg
}
