package consensus

import (
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/types"
)

// NodeID identifies a consensus participant; in practice the peer identity
// string from the gossip layer.
type NodeID string

// QuorumSet is a node's configured trust set: agreement from Threshold of
// Members (plus any nested inner sets, each counting as one virtual member
// when satisfied) constitutes a quorum slice for this node. Safety holds as
// long as the slices of correct nodes intersect.
type QuorumSet struct {
	Threshold int
	Members   []NodeID
	InnerSets []QuorumSet
}

// Validate rejects degenerate configurations: a zero threshold, or one
// larger than the member count, cannot form slices.
func (q QuorumSet) Validate() error {
	total := len(q.Members) + len(q.InnerSets)
	if q.Threshold <= 0 || q.Threshold > total {
		return ErrInvalidQuorum
	}
	for _, inner := range q.InnerSets {
		if err := inner.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SliceSatisfied reports whether the given agreeing set contains a full
// slice of this quorum set: at least Threshold of its members (nested sets
// recursively).
func (q QuorumSet) SliceSatisfied(agreeing map[NodeID]struct{}) bool {
	count := 0
	for _, m := range q.Members {
		if _, ok := agreeing[m]; ok {
			count++
		}
	}
	for _, inner := range q.InnerSets {
		if inner.SliceSatisfied(agreeing) {
			count++
		}
	}
	return count >= q.Threshold
}

// Blocking reports whether the given set is v-blocking for this quorum
// set: it intersects every possible slice, so nothing can be accepted
// without at least one of its members. Used for the accept-on-blocking-set
// shortcut during nomination and ballots.
func (q QuorumSet) Blocking(set map[NodeID]struct{}) bool {
	// A set blocks iff fewer than Threshold members remain outside it.
	outside := 0
	for _, m := range q.Members {
		if _, in := set[m]; !in {
			outside++
		}
	}
	for _, inner := range q.InnerSets {
		if !inner.Blocking(set) {
			outside++
		}
	}
	return outside < q.Threshold
}

// AllNodes flattens the quorum set's member universe.
func (q QuorumSet) AllNodes() []NodeID {
	seen := make(map[NodeID]struct{})
	var walk func(QuorumSet)
	var out []NodeID
	walk = func(s QuorumSet) {
		for _, m := range s.Members {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
		for _, inner := range s.InnerSets {
			walk(inner)
		}
	}
	walk(q)
	return out
}

// Hash digests the quorum-set structure so statements can commit to the
// sender's configuration.
func (q QuorumSet) Hash() types.Hash {
	var buf []byte
	var walk func(QuorumSet)
	walk = func(s QuorumSet) {
		buf = append(buf, byte(s.Threshold>>8), byte(s.Threshold))
		for _, m := range s.Members {
			buf = append(buf, []byte(m)...)
			buf = append(buf, 0)
		}
		for _, inner := range s.InnerSets {
			buf = append(buf, '(')
			walk(inner)
			buf = append(buf, ')')
		}
	}
	walk(q)
	return hashBytes(buf)
}

func hashBytes(b []byte) types.Hash {
	d := crypto.Blake3_256([]byte("botho/consensus"), b)
	return types.HashFromBytes(d[:])
}
