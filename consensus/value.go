// Package consensus implements the federated-vote slot state machine:
// quorum-set trust configuration, a nomination phase converging on a
// candidate value set, and a ballot phase (prepare/commit) that
// externalizes one combined value per slot. Slots are indexed by ledger
// height; the externalized value is the winning minting transaction plus a
// canonically ordered set of transfer-tx hashes.
package consensus

import (
	"sort"

	"github.com/botho-project/botho/types"
)

// ConsensusValue is one nominated unit: a transaction hash, its priority
// (meaningful only for minting txs, where it ranks PoW quality), and the
// minting flag.
type ConsensusValue struct {
	TxHash      types.Hash
	Priority    uint64
	IsMintingTx bool
}

// Less is the canonical total order used everywhere values are sorted:
// minting values first (descending priority, hash-ascending ties), then
// transfer values ascending by hash. Every correct node combines
// identically because this order is a pure function of the value bytes.
func (v ConsensusValue) Less(o ConsensusValue) bool {
	if v.IsMintingTx != o.IsMintingTx {
		return v.IsMintingTx
	}
	if v.IsMintingTx && v.Priority != o.Priority {
		return v.Priority > o.Priority
	}
	return lessHash(v.TxHash, o.TxHash)
}

func (v ConsensusValue) equal(o ConsensusValue) bool {
	return v.TxHash == o.TxHash && v.Priority == o.Priority && v.IsMintingTx == o.IsMintingTx
}

// Combine deduplicates and canonically orders a candidate set, keeping only
// the single best minting value: the highest-priority minting tx wins the
// slot, everything else minting is discarded.
func Combine(values []ConsensusValue) []ConsensusValue {
	seen := make(map[types.Hash]struct{}, len(values))
	var minting []ConsensusValue
	var transfers []ConsensusValue
	for _, v := range values {
		if _, dup := seen[v.TxHash]; dup {
			continue
		}
		seen[v.TxHash] = struct{}{}
		if v.IsMintingTx {
			minting = append(minting, v)
		} else {
			transfers = append(transfers, v)
		}
	}
	sort.Slice(minting, func(i, j int) bool { return minting[i].Less(minting[j]) })
	sort.Slice(transfers, func(i, j int) bool { return transfers[i].Less(transfers[j]) })

	out := make([]ConsensusValue, 0, len(transfers)+1)
	if len(minting) > 0 {
		out = append(out, minting[0])
	}
	return append(out, transfers...)
}

// valueSetHash digests an ordered value set, used as the ballot value
// identity in prepare/commit statements.
func valueSetHash(values []ConsensusValue) types.Hash {
	buf := make([]byte, 0, len(values)*41)
	for _, v := range values {
		buf = append(buf, v.TxHash[:]...)
		for i := 0; i < 8; i++ {
			buf = append(buf, byte(v.Priority>>uint(8*i)))
		}
		if v.IsMintingTx {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return hashBytes(buf)
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
