package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botho-project/botho/types"
)

func hashOf(b byte) (h types.Hash) {
	h[0] = b
	return
}

func TestQuorumSetValidation(t *testing.T) {
	require.Error(t, QuorumSet{Threshold: 0, Members: []NodeID{"a"}}.Validate())
	require.Error(t, QuorumSet{Threshold: 3, Members: []NodeID{"a", "b"}}.Validate())
	require.NoError(t, QuorumSet{Threshold: 2, Members: []NodeID{"a", "b", "c"}}.Validate())
}

func TestQuorumSliceAndBlocking(t *testing.T) {
	q := QuorumSet{Threshold: 2, Members: []NodeID{"a", "b", "c"}}

	require.True(t, q.SliceSatisfied(set("a", "b")))
	require.False(t, q.SliceSatisfied(set("a")))

	// {b, c} leaves only one member outside: every 2-of-3 slice intersects
	// it, so it is blocking. A single member is not.
	require.True(t, q.Blocking(set("b", "c")))
	require.False(t, q.Blocking(set("b")))
}

func TestCombineOrdersDeterministically(t *testing.T) {
	values := []ConsensusValue{
		{TxHash: hashOf(9)},
		{TxHash: hashOf(3)},
		{TxHash: hashOf(5), Priority: 10, IsMintingTx: true},
		{TxHash: hashOf(7), Priority: 99, IsMintingTx: true},
		{TxHash: hashOf(3)}, // duplicate
	}
	combined := Combine(values)

	// Single winning minting value first (highest priority), transfers
	// ascending by hash, duplicate collapsed.
	require.Len(t, combined, 3)
	require.True(t, combined[0].IsMintingTx)
	require.Equal(t, uint64(99), combined[0].Priority)
	require.Equal(t, hashOf(3), combined[1].TxHash)
	require.Equal(t, hashOf(9), combined[2].TxHash)

	// Permuting the input changes nothing.
	reversed := []ConsensusValue{values[3], values[2], values[1], values[0]}
	again := Combine(reversed)
	require.Equal(t, combined, again)
}

func TestSingleNodeExternalizes(t *testing.T) {
	e, err := NewEngine(Config{
		NodeID:    "self",
		QuorumSet: QuorumSet{Threshold: 1, Members: []NodeID{"self"}},
	}, nil)
	require.NoError(t, err)

	now := time.Now()
	e.StartSlot(1, now)
	e.SubmitMintingTx(hashOf(1), 42, []byte("minting"))
	e.SubmitTransaction(hashOf(2), []byte("transfer"))

	// Nominate -> prepare -> commit -> externalize, one transition per
	// tick.
	var externalized *SlotExternalized
	for i := 0; i < 6 && externalized == nil; i++ {
		e.Tick(now.Add(time.Duration(i) * time.Second))
		for drained := false; !drained; {
			select {
			case ev := <-e.Events():
				if ext, ok := ev.(SlotExternalized); ok {
					externalized = &ext
				}
			default:
				drained = true
			}
		}
	}

	require.NotNil(t, externalized)
	require.Equal(t, uint64(1), externalized.Slot)
	require.Len(t, externalized.Values, 2)
	require.True(t, externalized.Values[0].IsMintingTx)
	require.Equal(t, hashOf(2), externalized.Values[1].TxHash)
	require.Equal(t, []byte("minting"), e.TxData(hashOf(1)))
}

func TestTwoNodeAgreement(t *testing.T) {
	quorum := QuorumSet{Threshold: 2, Members: []NodeID{"a", "b"}}
	mk := func(id NodeID) *Engine {
		// A nomination window longer than a few relay rounds lets both
		// nodes confirm the full candidate set before balloting, so they
		// enter prepare with identical ballots.
		e, err := NewEngine(Config{
			NodeID:           id,
			QuorumSet:        quorum,
			NominationWindow: time.Second,
		}, nil)
		require.NoError(t, err)
		return e
	}
	a, b := mk("a"), mk("b")

	now := time.Now()
	a.StartSlot(1, now)
	b.StartSlot(1, now)
	a.SubmitMintingTx(hashOf(1), 10, []byte("m"))
	b.SubmitTransaction(hashOf(2), []byte("t"))

	// Relay broadcasts between the two engines until both externalize.
	var extA, extB *SlotExternalized
	for round := 0; round < 30 && (extA == nil || extB == nil); round++ {
		now = now.Add(200 * time.Millisecond)
		a.Tick(now)
		b.Tick(now)
		relay := func(from, to *Engine, ext **SlotExternalized) {
			for drained := false; !drained; {
				select {
				case ev := <-from.Events():
					switch e := ev.(type) {
					case Broadcast:
						_ = to.HandleMessage(e.Msg, now)
					case SlotExternalized:
						*ext = &e
					}
				default:
					drained = true
				}
			}
		}
		relay(a, b, &extA)
		relay(b, a, &extB)
	}

	require.NotNil(t, extA)
	require.NotNil(t, extB)
	require.Equal(t, extA.Values, extB.Values)
}

func TestStaleMessageRejected(t *testing.T) {
	e, err := NewEngine(Config{
		NodeID:    "self",
		QuorumSet: QuorumSet{Threshold: 1, Members: []NodeID{"self"}},
	}, nil)
	require.NoError(t, err)

	e.StartSlot(5, time.Now())
	err = e.HandleMessage(Msg{Sender: "peer", SlotIndex: 3, Phase: PhaseNominate}, time.Now())
	require.ErrorIs(t, err, ErrStaleMessage)
}

func set(ids ...NodeID) map[NodeID]struct{} {
	out := make(map[NodeID]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
