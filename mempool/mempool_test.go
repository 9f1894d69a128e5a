package mempool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/ledger"
	"github.com/botho-project/botho/storage"
	"github.com/botho-project/botho/txmodel"
)

const (
	testDifficulty uint64 = 0x00FF_FFFF_FFFF_FFFF
	testReward     uint64 = 50_000_000_000_000
)

func testLedger(t *testing.T) (*ledger.Store, crypto.WalletKeys) {
	t.Helper()
	params := ledger.DefaultParams()
	params.InitialDifficulty = testDifficulty
	params.GenesisTimestamp = time.Now().Unix() - 1000
	params.MaturityBlocks = 0
	params.FeePerByte = 1
	params.Retarget = nil
	params.Emission = func(height, gross uint64) uint64 { return testReward }

	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := ledger.Open(db, params, zap.NewNop())
	require.NoError(t, err)

	minter := crypto.WalletKeysFromSeed([32]byte{1})
	for i := 0; i < 12; i++ {
		b := mineBlock(t, store, minter)
		require.NoError(t, store.ApplyBlock(b, time.Now()))
	}
	return store, minter
}

func mineBlock(t *testing.T, s *ledger.Store, minter crypto.WalletKeys) *ledger.Block {
	t.Helper()
	state := s.ChainState()
	parent, err := s.GetBlock(state.Height)
	require.NoError(t, err)

	stealth, _ := crypto.NewStealthOutput(minter.Address(), 0)
	m := &txmodel.MintingTx{
		BlockHeight:    state.Height + 1,
		Reward:         testReward,
		MinterViewKey:  minter.View.Public,
		MinterSpendKey: minter.Spend.Public,
		StealthTarget:  stealth.TargetKey,
		StealthEphem:   stealth.Ephemeral,
		PrevBlockHash:  state.TipHash,
		Difficulty:     state.CurrentDifficulty,
		Timestamp:      parent.Header.Timestamp + 1,
	}
	for nonce := uint64(0); ; nonce++ {
		m.Nonce = nonce
		if m.VerifyPoW() {
			break
		}
	}
	return &ledger.Block{
		Header: ledger.Header{
			Version:       ledger.HeaderVersion,
			PrevBlockHash: state.TipHash,
			MerkleRoot:    ledger.MerkleRootOf(nil),
			Timestamp:     m.Timestamp,
			Height:        state.Height + 1,
			Difficulty:    state.CurrentDifficulty,
		},
		MintingTx: m,
	}
}

// spendableFromChain recovers the idx-th minted output as a spendable
// input.
func spendableFromChain(t *testing.T, s *ledger.Store, minter crypto.WalletKeys, height uint64) txmodel.SpendableOutput {
	t.Helper()
	b, err := s.GetBlock(height)
	require.NoError(t, err)
	m := b.MintingTx
	priv := minter.DeriveSpendScalar(m.StealthEphem, 0)
	return txmodel.SpendableOutput{
		TargetKey:  m.StealthTarget,
		Commitment: crypto.Commit(m.Reward, 0, crypto.ScalarZero()),
		SpendPriv:  priv,
		Amount:     m.Reward,
		Blinding:   crypto.ScalarZero(),
		Tags:       clustertax.NewTagVector(),
		AgeBlocks:  12,
	}
}

func transferTo(t *testing.T, s *ledger.Store, spend txmodel.SpendableOutput, toSeed byte) *txmodel.Transaction {
	t.Helper()
	to := crypto.WalletKeysFromSeed([32]byte{toSeed})
	self := crypto.WalletKeysFromSeed([32]byte{1})
	oneBTH := uint64(1_000_000_000_000)
	vctx := s.ValidationContext()

	build := func(fee uint64) *txmodel.Transaction {
		tx, err := txmodel.Build([]txmodel.SpendableOutput{spend}, []txmodel.Recipient{
			{Address: to.Address(), Amount: oneBTH},
			{Address: self.Address(), Amount: spend.Amount - oneBTH - fee},
		}, txmodel.BuildParams{
			RingSize:    txmodel.RingSizeFloor,
			TokenID:     0,
			Fee:         fee,
			DecayConfig: clustertax.DefaultDecayConfig(),
			Decoys:      s,
		})
		require.NoError(t, err)
		return tx
	}

	draft := build(0)
	minFee := clustertax.MinimumFee(clustertax.FeeParams{
		FeePerByte:     vctx.FeePerByte,
		TxSizeBytes:    draft.Size(),
		MemoSurcharge:  vctx.MemoSurcharge,
		NumMemos:       0,
		DynamicFeeBase: vctx.DynamicFeeBase,
		FeeCurve:       vctx.FeeCurve,
	}, 0)
	return build(minFee)
}

func TestAddTxAcceptsAndDedups(t *testing.T) {
	store, minter := testLedger(t)
	pool, err := New(store, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	tx := transferTo(t, store, spendableFromChain(t, store, minter, 1), 2)
	require.NoError(t, pool.AddTx(tx))
	require.True(t, pool.Contains(tx.Hash()))
	require.ErrorIs(t, pool.AddTx(tx), ErrAlreadyPending)
	require.Equal(t, 1, pool.Len())
}

func TestInMempoolDoubleSpendRejected(t *testing.T) {
	store, minter := testLedger(t)
	pool, err := New(store, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	spend := spendableFromChain(t, store, minter, 1)
	first := transferTo(t, store, spend, 2)
	second := transferTo(t, store, spend, 3) // same UTXO, different recipient

	require.NoError(t, pool.AddTx(first))

	err = pool.AddTx(second)
	var verr *txmodel.TxValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, txmodel.KindDoubleSpend, verr.Kind)

	// Exactly one of the two is pending.
	require.Equal(t, 1, pool.Len())
	require.True(t, pool.Contains(first.Hash()))
	require.False(t, pool.Contains(second.Hash()))
}

func TestGetTransactionsDeterministicOrder(t *testing.T) {
	store, minter := testLedger(t)
	pool, err := New(store, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	a := transferTo(t, store, spendableFromChain(t, store, minter, 1), 2)
	b := transferTo(t, store, spendableFromChain(t, store, minter, 2), 3)
	require.NoError(t, pool.AddTx(a))
	require.NoError(t, pool.AddTx(b))

	first := pool.GetTransactions(10)
	second := pool.GetTransactions(10)
	require.Len(t, first, 2)
	for i := range first {
		require.Equal(t, first[i].Hash(), second[i].Hash())
	}
}

func TestRemoveIncludedReleasesKeyImages(t *testing.T) {
	store, minter := testLedger(t)
	pool, err := New(store, DefaultConfig(), zap.NewNop())
	require.NoError(t, err)

	spend := spendableFromChain(t, store, minter, 1)
	first := transferTo(t, store, spend, 2)
	require.NoError(t, pool.AddTx(first))
	pool.RemoveIncluded([]*txmodel.Transaction{first})
	require.Equal(t, 0, pool.Len())

	// With the pending image released (and the ledger not yet holding it),
	// a conflicting spend is admissible again.
	second := transferTo(t, store, spend, 3)
	require.NoError(t, pool.AddTx(second))
}

func TestEvictOldEnforcesSoftCap(t *testing.T) {
	store, minter := testLedger(t)
	cfg := DefaultConfig()
	pool, err := New(store, cfg, zap.NewNop())
	require.NoError(t, err)

	a := transferTo(t, store, spendableFromChain(t, store, minter, 1), 2)
	b := transferTo(t, store, spendableFromChain(t, store, minter, 2), 3)
	require.NoError(t, pool.AddTx(a))
	require.NoError(t, pool.AddTx(b))

	// Shrink the cap below one transaction: eviction must bring the pool
	// back under it rather than growing without bound.
	pool.cfg.SoftCapBytes = a.Size() - 1
	pool.EvictOld(store.Height())
	require.LessOrEqual(t, pool.Len(), 1)
}

func TestFeeBaseGrowsUnderCongestion(t *testing.T) {
	fb := newFeeBase(DefaultFeeBaseConfig())
	start := fb.current()
	for i := 0; i < 50; i++ {
		fb.observe(900) // 90% full
	}
	require.Greater(t, fb.current(), start)

	grown := fb.current()
	for i := 0; i < 200; i++ {
		fb.observe(0)
	}
	require.Less(t, fb.current(), grown)
	require.GreaterOrEqual(t, fb.current(), DefaultFeeBaseConfig().Floor)
}
