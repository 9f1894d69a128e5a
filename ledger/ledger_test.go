package ledger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/storage"
	"github.com/botho-project/botho/txmodel"
)

// testDifficulty admits roughly one in 256 hashes, keeping test mining fast.
const testDifficulty uint64 = 0x00FF_FFFF_FFFF_FFFF

const testReward uint64 = 50_000_000_000_000

func testParams() Params {
	p := DefaultParams()
	p.InitialDifficulty = testDifficulty
	p.GenesisTimestamp = time.Now().Unix() - 1000
	p.MaturityBlocks = 0
	p.FeePerByte = 1
	p.Retarget = nil
	p.Emission = func(height, gross uint64) uint64 { return testReward }
	return p
}

func openTestStore(t *testing.T, params Params) *Store {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := Open(db, params, zap.NewNop())
	require.NoError(t, err)
	return store
}

// mineBlock grinds a valid minting tx on top of the current tip and wraps
// it with the given transfers.
func mineBlock(t *testing.T, s *Store, minter crypto.WalletKeys, txs []*txmodel.Transaction) *Block {
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

	return &Block{
		Header: Header{
			Version:       HeaderVersion,
			PrevBlockHash: state.TipHash,
			MerkleRoot:    MerkleRootOf(txs),
			Timestamp:     m.Timestamp,
			Height:        state.Height + 1,
			Difficulty:    state.CurrentDifficulty,
		},
		MintingTx:   m,
		TransferTxs: txs,
	}
}

func mineChain(t *testing.T, s *Store, minter crypto.WalletKeys, n int) []*Block {
	t.Helper()
	blocks := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		b := mineBlock(t, s, minter, nil)
		require.NoError(t, s.ApplyBlock(b, time.Now()))
		blocks = append(blocks, b)
	}
	return blocks
}

func TestGenesisDeterministic(t *testing.T) {
	params := testParams()
	a := openTestStore(t, params)
	b := openTestStore(t, params)
	require.Equal(t, a.TipHash(), b.TipHash())
	require.Equal(t, uint64(0), a.Height())
}

func TestApplyBlockAdvancesState(t *testing.T) {
	s := openTestStore(t, testParams())
	minter := crypto.WalletKeysFromSeed([32]byte{1})

	blocks := mineChain(t, s, minter, 5)

	state := s.ChainState()
	require.Equal(t, uint64(5), state.Height)
	require.Equal(t, blocks[4].Hash(), state.TipHash)
	require.Equal(t, 5*testReward, state.GrossSupplyMinted)
	require.Equal(t, uint64(5), s.NumUTXOs())

	stored, err := s.GetBlock(3)
	require.NoError(t, err)
	require.Equal(t, blocks[2].Hash(), stored.Hash())

	byHash, err := s.GetBlockByHash(blocks[4].Hash())
	require.NoError(t, err)
	require.Equal(t, uint64(5), byHash.Header.Height)
}

func TestApplyBlockRejectsBadLinkage(t *testing.T) {
	s := openTestStore(t, testParams())
	minter := crypto.WalletKeysFromSeed([32]byte{1})
	mineChain(t, s, minter, 1)

	b := mineBlock(t, s, minter, nil)
	b.Header.PrevBlockHash = types32(0xAB)
	var invalid *InvalidBlockError
	require.ErrorAs(t, s.ApplyBlock(b, time.Now()), &invalid)
}

func TestApplyBlockRejectsTimestampAtParent(t *testing.T) {
	s := openTestStore(t, testParams())
	minter := crypto.WalletKeysFromSeed([32]byte{1})
	mineChain(t, s, minter, 1)

	parent, err := s.GetBlock(1)
	require.NoError(t, err)

	b := mineBlock(t, s, minter, nil)
	b.Header.Timestamp = parent.Header.Timestamp
	var invalid *InvalidBlockError
	require.ErrorAs(t, s.ApplyBlock(b, time.Now()), &invalid)

	// One second after the parent is acceptable (mineBlock's default).
	good := mineBlock(t, s, minter, nil)
	require.Equal(t, parent.Header.Timestamp+1, good.Header.Timestamp)
	require.NoError(t, s.ApplyBlock(good, time.Now()))
}

func TestApplyBlockRejectsWrongReward(t *testing.T) {
	s := openTestStore(t, testParams())
	minter := crypto.WalletKeysFromSeed([32]byte{1})

	b := mineBlock(t, s, minter, nil)
	b.MintingTx.Reward = testReward + 1
	// Reward is not part of the PoW input, so the proof still verifies and
	// the emission check must catch the mismatch.
	var invalid *InvalidBlockError
	require.ErrorAs(t, s.ApplyBlock(b, time.Now()), &invalid)
}

func TestMintSpendEndToEnd(t *testing.T) {
	params := testParams()
	s := openTestStore(t, params)
	minterA := crypto.WalletKeysFromSeed([32]byte{1})
	walletB := crypto.WalletKeysFromSeed([32]byte{2})

	// Mine enough blocks that A holds spendable outputs and the decoy set
	// can fill a floor-sized ring.
	blocks := mineChain(t, s, minterA, 12)

	// A recovers its minting outputs by scanning.
	var spend txmodel.SpendableOutput
	found := false
	for _, b := range blocks {
		m := b.MintingTx
		ok, _ := minterA.ScanOutput(m.StealthTarget, m.StealthEphem, 0)
		require.True(t, ok)
		if !found {
			priv := minterA.DeriveSpendScalar(m.StealthEphem, 0)
			// Minting outputs commit under a zero blinding on chain.
			spend = txmodel.SpendableOutput{
				TargetKey:  m.StealthTarget,
				Commitment: crypto.Commit(m.Reward, 0, crypto.ScalarZero()),
				SpendPriv:  priv,
				Amount:     m.Reward,
				Blinding:   crypto.ScalarZero(),
				Tags:       noTags(),
				AgeBlocks:  12,
			}
			found = true
		}
	}
	require.True(t, found)

	// Compute the minimum fee for this transfer shape, then build with it.
	oneBTH := uint64(1_000_000_000_000)
	vctx := s.ValidationContext()
	draft := buildTransfer(t, s, spend, walletB, oneBTH, spend.Amount-oneBTH-0, 0)
	minFee := minimumFeeFor(draft, vctx)
	tx := buildTransfer(t, s, spend, walletB, oneBTH, spend.Amount-oneBTH-minFee, minFee)

	require.NoError(t, txmodel.Validate(tx, vctx, s))

	b := mineBlock(t, s, minterA, []*txmodel.Transaction{tx})
	require.NoError(t, s.ApplyBlock(b, time.Now()))

	// The spent key image is now in the set, exactly once: a replay block
	// carrying the same transfer must be rejected.
	require.True(t, s.HasKeyImage(tx.Inputs[0].KeyImage()))
	replay := mineBlock(t, s, minterA, []*txmodel.Transaction{tx})
	var invalid *InvalidBlockError
	require.ErrorAs(t, s.ApplyBlock(replay, time.Now()), &invalid)

	// B finds its 1 BTH output.
	var received uint64
	txHash := tx.Hash()
	for i := range tx.Outputs {
		u, err := s.GetUTXO(OutputRef{TxHash: txHash, OutputIndex: uint32(i)})
		require.NoError(t, err)
		ok, _ := walletB.ScanOutput(u.TxOut.TargetKey, u.TxOut.Ephemeral, uint32(i))
		if ok {
			shared := u.TxOut.Ephemeral.Mul(walletB.View.Private)
			amount, _, err := crypto.DecryptAmount(shared, uint32(i), u.TxOut.MaskedAmount)
			require.NoError(t, err)
			received += amount
		}
	}
	require.Equal(t, oneBTH, received)
}

func TestSnapshotRoundTrip(t *testing.T) {
	params := testParams()
	s := openTestStore(t, params)
	minter := crypto.WalletKeysFromSeed([32]byte{1})
	mineChain(t, s, minter, 8)

	snap, err := s.ExportSnapshot()
	require.NoError(t, err)
	require.Equal(t, uint64(8), snap.Height)
	require.Equal(t, uint64(8), snap.UtxoCount)

	// Frame through the wire format.
	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, snap))
	decoded, err := ReadSnapshot(&buf)
	require.NoError(t, err)

	// Load into a fresh node and compare chain state byte-for-byte.
	fresh := openTestStore(t, params)
	require.NoError(t, fresh.LoadSnapshot(decoded))
	require.Equal(t, s.ChainState(), fresh.ChainState())
	require.Equal(t, s.NumUTXOs(), fresh.NumUTXOs())

	// Export from the restored node: payloads must be byte-identical.
	again, err := fresh.ExportSnapshot()
	require.NoError(t, err)
	require.Equal(t, snap.UtxoRoot, again.UtxoRoot)
	require.Equal(t, snap.KeyImageRoot, again.KeyImageRoot)
	require.Equal(t, snap.ClusterWealthRoot, again.ClusterWealthRoot)
	require.True(t, bytes.Equal(snap.UtxoPayload, again.UtxoPayload))
	require.True(t, bytes.Equal(snap.KeyImagePayload, again.KeyImagePayload))
	require.True(t, bytes.Equal(snap.ClusterWealthPayload, again.ClusterWealthPayload))
}

func TestSnapshotRejectsTamperedPayload(t *testing.T) {
	s := openTestStore(t, testParams())
	minter := crypto.WalletKeysFromSeed([32]byte{1})
	mineChain(t, s, minter, 2)

	snap, err := s.ExportSnapshot()
	require.NoError(t, err)
	snap.UtxoRoot[0] ^= 1

	fresh := openTestStore(t, testParams())
	require.ErrorIs(t, fresh.LoadSnapshot(snap), ErrSnapshotMismatch)
}

func TestSnapshotRejectsBadMagic(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("NOTSNAP\x01{}")
	_, err := ReadSnapshot(&buf)
	require.ErrorIs(t, err, ErrSnapshotMismatch)
}

func TestDecoyOutputsRespectsExcludeAndCount(t *testing.T) {
	s := openTestStore(t, testParams())
	minter := crypto.WalletKeysFromSeed([32]byte{1})
	blocks := mineChain(t, s, minter, 6)

	exclude := []crypto.Point{blocks[0].MintingTx.StealthTarget}
	decoys, err := s.DecoyOutputs(4, exclude, 0)
	require.NoError(t, err)
	require.Len(t, decoys, 4)
	for _, d := range decoys {
		require.False(t, d.TargetKey.Equal(exclude[0]))
	}
}

// buildTransfer spends one output to recipient plus change back to the
// spender's own address.
func buildTransfer(t *testing.T, s *Store, spend txmodel.SpendableOutput, to crypto.WalletKeys, amount, change, fee uint64) *txmodel.Transaction {
	t.Helper()
	recipients := []txmodel.Recipient{{Address: to.Address(), Amount: amount}}
	if change > 0 {
		self := crypto.WalletKeysFromSeed([32]byte{1})
		recipients = append(recipients, txmodel.Recipient{Address: self.Address(), Amount: change})
	}
	tx, err := txmodel.Build([]txmodel.SpendableOutput{spend}, recipients, txmodel.BuildParams{
		RingSize:    txmodel.RingSizeFloor,
		TokenID:     0,
		Fee:         fee,
		DecayConfig: s.params.DecayConfig,
		Decoys:      s,
	})
	require.NoError(t, err)
	return tx
}

// minimumFeeFor recomputes the validator's fee floor for a built shape;
// background-only inputs attribute zero cluster wealth.
func minimumFeeFor(tx *txmodel.Transaction, vctx txmodel.ValidationContext) uint64 {
	return clustertax.MinimumFee(clustertax.FeeParams{
		FeePerByte:     vctx.FeePerByte,
		TxSizeBytes:    tx.Size(),
		MemoSurcharge:  vctx.MemoSurcharge,
		NumMemos:       tx.NumMemos(),
		DynamicFeeBase: vctx.DynamicFeeBase,
		FeeCurve:       vctx.FeeCurve,
	}, 0)
}

func noTags() clustertax.TagVector { return clustertax.NewTagVector() }

func types32(b byte) (h [32]byte) {
	for i := range h {
		h[i] = b
	}
	return
}
