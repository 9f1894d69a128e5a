package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/ledger"
	"github.com/botho-project/botho/txmodel"
	"github.com/botho-project/botho/types"
)

func TestAddressRoundTrip(t *testing.T) {
	keys := crypto.WalletKeysFromSeed([32]byte{9})
	encoded := EncodeAddress(keys.Address())
	require.Contains(t, encoded, "cad:")

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.True(t, decoded.ViewPub.Equal(keys.Address().ViewPub))
	require.True(t, decoded.SpendPub.Equal(keys.Address().SpendPub))
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"cad:abc",
		"xyz:00:00",
		"cad:zz:zz",
		"cad:00:00", // wrong key lengths
	}
	for _, c := range cases {
		_, err := DecodeAddress(c)
		require.ErrorIs(t, err, ErrBadAddress, c)
	}
}

func TestScanClaimsOwnOutputsOnly(t *testing.T) {
	mine := FromSeed([32]byte{1})
	other := FromSeed([32]byte{2})

	m := mintingTxFor(mine.keys, 50_000)
	block := &ledger.Block{
		Header:    ledger.Header{Height: 1},
		MintingTx: m,
	}

	mine.ScanBlock(block)
	other.ScanBlock(block)

	require.Equal(t, uint64(50_000), mine.Balance())
	require.Equal(t, uint64(0), other.Balance())
}

func TestScanTracksSpends(t *testing.T) {
	w := FromSeed([32]byte{1})
	m := mintingTxFor(w.keys, 75_000)
	w.ScanBlock(&ledger.Block{Header: ledger.Header{Height: 1}, MintingTx: m})
	require.Equal(t, uint64(75_000), w.Balance())

	owned := w.Spendable(2)
	require.Len(t, owned, 1)

	// A transfer revealing this output's key image zeroes the balance even
	// though the wallet never built the spend itself.
	spendTx := &txmodel.Transaction{
		Version: 1,
		Inputs: []*txmodel.RingInput{{
			PseudoCommitment: crypto.CommitmentFromPoint(crypto.Identity()),
			Signature: &crypto.CLSAGSignature{
				C0:              crypto.ScalarZero(),
				KeyImage:        owned[0].KeyImage,
				CommitmentImage: crypto.Identity(),
			},
		}},
		Outputs: []*txmodel.TxOut{},
	}
	w.ScanTransaction(spendTx, 2)
	require.Equal(t, uint64(0), w.Balance())
}

func TestBuildTransferSpendsAndBalances(t *testing.T) {
	sender := FromSeed([32]byte{1})
	receiver := FromSeed([32]byte{2})

	reward := uint64(50_000_000_000_000)
	m := mintingTxFor(sender.keys, reward)
	sender.ScanBlock(&ledger.Block{Header: ledger.Header{Height: 1}, MintingTx: m})

	oneBTH := uint64(1_000_000_000_000)
	tx, err := sender.BuildTransfer(TransferParams{
		To:             receiver.Address(),
		Amount:         oneBTH,
		RingSize:       txmodel.RingSizeFloor,
		CurrentHeight:  5,
		WealthIndex:    clustertax.MapWealthIndex{},
		FeeCurve:       clustertax.DefaultFeeCurveConfig(),
		FeePerByte:     1,
		DynamicFeeBase: clustertax.FixedScale,
		DecayConfig:    clustertax.DefaultDecayConfig(),
		Decoys:         randomDecoys{},
	})
	require.NoError(t, err)
	require.NotZero(t, tx.Fee)

	// The built transaction passes the full pipeline (sans ledger-backed
	// key image check).
	vctx := txmodel.ValidationContext{
		WealthIndex:    clustertax.MapWealthIndex{},
		FeeCurve:       clustertax.DefaultFeeCurveConfig(),
		FeePerByte:     1,
		DynamicFeeBase: clustertax.FixedScale,
		CurrentHeight:  5,
		DecayConfig:    clustertax.DefaultDecayConfig(),
	}
	require.NoError(t, txmodel.Validate(tx, vctx, nil))

	// Receiver can claim exactly the sent amount.
	receiver.ScanTransaction(tx, 6)
	require.Equal(t, oneBTH, receiver.Balance())
}

func TestBuildTransferInsufficientFunds(t *testing.T) {
	w := FromSeed([32]byte{1})
	_, err := w.BuildTransfer(TransferParams{
		To:       FromSeed([32]byte{2}).Address(),
		Amount:   1_000_000,
		RingSize: txmodel.RingSizeFloor,
		Decoys:   randomDecoys{},
	})
	require.Error(t, err)
}

// mintingTxFor fabricates a minting tx paying reward to keys' stealth
// address; PoW fields are irrelevant to scanning.
func mintingTxFor(keys crypto.WalletKeys, reward uint64) *txmodel.MintingTx {
	stealth, _ := crypto.NewStealthOutput(keys.Address(), 0)
	return &txmodel.MintingTx{
		BlockHeight:    1,
		Reward:         reward,
		MinterViewKey:  keys.View.Public,
		MinterSpendKey: keys.Spend.Public,
		StealthTarget:  stealth.TargetKey,
		StealthEphem:   stealth.Ephemeral,
		PrevBlockHash:  types.Hash{},
		Difficulty:     1,
	}
}

// randomDecoys fabricates ring members from fresh random keys.
type randomDecoys struct{}

func (randomDecoys) DecoyOutputs(count int, exclude []crypto.Point, tokenID uint64) ([]txmodel.RingMember, error) {
	out := make([]txmodel.RingMember, count)
	for i := range out {
		out[i] = txmodel.RingMember{
			TargetKey:  crypto.MulBase(crypto.RandomScalar()),
			Commitment: crypto.Commit(uint64(i+1)*1000, tokenID, crypto.RandomScalar()),
		}
	}
	return out, nil
}
