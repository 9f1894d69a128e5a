// Package wallet provides the client-side capabilities the node and tests
// need: address encoding, output scanning under the view key, balance
// tracking, and transfer construction over the txmodel builder.
package wallet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/ledger"
	"github.com/botho-project/botho/txmodel"
)

// AddressPrefix is the human display prefix for Botho addresses.
const AddressPrefix = "cad"

// ErrBadAddress rejects an address string that does not parse.
var ErrBadAddress = errors.New("wallet: malformed address string")

// EncodeAddress renders cad:{view_pub_hex}:{spend_pub_hex} with the full
// 32-byte keys; the short display prefix is for humans only and is never
// accepted in transactions.
func EncodeAddress(a crypto.Address) string {
	return fmt.Sprintf("%s:%s:%s", AddressPrefix,
		hex.EncodeToString(a.ViewPub.Bytes()),
		hex.EncodeToString(a.SpendPub.Bytes()))
}

// DecodeAddress parses the full-key address string.
func DecodeAddress(s string) (crypto.Address, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] != AddressPrefix {
		return crypto.Address{}, ErrBadAddress
	}
	viewBytes, err := hex.DecodeString(parts[1])
	if err != nil {
		return crypto.Address{}, ErrBadAddress
	}
	spendBytes, err := hex.DecodeString(parts[2])
	if err != nil {
		return crypto.Address{}, ErrBadAddress
	}
	view, err := crypto.DecodePoint(viewBytes)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	spend, err := crypto.DecodePoint(spendBytes)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return crypto.Address{ViewPub: view, SpendPub: spend}, nil
}

// OwnedOutput is one output this wallet controls, with everything needed
// to spend it.
type OwnedOutput struct {
	Ref       ledger.OutputRef
	Amount    uint64
	Blinding  crypto.Scalar
	TargetKey crypto.Point
	SpendPriv crypto.Scalar
	KeyImage  crypto.Point
	Tags      clustertax.TagVector
	Height    uint64
}

// Wallet scans blocks for outputs owned by its keys and builds transfers
// from them.
type Wallet struct {
	mu   sync.Mutex
	keys crypto.WalletKeys

	owned map[ledger.OutputRef]*OwnedOutput
	spent map[[32]byte]struct{} // key images observed on-chain
}

// New wraps a key set.
func New(keys crypto.WalletKeys) *Wallet {
	return &Wallet{
		keys:  keys,
		owned: make(map[ledger.OutputRef]*OwnedOutput),
		spent: make(map[[32]byte]struct{}),
	}
}

// FromSeed derives a deterministic wallet.
func FromSeed(seed [32]byte) *Wallet {
	return New(crypto.WalletKeysFromSeed(seed))
}

// Address returns the wallet's public address.
func (w *Wallet) Address() crypto.Address { return w.keys.Address() }

// ScanBlock walks every output in a block, claiming the ones addressed to
// this wallet and marking owned outputs whose key images appear spent.
func (w *Wallet) ScanBlock(b *ledger.Block) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if b.MintingTx != nil {
		w.scanMintingLocked(b.MintingTx, b.Header.Height)
	}
	for _, tx := range b.TransferTxs {
		w.scanTransferLocked(tx, b.Header.Height)
	}
}

// ScanTransaction claims any outputs in a single transfer tx; exposed for
// mempool-watching wallets that want zero-conf visibility.
func (w *Wallet) ScanTransaction(tx *txmodel.Transaction, height uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scanTransferLocked(tx, height)
}

func (w *Wallet) scanTransferLocked(tx *txmodel.Transaction, height uint64) {
	for _, in := range tx.Inputs {
		var k [32]byte
		copy(k[:], in.KeyImage().Bytes())
		w.spent[k] = struct{}{}
	}

	txHash := tx.Hash()
	for i, out := range tx.Outputs {
		ours, _ := w.keys.ScanOutput(out.TargetKey, out.Ephemeral, uint32(i))
		if !ours {
			continue
		}
		shared := out.Ephemeral.Mul(w.keys.View.Private)
		amount, blinding, err := crypto.DecryptAmount(shared, uint32(i), out.MaskedAmount)
		if err != nil {
			continue
		}
		spendPriv := w.keys.DeriveSpendScalar(out.Ephemeral, uint32(i))
		ref := ledger.OutputRef{TxHash: txHash, OutputIndex: uint32(i)}
		w.owned[ref] = &OwnedOutput{
			Ref:       ref,
			Amount:    amount,
			Blinding:  blinding,
			TargetKey: out.TargetKey,
			SpendPriv: spendPriv,
			KeyImage:  crypto.KeyImage(spendPriv, out.TargetKey),
			Tags:      out.Tags,
			Height:    height,
		}
	}
}

// scanMintingLocked claims a minting output: the reward amount is public
// and the tag vector all-background.
func (w *Wallet) scanMintingLocked(m *txmodel.MintingTx, height uint64) {
	ours, _ := w.keys.ScanOutput(m.StealthTarget, m.StealthEphem, 0)
	if !ours {
		return
	}
	spendPriv := w.keys.DeriveSpendScalar(m.StealthEphem, 0)
	ref := ledger.OutputRef{TxHash: m.Hash(), OutputIndex: 0}
	w.owned[ref] = &OwnedOutput{
		Ref:       ref,
		Amount:    m.Reward,
		Blinding:  crypto.ScalarZero(),
		TargetKey: m.StealthTarget,
		SpendPriv: spendPriv,
		KeyImage:  crypto.KeyImage(spendPriv, m.StealthTarget),
		Tags:      clustertax.NewTagVector(),
		Height:    height,
	}
}

// Balance sums unspent owned outputs.
func (w *Wallet) Balance() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total uint64
	for _, o := range w.owned {
		if !w.isSpentLocked(o) {
			total += o.Amount
		}
	}
	return total
}

// Spendable returns the unspent owned outputs, largest first.
func (w *Wallet) Spendable(currentHeight uint64) []*OwnedOutput {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*OwnedOutput
	for _, o := range w.owned {
		if !w.isSpentLocked(o) {
			out = append(out, o)
		}
	}
	sortByAmountDesc(out)
	return out
}

func (w *Wallet) isSpentLocked(o *OwnedOutput) bool {
	var k [32]byte
	copy(k[:], o.KeyImage.Bytes())
	_, spent := w.spent[k]
	return spent
}

// TransferParams shapes one BuildTransfer call.
type TransferParams struct {
	To              crypto.Address
	Amount          uint64
	RingSize        int
	TombstoneHeight uint64
	CurrentHeight   uint64

	// Fee estimation inputs, mirroring the validator's context.
	WealthIndex    clustertax.ClusterWealthIndex
	FeeCurve       clustertax.FeeCurveConfig
	FeePerByte     uint64
	MemoSurcharge  uint64
	DynamicFeeBase uint64
	DecayConfig    clustertax.DecayConfig

	Decoys txmodel.DecoyProvider
}

// BuildTransfer selects inputs, computes the cluster-adjusted minimum fee
// by fixed-point iteration (the fee changes the change output, which
// changes the size), and emits a signed transaction spending to params.To
// with change back to this wallet.
func (w *Wallet) BuildTransfer(params TransferParams) (*txmodel.Transaction, error) {
	spendable := w.Spendable(params.CurrentHeight)

	// Greedy largest-first selection; fee is refined below.
	var selected []*OwnedOutput
	var total uint64
	for _, o := range spendable {
		selected = append(selected, o)
		total += o.Amount
		if total >= params.Amount {
			break
		}
	}
	if total < params.Amount {
		return nil, errors.New("wallet: insufficient funds")
	}

	inputs := make([]txmodel.SpendableOutput, len(selected))
	tags := make([]clustertax.TagVector, len(selected))
	amounts := make([]uint64, len(selected))
	for i, o := range selected {
		age := uint64(0)
		if params.CurrentHeight > o.Height {
			age = params.CurrentHeight - o.Height
		}
		inputs[i] = txmodel.SpendableOutput{
			TargetKey:  o.TargetKey,
			Commitment: crypto.Commit(o.Amount, 0, o.Blinding),
			SpendPriv:  o.SpendPriv,
			Amount:     o.Amount,
			Blinding:   o.Blinding,
			Tags:       o.Tags,
			AgeBlocks:  age,
		}
		tags[i] = o.Tags
		amounts[i] = o.Amount
	}

	// Fee estimation mirrors the validator exactly: fold the inputs into
	// the aggregate vector the transaction will publish, then take the
	// wealth-weighted average over its fractions.
	combined := clustertax.Sum(tags, amounts)
	wealth := clustertax.EffectiveWealthFromVector(combined, params.WealthIndex)

	fee := uint64(0)
	for iter := 0; iter < 4; iter++ {
		change := total - params.Amount - fee
		recipients := buildRecipients(params, change, w.Address())
		size := estimateSize(len(inputs), len(recipients), params.RingSize, len(combined.Weights))
		newFee := clustertax.MinimumFee(clustertax.FeeParams{
			FeePerByte:     params.FeePerByte,
			TxSizeBytes:    size,
			MemoSurcharge:  params.MemoSurcharge,
			NumMemos:       0,
			DynamicFeeBase: params.DynamicFeeBase,
			FeeCurve:       params.FeeCurve,
		}, wealth)
		if newFee == fee {
			break
		}
		fee = newFee
		if params.Amount+fee > total {
			return nil, errors.New("wallet: insufficient funds for fee")
		}
	}

	change := total - params.Amount - fee
	recipients := buildRecipients(params, change, w.Address())

	// Sub-dust change is folded into the fee so the commitment sum still
	// balances exactly.
	var sumOut uint64
	for _, r := range recipients {
		sumOut += r.Amount
	}

	return txmodel.Build(inputs, recipients, txmodel.BuildParams{
		RingSize:        params.RingSize,
		TokenID:         0,
		Fee:             total - sumOut,
		TombstoneHeight: params.TombstoneHeight,
		DecayConfig:     params.DecayConfig,
		Decoys:          params.Decoys,
	})
}

func buildRecipients(params TransferParams, change uint64, self crypto.Address) []txmodel.Recipient {
	recipients := []txmodel.Recipient{{Address: params.To, Amount: params.Amount}}
	if change >= txmodel.DustThreshold {
		recipients = append(recipients, txmodel.Recipient{Address: self, Amount: change})
	}
	return recipients
}

// estimateSize mirrors Transaction.Size for a not-yet-built transaction.
func estimateSize(numInputs, numOutputs, ringSize, numTagClusters int) uint64 {
	size := uint64(16)
	size += uint64(numInputs) * (uint64(ringSize)*64 + uint64(ringSize)*32 + 96)
	size += uint64(numOutputs) * 200
	size += uint64(16 * numTagClusters)
	size += uint64(numOutputs) * crypto.RangeProofBits * (32 * 5)
	return size
}

func sortByAmountDesc(outs []*OwnedOutput) {
	for i := 1; i < len(outs); i++ {
		for j := i; j > 0 && less(outs[j-1], outs[j]); j-- {
			outs[j-1], outs[j] = outs[j], outs[j-1]
		}
	}
}

func less(a, b *OwnedOutput) bool {
	if a.Amount != b.Amount {
		return a.Amount < b.Amount
	}
	return hashOf(a.Ref) < hashOf(b.Ref)
}

func hashOf(ref ledger.OutputRef) string {
	return ref.TxHash.String() + fmt.Sprint(ref.OutputIndex)
}
