// Package ledger is the append-only block store: the UTXO set, key-image
// set, and cluster-wealth index, plus snapshot export/load and the
// ledger-backed decoy provider. It is the sole owner of the persisted
// block/UTXO/key-image/cluster-wealth databases; every other component
// holds only a read-through reference, and all mutation flows through
// Store.ApplyBlock from the node orchestrator.
package ledger

import (
	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/txmodel"
	"github.com/botho-project/botho/types"
)

// HeaderVersion is the current block header encoding version.
const HeaderVersion uint8 = 1

// Header carries everything a peer needs to validate a block's position in
// the chain and its proof of work without touching the transfer set.
type Header struct {
	Version       uint8
	PrevBlockHash types.Hash
	MerkleRoot    types.Hash // over transfer-tx hashes
	Timestamp     int64
	Height        uint64
	Difficulty    uint64
}

// Hash is the block hash: the header hash commits to exactly this
// encoding, so the block's identity pins every header field.
func (h *Header) Hash() types.Hash {
	var heightB, tsB, diffB [8]byte
	putU64(heightB[:], h.Height)
	putU64(tsB[:], uint64(h.Timestamp))
	putU64(diffB[:], h.Difficulty)
	parts := [][]byte{
		[]byte("botho/block-header"),
		{h.Version},
		h.PrevBlockHash[:],
		h.MerkleRoot[:],
		tsB[:], heightB[:], diffB[:],
	}
	d := crypto.Blake3_256(parts...)
	return types.HashFromBytes(d[:])
}

// Block is a header, the winning minting transaction for this slot, and the
// ordered set of transfer transactions externalized alongside it.
type Block struct {
	Header      Header
	MintingTx   *txmodel.MintingTx
	TransferTxs []*txmodel.Transaction
}

// Hash returns the block's identity: the header hash.
func (b *Block) Hash() types.Hash { return b.Header.Hash() }

// MerkleRootOf computes the Merkle root over a set of transfer-tx hashes, in
// their given (already canonically ordered) sequence. An empty set hashes
// to the zero hash, matching an empty-body genesis block.
func MerkleRootOf(txs []*txmodel.Transaction) types.Hash {
	if len(txs) == 0 {
		return types.Hash{}
	}
	layer := make([][32]byte, len(txs))
	for i, tx := range txs {
		h := tx.Hash()
		layer[i] = [32]byte(h)
	}
	for len(layer) > 1 {
		next := make([][32]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, crypto.Blake3_256(layer[i][:], layer[i][:]))
				continue
			}
			next = append(next, crypto.Blake3_256(layer[i][:], layer[i+1][:]))
		}
		layer = next
	}
	return types.Hash(layer[0])
}

// OutputRef identifies one TxOut by the transaction that created it and its
// position within that transaction's output list.
type OutputRef struct {
	TxHash      types.Hash
	OutputIndex uint32
}

// UTXO is one unspent transaction output plus the bookkeeping the ledger
// needs to serve decoys and filter them by maturity.
type UTXO struct {
	TxHash          types.Hash
	OutputIndex     uint32
	TxOut           *txmodel.TxOut
	CreatedAtHeight uint64
}

// ChainState is the ledger's authoritative summary: the fields every other
// component reads through Store rather than touching the databases
// directly.
type ChainState struct {
	Height                uint64
	TipHash               types.Hash
	GrossSupplyMinted     uint64
	TotalFeesBurned       uint64
	CurrentDifficulty     uint64
	CurrentDynamicFeeBase uint64 // clustertax.FixedScale-scaled, 1.0 == FixedScale
}

// ClusterId alias kept local for readability in this package's signatures.
type ClusterId = clustertax.ClusterId

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(8*i))
	}
}
