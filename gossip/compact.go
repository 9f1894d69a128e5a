package gossip

import (
	"encoding/json"

	"github.com/dchest/siphash"

	"github.com/botho-project/botho/ledger"
	"github.com/botho-project/botho/txmodel"
	"github.com/botho-project/botho/types"
)

// ShortIDLen is the truncated SipHash width used for compact-block tx
// identification; 6 bytes keeps collision odds negligible at mempool scale
// while cutting relay bandwidth by ~99% versus full blocks.
const ShortIDLen = 6

// ShortID is the compact identifier of one transfer tx within one block.
type ShortID [ShortIDLen]byte

// PrefilledTx carries a transaction the sender predicts the receiver will
// not have (always at least the ones it never gossiped), indexed into the
// block's transfer order.
type PrefilledTx struct {
	Index uint32          `json:"index"`
	Tx    json.RawMessage `json:"tx"`
}

// CompactBlock relays a block as its header, the winning minting tx, a
// per-block SipHash nonce, the short id of every transfer tx, and any
// prefilled entries.
type CompactBlock struct {
	Header    ledger.Header      `json:"header"`
	MintingTx *txmodel.MintingTx `json:"minting_tx"`
	Nonce     uint64             `json:"nonce"`
	ShortIDs  []ShortID          `json:"short_ids"`
	Prefilled []PrefilledTx      `json:"prefilled"`
}

// ComputeShortID derives the 6-byte id: SipHash-2-4 of the tx hash keyed by
// the first 16 bytes of the block hash (the wire-level nonce is the first 8
// bytes; the second key half binds the rest of the hash).
func ComputeShortID(txHash types.Hash, blockHash types.Hash) ShortID {
	k0 := beU64(blockHash[:8])
	k1 := beU64(blockHash[8:16])
	sum := siphash.Hash(k0, k1, txHash[:])
	var id ShortID
	for i := 0; i < ShortIDLen; i++ {
		id[i] = byte(sum >> uint(8*i))
	}
	return id
}

// BuildCompactBlock computes short ids for every transfer tx in a block.
// Prefilled is left to the caller's prediction policy; an empty prefilled
// list is always valid.
func BuildCompactBlock(b *ledger.Block) *CompactBlock {
	blockHash := b.Hash()
	ids := make([]ShortID, len(b.TransferTxs))
	for i, tx := range b.TransferTxs {
		ids[i] = ComputeShortID(tx.Hash(), blockHash)
	}
	return &CompactBlock{
		Header:    b.Header,
		MintingTx: b.MintingTx,
		Nonce:     beU64(blockHash[:8]),
		ShortIDs:  ids,
	}
}

// TxSource is what reconstruction needs from the mempool.
type TxSource interface {
	IterWithHashes(fn func(hash types.Hash, tx *txmodel.Transaction) bool)
}

// ReconstructResult reports a reconstruction attempt: either a complete
// block, or the indices that must be fetched with GetBlockTxn.
type ReconstructResult struct {
	Block   *ledger.Block
	Missing []uint32
}

// Reconstruct rebuilds the full block from a compact relay plus the local
// mempool. The short-id map is built once per call; prefilled entries
// override mempool lookups. If any ids remain unmatched the caller sends
// GetBlockTxn for the returned indices and retries via Complete.
func Reconstruct(cb *CompactBlock, pool TxSource) (*ReconstructResult, error) {
	blockHash := cb.Header.Hash()

	available := make(map[ShortID]*txmodel.Transaction)
	pool.IterWithHashes(func(hash types.Hash, tx *txmodel.Transaction) bool {
		available[ComputeShortID(hash, blockHash)] = tx
		return true
	})

	prefilled := make(map[uint32]*txmodel.Transaction, len(cb.Prefilled))
	for _, p := range cb.Prefilled {
		var tx txmodel.Transaction
		if err := json.Unmarshal(p.Tx, &tx); err != nil {
			return nil, err
		}
		prefilled[p.Index] = &tx
	}

	txs := make([]*txmodel.Transaction, len(cb.ShortIDs))
	var missing []uint32
	for i, id := range cb.ShortIDs {
		if tx, ok := prefilled[uint32(i)]; ok {
			txs[i] = tx
			continue
		}
		if tx, ok := available[id]; ok {
			txs[i] = tx
			continue
		}
		missing = append(missing, uint32(i))
	}

	if len(missing) > 0 {
		return &ReconstructResult{Missing: missing}, nil
	}
	return finishReconstruct(cb, txs)
}

// Complete finishes a reconstruction after a BlockTxn response supplied the
// missing transactions, in the same index order as the request.
func Complete(cb *CompactBlock, pool TxSource, resp *BlockTxn, requested []uint32) (*ReconstructResult, error) {
	if len(resp.Txs) != len(requested) {
		return nil, ErrBadBlockTxn
	}
	partial, err := Reconstruct(cb, pool)
	if err != nil {
		return nil, err
	}
	if partial.Block != nil {
		return partial, nil
	}

	fetched := make(map[uint32]*txmodel.Transaction, len(requested))
	for i, idx := range requested {
		var tx txmodel.Transaction
		if err := json.Unmarshal(resp.Txs[i], &tx); err != nil {
			return nil, err
		}
		fetched[idx] = &tx
	}

	blockHash := cb.Header.Hash()
	available := make(map[ShortID]*txmodel.Transaction)
	pool.IterWithHashes(func(hash types.Hash, tx *txmodel.Transaction) bool {
		available[ComputeShortID(hash, blockHash)] = tx
		return true
	})

	txs := make([]*txmodel.Transaction, len(cb.ShortIDs))
	for i, id := range cb.ShortIDs {
		if tx, ok := fetched[uint32(i)]; ok {
			txs[i] = tx
			continue
		}
		if tx, ok := available[id]; ok {
			txs[i] = tx
			continue
		}
		return nil, ErrBadBlockTxn
	}
	return finishReconstruct(cb, txs)
}

// finishReconstruct assembles and cross-checks the block hash against the
// compact header; a short-id collision that swapped in a wrong tx surfaces
// here as a Merkle-root mismatch.
func finishReconstruct(cb *CompactBlock, txs []*txmodel.Transaction) (*ReconstructResult, error) {
	block := &ledger.Block{
		Header:      cb.Header,
		MintingTx:   cb.MintingTx,
		TransferTxs: txs,
	}
	if block.Header.MerkleRoot != ledger.MerkleRootOf(txs) {
		return nil, ErrBadBlockTxn
	}
	return &ReconstructResult{Block: block}, nil
}

// AnswerGetBlockTxn builds the BlockTxn response for a peer's request from
// the full block.
func AnswerGetBlockTxn(b *ledger.Block, req *GetBlockTxn) (*BlockTxn, error) {
	resp := &BlockTxn{BlockHash: req.BlockHash}
	for _, idx := range req.Indices {
		if int(idx) >= len(b.TransferTxs) {
			return nil, ErrBadBlockTxn
		}
		raw, err := json.Marshal(b.TransferTxs[idx])
		if err != nil {
			return nil, err
		}
		resp.Txs = append(resp.Txs, raw)
	}
	return resp, nil
}

func beU64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}
