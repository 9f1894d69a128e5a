package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/botho-project/botho/clustertax"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/storage"
	"github.com/botho-project/botho/txmodel"
	"github.com/botho-project/botho/types"
)

// StoreVersion is written under the meta/version key; a mismatch on open
// refuses to start rather than guessing at a migration.
const StoreVersion uint64 = 1

// Database key prefixes, one per logical database.
const (
	prefixBlock       = 'b' // height(8 BE) -> Block
	prefixBlockByHash = 'h' // block hash -> height(8)
	prefixUTXO        = 'u' // tx_hash || output_index(4 BE) -> UTXO
	prefixKeyImage    = 'k' // key image(32) -> spent-at-height(8)
	prefixWealth      = 'c' // cluster_id(8 BE) -> u64
	prefixMeta        = 'm' // name -> value
)

// RetargetFunc recomputes difficulty from the closing epoch's header
// timestamps. A pure function so every node derives the identical next
// difficulty from the identical chain; mint.DifficultyController provides
// the real implementation.
type RetargetFunc func(height, current uint64, timestamps []int64, grossSupply, feesBurned uint64) uint64

// EmissionFunc returns the authoritative block reward for a height given
// the gross supply minted so far; mint.EmissionSchedule provides it.
type EmissionFunc func(height, grossSupply uint64) uint64

// Params fixes the consensus-relevant configuration a Store validates
// blocks against. Everything here must agree across all nodes.
type Params struct {
	Emission          EmissionFunc
	Retarget          RetargetFunc
	RetargetInterval  uint64
	InitialDifficulty uint64
	GenesisTimestamp  int64

	FeeCurve       clustertax.FeeCurveConfig
	FeePerByte     uint64
	MemoSurcharge  uint64
	DecayConfig    clustertax.DecayConfig
	MaturityBlocks uint64 // decoy candidates must be at least this old

	// WealthDecayBps is the per-block geometric decay applied to every
	// cluster-wealth entry. Rings hide which outputs a transfer spends, so
	// attributions can never be debited on spend; decay is what ages them
	// out instead.
	WealthDecayBps uint64

	TimestampDrift time.Duration // window around local clock, default 2h
}

// DefaultParams returns the reference network parameters.
func DefaultParams() Params {
	return Params{
		RetargetInterval:  1440,
		InitialDifficulty: 0x00FF_FFFF_FFFF_FFFF,
		GenesisTimestamp:  1735689600, // 2025-01-01T00:00:00Z
		FeeCurve:          clustertax.DefaultFeeCurveConfig(),
		FeePerByte:        2,
		MemoSurcharge:     1000,
		DecayConfig:       clustertax.DefaultDecayConfig(),
		MaturityBlocks:    10,
		WealthDecayBps:    10, // 0.1% per block
		TimestampDrift:    2 * time.Hour,
	}
}

// Store is the ledger: the sole owner of the persisted block, UTXO,
// key-image, and cluster-wealth databases. A single writer (the node
// orchestrator) calls ApplyBlock; everyone else reads through the
// snapshot-isolated getters.
type Store struct {
	mu  sync.RWMutex
	db  *storage.DB
	log *zap.Logger

	params Params
	state  ChainState

	tipSubs []chan types.Hash
}

// Open attaches a Store to db, initializing a deterministic genesis block
// if the database is empty and refusing to start on a version mismatch.
func Open(db *storage.DB, params Params, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{db: db, log: log, params: params}

	version, err := s.metaU64("version")
	if err != nil {
		return nil, err
	}
	if version == 0 {
		if err := s.initGenesis(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if version != StoreVersion {
		return nil, fmt.Errorf("%w: store version %d, want %d (explicit migration required)",
			ErrDatabaseCorrupt, version, StoreVersion)
	}
	if err := s.loadChainState(); err != nil {
		return nil, err
	}
	s.log.Info("ledger opened",
		zap.Uint64("height", s.state.Height),
		zap.String("tip", s.state.TipHash.String()))
	return s, nil
}

// GenesisBlock returns the deterministic empty genesis for a parameter set:
// no transfer inputs, no minting tx, fixed timestamp, initial difficulty.
func GenesisBlock(params Params) *Block {
	return &Block{
		Header: Header{
			Version:       HeaderVersion,
			PrevBlockHash: types.Hash{},
			MerkleRoot:    types.Hash{},
			Timestamp:     params.GenesisTimestamp,
			Height:        0,
			Difficulty:    params.InitialDifficulty,
		},
	}
}

func (s *Store) initGenesis() error {
	genesis := GenesisBlock(s.params)
	s.state = ChainState{
		Height:                0,
		TipHash:               genesis.Hash(),
		CurrentDifficulty:     s.params.InitialDifficulty,
		CurrentDynamicFeeBase: clustertax.FixedScale,
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := putJSON(txn, blockKey(0), genesis); err != nil {
			return err
		}
		if err := txn.Set(hashKey(genesis.Hash()), u64Bytes(0)); err != nil {
			return err
		}
		if err := txn.Set(metaKey("version"), u64Bytes(StoreVersion)); err != nil {
			return err
		}
		return putJSON(txn, metaKey("chain_state"), s.state)
	})
	if err != nil {
		return err
	}
	s.log.Info("genesis initialized", zap.String("hash", s.state.TipHash.String()))
	return nil
}

func (s *Store) loadChainState() error {
	return s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, metaKey("chain_state"), &s.state)
	})
}

// ChainState returns a copy of the authoritative chain summary.
func (s *Store) ChainState() ChainState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Height returns the current tip height.
func (s *Store) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Height
}

// TipHash returns the current tip block hash.
func (s *Store) TipHash() types.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.TipHash
}

// SubscribeTip registers a channel that receives each new tip hash after
// the block that produced it has fully committed. Slow subscribers drop
// notifications rather than blocking the writer.
func (s *Store) SubscribeTip() <-chan types.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan types.Hash, 16)
	s.tipSubs = append(s.tipSubs, ch)
	return ch
}

// GetBlock retrieves the block at height.
func (s *Store) GetBlock(height uint64) (*Block, error) {
	var b Block
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, blockKey(height), &b)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBlockByHash retrieves a block by its header hash.
func (s *Store) GetBlockByHash(hash types.Hash) (*Block, error) {
	var height uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			height = u64FromBytes(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.GetBlock(height)
}

// HasKeyImage reports whether a key image is already in the spent set.
// Implements txmodel.KeyImageChecker.
func (s *Store) HasKeyImage(img crypto.Point) bool {
	var found bool
	_ = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(keyImageKey(img))
		found = err == nil
		return nil
	})
	return found
}

// ClusterWealth returns the total attributed value of one cluster.
// Implements clustertax.ClusterWealthIndex.
func (s *Store) ClusterWealth(id ClusterId) uint64 {
	var w uint64
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(wealthKey(id))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			w = u64FromBytes(val)
			return nil
		})
	})
	return w
}

// GetUTXO fetches one unspent output by reference.
func (s *Store) GetUTXO(ref OutputRef) (*UTXO, error) {
	var u UTXO
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, utxoKey(ref.TxHash, ref.OutputIndex), &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// NumUTXOs counts the unspent set, used by snapshot bookkeeping and tests.
func (s *Store) NumUTXOs() uint64 {
	var n uint64
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(prefixIterOpts(prefixUTXO))
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// ValidationContext builds the txmodel validation context for the current
// chain state, shared by mempool ingress and block application so both
// enforce the identical fee floor.
func (s *Store) ValidationContext() txmodel.ValidationContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validationContextLocked()
}

func (s *Store) validationContextLocked() txmodel.ValidationContext {
	return txmodel.ValidationContext{
		WealthIndex:    s,
		FeeCurve:       s.params.FeeCurve,
		FeePerByte:     s.params.FeePerByte,
		MemoSurcharge:  s.params.MemoSurcharge,
		DynamicFeeBase: s.state.CurrentDynamicFeeBase,
		CurrentHeight:  s.state.Height,
		DecayConfig:    s.params.DecayConfig,
	}
}

// SetDynamicFeeBase records the mempool's congestion multiplier into chain
// state so fee validation and snapshots see it. Each node's mempool drives
// its own base.
func (s *Store) SetDynamicFeeBase(base uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.CurrentDynamicFeeBase = base
	_ = s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, metaKey("chain_state"), s.state)
	})
}

// ApplyBlock validates a candidate block against the tip and, if every
// check passes, commits all of its effects in one database transaction:
// spent UTXOs' key images recorded, new UTXOs inserted, cluster wealth
// re-attributed, supply and fee-burn totals updated. A crash mid-commit
// leaves the store on the previous height.
func (s *Store) ApplyBlock(b *Block, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.verifyHeader(b, now); err != nil {
		return err
	}
	if err := s.verifyMintingTx(b); err != nil {
		return err
	}

	vctx := s.validationContextLocked()
	blockImages := newBlockImageSet(s)
	var totalFees uint64
	for _, tx := range b.TransferTxs {
		if err := txmodel.Validate(tx, vctx, blockImages); err != nil {
			return invalidBlockWrap("transfer tx failed revalidation", err)
		}
		blockImages.add(tx)
		totalFees += tx.Fee
	}

	newState := s.state
	newState.Height = b.Header.Height
	newState.TipHash = b.Hash()
	newState.TotalFeesBurned += totalFees
	if b.MintingTx != nil {
		newState.GrossSupplyMinted += b.MintingTx.Reward
	}
	if totalFees > newState.GrossSupplyMinted {
		newState.GrossSupplyMinted = 0
	} else {
		newState.GrossSupplyMinted -= totalFees
	}

	if s.params.Retarget != nil && s.params.RetargetInterval > 0 &&
		b.Header.Height%s.params.RetargetInterval == 0 {
		stamps, err := s.epochTimestamps(b)
		if err != nil {
			return err
		}
		// Fees burned over the closing epoch: the blocks behind stamps
		// plus this one.
		epochBurned := totalFees
		for h := b.Header.Height - uint64(len(stamps)-1); h < b.Header.Height; h++ {
			blk, err := s.GetBlock(h)
			if err != nil {
				return err
			}
			for _, tx := range blk.TransferTxs {
				epochBurned += tx.Fee
			}
		}
		newState.CurrentDifficulty = s.params.Retarget(
			b.Header.Height, s.state.CurrentDifficulty, stamps,
			newState.GrossSupplyMinted, epochBurned)
	}

	massProxy := s.meanUTXOValue()
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := putJSON(txn, blockKey(b.Header.Height), b); err != nil {
			return err
		}
		if err := txn.Set(hashKey(b.Hash()), u64Bytes(b.Header.Height)); err != nil {
			return err
		}
		if err := s.decayWealthIndex(txn); err != nil {
			return err
		}
		for _, tx := range b.TransferTxs {
			if err := s.applyTransfer(txn, tx, b.Header.Height, massProxy); err != nil {
				return err
			}
		}
		if b.MintingTx != nil {
			if err := s.applyMintingOutput(txn, b.MintingTx, b.Header.Height); err != nil {
				return err
			}
		}
		return putJSON(txn, metaKey("chain_state"), newState)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseCorrupt, err)
	}

	s.state = newState
	s.log.Info("block applied",
		zap.Uint64("height", newState.Height),
		zap.String("hash", newState.TipHash.String()),
		zap.Int("transfers", len(b.TransferTxs)),
		zap.Uint64("fees_burned", totalFees))

	// Publish only after the commit has landed.
	for _, ch := range s.tipSubs {
		select {
		case ch <- newState.TipHash:
		default:
		}
	}
	return nil
}

func (s *Store) verifyHeader(b *Block, now time.Time) error {
	if b.Header.PrevBlockHash != s.state.TipHash {
		return invalidBlock("prev hash does not match tip")
	}
	if b.Header.Height != s.state.Height+1 {
		return invalidBlock("height is not tip+1")
	}
	if b.Header.Difficulty != s.state.CurrentDifficulty {
		return invalidBlock("declared difficulty mismatches stored difficulty")
	}
	if b.Header.MerkleRoot != MerkleRootOf(b.TransferTxs) {
		return invalidBlock("merkle root mismatch")
	}

	parent, err := s.GetBlock(s.state.Height)
	if err != nil {
		return err
	}
	if b.Header.Timestamp <= parent.Header.Timestamp {
		return invalidBlock("timestamp not after parent")
	}
	drift := s.params.TimestampDrift
	if drift == 0 {
		drift = 2 * time.Hour
	}
	ts := time.Unix(b.Header.Timestamp, 0)
	if ts.Before(now.Add(-drift)) || ts.After(now.Add(drift)) {
		return invalidBlock("timestamp outside drift window")
	}
	return nil
}

func (s *Store) verifyMintingTx(b *Block) error {
	m := b.MintingTx
	if m == nil {
		return invalidBlock("missing minting tx")
	}
	if m.BlockHeight != b.Header.Height {
		return invalidBlock("minting tx height mismatch")
	}
	if m.PrevBlockHash != s.state.TipHash {
		return invalidBlock("minting tx prev hash mismatch")
	}
	if m.Difficulty != s.state.CurrentDifficulty || !m.VerifyPoW() {
		return invalidBlock("minting tx fails proof of work")
	}
	if s.params.Emission != nil {
		want := s.params.Emission(b.Header.Height, s.state.GrossSupplyMinted)
		if m.Reward != want {
			return invalidBlock("minting reward disagrees with emission schedule")
		}
	}
	return nil
}

// epochTimestamps collects the closing epoch's header timestamps (oldest
// first), including the candidate block's own.
func (s *Store) epochTimestamps(b *Block) ([]int64, error) {
	interval := s.params.RetargetInterval
	start := uint64(0)
	if b.Header.Height > interval {
		start = b.Header.Height - interval
	}
	stamps := make([]int64, 0, interval+1)
	for h := start; h < b.Header.Height; h++ {
		blk, err := s.GetBlock(h)
		if err != nil {
			return nil, err
		}
		stamps = append(stamps, blk.Header.Timestamp)
	}
	return append(stamps, b.Header.Timestamp), nil
}

func (s *Store) applyTransfer(txn *badger.Txn, tx *txmodel.Transaction, height, massProxy uint64) error {
	for _, in := range tx.Inputs {
		if err := txn.Set(keyImageKey(in.KeyImage()), u64Bytes(height)); err != nil {
			return err
		}
	}
	txHash := tx.Hash()
	for i, out := range tx.Outputs {
		u := &UTXO{TxHash: txHash, OutputIndex: uint32(i), TxOut: out, CreatedAtHeight: height}
		if err := putJSON(txn, utxoKey(txHash, uint32(i)), u); err != nil {
			return err
		}
	}
	return s.applyWealthDelta(txn, tx, massProxy)
}

// applyWealthDelta accrues cluster wealth from a transfer's public tag
// data. Rings hide which outputs were spent and pseudo-output commitments
// hide every amount, so exact per-cluster value attribution is not
// computable from a block; the index instead tracks an estimate. Each new
// output contributes the chain's mean UTXO value weighted by its public
// tag fractions, and the per-block geometric decay (decayWealthIndex)
// ages out stale attributions that can never be debited on spend.
func (s *Store) applyWealthDelta(txn *badger.Txn, tx *txmodel.Transaction, massProxy uint64) error {
	if len(tx.Outputs) == 0 || massProxy == 0 {
		return nil
	}
	// Tag conservation forces every output onto the same vector.
	outputs := uint64(len(tx.Outputs))
	for c, w := range tx.Outputs[0].Tags.Weights {
		add := mulDiv(massProxy, w, clustertax.TagWeightScale) * outputs
		if add == 0 {
			continue
		}
		current := uint64(0)
		item, err := txn.Get(wealthKey(c))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				current = u64FromBytes(val)
				return nil
			}); err != nil {
				return err
			}
		}
		if err := txn.Set(wealthKey(c), u64Bytes(current+add)); err != nil {
			return err
		}
	}
	return nil
}

// decayWealthIndex applies the per-block geometric decay to every cluster
// entry, dropping entries that reach zero so the index stays sparse.
func (s *Store) decayWealthIndex(txn *badger.Txn) error {
	bps := s.params.WealthDecayBps
	if bps == 0 {
		return nil
	}
	type entry struct {
		key []byte
		val uint64
	}
	var entries []entry
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixWealth}
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		var v uint64
		if err := item.Value(func(val []byte) error {
			v = u64FromBytes(val)
			return nil
		}); err != nil {
			it.Close()
			return err
		}
		entries = append(entries, entry{key: key, val: v})
	}
	it.Close()
	for _, e := range entries {
		next := mulDiv(e.val, 10_000-bps, 10_000)
		if next == 0 {
			if err := txn.Delete(e.key); err != nil {
				return err
			}
			continue
		}
		if err := txn.Set(e.key, u64Bytes(next)); err != nil {
			return err
		}
	}
	return nil
}

// meanUTXOValue is the deterministic public value proxy for wealth
// attribution: gross minted supply spread across the current unspent set.
func (s *Store) meanUTXOValue() uint64 {
	n := s.NumUTXOs()
	if n == 0 {
		return 0
	}
	return s.state.GrossSupplyMinted / n
}

// applyMintingOutput inserts the minting tx's stealth output as a UTXO with
// an all-background tag vector: freshly minted coins carry no cluster
// attribution until their owner's spending behaviour earns one.
func (s *Store) applyMintingOutput(txn *badger.Txn, m *txmodel.MintingTx, height uint64) error {
	out := &txmodel.TxOut{
		TokenID:    0,
		TargetKey:  m.StealthTarget,
		Ephemeral:  m.StealthEphem,
		Commitment: crypto.Commit(m.Reward, 0, crypto.ScalarZero()),
		Tags:       clustertax.NewTagVector(),
	}
	u := &UTXO{TxHash: m.Hash(), OutputIndex: 0, TxOut: out, CreatedAtHeight: height}
	return putJSON(txn, utxoKey(m.Hash(), 0), u)
}

// blockImageSet layers the key images spent earlier in the same block over
// the persistent spent set, so an intra-block double spend is caught by the
// same freshness check as a cross-block one.
type blockImageSet struct {
	store   *Store
	pending map[[32]byte]struct{}
}

func newBlockImageSet(s *Store) *blockImageSet {
	return &blockImageSet{store: s, pending: make(map[[32]byte]struct{})}
}

func (b *blockImageSet) HasKeyImage(img crypto.Point) bool {
	var k [32]byte
	copy(k[:], img.Bytes())
	if _, ok := b.pending[k]; ok {
		return true
	}
	return b.store.HasKeyImage(img)
}

func (b *blockImageSet) add(tx *txmodel.Transaction) {
	for _, in := range tx.Inputs {
		var k [32]byte
		copy(k[:], in.KeyImage().Bytes())
		b.pending[k] = struct{}{}
	}
}

func blockKey(height uint64) []byte {
	k := make([]byte, 9)
	k[0] = prefixBlock
	putBE64(k[1:], height)
	return k
}

func hashKey(h types.Hash) []byte {
	return append([]byte{prefixBlockByHash}, h[:]...)
}

func utxoKey(txHash types.Hash, index uint32) []byte {
	k := make([]byte, 0, 37)
	k = append(k, prefixUTXO)
	k = append(k, txHash[:]...)
	k = append(k, byte(index>>24), byte(index>>16), byte(index>>8), byte(index))
	return k
}

func keyImageKey(img crypto.Point) []byte {
	return append([]byte{prefixKeyImage}, img.Bytes()...)
}

func wealthKey(id ClusterId) []byte {
	k := make([]byte, 9)
	k[0] = prefixWealth
	putBE64(k[1:], uint64(id))
	return k
}

func metaKey(name string) []byte {
	return append([]byte{prefixMeta}, name...)
}

func prefixIterOpts(prefix byte) badger.IteratorOptions {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefix}
	opts.PrefetchValues = false
	return opts
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func (s *Store) metaU64(name string) (uint64, error) {
	var v uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v = u64FromBytes(val)
			return nil
		})
	})
	return v, err
}

func u64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	putBE64(b, v)
	return b
}

func u64FromBytes(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func putBE64(b []byte, v uint64) {
	b[0] = byte(v >> 56)
	b[1] = byte(v >> 48)
	b[2] = byte(v >> 40)
	b[3] = byte(v >> 32)
	b[4] = byte(v >> 24)
	b[5] = byte(v >> 16)
	b[6] = byte(v >> 8)
	b[7] = byte(v)
}

func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	q, _ := bits.Div64(hi, lo, c)
	return q
}
