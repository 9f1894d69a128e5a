// Package mempool holds the validated pending-transaction pool: ingress
// validation against current ledger state, in-pool double-spend tracking,
// deterministic fee-priority ordering for block building, tombstone/size
// eviction, and the dynamic fee base the cluster-fee validator multiplies
// into its minimum.
package mempool

import (
	"errors"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/ledger"
	"github.com/botho-project/botho/txmodel"
	"github.com/botho-project/botho/types"
)

// ErrAlreadyPending is returned for duplicate or recently rejected hashes.
var ErrAlreadyPending = errors.New("mempool: transaction already known")

// PendingTx is one accepted transaction plus the bookkeeping eviction and
// priority ordering need.
type PendingTx struct {
	Tx              *txmodel.Transaction
	Hash            types.Hash
	FirstSeenHeight uint64
	Size            uint64
}

// Config bounds the pool.
type Config struct {
	SoftCapBytes uint64
	FeeBase      FeeBaseConfig
	RejectCache  int // recently rejected tx hashes remembered to short-circuit regossip
}

// DefaultConfig is a 32 MiB pool.
func DefaultConfig() Config {
	return Config{
		SoftCapBytes: 32 << 20,
		FeeBase:      DefaultFeeBaseConfig(),
		RejectCache:  4096,
	}
}

// Pool is the mempool. Reads (gossip, block building) take the read lock;
// ingress, eviction, and block-apply cleanup take the write lock.
type Pool struct {
	mu  sync.RWMutex
	cfg Config
	log *zap.Logger

	ledger *ledger.Store

	txs        map[types.Hash]*PendingTx
	keyImages  map[[32]byte]types.Hash // pending image -> owning tx
	totalBytes uint64

	rejected *lru.Cache[types.Hash, struct{}]
	feeBase  *feeBase
}

// New builds a pool validating against the given ledger.
func New(store *ledger.Store, cfg Config, log *zap.Logger) (*Pool, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rejectCache, err := lru.New[types.Hash, struct{}](max(cfg.RejectCache, 16))
	if err != nil {
		return nil, err
	}
	return &Pool{
		cfg:       cfg,
		log:       log,
		ledger:    store,
		txs:       make(map[types.Hash]*PendingTx),
		keyImages: make(map[[32]byte]types.Hash),
		rejected:  rejectCache,
		feeBase:   newFeeBase(cfg.FeeBase),
	}, nil
}

// poolImageChecker layers the pool's pending key images over the ledger's
// spent set so an in-mempool double spend fails the same freshness check.
type poolImageChecker struct {
	pool *Pool // caller holds p.mu
}

func (c poolImageChecker) HasKeyImage(img crypto.Point) bool {
	var k [32]byte
	copy(k[:], img.Bytes())
	if _, ok := c.pool.keyImages[k]; ok {
		return true
	}
	return c.pool.ledger.HasKeyImage(img)
}

// AddTx runs the full validation pipeline against current ledger state and
// admits the transaction. Duplicates, recently rejected hashes, and
// transactions whose key images are already pending are refused.
func (p *Pool) AddTx(tx *txmodel.Transaction) error {
	hash := tx.Hash()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.txs[hash]; dup {
		return ErrAlreadyPending
	}
	if _, seen := p.rejected.Get(hash); seen {
		return ErrAlreadyPending
	}

	vctx := p.ledger.ValidationContext()
	vctx.DynamicFeeBase = p.feeBase.current()
	if err := txmodel.Validate(tx, vctx, poolImageChecker{pool: p}); err != nil {
		p.rejected.Add(hash, struct{}{})
		p.log.Debug("mempool rejected tx",
			zap.String("hash", hash.String()), zap.Error(err))
		return err
	}

	pt := &PendingTx{
		Tx:              tx,
		Hash:            hash,
		FirstSeenHeight: vctx.CurrentHeight,
		Size:            tx.Size(),
	}
	p.txs[hash] = pt
	p.totalBytes += pt.Size
	for _, in := range tx.Inputs {
		var k [32]byte
		copy(k[:], in.KeyImage().Bytes())
		p.keyImages[k] = hash
	}

	p.observeOccupancyLocked()
	p.log.Debug("mempool accepted tx",
		zap.String("hash", hash.String()),
		zap.Uint64("fee", tx.Fee),
		zap.Uint64("size", pt.Size))
	return nil
}

// GetTransactions returns up to limit transactions sorted by descending
// fee/size priority, ties broken by ascending hash so every node orders its
// candidate set identically.
func (p *Pool) GetTransactions(limit int) []*txmodel.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pending := make([]*PendingTx, 0, len(p.txs))
	for _, pt := range p.txs {
		pending = append(pending, pt)
	}
	sort.Slice(pending, func(i, j int) bool {
		// fee_i/size_i > fee_j/size_j without division: cross-multiply.
		left := pending[i].Tx.Fee * pending[j].Size
		right := pending[j].Tx.Fee * pending[i].Size
		if left != right {
			return left > right
		}
		return lessHash(pending[i].Hash, pending[j].Hash)
	})

	if limit > len(pending) {
		limit = len(pending)
	}
	out := make([]*txmodel.Transaction, limit)
	for i := 0; i < limit; i++ {
		out[i] = pending[i].Tx
	}
	return out
}

// Contains reports whether a transaction is pending.
func (p *Pool) Contains(hash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[hash]
	return ok
}

// Get returns a pending transaction by hash, or nil.
func (p *Pool) Get(hash types.Hash) *txmodel.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if pt, ok := p.txs[hash]; ok {
		return pt.Tx
	}
	return nil
}

// IterWithHashes calls fn for every pending transaction; used by gossip's
// compact-block reconstruction to build its short-id map. Returning false
// stops the walk.
func (p *Pool) IterWithHashes(fn func(hash types.Hash, tx *txmodel.Transaction) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for h, pt := range p.txs {
		if !fn(h, pt.Tx) {
			return
		}
	}
}

// Len returns the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// EvictOld drops transactions past their tombstone, then trims oldest-first
// until the pool is back under its soft cap.
func (p *Pool) EvictOld(currentHeight uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for h, pt := range p.txs {
		if pt.Tx.TombstoneHeight != 0 && pt.Tx.TombstoneHeight <= currentHeight {
			p.removeLocked(h)
		}
	}

	if p.totalBytes > p.cfg.SoftCapBytes {
		pending := make([]*PendingTx, 0, len(p.txs))
		for _, pt := range p.txs {
			pending = append(pending, pt)
		}
		sort.Slice(pending, func(i, j int) bool {
			if pending[i].FirstSeenHeight != pending[j].FirstSeenHeight {
				return pending[i].FirstSeenHeight < pending[j].FirstSeenHeight
			}
			return lessHash(pending[i].Hash, pending[j].Hash)
		})
		for _, pt := range pending {
			if p.totalBytes <= p.cfg.SoftCapBytes {
				break
			}
			p.removeLocked(pt.Hash)
			p.log.Debug("mempool evicted tx", zap.String("hash", pt.Hash.String()))
		}
	}

	p.observeOccupancyLocked()
}

// RemoveIncluded drops every transaction that made it into an applied
// block, releasing their pending key images.
func (p *Pool) RemoveIncluded(txs []*txmodel.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tx := range txs {
		p.removeLocked(tx.Hash())
	}
	p.observeOccupancyLocked()
}

// CurrentFeeBase surfaces the congestion multiplier for fee estimation and
// the cluster-fee validator.
func (p *Pool) CurrentFeeBase() uint64 {
	return p.feeBase.current()
}

func (p *Pool) removeLocked(hash types.Hash) {
	pt, ok := p.txs[hash]
	if !ok {
		return
	}
	delete(p.txs, hash)
	p.totalBytes -= pt.Size
	for _, in := range pt.Tx.Inputs {
		var k [32]byte
		copy(k[:], in.KeyImage().Bytes())
		if p.keyImages[k] == hash {
			delete(p.keyImages, k)
		}
	}
}

func (p *Pool) observeOccupancyLocked() {
	if p.cfg.SoftCapBytes == 0 {
		return
	}
	p.feeBase.observe(p.totalBytes * 1000 / p.cfg.SoftCapBytes)
}

func lessHash(a, b types.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
