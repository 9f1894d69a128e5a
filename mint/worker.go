package mint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/txmodel"
	"github.com/botho-project/botho/types"
)

// CurrentWork is the shared search target every worker hashes against. A
// new tip (or difficulty change) bumps the version; workers notice at their
// next batch boundary, regenerate stealth keys, and reset their nonce
// cursor.
type CurrentWork struct {
	ID            uuid.UUID
	PrevBlockHash types.Hash
	Height        uint64
	Difficulty    uint64
	GrossSupply   uint64
	Timestamp     int64
}

// MintedMintingTx is one PoW solution: the minting transaction, a priority
// derived from how far under the target the hash landed (lower hash prefix,
// higher priority), and the work version it solves, so stale solutions are
// discarded after a tip change.
type MintedMintingTx struct {
	Tx          *txmodel.MintingTx
	Priority    uint64
	WorkVersion uint64
}

// powBatch is how many nonces a worker grinds between shutdown/version
// checks; the inner loop never suspends inside a batch.
const powBatch = 4096

// Pool runs N minting workers on dedicated goroutines, each striding a
// disjoint nonce stripe. Solutions stream out on Solutions(); multiple
// valid minting txs per work version are expected and consensus picks the
// winner by priority.
type Pool struct {
	workers  int
	schedule EmissionSchedule
	minter   crypto.WalletKeys
	log      *zap.Logger

	mu      sync.Mutex
	work    CurrentWork
	version atomic.Uint64
	stop    atomic.Bool

	solutions chan MintedMintingTx
	wg        sync.WaitGroup
}

// NewPool builds a pool of `workers` minting threads paying rewards to the
// minter's stealth address.
func NewPool(workers int, schedule EmissionSchedule, minter crypto.WalletKeys, log *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		workers:   workers,
		schedule:  schedule,
		minter:    minter,
		log:       log,
		solutions: make(chan MintedMintingTx, 64),
	}
}

// Solutions is the stream of found minting transactions.
func (p *Pool) Solutions() <-chan MintedMintingTx { return p.solutions }

// SetWork publishes a new search target and bumps the shared version so
// every worker re-reads it at its next batch boundary.
func (p *Pool) SetWork(w CurrentWork) {
	p.mu.Lock()
	w.ID = uuid.New()
	p.work = w
	p.mu.Unlock()
	v := p.version.Add(1)
	p.log.Debug("minting work updated",
		zap.Uint64("height", w.Height),
		zap.Uint64("version", v),
		zap.Uint64("difficulty", w.Difficulty))
}

// Start launches the workers. Call Stop to wind them down.
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(uint64(i))
	}
	p.log.Info("minting pool started", zap.Int("workers", p.workers))
}

// Stop signals every worker to exit at its next batch boundary and waits
// for them.
func (p *Pool) Stop() {
	p.stop.Store(true)
	p.wg.Wait()
	close(p.solutions)
}

func (p *Pool) run(stripe uint64) {
	defer p.wg.Done()

	var (
		seenVersion uint64
		work        CurrentWork
		tx          *txmodel.MintingTx
		nonce       uint64
	)

	for !p.stop.Load() {
		if v := p.version.Load(); v != seenVersion {
			seenVersion = v
			p.mu.Lock()
			work = p.work
			p.mu.Unlock()
			if work.Height == 0 {
				continue
			}
			tx = p.freshMintingTx(work)
			nonce = stripe
		}
		if tx == nil {
			// No work yet; idle briefly rather than spinning.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for i := 0; i < powBatch; i++ {
			tx.Nonce = nonce
			nonce += uint64(p.workers)
			prefix := tx.PowHashPrefix()
			if prefix < work.Difficulty {
				solved := *tx
				sol := MintedMintingTx{
					Tx:          &solved,
					Priority:    ^uint64(0) - prefix,
					WorkVersion: seenVersion,
				}
				select {
				case p.solutions <- sol:
				default:
					// Consumer backed up; a dropped extra solution for the
					// same slot costs nothing, blocking the hot loop would.
				}
				p.log.Debug("minting solution found",
					zap.Uint64("height", work.Height),
					zap.Uint64("nonce", solved.Nonce))
			}
		}
	}
}

// freshMintingTx derives a new one-time stealth output for this work
// version and assembles the unsolved minting transaction around it.
func (p *Pool) freshMintingTx(work CurrentWork) *txmodel.MintingTx {
	stealth, _ := crypto.NewStealthOutput(p.minter.Address(), 0)
	return &txmodel.MintingTx{
		BlockHeight:    work.Height,
		Reward:         p.schedule.Reward(work.Height, work.GrossSupply),
		MinterViewKey:  p.minter.View.Public,
		MinterSpendKey: p.minter.Spend.Public,
		StealthTarget:  stealth.TargetKey,
		StealthEphem:   stealth.Ephemeral,
		PrevBlockHash:  work.PrevBlockHash,
		Difficulty:     work.Difficulty,
		Timestamp:      work.Timestamp,
	}
}
