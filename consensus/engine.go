package consensus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botho-project/botho/types"
)

// ValidityFunc vets a peer-proposed value before this node will vote for
// it; typically "do I hold (or can I fetch) this transaction's data". A
// pure-function capability, not an object.
type ValidityFunc func(ConsensusValue) bool

// Config parameterizes an engine.
type Config struct {
	NodeID    NodeID
	QuorumSet QuorumSet

	// NominationWindow is how long a slot gathers nominations before moving
	// to the ballot phase; zero advances on the first tick, which is what
	// single-node and test setups want.
	NominationWindow time.Duration
	// BallotTimeout is the base round timer; rounds stretch linearly with
	// the ballot counter.
	BallotTimeout time.Duration

	Validity ValidityFunc
}

// Engine drives one slot at a time (slots are ledger heights and never
// reused), consuming peer statements and yielding SlotExternalized and
// Broadcast events. Single-threaded semantics: all entry points serialize
// on one mutex, and the orchestrator runs it from a single task.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	log *zap.Logger

	current *slot
	txData  map[types.Hash][]byte // per-slot data cache, reset on slot advance

	lastSent map[Phase]types.Hash // dedup of rebroadcast statements

	events chan Event
}

// NewEngine validates the quorum configuration and prepares the engine;
// call StartSlot before feeding it.
func NewEngine(cfg Config, log *zap.Logger) (*Engine, error) {
	if err := cfg.QuorumSet.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BallotTimeout == 0 {
		cfg.BallotTimeout = 2 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		txData:   make(map[types.Hash][]byte),
		lastSent: make(map[Phase]types.Hash),
		events:   make(chan Event, 64),
	}, nil
}

// Events yields SlotExternalized and Broadcast events to the orchestrator.
func (e *Engine) Events() <-chan Event { return e.events }

// StartSlot opens the state machine for a slot index, discarding the
// previous slot's proposal cache. Slot indexes must advance monotonically.
func (e *Engine) StartSlot(index uint64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && index <= e.current.index {
		return
	}
	e.current = newSlot(index, e.cfg.NodeID, e.cfg.QuorumSet, now, e.cfg.NominationWindow)
	e.txData = make(map[types.Hash][]byte)
	e.lastSent = make(map[Phase]types.Hash)
	e.log.Debug("slot started", zap.Uint64("slot", index))
}

// SubmitTransaction proposes a transfer transaction for the current slot.
func (e *Engine) SubmitTransaction(hash types.Hash, data []byte) {
	e.submit(ConsensusValue{TxHash: hash}, data)
}

// SubmitMintingTx proposes a PoW solution with its priority.
func (e *Engine) SubmitMintingTx(hash types.Hash, priority uint64, data []byte) {
	e.submit(ConsensusValue{TxHash: hash, Priority: priority, IsMintingTx: true}, data)
}

func (e *Engine) submit(v ConsensusValue, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.externalized {
		return
	}
	e.txData[v.TxHash] = data
	e.current.vote(v)
}

// TxData returns the cached bytes for an externalized value, or nil if the
// value arrived by hash only and must be fetched from peers.
func (e *Engine) TxData(hash types.Hash) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txData[hash]
}

// PutTxData backfills data fetched from a peer during catch-up.
func (e *Engine) PutTxData(hash types.Hash, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txData[hash] = data
}

// HandleMessage consumes one peer statement. Messages for past slots return
// ErrStaleMessage; the caller answers those from its externalized history
// instead. Replies surface as Broadcast events rather than a return value.
func (e *Engine) HandleMessage(msg Msg, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || msg.SlotIndex < e.current.index {
		return ErrStaleMessage
	}
	if msg.SlotIndex > e.current.index {
		// Future slot: we are behind; the orchestrator's catch-up notices
		// via the gap. Nothing to fold in yet.
		return nil
	}
	if msg.Sender == e.cfg.NodeID {
		return nil
	}

	// Vet never-seen peer values through the validity predicate before
	// voting for them ourselves.
	if e.cfg.Validity != nil && msg.Phase == PhaseNominate {
		kept := msg.Voted[:0]
		for _, v := range msg.Voted {
			if e.cfg.Validity(v) {
				kept = append(kept, v)
			}
		}
		msg.Voted = kept
	}

	e.current.observe(msg)

	// Echo peer votes we consider valid: voting for what trustworthy peers
	// vote for is what makes nomination converge.
	if msg.Phase == PhaseNominate && !e.current.externalized {
		for _, v := range msg.Voted {
			e.current.vote(v)
		}
	}

	e.step(now)
	return nil
}

// Tick processes timeouts; the orchestrator calls it on a coarse interval.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return
	}
	e.step(now)
}

// step runs the transition function and publishes whatever changed.
func (e *Engine) step(now time.Time) {
	if e.current.externalized {
		return
	}
	stmt, events := e.current.advance(now, e.cfg.BallotTimeout)

	// Rebroadcast only when the statement's observable content moved.
	key := statementDigest(stmt)
	if e.lastSent[stmt.Phase] != key {
		e.lastSent[stmt.Phase] = key
		stmt.ID = uuid.New()
		e.emit(Broadcast{Msg: stmt})
	}
	for _, ev := range events {
		if ext, ok := ev.(SlotExternalized); ok {
			e.log.Info("slot externalized",
				zap.Uint64("slot", ext.Slot),
				zap.Int("values", len(ext.Values)))
		}
		e.emit(ev)
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn("consensus event queue full, dropping event")
	}
}

func statementDigest(m Msg) types.Hash {
	var buf []byte
	buf = append(buf, byte(m.Phase))
	for _, v := range m.Voted {
		buf = append(buf, v.TxHash[:]...)
	}
	buf = append(buf, 0xFF)
	for _, v := range m.Accepted {
		buf = append(buf, v.TxHash[:]...)
	}
	buf = append(buf, 0xFE)
	buf = append(buf, m.Ballot.ValueHash[:]...)
	buf = append(buf, byte(m.Ballot.Counter>>24), byte(m.Ballot.Counter>>16),
		byte(m.Ballot.Counter>>8), byte(m.Ballot.Counter))
	return hashBytes(buf)
}
