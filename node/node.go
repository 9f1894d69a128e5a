package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/botho-project/botho/consensus"
	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/gossip"
	"github.com/botho-project/botho/ledger"
	"github.com/botho-project/botho/mempool"
	"github.com/botho-project/botho/mint"
	"github.com/botho-project/botho/onion"
	"github.com/botho-project/botho/storage"
	"github.com/botho-project/botho/txmodel"
)

// ErrPoisonedSlot marks the fatal condition where an externalized slot's
// block fails local application: every correct peer must build the same
// block, so disagreement means this node's state has diverged.
var ErrPoisonedSlot = errors.New("node: externalized slot failed block application")

// Node wires every subsystem together and runs the orchestrator loop.
type Node struct {
	cfg Config
	log *zap.Logger

	db        *storage.DB
	ledger    *ledger.Store
	pool      *mempool.Pool
	minters   *mint.Pool
	monetary  *mint.MonetarySystem
	engine    *consensus.Engine
	network   *gossip.Network
	circuits  *onion.CircuitPool
	broadcast *onion.Broadcaster
}

// New constructs a node. Nothing starts running until Run.
func New(cfg Config, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := storage.Open(cfg.DataDir + "/ledger.db")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := ledger.Open(db, cfg.Ledger, log.Named("ledger"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	pool, err := mempool.New(store, cfg.Mempool, log.Named("mempool"))
	if err != nil {
		db.Close()
		return nil, err
	}

	peers := gossip.NewPeerStore()
	network, err := gossip.NewNetwork(gossip.Config{
		NetworkID:      cfg.NetworkID,
		ListenPort:     cfg.ListenPort,
		BootstrapPeers: cfg.BootstrapPeers,
		DNSSeeds:       cfg.DNSSeeds,
		RateLimits:     cfg.RateLimit,
	}, peers, log.Named("gossip"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create network: %w", err)
	}

	self := consensus.NodeID(network.HostID())
	engine, err := consensus.NewEngine(consensus.Config{
		NodeID:           self,
		QuorumSet:        cfg.quorumSet(self),
		NominationWindow: cfg.NominationWindow,
		BallotTimeout:    cfg.BallotTimeout,
		Validity: func(v consensus.ConsensusValue) bool {
			// Vote only for transfers we hold; minting values carry their
			// own PoW and are checked at block assembly.
			return v.IsMintingTx || pool.Contains(v.TxHash)
		},
	}, log.Named("consensus"))
	if err != nil {
		network.Close()
		db.Close()
		return nil, err
	}

	minterKeys := crypto.WalletKeysFromSeed(cfg.MinterSeed)
	minters := mint.NewPool(cfg.MintWorkers, cfg.Emission, minterKeys, log.Named("mint"))

	state := store.ChainState()
	monetary := mint.NewMonetarySystem(cfg.Emission, state.Height,
		state.GrossSupplyMinted, state.TotalFeesBurned)

	circuits := onion.NewCircuitPool(cfg.Circuits, peers, log.Named("onion"))

	n := &Node{
		cfg:      cfg,
		log:      log,
		db:       db,
		ledger:   store,
		pool:     pool,
		minters:  minters,
		monetary: monetary,
		engine:   engine,
		network:  network,
		circuits: circuits,
	}
	n.broadcast = onion.NewBroadcaster(circuits, onionTransport{n}, onionExit{n},
		onion.DefaultJitter(), log.Named("onion"))

	network.SetHandler(gossip.TopicTransactions, n.handleTxMsg)
	network.SetHandler(gossip.TopicConsensus, n.handleConsensusMsg)
	network.SetHandler(gossip.TopicBlocks, n.handleBlockMsg)
	network.SetHandler(gossip.TopicTopology, n.handleTopologyMsg)

	return n, nil
}

// Ledger exposes the read-through handle for RPC surfaces and tests.
func (n *Node) Ledger() *ledger.Store { return n.ledger }

// Mempool exposes the pending pool.
func (n *Node) Mempool() *mempool.Pool { return n.pool }

// Monetary exposes emission statistics.
func (n *Node) Monetary() *mint.MonetarySystem { return n.monetary }

// Run starts every task and blocks until ctx is cancelled or a fatal error
// occurs. Shutdown order: minting first (pure compute), then consensus,
// then gossip, flushing the ledger last.
func (n *Node) Run(ctx context.Context) error {
	if err := n.network.Start(); err != nil {
		return err
	}
	n.minters.Start()
	n.updateMintingWork()

	n.engine.StartSlot(n.ledger.Height()+1, time.Now())
	n.resubmitMempool()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.consensusLoop(ctx) })
	g.Go(func() error { return n.mintLoop(ctx) })
	g.Go(func() error { return n.tickLoop(ctx) })

	err := g.Wait()

	n.minters.Stop()
	n.persistPeers()
	n.network.Close()
	n.db.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// consensusLoop drains engine events: broadcasts go to the consensus
// topic, externalizations become blocks.
func (n *Node) consensusLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-n.engine.Events():
			switch e := ev.(type) {
			case consensus.Broadcast:
				if err := n.network.Publish(gossip.TopicConsensus, gossip.MsgConsensus, e.Msg); err != nil {
					n.log.Debug("consensus broadcast failed", zap.Error(err))
				}
			case consensus.SlotExternalized:
				if err := n.onExternalized(e); err != nil {
					return err
				}
			}
		}
	}
}

// mintLoop feeds PoW solutions into consensus, discarding solutions for
// stale work versions.
func (n *Node) mintLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sol, ok := <-n.minters.Solutions():
			if !ok {
				return nil
			}
			if sol.Tx.BlockHeight != n.ledger.Height()+1 {
				continue
			}
			data, err := json.Marshal(sol.Tx)
			if err != nil {
				continue
			}
			n.engine.SubmitMintingTx(sol.Tx.Hash(), sol.Priority, data)
		}
	}
}

// tickLoop drives timeouts and housekeeping.
func (n *Node) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(10 * time.Second)
	defer housekeeping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n.engine.Tick(now)
		case <-housekeeping.C:
			n.pool.EvictOld(n.ledger.Height())
			n.ledger.SetDynamicFeeBase(n.pool.CurrentFeeBase())
			n.circuits.Maintain(time.Now())
		}
	}
}

// onExternalized assembles the block for a finished slot, applies it, and
// advances every dependent subsystem. Application failure poisons the slot
// and is fatal.
func (n *Node) onExternalized(e consensus.SlotExternalized) error {
	block, err := n.assembleBlock(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPoisonedSlot, err)
	}
	if err := n.ledger.ApplyBlock(block, time.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrPoisonedSlot, err)
	}

	var fees uint64
	for _, tx := range block.TransferTxs {
		fees += tx.Fee
	}
	n.monetary.RecordBlock(block.Header.Height, block.MintingTx.Reward, fees)

	n.pool.RemoveIncluded(block.TransferTxs)
	n.updateMintingWork()

	cb := gossip.BuildCompactBlock(block)
	if err := n.network.Publish(gossip.TopicBlocks, gossip.MsgCompact, cb); err != nil {
		n.log.Debug("compact block publish failed", zap.Error(err))
	}

	n.engine.StartSlot(block.Header.Height+1, time.Now())
	n.resubmitMempool()
	return nil
}

// assembleBlock builds the canonical block from an externalized value set:
// the highest-priority minting value wins, transfers follow the set's
// order, tx data resolved from the consensus cache or the mempool.
func (n *Node) assembleBlock(e consensus.SlotExternalized) (*ledger.Block, error) {
	var mintingTx *txmodel.MintingTx
	var transfers []*txmodel.Transaction

	for _, v := range e.Values {
		if v.IsMintingTx {
			if mintingTx != nil {
				continue // ordered set puts the winner first
			}
			data := n.engine.TxData(v.TxHash)
			if data == nil {
				return nil, fmt.Errorf("minting tx %s not in data cache", v.TxHash)
			}
			var m txmodel.MintingTx
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, err
			}
			mintingTx = &m
			continue
		}
		tx := n.pool.Get(v.TxHash)
		if tx == nil {
			data := n.engine.TxData(v.TxHash)
			if data == nil {
				return nil, fmt.Errorf("transfer tx %s neither pooled nor cached", v.TxHash)
			}
			var t txmodel.Transaction
			if err := json.Unmarshal(data, &t); err != nil {
				return nil, err
			}
			tx = &t
		}
		transfers = append(transfers, tx)
	}
	if mintingTx == nil {
		return nil, errors.New("externalized set carries no minting tx")
	}

	state := n.ledger.ChainState()
	return &ledger.Block{
		Header: ledger.Header{
			Version:       ledger.HeaderVersion,
			PrevBlockHash: state.TipHash,
			MerkleRoot:    ledger.MerkleRootOf(transfers),
			// The winning minting tx's timestamp is part of the
			// externalized value, so every node stamps the same header.
			Timestamp:  mintingTx.Timestamp,
			Height:     state.Height + 1,
			Difficulty: state.CurrentDifficulty,
		},
		MintingTx:   mintingTx,
		TransferTxs: transfers,
	}, nil
}

// updateMintingWork points the worker pool at the new tip.
func (n *Node) updateMintingWork() {
	state := n.ledger.ChainState()
	n.minters.SetWork(mint.CurrentWork{
		PrevBlockHash: state.TipHash,
		Height:        state.Height + 1,
		Difficulty:    state.CurrentDifficulty,
		GrossSupply:   state.GrossSupplyMinted,
		Timestamp:     time.Now().Unix(),
	})
}

// resubmitMempool proposes the current best pending transfers for the new
// slot.
func (n *Node) resubmitMempool() {
	for _, tx := range n.pool.GetTransactions(n.cfg.MaxTxPerSlot) {
		data, err := json.Marshal(tx)
		if err != nil {
			continue
		}
		n.engine.SubmitTransaction(tx.Hash(), data)
	}
}

// SubmitTransaction is the RPC-facing ingress: validate into the mempool,
// propose to consensus, and regossip.
func (n *Node) SubmitTransaction(tx *txmodel.Transaction) error {
	if err := n.pool.AddTx(tx); err != nil {
		return err
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	n.engine.SubmitTransaction(tx.Hash(), data)
	ann := gossip.TxAnnounce{TxBytes: data, TxHash: tx.Hash()}
	if err := n.network.Publish(gossip.TopicTransactions, gossip.MsgTxAnnounce, ann); err != nil {
		n.log.Debug("tx announce failed", zap.Error(err))
	}
	return nil
}

// SubmitTransactionPrivate routes through the onion broadcaster instead of
// announcing directly; falls back to plain gossip when no circuit is live.
func (n *Node) SubmitTransactionPrivate(tx *txmodel.Transaction) error {
	if err := n.pool.AddTx(tx); err != nil {
		return err
	}
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	if err := n.broadcast.BroadcastPrivate(data); err != nil {
		n.log.Debug("private broadcast unavailable, using plain gossip", zap.Error(err))
		ann := gossip.TxAnnounce{TxBytes: data, TxHash: tx.Hash()}
		return n.network.Publish(gossip.TopicTransactions, gossip.MsgTxAnnounce, ann)
	}
	return nil
}

func (n *Node) handleTxMsg(from string, env gossip.Envelope) error {
	if env.Type != gossip.MsgTxAnnounce {
		return nil
	}
	var ann gossip.TxAnnounce
	if err := json.Unmarshal(env.Data, &ann); err != nil {
		return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "malformed tx announce"}
	}
	if n.pool.Contains(ann.TxHash) {
		return nil
	}
	var tx txmodel.Transaction
	if err := json.Unmarshal(ann.TxBytes, &tx); err != nil {
		return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "undecodable tx bytes"}
	}
	if tx.Hash() != ann.TxHash {
		return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "tx hash mismatch"}
	}
	if err := n.pool.AddTx(&tx); err != nil {
		return nil // rejection is local; never fatal, never punished
	}
	data, _ := json.Marshal(&tx)
	n.engine.SubmitTransaction(ann.TxHash, data)
	return nil
}

func (n *Node) handleConsensusMsg(from string, env gossip.Envelope) error {
	if env.Type != gossip.MsgConsensus {
		return nil
	}
	var msg consensus.Msg
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "malformed consensus msg"}
	}
	if err := n.engine.HandleMessage(msg, time.Now()); err != nil &&
		!errors.Is(err, consensus.ErrStaleMessage) {
		return err
	}
	return nil
}

func (n *Node) handleBlockMsg(from string, env gossip.Envelope) error {
	switch env.Type {
	case gossip.MsgCompact:
		var cb gossip.CompactBlock
		if err := json.Unmarshal(env.Data, &cb); err != nil {
			return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "malformed compact block"}
		}
		n.network.Peers().SetHeight(from, cb.Header.Height)
		// Blocks this node helped externalize are already applied; compact
		// relay matters for catch-up, handled by the sync path.
		return nil
	case gossip.MsgGetBlockTxn:
		var req gossip.GetBlockTxn
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "malformed get_block_txn"}
		}
		block, err := n.ledger.GetBlockByHash(req.BlockHash)
		if err != nil {
			return nil
		}
		resp, err := gossip.AnswerGetBlockTxn(block, &req)
		if err != nil {
			return nil
		}
		return n.network.Publish(gossip.TopicBlocks, gossip.MsgBlockTxn, resp)
	}
	return nil
}

func (n *Node) handleTopologyMsg(from string, env gossip.Envelope) error {
	switch env.Type {
	case gossip.MsgTopoAnn:
		var ann gossip.TopologyAnnounce
		if err := json.Unmarshal(env.Data, &ann); err != nil {
			return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "malformed topology announce"}
		}
		n.network.Peers().Upsert(ann.PeerInfo)
	case gossip.MsgTopoSync:
		var sync gossip.TopologySync
		if err := json.Unmarshal(env.Data, &sync); err != nil {
			return &gossip.PeerMisbehaviorError{PeerID: from, Reason: "malformed topology sync"}
		}
		for _, p := range sync.KnownPeers {
			n.network.Peers().Upsert(p)
		}
	}
	return nil
}

// persistPeers serializes the peer store on shutdown and logs the snapshot
// size; best effort. The snapshot is not written to disk.
func (n *Node) persistPeers() {
	data, err := n.network.Peers().Snapshot()
	if err != nil {
		return
	}
	n.log.Debug("peer store persisted", zap.Int("bytes", len(data)))
}

// onionTransport ships relay blobs over the transactions topic with a
// distinct envelope type.
type onionTransport struct{ n *Node }

func (t onionTransport) SendOnion(peerID string, blob []byte) error {
	return t.n.network.Publish(gossip.TopicTransactions, "onion", struct {
		To   string `json:"to"`
		Blob []byte `json:"blob"`
	}{To: peerID, Blob: blob})
}

// onionExit injects exit payloads into normal tx handling.
type onionExit struct{ n *Node }

func (e onionExit) BroadcastTx(txBytes []byte) error {
	var tx txmodel.Transaction
	if err := json.Unmarshal(txBytes, &tx); err != nil {
		return err
	}
	if err := e.n.pool.AddTx(&tx); err != nil {
		return err
	}
	ann := gossip.TxAnnounce{TxBytes: txBytes, TxHash: tx.Hash()}
	return e.n.network.Publish(gossip.TopicTransactions, gossip.MsgTxAnnounce, ann)
}
