package onion

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Transport ships an onion blob to a specific peer; the gossip layer
// provides the real implementation, tests use an in-memory double.
type Transport interface {
	SendOnion(peerID string, blob []byte) error
}

// Exit injects a recovered plaintext transfer tx into the normal pub-sub;
// only the exit hop of a circuit calls it.
type Exit interface {
	BroadcastTx(txBytes []byte) error
}

// Metrics are the broadcaster's counters; each failure mode is counted
// separately so operators can tell a dead circuit pool from a dead exit.
type Metrics struct {
	BroadcastPrivate uint64
	QueuedNoCircuit  uint64
	BroadcastFailed  uint64
	ExitBroadcast    uint64
}

// JitterRange is the pre-send delay window decorrelating submission timing
// from circuit traffic.
type JitterRange struct {
	Min, Max time.Duration
}

// DefaultJitter is the reference 50-200ms window.
func DefaultJitter() JitterRange {
	return JitterRange{Min: 50 * time.Millisecond, Max: 200 * time.Millisecond}
}

// Broadcaster wraps transfer-tx blobs in onion layers and ships them down
// a circuit after a uniform jitter delay. It also implements the relay and
// exit sides of the protocol for blobs arriving from other nodes.
type Broadcaster struct {
	pool      *CircuitPool
	transport Transport
	exit      Exit
	jitter    JitterRange
	log       *zap.Logger

	broadcastPrivate atomic.Uint64
	queuedNoCircuit  atomic.Uint64
	broadcastFailed  atomic.Uint64
	exitBroadcast    atomic.Uint64
}

// NewBroadcaster wires a broadcaster over a circuit pool and transport.
func NewBroadcaster(pool *CircuitPool, transport Transport, exit Exit, jitter JitterRange, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	if jitter.Max <= jitter.Min {
		jitter = DefaultJitter()
	}
	return &Broadcaster{
		pool:      pool,
		transport: transport,
		exit:      exit,
		jitter:    jitter,
		log:       log,
	}
}

// BroadcastPrivate wraps txBytes for a picked circuit, sleeps the jitter,
// and ships to hop 0. Returns ErrNoCircuit when the pool is empty; the
// caller decides whether to queue or fall back to plain gossip.
func (b *Broadcaster) BroadcastPrivate(txBytes []byte) error {
	circuit, err := b.pool.Pick(time.Now())
	if err != nil {
		b.queuedNoCircuit.Add(1)
		return err
	}

	blob, err := WrapOnion(txBytes, circuit.Hops[:], circuit.Keys[:])
	if err != nil {
		b.broadcastFailed.Add(1)
		return err
	}

	time.Sleep(b.drawJitter())

	if err := b.transport.SendOnion(circuit.Hops[0], blob); err != nil {
		b.broadcastFailed.Add(1)
		return err
	}
	b.broadcastPrivate.Add(1)
	b.log.Debug("private broadcast shipped", zap.String("circuit", circuit.ID.String()))
	return nil
}

// HandleOnion processes a blob arriving at this node with the layer key it
// holds for the originating circuit: strip one layer, then either forward
// the inner blob to the named next hop or, at the exit, inject the
// recovered tx into normal pub-sub.
func (b *Broadcaster) HandleOnion(key SymmetricKey, blob []byte) error {
	dec, err := DecryptLayer(key, blob)
	if err != nil {
		return err
	}
	if dec.Forward {
		return b.transport.SendOnion(dec.NextHop, dec.Inner)
	}
	if err := b.exit.BroadcastTx(dec.Payload); err != nil {
		b.broadcastFailed.Add(1)
		return err
	}
	b.exitBroadcast.Add(1)
	return nil
}

// Stats snapshots the counters.
func (b *Broadcaster) Stats() Metrics {
	return Metrics{
		BroadcastPrivate: b.broadcastPrivate.Load(),
		QueuedNoCircuit:  b.queuedNoCircuit.Load(),
		BroadcastFailed:  b.broadcastFailed.Load(),
		ExitBroadcast:    b.exitBroadcast.Load(),
	}
}

// drawJitter picks uniformly in [Min, Max).
func (b *Broadcaster) drawJitter() time.Duration {
	span := uint64(b.jitter.Max - b.jitter.Min)
	if span == 0 {
		return b.jitter.Min
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return b.jitter.Min
	}
	return b.jitter.Min + time.Duration(binary.BigEndian.Uint64(buf[:])%span)
}
