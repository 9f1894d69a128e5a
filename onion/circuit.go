package onion

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botho-project/botho/gossip"
)

// ErrNoCircuit is returned when no viable circuit exists and one cannot be
// built from the current relay set.
var ErrNoCircuit = errors.New("onion: no circuit available")

// OutboundCircuit is one established 3-hop path with per-hop layer keys.
type OutboundCircuit struct {
	ID        uuid.UUID
	Hops      [NumHops]string
	Keys      [NumHops]SymmetricKey
	ExpiresAt time.Time
}

// teardown zeroes the circuit's key material.
func (c *OutboundCircuit) teardown() {
	for i := range c.Keys {
		c.Keys[i].Zero()
	}
}

// PoolConfig tunes circuit maintenance.
type PoolConfig struct {
	MinCircuits      int
	Lifetime         time.Duration
	LifetimeJitter   time.Duration // +/- applied per circuit to decorrelate rebuilds
	MinRelayCapacity uint32
	RecentHopMemory  int // hop sets remembered for disjointness
}

// DefaultPoolConfig keeps 3 circuits alive with 10-minute jittered
// lifetimes.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinCircuits:      3,
		Lifetime:         10 * time.Minute,
		LifetimeJitter:   2 * time.Minute,
		MinRelayCapacity: 1,
		RecentHopMemory:  12,
	}
}

// CircuitPool keeps MinCircuits alive, expiring each with jitter around the
// configured lifetime and rotating hop sets away from recently used ones.
// Contention is low, so a plain mutex guards everything.
type CircuitPool struct {
	mu  sync.Mutex
	cfg PoolConfig
	log *zap.Logger

	peers    *gossip.PeerStore
	circuits map[uuid.UUID]*OutboundCircuit
	recent   []string // recently used hop peer ids
}

// NewCircuitPool builds a pool drawing relays from the peer store.
func NewCircuitPool(cfg PoolConfig, peers *gossip.PeerStore, log *zap.Logger) *CircuitPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &CircuitPool{
		cfg:      cfg,
		log:      log,
		peers:    peers,
		circuits: make(map[uuid.UUID]*OutboundCircuit),
	}
}

// Pick returns a random live circuit, or ErrNoCircuit.
func (p *CircuitPool) Pick(now time.Time) (*OutboundCircuit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked(now)
	for _, c := range p.circuits {
		return c, nil
	}
	return nil, ErrNoCircuit
}

// Maintain expires dead circuits and builds new ones up to MinCircuits.
// The orchestrator runs it on a background tick.
func (p *CircuitPool) Maintain(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireLocked(now)
	for len(p.circuits) < p.cfg.MinCircuits {
		c, err := p.buildLocked(now)
		if err != nil {
			p.log.Debug("circuit build deferred", zap.Error(err))
			return
		}
		p.circuits[c.ID] = c
		p.log.Debug("circuit established", zap.String("id", c.ID.String()))
	}
}

// Len reports the live circuit count.
func (p *CircuitPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.circuits)
}

func (p *CircuitPool) expireLocked(now time.Time) {
	for id, c := range p.circuits {
		if now.After(c.ExpiresAt) {
			c.teardown()
			delete(p.circuits, id)
		}
	}
}

// buildLocked selects three viable relays: relay capacity at threshold,
// pairwise-distinct autonomous systems, and disjoint from recently used
// hops where the relay set allows it.
func (p *CircuitPool) buildLocked(now time.Time) (*OutboundCircuit, error) {
	relays := p.peers.Relays(p.cfg.MinRelayCapacity, now)
	if len(relays) < NumHops {
		return nil, ErrNoCircuit
	}

	recent := make(map[string]struct{}, len(p.recent))
	for _, id := range p.recent {
		recent[id] = struct{}{}
	}

	var hops [NumHops]string
	usedAS := make(map[uint32]struct{})
	count := 0
	// Two passes: first prefer relays outside the recent set, then fall
	// back to any remaining relay so a small network still gets circuits.
	for pass := 0; pass < 2 && count < NumHops; pass++ {
		for _, r := range relays {
			if count == NumHops {
				break
			}
			if pass == 0 {
				if _, recently := recent[r.PeerID]; recently {
					continue
				}
			}
			if containsHop(hops[:count], r.PeerID) {
				continue
			}
			if r.AS != 0 {
				if _, dup := usedAS[r.AS]; dup {
					continue
				}
			}
			hops[count] = r.PeerID
			if r.AS != 0 {
				usedAS[r.AS] = struct{}{}
			}
			count++
		}
	}
	if count < NumHops {
		return nil, ErrNoCircuit
	}

	var keys [NumHops]SymmetricKey
	for i := range keys {
		if _, err := rand.Read(keys[i][:]); err != nil {
			return nil, err
		}
	}

	for _, h := range hops {
		p.recent = append(p.recent, h)
	}
	if over := len(p.recent) - p.cfg.RecentHopMemory; over > 0 {
		p.recent = p.recent[over:]
	}

	return &OutboundCircuit{
		ID:        uuid.New(),
		Hops:      hops,
		Keys:      keys,
		ExpiresAt: now.Add(p.cfg.Lifetime + jitter(p.cfg.LifetimeJitter)),
	}, nil
}

func containsHop(hops []string, id string) bool {
	for _, h := range hops {
		if h == id {
			return true
		}
	}
	return false
}

// jitter draws a uniform offset in [-max, max).
func jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	span := uint64(2 * max)
	return time.Duration(binary.BigEndian.Uint64(b[:])%span) - max
}
