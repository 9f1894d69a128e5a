package gossip

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimits configures per-topic message budgets, applied per peer.
type RateLimits struct {
	PerMinute           map[string]int
	DisconnectThreshold int           // violations within Window before disconnect
	Window              time.Duration // sliding violation window
	Cooldown            time.Duration // how long a disconnected peer stays banned
}

// DefaultRateLimits matches the reference schedule: tx 100/min, blocks
// 10/min, consensus 50/min, topology 20/min.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		PerMinute: map[string]int{
			TopicTransactions: 100,
			TopicBlocks:       10,
			TopicConsensus:    50,
			TopicTopology:     20,
		},
		DisconnectThreshold: 10,
		Window:              time.Minute,
		Cooldown:            10 * time.Minute,
	}
}

type peerLimits struct {
	limiters   map[string]*rate.Limiter // per topic
	violations []time.Time
}

// rateGate enforces the limits and tracks violation history per peer.
type rateGate struct {
	mu     sync.Mutex
	cfg    RateLimits
	peers  map[string]*peerLimits
	banned map[string]time.Time // peer -> cooldown expiry
}

func newRateGate(cfg RateLimits) *rateGate {
	return &rateGate{
		cfg:    cfg,
		peers:  make(map[string]*peerLimits),
		banned: make(map[string]time.Time),
	}
}

// allow reports whether a message from peerID on topic is within budget,
// and whether the accumulated violations now warrant a disconnect.
func (g *rateGate) allow(peerID, topic string, now time.Time) (ok, disconnect bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, isBanned := g.banned[peerID]; isBanned {
		if now.Before(expiry) {
			return false, false
		}
		delete(g.banned, peerID)
	}

	pl, exists := g.peers[peerID]
	if !exists {
		pl = &peerLimits{limiters: make(map[string]*rate.Limiter)}
		g.peers[peerID] = pl
	}
	lim, exists := pl.limiters[topic]
	if !exists {
		perMin := g.cfg.PerMinute[topic]
		if perMin <= 0 {
			perMin = 60
		}
		lim = rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
		pl.limiters[topic] = lim
	}

	if lim.AllowN(now, 1) {
		return true, false
	}

	// Violation: record and slide the window.
	pl.violations = append(pl.violations, now)
	cutoff := now.Add(-g.cfg.Window)
	kept := pl.violations[:0]
	for _, t := range pl.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	pl.violations = kept

	if len(pl.violations) >= g.cfg.DisconnectThreshold {
		g.banned[peerID] = now.Add(g.cfg.Cooldown)
		delete(g.peers, peerID)
		return false, true
	}
	return false, false
}
