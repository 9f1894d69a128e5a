package gossip

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// PeerHealth is the mutable scoring state for one peer.
type PeerHealth struct {
	LastSeen      time.Time `json:"last_seen"`
	LatencyMS     uint32    `json:"latency_ms"`
	Failures      uint32    `json:"failures"`
	BlockHeight   uint64    `json:"block_height"`
	RelayCapacity uint32    `json:"relay_capacity"`
	OpenNAT       bool      `json:"open_nat"`
}

// PeerInfo is one known peer: identity, dial address, and health.
type PeerInfo struct {
	PeerID   string     `json:"peer_id"`
	Announce string     `json:"announce"` // multiaddr string
	AS       uint32     `json:"as"`       // autonomous-system number, for circuit diversity
	Health   PeerHealth `json:"health"`
}

// Score ranks a peer for connection and relay selection: low latency, high
// uptime (recent LastSeen, few failures), open NAT, spare relay capacity.
// Larger is better.
func (p PeerInfo) Score(now time.Time) int64 {
	var score int64 = 1000
	score -= int64(p.Health.LatencyMS)
	score -= int64(p.Health.Failures) * 200
	if age := now.Sub(p.Health.LastSeen); age > time.Minute {
		score -= int64(age / time.Minute * 10)
	}
	if p.Health.OpenNAT {
		score += 300
	}
	score += int64(p.Health.RelayCapacity) * 5
	return score
}

// PeerStore tracks known peers. Health updates are frequent but small, so
// it sits behind a read-write lock.
type PeerStore struct {
	mu    sync.RWMutex
	peers map[string]*PeerInfo
}

// NewPeerStore returns an empty store.
func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*PeerInfo)}
}

// Upsert merges an announce into the store, keeping existing health for a
// known peer.
func (s *PeerStore) Upsert(info PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.peers[info.PeerID]; ok {
		existing.Announce = info.Announce
		existing.AS = info.AS
		if info.Health.RelayCapacity > 0 {
			existing.Health.RelayCapacity = info.Health.RelayCapacity
		}
		return
	}
	copied := info
	s.peers[info.PeerID] = &copied
}

// Touch records activity from a peer, refreshing LastSeen and optionally
// latency.
func (s *PeerStore) Touch(peerID string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[peerID]
	if !ok {
		p = &PeerInfo{PeerID: peerID}
		s.peers[peerID] = p
	}
	p.Health.LastSeen = time.Now()
	if latency > 0 {
		p.Health.LatencyMS = uint32(latency.Milliseconds())
	}
}

// RecordFailure increments a peer's failure count.
func (s *PeerStore) RecordFailure(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[peerID]; ok {
		p.Health.Failures++
	}
}

// SetHeight records a peer's advertised chain height.
func (s *PeerStore) SetHeight(peerID string, height uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[peerID]; ok {
		p.Health.BlockHeight = height
	}
}

// Get returns a copy of one peer's record.
func (s *PeerStore) Get(peerID string) (PeerInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.peers[peerID]; ok {
		return *p, true
	}
	return PeerInfo{}, false
}

// Remove forgets a peer.
func (s *PeerStore) Remove(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// Len returns the number of known peers.
func (s *PeerStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Best returns up to n peers ordered by descending score.
func (s *PeerStore) Best(n int, now time.Time) []PeerInfo {
	s.mu.RLock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Score(now), out[j].Score(now)
		if si != sj {
			return si > sj
		}
		return out[i].PeerID < out[j].PeerID
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}

// Relays returns peers suitable as onion relays: relay capacity at or
// above the threshold, ordered by score.
func (s *PeerStore) Relays(minCapacity uint32, now time.Time) []PeerInfo {
	candidates := s.Best(s.Len(), now)
	out := candidates[:0]
	for _, p := range candidates {
		if p.Health.RelayCapacity >= minCapacity {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot serializes the store for persistence across restarts.
func (s *PeerStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	return json.Marshal(peers)
}

// Load restores a persisted snapshot, merging over anything already known.
func (s *PeerStore) Load(data []byte) error {
	var peers []PeerInfo
	if err := json.Unmarshal(data, &peers); err != nil {
		return err
	}
	for _, p := range peers {
		s.Upsert(p)
	}
	return nil
}
