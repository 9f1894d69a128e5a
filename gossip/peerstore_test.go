package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeerStoreScoringPrefersHealthyPeers(t *testing.T) {
	s := NewPeerStore()
	now := time.Now()

	s.Upsert(PeerInfo{PeerID: "slow", Health: PeerHealth{LastSeen: now, LatencyMS: 800}})
	s.Upsert(PeerInfo{PeerID: "fast", Health: PeerHealth{LastSeen: now, LatencyMS: 20, OpenNAT: true}})
	s.Upsert(PeerInfo{PeerID: "flaky", Health: PeerHealth{LastSeen: now, LatencyMS: 20, Failures: 5}})

	best := s.Best(3, now)
	require.Equal(t, "fast", best[0].PeerID)
	require.Equal(t, "flaky", best[2].PeerID)
}

func TestPeerStoreRelaysFilterByCapacity(t *testing.T) {
	s := NewPeerStore()
	now := time.Now()
	s.Upsert(PeerInfo{PeerID: "relay", Health: PeerHealth{LastSeen: now, RelayCapacity: 4}})
	s.Upsert(PeerInfo{PeerID: "leaf", Health: PeerHealth{LastSeen: now}})

	relays := s.Relays(1, now)
	require.Len(t, relays, 1)
	require.Equal(t, "relay", relays[0].PeerID)
}

func TestPeerStoreSnapshotRoundTrip(t *testing.T) {
	s := NewPeerStore()
	s.Upsert(PeerInfo{PeerID: "a", Announce: "/ip4/1.2.3.4/tcp/9351", AS: 64500})
	s.Upsert(PeerInfo{PeerID: "b", Announce: "/ip4/5.6.7.8/tcp/9351"})
	s.SetHeight("a", 77)

	data, err := s.Snapshot()
	require.NoError(t, err)

	restored := NewPeerStore()
	require.NoError(t, restored.Load(data))
	require.Equal(t, 2, restored.Len())
	a, ok := restored.Get("a")
	require.True(t, ok)
	require.Equal(t, uint64(77), a.Health.BlockHeight)
	require.Equal(t, uint32(64500), a.AS)
}

func TestRateGateLimitsAndDisconnects(t *testing.T) {
	cfg := DefaultRateLimits()
	cfg.PerMinute[TopicBlocks] = 2
	cfg.DisconnectThreshold = 3
	g := newRateGate(cfg)
	now := time.Now()

	// Burst capacity admits the per-minute budget up front.
	ok, _ := g.allow("peer", TopicBlocks, now)
	require.True(t, ok)
	ok, _ = g.allow("peer", TopicBlocks, now)
	require.True(t, ok)

	// Everything further is a violation; the threshold-th one disconnects.
	var disconnected bool
	for i := 0; i < cfg.DisconnectThreshold; i++ {
		ok, disc := g.allow("peer", TopicBlocks, now)
		require.False(t, ok)
		disconnected = disconnected || disc
	}
	require.True(t, disconnected)

	// Banned until cooldown expires.
	ok, _ = g.allow("peer", TopicBlocks, now.Add(time.Minute))
	require.False(t, ok)
	ok, _ = g.allow("peer", TopicBlocks, now.Add(cfg.Cooldown+time.Minute))
	require.True(t, ok)
}
