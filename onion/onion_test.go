package onion

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/gossip"
)

func testKeys(t *testing.T) [NumHops]SymmetricKey {
	t.Helper()
	var keys [NumHops]SymmetricKey
	for i := range keys {
		_, err := rand.Read(keys[i][:])
		require.NoError(t, err)
	}
	return keys
}

func TestWrapThenPeelRecoversPayloadAndHopOrder(t *testing.T) {
	hops := []string{"hop-a", "hop-b", "hop-c"}
	keys := testKeys(t)
	payload := []byte("serialized transfer tx bytes")

	blob, err := WrapOnion(payload, hops, keys[:])
	require.NoError(t, err)

	// Hop A strips the outer layer and must be told to forward to B.
	dec, err := DecryptLayer(keys[0], blob)
	require.NoError(t, err)
	require.True(t, dec.Forward)
	require.Equal(t, "hop-b", dec.NextHop)

	// Hop B forwards to C.
	dec, err = DecryptLayer(keys[1], dec.Inner)
	require.NoError(t, err)
	require.True(t, dec.Forward)
	require.Equal(t, "hop-c", dec.NextHop)

	// Hop C is the exit and recovers the exact payload.
	dec, err = DecryptLayer(keys[2], dec.Inner)
	require.NoError(t, err)
	require.False(t, dec.Forward)
	require.Equal(t, payload, dec.Payload)
}

func TestSingleBitCorruptionFailsEveryLayer(t *testing.T) {
	hops := []string{"a", "b", "c"}
	keys := testKeys(t)
	blob, err := WrapOnion([]byte("payload"), hops, keys[:])
	require.NoError(t, err)

	// Corrupt the outermost ciphertext: hop 0's AEAD check fails closed.
	corrupted := make([]byte, len(blob))
	copy(corrupted, blob)
	corrupted[len(corrupted)/2] ^= 0x01
	_, err = DecryptLayer(keys[0], corrupted)
	require.Error(t, err)

	// Corrupt an inner layer: hops 0 passes, hop 1 fails.
	dec, err := DecryptLayer(keys[0], blob)
	require.NoError(t, err)
	inner := make([]byte, len(dec.Inner))
	copy(inner, dec.Inner)
	inner[len(inner)/2] ^= 0x01
	_, err = DecryptLayer(keys[1], inner)
	require.Error(t, err)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	keys := testKeys(t)
	blob, err := WrapOnion([]byte("p"), []string{"a", "b", "c"}, keys[:])
	require.NoError(t, err)
	var wrong SymmetricKey
	_, err = DecryptLayer(wrong, blob)
	require.ErrorIs(t, err, crypto.ErrAeadFailed)
}

func relayPeers(n int) *gossip.PeerStore {
	s := gossip.NewPeerStore()
	now := time.Now()
	for i := 0; i < n; i++ {
		s.Upsert(gossip.PeerInfo{
			PeerID: string(rune('a' + i)),
			AS:     uint32(100 + i),
			Health: gossip.PeerHealth{LastSeen: now, RelayCapacity: 2},
		})
	}
	return s
}

func TestCircuitPoolMaintainsMinCircuits(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinCircuits = 2
	pool := NewCircuitPool(cfg, relayPeers(6), nil)

	now := time.Now()
	pool.Maintain(now)
	require.Equal(t, 2, pool.Len())

	c, err := pool.Pick(now)
	require.NoError(t, err)
	require.NotEqual(t, c.Hops[0], c.Hops[1])
	require.NotEqual(t, c.Hops[1], c.Hops[2])
}

func TestCircuitPoolExpiresAndRebuilds(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinCircuits = 1
	cfg.Lifetime = time.Minute
	cfg.LifetimeJitter = 0
	pool := NewCircuitPool(cfg, relayPeers(4), nil)

	now := time.Now()
	pool.Maintain(now)
	first, err := pool.Pick(now)
	require.NoError(t, err)

	later := now.Add(2 * time.Minute)
	pool.Maintain(later)
	second, err := pool.Pick(later)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCircuitPoolNeedsEnoughRelays(t *testing.T) {
	pool := NewCircuitPool(DefaultPoolConfig(), relayPeers(2), nil)
	pool.Maintain(time.Now())
	_, err := pool.Pick(time.Now())
	require.ErrorIs(t, err, ErrNoCircuit)
}

type memTransport struct {
	sent map[string][][]byte
}

func (m *memTransport) SendOnion(peerID string, blob []byte) error {
	if m.sent == nil {
		m.sent = make(map[string][][]byte)
	}
	m.sent[peerID] = append(m.sent[peerID], blob)
	return nil
}

type memExit struct{ got [][]byte }

func (m *memExit) BroadcastTx(txBytes []byte) error {
	m.got = append(m.got, txBytes)
	return nil
}

func TestBroadcasterEndToEnd(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MinCircuits = 1
	pool := NewCircuitPool(cfg, relayPeers(5), nil)
	pool.Maintain(time.Now())

	transport := &memTransport{}
	exit := &memExit{}
	b := NewBroadcaster(pool, transport, exit,
		JitterRange{Min: time.Millisecond, Max: 2 * time.Millisecond}, nil)

	payload := []byte("tx bytes")
	require.NoError(t, b.BroadcastPrivate(payload))

	circuit, err := pool.Pick(time.Now())
	require.NoError(t, err)
	blobs := transport.sent[circuit.Hops[0]]
	require.Len(t, blobs, 1)

	// Walk the circuit: two relays forward, the exit injects.
	require.NoError(t, b.HandleOnion(circuit.Keys[0], blobs[0]))
	hop1 := transport.sent[circuit.Hops[1]]
	require.Len(t, hop1, 1)
	require.NoError(t, b.HandleOnion(circuit.Keys[1], hop1[0]))
	hop2 := transport.sent[circuit.Hops[2]]
	require.Len(t, hop2, 1)
	require.NoError(t, b.HandleOnion(circuit.Keys[2], hop2[0]))

	require.Equal(t, [][]byte{payload}, exit.got)
	stats := b.Stats()
	require.Equal(t, uint64(1), stats.BroadcastPrivate)
	require.Equal(t, uint64(1), stats.ExitBroadcast)
}
