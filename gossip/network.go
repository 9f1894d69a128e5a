package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/botho-project/botho/crypto"
	"github.com/botho-project/botho/types"
)

const (
	// MaxPeers bounds the active connection set.
	MaxPeers = 50
	// RequestTimeout bounds one gossip request/response exchange.
	RequestTimeout = 30 * time.Second
	// DialTimeout bounds connection establishment.
	DialTimeout = 5 * time.Second

	seenCacheSize = 16384
)

// Config parameterizes the overlay.
type Config struct {
	NetworkID      NetworkID
	ListenPort     int
	BootstrapPeers []string
	DNSSeeds       []string
	RateLimits     RateLimits
}

// MessageHandler processes one incoming envelope from a peer.
type MessageHandler func(from string, env Envelope) error

// Network manages the libp2p host, topic subscriptions, ingress rate
// limiting, and the scored peer store.
type Network struct {
	cfg    Config
	log    *zap.Logger
	host   host.Host
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	peers *PeerStore
	gate  *rateGate
	seen  *lru.Cache[types.Hash, struct{}]

	mu       sync.RWMutex
	handlers map[string]MessageHandler // topic -> handler
	subs     []*pubsub.Subscription
}

// NewNetwork creates the overlay host and connects bootstrap peers. The
// network identifier is embedded in every topic, so a mismatched peer's
// messages land on topics this node never joined.
func NewNetwork(cfg Config, peers *PeerStore, log *zap.Logger) (*Network, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if peers == nil {
		peers = NewPeerStore()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	seen, err := lru.New[types.Hash, struct{}](seenCacheSize)
	if err != nil {
		cancel()
		h.Close()
		return nil, err
	}

	limits := cfg.RateLimits
	if limits.PerMinute == nil {
		limits = DefaultRateLimits()
	}

	n := &Network{
		cfg:      cfg,
		log:      log,
		host:     h,
		pubsub:   ps,
		ctx:      ctx,
		cancel:   cancel,
		peers:    peers,
		gate:     newRateGate(limits),
		seen:     seen,
		handlers: make(map[string]MessageHandler),
	}

	n.bootstrap()
	return n, nil
}

// topicName embeds the network discriminator into every topic string.
func (n *Network) topicName(topic string) string {
	return fmt.Sprintf("botho/%s/%s", n.cfg.NetworkID, topic)
}

// bootstrap resolves DNS seeds first, then dials hardcoded bootstrap
// addresses; peer exchange (topology sync) takes over once connected.
func (n *Network) bootstrap() {
	for _, seed := range n.cfg.DNSSeeds {
		addrs, err := net.LookupHost(seed)
		if err != nil {
			n.log.Debug("dns seed lookup failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		n.log.Info("dns seed resolved", zap.String("seed", seed), zap.Int("addrs", len(addrs)))
	}
	for _, addr := range n.cfg.BootstrapPeers {
		if err := n.ConnectPeer(addr); err != nil {
			n.log.Warn("bootstrap connect failed", zap.String("addr", addr), zap.Error(err))
		}
	}
}

// SetHandler registers the handler for one topic; must be called before
// Start.
func (n *Network) SetHandler(topic string, handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[topic] = handler
}

// Start subscribes every registered topic and launches the reader loops
// plus the peer-health heartbeat.
func (n *Network) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for topic, handler := range n.handlers {
		sub, err := n.pubsub.Subscribe(n.topicName(topic))
		if err != nil {
			return err
		}
		n.subs = append(n.subs, sub)
		go n.readLoop(topic, sub, handler)
	}
	go n.heartbeat()
	n.log.Info("gossip started",
		zap.String("network", string(n.cfg.NetworkID)),
		zap.String("peer_id", n.host.ID().String()))
	return nil
}

// Publish sends an envelope on a topic.
func (n *Network) Publish(topic, msgType string, payload interface{}) error {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return n.pubsub.Publish(n.topicName(topic), data)
}

func (n *Network) readLoop(topic string, sub *pubsub.Subscription, handler MessageHandler) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.log.Debug("subscription read error", zap.Error(err))
			continue
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		from := msg.ReceivedFrom.String()

		// Dedup before rate accounting so regossip of an already-seen
		// message is free for well-behaved peers.
		digest := crypto.Blake3_256([]byte(topic), msg.Data)
		if _, dup := n.seen.Get(types.Hash(digest)); dup {
			continue
		}
		n.seen.Add(types.Hash(digest), struct{}{})

		ok, disconnect := n.gate.allow(from, topic, time.Now())
		if disconnect {
			n.log.Warn("disconnecting rate-limit violator", zap.String("peer", from))
			n.peers.RecordFailure(from)
			_ = n.host.Network().ClosePeer(msg.ReceivedFrom)
			continue
		}
		if !ok {
			continue
		}

		n.peers.Touch(from, 0)

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			n.peers.RecordFailure(from)
			n.log.Debug("malformed envelope", zap.String("peer", from), zap.Error(err))
			continue
		}
		if err := handler(from, env); err != nil {
			n.log.Debug("handler error",
				zap.String("topic", topic),
				zap.String("peer", from),
				zap.Error(err))
		}
	}
}

// ConnectPeer dials a multiaddr with the establishment timeout.
func (n *Network) ConnectPeer(addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(n.ctx, DialTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return err
	}
	n.peers.Upsert(PeerInfo{PeerID: info.ID.String(), Announce: addrStr})
	return nil
}

// heartbeat tops connections back up from the store every 30 seconds; it
// does not prune idle peers.
func (n *Network) heartbeat() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.maintainPeers()
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Network) maintainPeers() {
	connected := n.host.Network().Peers()
	if len(connected) >= MaxPeers {
		return
	}
	now := time.Now()
	for _, info := range n.peers.Best(MaxPeers-len(connected), now) {
		if info.Announce == "" {
			continue
		}
		already := false
		for _, c := range connected {
			if c.String() == info.PeerID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		if err := n.ConnectPeer(info.Announce); err != nil {
			n.peers.RecordFailure(info.PeerID)
		}
	}
}

// Peers exposes the scored peer store.
func (n *Network) Peers() *PeerStore { return n.peers }

// HostID returns this node's peer identity.
func (n *Network) HostID() string { return n.host.ID().String() }

// Multiaddrs returns this node's listen addresses.
func (n *Network) Multiaddrs() []multiaddr.Multiaddr { return n.host.Addrs() }

// PeerCount returns the number of live connections.
func (n *Network) PeerCount() int { return len(n.host.Network().Peers()) }

// Close shuts the overlay down, leaving the peer store for the caller to
// persist.
func (n *Network) Close() error {
	n.cancel()
	for _, sub := range n.subs {
		sub.Cancel()
	}
	return n.host.Close()
}
