// Package gossip is the libp2p-backed overlay: topic pub-sub with per-peer
// rate limits, the scored peer store, discovery, and compact-block relay.
package gossip

import (
	"encoding/json"

	"github.com/botho-project/botho/types"
)

// Topic names. The network joins each topic under a name that embeds the
// network identifier, so mainnet and testnet peers never share a topic.
const (
	TopicBlocks       = "blocks"
	TopicConsensus    = "consensus"
	TopicTransactions = "transactions"
	TopicTopology     = "topology"
)

// NetworkID discriminates networks. A peer on another network is not
// refused at connection time; it only never shares a topic with this node.
type NetworkID string

const (
	Mainnet NetworkID = "mainnet"
	Testnet NetworkID = "testnet"
)

// Envelope is the wire wrapper shared by every topic: a type tag plus the
// raw payload, so handlers can dispatch before fully decoding.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Envelope type tags.
const (
	MsgBlock       = "block"
	MsgCompact     = "compact_block"
	MsgGetBlockTxn = "get_block_txn"
	MsgBlockTxn    = "block_txn"
	MsgConsensus   = "consensus"
	MsgTxAnnounce  = "tx_announce"
	MsgTopoAnn     = "topology_announce"
	MsgTopoSync    = "topology_sync"
)

// TxAnnounce carries a serialized transfer transaction plus its hash so
// receivers can dedup before deserializing.
type TxAnnounce struct {
	TxBytes []byte     `json:"tx_bytes"`
	TxHash  types.Hash `json:"tx_hash"`
}

// GetBlockTxn requests the transfer txs a compact-block receiver could not
// reconstruct from its mempool, by index into the short-id list.
type GetBlockTxn struct {
	BlockHash types.Hash `json:"block_hash"`
	Indices   []uint32   `json:"indices"`
}

// BlockTxn answers a GetBlockTxn with the requested transactions in
// request order.
type BlockTxn struct {
	BlockHash types.Hash        `json:"block_hash"`
	Txs       []json.RawMessage `json:"txs"`
}

// TopologyAnnounce advertises one peer's reachable address and capability
// claims; the signature covers the announce fields under the peer's
// identity key.
type TopologyAnnounce struct {
	PeerInfo     PeerInfo `json:"peer_info"`
	Capabilities []string `json:"capabilities"`
	Signature    []byte   `json:"signature"`
}

// TopologySync exchanges known-peer lists for discovery.
type TopologySync struct {
	KnownPeers []PeerInfo `json:"known_peers"`
}

func marshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}
