package gossip

import (
	"errors"
	"fmt"
)

// Error kinds for the Net{...} family. Per-peer misbehavior is metered and
// may disconnect the peer; none of these are fatal to the node.
var (
	ErrTimeout          = errors.New("gossip: request timed out")
	ErrProtocolMismatch = errors.New("gossip: network identifier mismatch")
	ErrRateLimited      = errors.New("gossip: peer rate limited")
	ErrBadBlockTxn      = errors.New("gossip: block txn response does not reconstruct the block")
)

// PeerMisbehaviorError names what a peer did wrong; carried in logs and the
// peer store's failure counters.
type PeerMisbehaviorError struct {
	PeerID string
	Reason string
}

func (e *PeerMisbehaviorError) Error() string {
	return fmt.Sprintf("gossip: peer %s misbehaved: %s", e.PeerID, e.Reason)
}
