package consensus

import "errors"

// Error kinds for the Consensus{...} family. A poisoned externalization
// (the orchestrator failing to apply an externalized block) is fatal at the
// node layer; these are the engine's own, recoverable failures.
var (
	ErrInvalidQuorum = errors.New("consensus: invalid quorum set")
	ErrStaleMessage  = errors.New("consensus: message for an already externalized slot")
	ErrValueRejected = errors.New("consensus: value rejected by validity predicate")
)
