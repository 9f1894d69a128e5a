package ledger

import "errors"

// DatabaseCorrupt and any InvalidBlock failure during consensus
// externalization are fatal to the node; BlockNotFound/SnapshotMismatch
// are ordinary, recoverable failures callers handle locally.
var (
	ErrBlockNotFound    = errors.New("ledger: block not found")
	ErrDatabaseCorrupt  = errors.New("ledger: database corrupt")
	ErrSnapshotMismatch = errors.New("ledger: snapshot mismatch")
)

// InvalidBlockError wraps the specific reason a candidate block failed
// application.
type InvalidBlockError struct {
	Reason string
	Err    error
}

func (e *InvalidBlockError) Error() string {
	if e.Err != nil {
		return "ledger: invalid block: " + e.Reason + ": " + e.Err.Error()
	}
	return "ledger: invalid block: " + e.Reason
}

func (e *InvalidBlockError) Unwrap() error { return e.Err }

func invalidBlock(reason string) error {
	return &InvalidBlockError{Reason: reason}
}

func invalidBlockWrap(reason string, err error) error {
	return &InvalidBlockError{Reason: reason, Err: err}
}
