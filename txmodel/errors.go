package txmodel

import "errors"

// TxValidationError carries the typed kind of a validation failure. Every
// failure in the pipeline returns one of these; the transaction is
// rejected without partial application.
type TxValidationError struct {
	Kind ValidationKind
	Err  error
}

func (e *TxValidationError) Error() string {
	return "txmodel: " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *TxValidationError) Unwrap() error { return e.Err }

// ValidationKind names which validation-pipeline stage rejected a
// transaction.
type ValidationKind int

const (
	KindStructural ValidationKind = iota
	KindTokenMismatch
	KindInsufficientFee
	KindUnbalancedCommitments
	KindRangeProofRejected
	KindRingTooSmall
	KindRingSigInvalid
	KindTagSigInvalid
	KindDoubleSpend
	KindStaleTombstone
)

func (k ValidationKind) String() string {
	switch k {
	case KindStructural:
		return "structural"
	case KindTokenMismatch:
		return "token_mismatch"
	case KindInsufficientFee:
		return "insufficient_fee"
	case KindUnbalancedCommitments:
		return "unbalanced_commitments"
	case KindRangeProofRejected:
		return "range_proof_rejected"
	case KindRingTooSmall:
		return "ring_too_small"
	case KindRingSigInvalid:
		return "ring_sig_invalid"
	case KindTagSigInvalid:
		return "tag_sig_invalid"
	case KindDoubleSpend:
		return "double_spend"
	case KindStaleTombstone:
		return "stale_tombstone"
	default:
		return "unknown"
	}
}

func validationErr(kind ValidationKind, msg string) error {
	return &TxValidationError{Kind: kind, Err: errors.New(msg)}
}

func wrapValidationErr(kind ValidationKind, err error) error {
	return &TxValidationError{Kind: kind, Err: err}
}
