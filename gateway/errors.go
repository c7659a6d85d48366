package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the conditions reported to STOMP clients
type ErrorKind string

const (
	KindMalformedDestination ErrorKind = "malformed-destination"
	KindNotFound             ErrorKind = "not-found"
	KindAlreadyInTransaction ErrorKind = "already-in-transaction"
	KindNoSuchTransaction    ErrorKind = "no-such-transaction"
	KindRangeViolation       ErrorKind = "internal-range-violation"
	KindProtocol             ErrorKind = "protocol-error"
	KindNegativeConfirm      ErrorKind = "negative-confirm"
	KindSubstrateFailure     ErrorKind = "substrate-failure"
)

var (
	ErrAlreadyInTransaction = errors.New("gateway: already in transaction")
	ErrNoSuchTransaction    = errors.New("gateway: no such transaction")
	ErrRangeViolation       = errors.New("gateway: confirmation range violation")
)

// Report is a condition surfaced to the client as an ERROR frame
type Report struct {
	Kind      ErrorKind
	Message   string // short reason, sent in the message header
	Detail    string // sent as the frame body
	ReceiptID string
	Fatal     bool
}

// TransactionError is returned by the transaction buffer
type TransactionError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s transaction '%s': %v", e.Op, e.ID, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func (e *TransactionError) kind() ErrorKind {
	if errors.Is(e.Err, ErrAlreadyInTransaction) {
		return KindAlreadyInTransaction
	}
	return KindNoSuchTransaction
}

// RangeError reports a confirmation that does not line up with the
// sequences registered on a connection.
type RangeError struct {
	Start  uint64
	End    uint64
	Last   uint64
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("gateway: confirmation range [%d, %d] invalid (last submitted %d): %s",
		e.Start, e.End, e.Last, e.Reason)
}

func (e *RangeError) Unwrap() error {
	return ErrRangeViolation
}
