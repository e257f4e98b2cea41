package escrow

import (
	"errors"

	"floorescrow/internal/oracle"
)

// Kind groups errors by how a caller should react to them.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindState marks precondition violations. Retrying without a different
	// caller action will fail the same way.
	KindState
	// KindResource marks funding or arithmetic failures.
	KindResource
	// KindExternal marks transient failures of collaborators. Safe to retry.
	KindExternal
	// KindValidation marks malformed requests.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	case KindExternal:
		return "external"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func newError(kind Kind, msg string) error { return &kindError{kind: kind, msg: msg} }

var (
	ErrAlreadySettled  = newError(KindState, "escrow: already settled")
	ErrNotInitialized  = newError(KindState, "escrow: not initialized")
	ErrAlreadyAccepted = newError(KindState, "escrow: already accepted")
	ErrNoCounterparty  = newError(KindState, "escrow: no counterparty")
	ErrExpired         = newError(KindState, "escrow: expired")
	ErrNotExpiredYet   = newError(KindState, "escrow: not expired yet")
	ErrDuplicateEscrow = newError(KindState, "escrow: live escrow already exists for key")
	ErrSelfAccept      = newError(KindState, "escrow: creator cannot accept own escrow")

	ErrInsufficientFunds = newError(KindResource, "escrow: insufficient funds")
	ErrOverflow          = newError(KindResource, "escrow: amount overflow")

	ErrInvalidArgument = newError(KindValidation, "escrow: invalid argument")
	ErrUnknownAsset    = newError(KindValidation, "escrow: unknown asset")

	ErrRecordBusy = newError(KindExternal, "escrow: record busy")

	// ErrOracleUnavailable is the oracle client's sentinel so that errors
	// raised inside oracle implementations match without translation.
	ErrOracleUnavailable = oracle.ErrUnavailable

	errNilState = errors.New("escrow engine: state not configured")
)

// KindOf classifies err. Wrapped errors are unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, ErrOracleUnavailable) {
		return KindExternal
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsRetryable reports whether the same call may succeed later unchanged.
func IsRetryable(err error) bool {
	return KindOf(err) == KindExternal
}
