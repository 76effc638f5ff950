package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingID             = errors.New("missing id")
	ErrUnknownAccountKind    = errors.New("unknown accountable kind")
	ErrInvalidCurrency       = errors.New("invalid currency")
	ErrDuplicateValuation    = errors.New("more than one valuation on the same date")
	ErrInvalidTrade          = errors.New("invalid trade")
	ErrEntryAccountMismatch  = errors.New("entry belongs to another account")
	ErrHoldingAmountMismatch = errors.New("holding amount does not equal qty * price")
	ErrNegativeHolding       = errors.New("negative holding value")
	ErrInvalidTransition     = errors.New("invalid sync status transition")
)

// ValidationError reports a data-integrity failure on a single record.
// Records that fail validation are never persisted.
type ValidationError struct {
	Entity string
	ID     string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Entity
	if e.ID != "" {
		msg += " " + e.ID
	}
	msg += ": " + e.Err.Error()
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsIntegrityError reports whether err is a data-integrity failure.
func IsIntegrityError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
