// Package apperr defines the error taxonomy shared by the settlement core.
//
// Every failure the core reports to a caller is an *Error carrying a Kind
// (how the caller should react) and a Code (what went wrong). Sentinels are
// matched with errors.Is, which compares codes, so a formatted error such as
// New(ErrNotOwner, "listing %s", id) still satisfies errors.Is(err, ErrNotOwner).
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the reaction expected from the caller.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindValidation: bad input shape or range. Caller's fault, no retry.
	KindValidation
	// KindConflict: stale state. Refetch and possibly retry.
	KindConflict
	// KindInsufficientBalance: terminal for the attempted amount.
	KindInsufficientBalance
	// KindExternal: a collaborator failed or timed out.
	KindExternal
	// KindNotFound: the referenced entity does not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindExternal:
		return "external"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the concrete error type of the core.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels. Use New or Wrap to attach context; never mutate these.
var (
	ErrInvalidEntry        = &Error{Kind: KindValidation, Code: "invalid_entry"}
	ErrInvalidRate         = &Error{Kind: KindValidation, Code: "invalid_rate"}
	ErrInvalidAmount       = &Error{Kind: KindValidation, Code: "invalid_amount"}
	ErrInvalidAddress      = &Error{Kind: KindValidation, Code: "invalid_address"}
	ErrInvalidArgument     = &Error{Kind: KindValidation, Code: "invalid_argument"}
	ErrBelowMinimum        = &Error{Kind: KindValidation, Code: "below_minimum"}
	ErrAboveMaximum        = &Error{Kind: KindValidation, Code: "above_maximum"}
	ErrUnsupported         = &Error{Kind: KindValidation, Code: "unsupported"}
	ErrNotOwner            = &Error{Kind: KindValidation, Code: "not_owner"}
	ErrAlreadyListed       = &Error{Kind: KindConflict, Code: "already_listed"}
	ErrNFTEscrowed         = &Error{Kind: KindConflict, Code: "nft_escrowed"}
	ErrListingNotActive    = &Error{Kind: KindConflict, Code: "listing_not_active"}
	ErrOfferNotPending     = &Error{Kind: KindConflict, Code: "offer_not_pending"}
	ErrOfferExpired        = &Error{Kind: KindConflict, Code: "offer_expired"}
	ErrAlreadyFinalized    = &Error{Kind: KindConflict, Code: "already_finalized"}
	ErrInvalidTransition   = &Error{Kind: KindConflict, Code: "invalid_transition"}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Code: "insufficient_balance"}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: "not_found"}
	ErrExternal            = &Error{Kind: KindExternal, Code: "external_failure"}
)

// New returns a copy of base with a formatted message.
func New(base *Error, format string, args ...any) error {
	return &Error{Kind: base.Kind, Code: base.Code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a copy of base that wraps cause.
func Wrap(base *Error, cause error, format string, args ...any) error {
	return &Error{Kind: base.Kind, Code: base.Code, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the Code of the first *Error in err's chain, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
