// Package errs implements the record-store subsystem's closed error-kind
// taxonomy. Every operation that can fail returns an error that either is,
// or wraps, one of these kinds, so callers can branch on Kind instead of on
// error strings or sentinel identity.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories the subsystem returns.
type Kind uint8

const (
	// NotFound: unknown OID, unknown classname, missing PK on apply.
	NotFound Kind = iota + 1
	// Conflict: name already exists, lock could not be granted, class
	// representation is being changed.
	Conflict
	// Invalid: malformed record state, bad relocation chain, shard-group
	// mismatch, unknown representation id. DoesntFit is carried as an
	// Invalid whose RequiredSize is set (see SPEC_FULL.md §9).
	Invalid
	// Resource: out of memory, best-space cap reached (soft), page
	// allocation failed.
	Resource
	// Recovery: write log failed, catalog update failed.
	Recovery
	// PartialBatch: at least one row of a replication batch was skipped.
	PartialBatch
	// Interrupted: a user-triggered abort during a wait.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Invalid:
		return "Invalid"
	case Resource:
		return "Resource"
	case Recovery:
		return "Recovery"
	case PartialBatch:
		return "PartialBatch"
	case Interrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Error is the concrete type every subsystem error is, or wraps. RequiredSize
// is only meaningful when Kind == Invalid and the failure is a DoesntFit: it
// carries the buffer size the caller must retry with (spec.md §4.1, §4.5,
// §9's "DoesntFit{required_size}" note).
type Error struct {
	Kind         Kind
	Msg          string
	RequiredSize int
	Cause        error

	// Soft marks an error that is logged-and-swallowed rather than
	// propagated (spec.md §7: "best-space-cap is swallowed with a counter
	// bump and a log line").
	Soft bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.NotFound) work by comparing Kind against a
// sentinel *Error carrying only a Kind (see the New* constructors' pattern
// of returning *Error directly, and KindOf below for the inverse).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Msg: msg}
}

func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Msg: msg, Cause: cause}
}

// DoesntFit builds the Invalid-kind error the retry contract in spec.md §4.1
// and §4.5 is built on: callers type-assert/errors.As for *Error and resize
// their buffer to RequiredSize before retrying.
func DoesntFit(requiredSize int) *Error {
	return &Error{Kind: Invalid, Msg: "buffer too small", RequiredSize: requiredSize}
}

// AsSoft marks an existing error as soft (logged-and-continue) in place and
// returns it, for the call sites that build the error and immediately know
// it is the best-space-cap / resource-soft case.
func (e *Error) AsSoft() *Error {
	e.Soft = true
	return e
}

// KindOf extracts the Kind from err if it is, or wraps, an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind reports whether err is, or wraps, an *Error of the given Kind.
func IsKind(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// IgnoreOnApply is the replica engine's "ignore on apply" predicate from
// spec.md §7/§4.8: errors of these kinds are recorded into the reply
// copy-area and the batch keeps going instead of aborting.
func IgnoreOnApply(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case NotFound, Invalid, Conflict:
		return true
	default:
		return false
	}
}
