package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var (
	// ErrValidation is returned for malformed input and for threshold or
	// owner invariant violations. Never retried.
	ErrValidation = Register(2, "validation failed")

	// ErrNotConnected is returned when no session is bound to the account.
	ErrNotConnected = Register(3, "not connected")

	// ErrAccountNotActive is returned when the account has no code on the ledger.
	ErrAccountNotActive = Register(4, "account not active")

	// ErrSigningRejected is returned when a signing capability declines.
	ErrSigningRejected = Register(5, "signing rejected")

	// ErrSigningUnavailable is returned when no signing capability is bound.
	ErrSigningUnavailable = Register(6, "signing unavailable")

	// ErrInsufficientSignatures is returned when fewer unique owners than the
	// threshold have authorized a proposal.
	ErrInsufficientSignatures = Register(7, "insufficient signatures")

	// ErrHashIntegrity is returned when a proposal's descriptor no longer
	// hashes to the proposal's hash. Fatal for that proposal.
	ErrHashIntegrity = Register(8, "hash integrity violated")

	// ErrUnknownSigner is returned for signatures by addresses outside the
	// account's owner set.
	ErrUnknownSigner = Register(9, "unknown signer")

	// ErrNetwork is returned when a collaborator could not be reached.
	ErrNetwork = Register(10, "network error")

	// ErrAlreadyExecuted is informative: the proposal has been executed.
	ErrAlreadyExecuted = Register(11, "already executed")

	// ErrAlreadyExecuting is informative: another caller holds the execution.
	ErrAlreadyExecuting = Register(12, "already executing")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = Register(13, "not found")

	// ErrInvalidState is returned when an operation is not allowed in the
	// proposal's current state.
	ErrInvalidState = Register(14, "invalid state")

	// ErrExecutionFailed is returned when the ledger rejected or reverted an
	// execution.
	ErrExecutionFailed = Register(15, "execution failed")

	// ErrPanic is only set when we recover from a panic.
	ErrPanic = Register(111222, "panic")
)

// ErrNotThresholdMet is the name the execution path uses for
// ErrInsufficientSignatures.
var ErrNotThresholdMet = ErrInsufficientSignatures

// Register returns an error instance that should be used as the base for
// creating error instances during runtime.
//
// No two root errors may share a code. Attempt to reuse an error code
// results in panic, so call this only during program startup.
func Register(code uint32, description string) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.desc))
	}
	err := &Error{
		code: code,
		desc: description,
	}
	usedCodes[err.code] = err
	return err
}

// usedCodes is keeping track of used codes to ensure their uniqueness.
var usedCodes = map[uint32]*Error{
	1: nil, // reserved for errors that carry no code
}

// Error represents a root error. Each error created at runtime should wrap
// one of the declared root errors so callers can categorize it.
type Error struct {
	code uint32
	desc string
}

func (e *Error) Error() string {
	return e.desc
}

// Code returns the registered numeric code.
func (e *Error) Code() uint32 {
	return e.code
}

// New returns a new error with this root cause. Below two lines are equal
//
//	e.New("my description")
//	Wrap(e, "my description")
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is New with formatting capabilities.
func (e *Error) Newf(description string, args ...interface{}) error {
	return e.New(fmt.Sprintf(description, args...))
}

// Wrap extends given error with additional information.
//
// If err is nil, this returns nil, avoiding the need for an if statement when
// wrapping an error returned at the end of a function.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}

	// Attach a stack trace once, at the innermost wrap.
	if !hasStack(err) {
		err = errors.WithStack(err)
	}

	return &wrappedError{
		parent: err,
		msg:    description,
	}
}

// Wrapf extends given error with formatted additional information.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WithHash wraps err with the proposal hash so failures can be correlated.
func WithHash(err error, hash common.Hash) error {
	return Wrapf(err, "hash=%s", hash.Hex())
}

// WithAccount wraps err with the account address.
func WithAccount(err error, account common.Address) error {
	return Wrapf(err, "account=%s", account.Hex())
}

type wrappedError struct {
	msg    string
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

func (e *wrappedError) Unwrap() error {
	return e.parent
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Code returns the code of the root error wrapped by err, or 1 when err does
// not wrap a registered error.
func Code(err error) uint32 {
	var root *Error
	if stderrors.As(err, &root) {
		return root.code
	}
	return 1
}

// IsRetryable reports whether err is a transient collaborator failure that
// is safe to retry for read-only operations.
func IsRetryable(err error) bool {
	return Is(err, ErrNetwork)
}

// IsInformational reports whether err only informs the caller that the
// proposal is already handled elsewhere.
func IsInformational(err error) bool {
	return Is(err, ErrAlreadyExecuted) || Is(err, ErrAlreadyExecuting)
}

// Recover captures a panic and stops its propagation, transforming it into
// an ErrPanic instance assigned to err. Call it using defer.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = Wrapf(ErrPanic, "%v", r)
	}
}

func hasStack(err error) bool {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	var st stackTracer
	return stderrors.As(err, &st)
}
