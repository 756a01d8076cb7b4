// Package ledger talks to the chain holding the multi-owner account.
package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

// Client is the read/execute contract the coordinator relies on. Read-only
// methods may be retried; Execute must not be.
type Client interface {
	// GetAccountState returns owners, threshold, nonce and version.
	GetAccountState(ctx context.Context, account common.Address) (protocol.AccountState, error)
	// GetCode returns the account's code; empty means not deployed.
	GetCode(ctx context.Context, account common.Address) ([]byte, error)
	// GetApprovedSigners returns the owners that recorded an approval of hash.
	GetApprovedSigners(ctx context.Context, account common.Address, owners []common.Address, hash common.Hash) ([]common.Address, error)
	// EstimateCost estimates the gas of executing desc with blob.
	EstimateCost(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, blob []byte) (uint64, error)
	// Execute submits desc with the ordered signature blob and waits for the
	// outcome. Failures are reported as *BroadcastError.
	Execute(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, blob []byte) (*Submission, error)
	// GetExecution returns the recorded outcome of hash, or ErrNotFound.
	GetExecution(ctx context.Context, account common.Address, hash common.Hash) (*Submission, error)
}

// Submission is an observed execution on the ledger.
type Submission struct {
	TxID        common.Hash
	Success     bool
	BlockNumber uint64
}

// Reach says how far a failed submission got.
type Reach int

const (
	// NotSent means the ledger never accepted the transaction.
	NotSent Reach = iota
	// Unknown means the transaction may have been accepted.
	Unknown
)

func (r Reach) String() string {
	if r == NotSent {
		return "not_sent"
	}
	return "unknown"
}

// BroadcastError is returned by Execute when no outcome was observed.
type BroadcastError struct {
	Reach Reach
	TxID  common.Hash
	Err   error
}

func (e *BroadcastError) Error() string {
	if e.TxID != (common.Hash{}) {
		return fmt.Sprintf("broadcast %s (tx %s): %v", e.Reach, e.TxID.Hex(), e.Err)
	}
	return fmt.Sprintf("broadcast %s: %v", e.Reach, e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// NotSentError marks err as a failure that never reached the ledger.
func NotSentError(err error) error {
	return &BroadcastError{Reach: NotSent, Err: err}
}

// UnknownOutcomeError marks err as a failure after the transaction may have
// been accepted.
func UnknownOutcomeError(txID common.Hash, err error) error {
	return &BroadcastError{Reach: Unknown, TxID: txID, Err: err}
}

// ReachOf returns the reach of a failed Execute call. Errors that are not a
// *BroadcastError are treated as Unknown.
func ReachOf(err error) Reach {
	var be *BroadcastError
	if errors.As(err, &be) {
		return be.Reach
	}
	return Unknown
}
