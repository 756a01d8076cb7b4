// Package store talks to the off-ledger proposal collection service and keeps
// a local copy of the proposals this process handles.
package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/protocol"
)

// ProposalStore shares proposals and signatures between owners. Read-only
// methods may be retried. Not-found conditions wrap errors.ErrNotFound.
type ProposalStore interface {
	GetAccountInfo(ctx context.Context, account common.Address) (protocol.AccountState, error)
	GetTransaction(ctx context.Context, hash common.Hash) (*StoredTransaction, error)
	GetNextNonce(ctx context.Context, account common.Address) (uint64, error)
	Propose(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, hash common.Hash, sender common.Address, sig []byte) error
	Confirm(ctx context.Context, hash common.Hash, sig []byte) error
}

// Confirmation is a signature payload as reported by the store. The scheme
// is not trusted; callers classify the payload themselves.
type Confirmation struct {
	Owner       common.Address
	Signature   []byte
	Type        string
	SubmittedAt time.Time
}

// StoredTransaction is a proposal as known to the store.
type StoredTransaction struct {
	Hash          common.Hash
	Account       common.Address
	Descriptor    *protocol.TransactionDescriptor
	Proposer      common.Address
	Confirmations []Confirmation
	Executed      bool
	TxID          common.Hash
	SubmittedAt   time.Time
}
