// Package nonce picks the sequence number for new proposals.
package nonce

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

// NextReader reports the next sequence number the proposal store considers
// free for an account.
type NextReader interface {
	GetNextNonce(ctx context.Context, account common.Address) (uint64, error)
}

// Reconciliation is the result of combining the ledger's and the store's
// view of the sequence number.
type Reconciliation struct {
	Nonce     uint64
	OnLedger  uint64
	FromStore *uint64
	// Degraded is set when the store could not be consulted; Warning says why.
	Degraded bool
	Warning  error
}

// Reconciler never mutates state and may be called repeatedly.
type Reconciler struct {
	logger log.Logger
}

// NewReconciler returns a reconciler logging to logger (log.Root() when nil).
func NewReconciler(logger log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Root()
	}
	return &Reconciler{logger: logger.With("component", "nonce")}
}

// Next returns max(ledger nonce, store next nonce). When the store is nil or
// unreachable the ledger value is returned alone with Degraded set. A store
// that does not know the account yet is not a degradation.
func (r *Reconciler) Next(ctx context.Context, account protocol.Account, store NextReader) Reconciliation {
	rec := Reconciliation{Nonce: account.Nonce, OnLedger: account.Nonce}
	if store == nil {
		rec.Degraded = true
		rec.Warning = errors.ErrNetwork.New("no proposal store configured; using ledger sequence number")
		r.logger.Warn("Sequence number reconciled in degraded mode", "account", account.Address, "nonce", rec.Nonce, "reason", rec.Warning)
		return rec
	}

	next, err := store.GetNextNonce(ctx, account.Address)
	switch {
	case err == nil:
		rec.FromStore = &next
		if next > rec.Nonce {
			rec.Nonce = next
		}
	case errors.Is(err, errors.ErrNotFound):
		r.logger.Debug("Account unknown to proposal store", "account", account.Address)
	default:
		rec.Degraded = true
		rec.Warning = errors.WithAccount(errors.Wrap(err, "proposal store unreachable; using ledger sequence number"), account.Address)
		r.logger.Warn("Sequence number reconciled in degraded mode", "account", account.Address, "nonce", rec.Nonce, "err", err)
	}
	return rec
}
