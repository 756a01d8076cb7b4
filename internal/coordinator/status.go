package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
)

// Status is a read-only view of a proposal.
type Status struct {
	Hash     common.Hash
	State    protocol.ProposalState
	Proposal *protocol.Proposal
	Account  protocol.Account
	// Signers are the owners currently counted, in execution order. Once an
	// execution was submitted they are the owners it carried.
	Signers    []common.Address
	Have       int
	Need       uint64
	Sufficient bool
	// EstimatedGas is set when the proposal could be executed now.
	EstimatedGas uint64
	// Stale is set when the account snapshot or the approvals could not be
	// read from the ledger and older data was used.
	Stale    bool
	Warnings []error
}

// GetProposalStatus reports the state of the proposal and how many owners
// have authorized it. Ledger read failures degrade the answer to stale data
// instead of failing it.
func (c *Coordinator) GetProposalStatus(ctx context.Context, hash common.Hash) (*Status, error) {
	p, err := c.book.Get(hash)
	if errors.Is(err, errors.ErrNotFound) {
		u, ierr := c.Refresh(ctx, hash)
		if ierr != nil {
			return nil, ierr
		}
		p = u.Proposal
	} else if err != nil {
		return nil, err
	}

	st := &Status{Hash: hash, State: p.State, Proposal: p}

	account, err := c.loadAccount(ctx, p.Account)
	if err != nil {
		cached, ok := c.registry.Account(p.Account)
		if !ok {
			return nil, errors.WithHash(err, hash)
		}
		c.logger.Warn("Using cached account snapshot", "account", p.Account, "err", err)
		account = cached
		st.Stale = true
		st.Warnings = append(st.Warnings, err)
	}
	st.Account = account
	st.Need = account.Threshold

	// Approvals stay recorded on the ledger after execution, so they are
	// read in every state.
	approved, err := signature.ReadApprovedSigners(ctx, hash, account, c.ledger)
	if err != nil {
		st.Stale = true
		st.Warnings = append(st.Warnings, err)
	}

	ev := c.evaluator.Evaluate(account, hash, p.Signatures, approved)
	st.Signers = ev.Signers()
	st.Have = ev.UniqueSignerCount
	st.Sufficient = ev.Sufficient
	if err := ev.Err(); err != nil {
		st.Warnings = append(st.Warnings, errors.WithHash(err, hash))
	}
	if p.State != protocol.StateCreated && p.State != protocol.StateThresholdMet && p.Result != nil && len(p.Result.Signers) > 0 {
		st.Signers = append([]common.Address(nil), p.Result.Signers...)
		st.Have = len(st.Signers)
		st.Sufficient = uint64(st.Have) >= st.Need
	}

	if p.State == protocol.StateCreated || p.State == protocol.StateThresholdMet {
		settle(p, ev)
		st.State = p.State
		if ev.Sufficient && !st.Stale {
			gas, err := c.ledger.EstimateCost(ctx, account.Address, p.Descriptor, signature.Blob(ev.OrderedSignatures))
			if err != nil {
				st.Warnings = append(st.Warnings, errors.WithHash(err, hash))
			} else {
				st.EstimatedGas = gas
			}
		}
	}
	return st, nil
}
