package coordinator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/threshold"
)

// ExecuteIfReady submits the proposal to the ledger when its owners have
// met the threshold.
//
// Only one attempt is ever made per hash. A concurrent caller gets an
// ErrAlreadyExecuting error and a later one an ErrAlreadyExecuted error
// together with the stored result. ctx is honoured until the proposal enters
// the executing state; from then on the attempt runs to a terminal state.
//
// A proposal whose sequence number is ahead of the ledger's is left open
// with an ErrInvalidState error. One stored as executing by an attempt that
// no longer runs is first settled against the ledger.
func (c *Coordinator) ExecuteIfReady(ctx context.Context, hash common.Hash) (*protocol.ExecutionResult, error) {
	unlock, err := c.book.Lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := c.book.Get(hash)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}
	if c.book.interrupted(p) {
		if res, settled, err := c.recoverAttempt(ctx, p); settled {
			return res, err
		}
	}
	if err := stateError(p); err != nil {
		return p.Result, err
	}

	account, err := c.loadAccount(ctx, p.Account)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}
	if account.Nonce > p.Descriptor.Nonce {
		return c.settleConsumed(ctx, p, account)
	}

	ev, err := c.evaluate(ctx, p, account)
	if err != nil {
		return nil, err
	}
	settle(p, ev)
	if err := c.book.Put(p); err != nil {
		return nil, err
	}
	if !ev.Sufficient {
		return nil, &errors.ThresholdError{Hash: hash, Have: ev.UniqueSignerCount, Need: int(ev.Threshold)}
	}
	if p.Descriptor.Nonce > account.Nonce {
		return nil, errors.WithHash(errors.ErrInvalidState.Newf("sequence number %d is not next (ledger at %d)", p.Descriptor.Nonce, account.Nonce), hash)
	}

	if err := c.verifyIntegrity(p, account); err != nil {
		return c.finish(p, &protocol.ExecutionResult{
			AttemptID:  uuid.NewString(),
			Class:      protocol.FailureIntegrity,
			Error:      err.Error(),
			FinishedAt: now(),
		}, time.Time{})
	}

	if err := c.requireActive(ctx, account.Address); err != nil {
		return nil, errors.WithHash(err, hash)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WithHash(errors.Wrap(err, "execution abandoned"), hash)
	}

	attempt := uuid.NewString()
	signers := ev.Signers()
	p.State = protocol.StateExecuting
	p.Result = &protocol.ExecutionResult{AttemptID: attempt, Signers: signers}
	if err := c.book.Put(p); err != nil {
		return nil, err
	}
	c.book.begin(hash, attempt)
	defer c.book.end(hash)
	unlock()

	started := time.Now()
	c.logger.Info("Executing proposal", "hash", hash, "nonce", p.Descriptor.Nonce, "attempt", attempt, "signers", len(ev.OrderedSignatures))

	// The attempt outlives the caller from here on.
	bg := context.WithoutCancel(ctx)
	sub, execErr := c.submitOnce(bg, p, account, ev)
	res := c.classify(bg, p, account, sub, execErr)
	res.AttemptID = attempt
	res.Signers = signers

	relock, err := c.book.Lock(bg, hash)
	if err != nil {
		return nil, err
	}
	defer relock()
	current, err := c.book.Get(hash)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}
	return c.finish(current, res, started)
}

// submitOnce sends the execution. A submission that provably never reached
// the ledger because of a transient failure is resent within the submit
// policy; anything that might have been broadcast is returned at once.
func (c *Coordinator) submitOnce(ctx context.Context, p *protocol.Proposal, account protocol.Account, ev threshold.Evaluation) (*ledger.Submission, error) {
	blob := signature.Blob(ev.OrderedSignatures)
	var (
		sub  *ledger.Submission
		last error
	)
	err := network.Retry(ctx, c.submit, func() error {
		sub, last = c.ledger.Execute(ctx, account.Address, p.Descriptor, blob)
		if last != nil && ledger.ReachOf(last) == ledger.NotSent && errors.IsRetryable(last) {
			c.logger.Debug("Execution not sent, retrying", "hash", p.Hash, "err", last)
			return last
		}
		return nil
	})
	if last == nil && err != nil {
		last = err
	}
	return sub, last
}

// classify turns a submission outcome into a result. The ledger is asked
// for an existing execution of the hash before any failure is recorded, so
// an execution by another process converges to success.
func (c *Coordinator) classify(ctx context.Context, p *protocol.Proposal, account protocol.Account, sub *ledger.Submission, execErr error) *protocol.ExecutionResult {
	res := &protocol.ExecutionResult{FinishedAt: now()}
	if execErr == nil {
		res.TxID = sub.TxID
		res.Success = sub.Success
		if sub.Success {
			return res
		}
		if prior, err := c.ledger.GetExecution(ctx, account.Address, p.Hash); err == nil && prior.Success {
			return observed(res, prior)
		}
		res.Class = protocol.FailureReverted
		res.Error = "execution reverted by the account"
		return res
	}

	var be *ledger.BroadcastError
	if errors.As(execErr, &be) {
		res.TxID = be.TxID
	}
	res.Error = execErr.Error()

	if ledger.ReachOf(execErr) == ledger.NotSent {
		if prior, err := c.ledger.GetExecution(ctx, account.Address, p.Hash); err == nil {
			return observed(res, prior)
		}
		res.Class = protocol.FailureRejected
		return res
	}

	var prior *ledger.Submission
	found, err := network.Poll(ctx, c.poll, func() (bool, error) {
		s, err := c.ledger.GetExecution(ctx, account.Address, p.Hash)
		if errors.Is(err, errors.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		prior = s
		return true, nil
	})
	if found {
		return observed(res, prior)
	}
	if err != nil {
		c.logger.Warn("Outcome lookup failed", "hash", p.Hash, "err", err)
	}
	res.Class = protocol.FailureOutcomeUnknown
	return res
}

// observed fills res from an execution found on the ledger.
func observed(res *protocol.ExecutionResult, s *ledger.Submission) *protocol.ExecutionResult {
	res.AlreadyExecuted = res.TxID != s.TxID
	res.TxID = s.TxID
	res.Success = s.Success
	res.Error = ""
	res.Class = protocol.FailureNone
	if !s.Success {
		res.Class = protocol.FailureReverted
		res.Error = "execution reverted by the account"
	}
	return res
}

// settleConsumed handles a proposal whose nonce the ledger already used.
func (c *Coordinator) settleConsumed(ctx context.Context, p *protocol.Proposal, account protocol.Account) (*protocol.ExecutionResult, error) {
	res := &protocol.ExecutionResult{AttemptID: uuid.NewString(), FinishedAt: now()}
	prior, err := c.ledger.GetExecution(ctx, account.Address, p.Hash)
	switch {
	case err == nil:
		observed(res, prior)
		res.AlreadyExecuted = true
	case errors.Is(err, errors.ErrNotFound):
		res.Class = protocol.FailureRejected
		res.Error = errors.ErrInvalidState.Newf("sequence number %d consumed by another transaction (ledger at %d)", p.Descriptor.Nonce, account.Nonce).Error()
	default:
		return nil, errors.WithHash(err, p.Hash)
	}
	return c.finish(p, res, time.Time{})
}

// recoverAttempt settles a proposal stored as executing by an attempt that
// is no longer running, such as one cut short by a restart. The ledger
// decides: a recorded execution or a consumed nonce makes p terminal. When
// neither happened p is reopened and settled is false, so the caller may
// execute it again.
func (c *Coordinator) recoverAttempt(ctx context.Context, p *protocol.Proposal) (res *protocol.ExecutionResult, settled bool, err error) {
	account, err := c.loadAccount(ctx, p.Account)
	if err != nil {
		return nil, true, errors.WithHash(err, p.Hash)
	}
	res = &protocol.ExecutionResult{FinishedAt: now()}
	if p.Result != nil {
		res.AttemptID = p.Result.AttemptID
		res.Signers = p.Result.Signers
	}

	prior, err := c.ledger.GetExecution(ctx, account.Address, p.Hash)
	switch {
	case err == nil:
		c.logger.Warn("Settling interrupted execution from the ledger", "hash", p.Hash, "attempt", res.AttemptID)
		res, err = c.finish(p, observed(res, prior), time.Time{})
		return res, true, err
	case !errors.Is(err, errors.ErrNotFound):
		return nil, true, errors.WithHash(err, p.Hash)
	case account.Nonce > p.Descriptor.Nonce:
		res, err = c.settleConsumed(ctx, p, account)
		return res, true, err
	}

	c.logger.Warn("Interrupted execution never reached the ledger, reopening", "hash", p.Hash, "attempt", res.AttemptID)
	p.State = protocol.StateCreated
	p.Result = nil
	if err := c.book.Put(p); err != nil {
		return nil, true, err
	}
	return nil, false, nil
}

// finish stores a terminal result on p. It returns nil only for successful
// executions, including ones performed by someone else.
func (c *Coordinator) finish(p *protocol.Proposal, res *protocol.ExecutionResult, started time.Time) (*protocol.ExecutionResult, error) {
	p.Result = res
	if res.Success {
		p.State = protocol.StateExecuted
	} else {
		p.State = protocol.StateFailed
	}
	if err := c.book.Put(p); err != nil {
		return res, err
	}

	c.metrics.Executions.WithLabelValues(outcome(res)).Inc()
	if !started.IsZero() {
		c.metrics.ExecutionSeconds.Observe(time.Since(started).Seconds())
	}

	if res.Success {
		c.logger.Info("Proposal executed", "hash", p.Hash, "tx", res.TxID, "already", res.AlreadyExecuted)
		return res, nil
	}
	c.logger.Error("Proposal execution failed", "hash", p.Hash, "tx", res.TxID, "class", res.Class, "err", res.Error)
	if res.Class == protocol.FailureIntegrity {
		return res, errors.WithHash(errors.ErrHashIntegrity.New(res.Error), p.Hash)
	}
	return res, errors.WithHash(errors.ErrExecutionFailed.Newf("%s: %s", res.Class, res.Error), p.Hash)
}
