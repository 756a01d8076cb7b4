// Package coordinator drives proposals from creation to execution: it
// collects signatures from both schemes, decides when the threshold is met
// and submits each proposal to the ledger at most once.
package coordinator

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/safecoord/safecoord/internal/nonce"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/registry"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/store"
	"github.com/safecoord/safecoord/internal/threshold"
	"github.com/safecoord/safecoord/internal/txbuilder"
)

// Config wires a Coordinator. Session and Ledger are required.
type Config struct {
	Session protocol.Session
	Ledger  ledger.Client
	// Store may be nil; proposals are then kept locally only and sequence
	// numbers are reconciled in degraded mode.
	Store store.ProposalStore
	// Signer may be nil for processes that only relay and execute.
	Signer signature.Signer
	// Cache persists proposals; nil keeps them in memory.
	Cache    *store.ProposalCache
	Registry *registry.Repository
	// Submit bounds resubmission of executions that never reached the ledger.
	Submit network.Policy
	// Poll bounds the wait for an outcome after an uncertain broadcast.
	Poll       network.Policy
	Registerer prometheus.Registerer
	Logger     log.Logger
}

// Coordinator implements the caller-facing operations for one session.
type Coordinator struct {
	session    protocol.Session
	ledger     ledger.Client
	store      store.ProposalStore
	signer     signature.Signer
	book       *Book
	registry   *registry.Repository
	builder    *txbuilder.Builder
	collector  *signature.Collector
	evaluator  *threshold.Evaluator
	reconciler *nonce.Reconciler
	metrics    *Metrics
	submit     network.Policy
	poll       network.Policy
	logger     log.Logger
}

// New returns a coordinator bound to cfg.Session.
func New(cfg Config) (*Coordinator, error) {
	if !cfg.Session.Active() {
		return nil, errors.ErrNotConnected.New("session has no network or account")
	}
	if cfg.Ledger == nil {
		return nil, errors.ErrNotConnected.New("no ledger client configured")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Root()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New(0)
	}
	reg.InitFor(cfg.Session.Network)

	submit := cfg.Submit
	if submit.Attempts == 0 {
		submit = network.QueryPolicy
	}
	poll := cfg.Poll
	if poll.Attempts == 0 {
		poll = network.PollPolicy
	}

	return &Coordinator{
		session:    cfg.Session,
		ledger:     cfg.Ledger,
		store:      cfg.Store,
		signer:     cfg.Signer,
		book:       NewBook(cfg.Cache),
		registry:   reg,
		builder:    txbuilder.New(),
		collector:  signature.NewCollector(logger),
		evaluator:  threshold.NewEvaluator(logger),
		reconciler: nonce.NewReconciler(logger),
		metrics:    NewMetrics(cfg.Registerer),
		submit:     submit,
		poll:       poll,
		logger:     logger.With("component", "coordinator", "chain", cfg.Session.Network.ChainID),
	}, nil
}

// Session returns the snapshot the coordinator was built with.
func (c *Coordinator) Session() protocol.Session {
	return c.session
}

// Metrics exposes the coordinator's collectors.
func (c *Coordinator) Metrics() *Metrics {
	return c.metrics
}

// Close releases the proposal cache.
func (c *Coordinator) Close() error {
	return c.book.Close()
}

// Proposals lists the locally known proposals of account ordered by nonce.
func (c *Coordinator) Proposals(account common.Address) ([]*protocol.Proposal, error) {
	return c.book.List(account)
}

// NextNonce reconciles the sequence number the next proposal of the session
// account would use.
func (c *Coordinator) NextNonce(ctx context.Context) (nonce.Reconciliation, error) {
	account, err := c.loadAccount(ctx, c.session.Account)
	if err != nil {
		return nonce.Reconciliation{}, err
	}
	return c.reconcile(ctx, account), nil
}

func (c *Coordinator) reconcile(ctx context.Context, account protocol.Account) nonce.Reconciliation {
	var reader nonce.NextReader
	if c.store != nil {
		reader = c.store
	}
	rec := c.reconciler.Next(ctx, account, reader)
	if rec.Degraded {
		c.metrics.DegradedNonce.Inc()
	}
	return rec
}

// loadAccount reads the current account state from the ledger and records
// the snapshot in the registry.
func (c *Coordinator) loadAccount(ctx context.Context, addr common.Address) (protocol.Account, error) {
	state, err := c.ledger.GetAccountState(ctx, addr)
	if err != nil {
		return protocol.Account{}, errors.WithAccount(err, addr)
	}
	account, err := protocol.NewAccount(addr, state)
	if err != nil {
		return protocol.Account{}, errors.WithAccount(err, addr)
	}
	if err := c.registry.PutAccount(account); err != nil {
		c.logger.Debug("Account snapshot not cached", "account", addr, "err", err)
	}
	return account, nil
}

// requireActive checks that the account has code on the ledger.
func (c *Coordinator) requireActive(ctx context.Context, addr common.Address) error {
	code, err := c.ledger.GetCode(ctx, addr)
	if err != nil {
		return errors.WithAccount(err, addr)
	}
	if len(code) == 0 {
		return errors.WithAccount(errors.ErrAccountNotActive.New("no code at account address"), addr)
	}
	if err := c.registry.PutCode(addr, code); err != nil {
		c.logger.Debug("Account code not cached", "account", addr, "err", err)
	}
	return nil
}

// evaluate merges the proposal's local signatures with the approvals the
// ledger currently reports.
func (c *Coordinator) evaluate(ctx context.Context, p *protocol.Proposal, account protocol.Account) (threshold.Evaluation, error) {
	approved, err := signature.ReadApprovedSigners(ctx, p.Hash, account, c.ledger)
	if err != nil {
		return threshold.Evaluation{}, err
	}
	return c.evaluator.Evaluate(account, p.Hash, p.Signatures, approved), nil
}

// settle records the evaluation in a non-terminal proposal's state.
func settle(p *protocol.Proposal, ev threshold.Evaluation) {
	if p.State != protocol.StateCreated && p.State != protocol.StateThresholdMet {
		return
	}
	if ev.Sufficient {
		p.State = protocol.StateThresholdMet
	} else {
		p.State = protocol.StateCreated
	}
}

// verifyIntegrity re-derives the hash of p's descriptor for account.
func (c *Coordinator) verifyIntegrity(p *protocol.Proposal, account protocol.Account) error {
	hash, err := txbuilder.HashOf(c.session.Network, account, p.Descriptor)
	if err != nil {
		return errors.WithHash(err, p.Hash)
	}
	if hash != p.Hash {
		return errors.WithHash(errors.ErrHashIntegrity.Newf("descriptor hashes to %s", hash.Hex()), p.Hash)
	}
	return nil
}

// stateError reports why a proposal in a terminal or executing state
// cannot be changed.
func stateError(p *protocol.Proposal) error {
	switch p.State {
	case protocol.StateExecuted:
		return errors.WithHash(errors.ErrAlreadyExecuted.New("proposal already executed"), p.Hash)
	case protocol.StateExecuting:
		return errors.WithHash(errors.ErrAlreadyExecuting.New("execution in progress"), p.Hash)
	case protocol.StateFailed:
		class := protocol.FailureNone
		if p.Result != nil {
			class = p.Result.Class
		}
		return errors.WithHash(errors.ErrInvalidState.Newf("proposal failed (%s)", class), p.Hash)
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}
