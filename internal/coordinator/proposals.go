package coordinator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/nonce"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/store"
	"github.com/safecoord/safecoord/internal/txbuilder"
	"golang.org/x/sync/errgroup"
)

// Signature sources, as used in metric labels.
const (
	sourceLocal  = "local"
	sourceStore  = "store"
	sourceManual = "manual"
)

// Update is the result of an operation that changed a proposal locally.
// Warnings hold failures of secondary steps, such as sharing the proposal
// with the store, that did not undo the local change.
type Update struct {
	Proposal *protocol.Proposal
	Nonce    *nonce.Reconciliation
	Warnings []error
}

func (u *Update) warn(err error) {
	if err != nil {
		u.Warnings = append(u.Warnings, err)
	}
}

// ProposeNewTransaction builds a descriptor for the session account, signs
// it when a signer is bound and shares it with the store. Proposing the
// same descriptor twice returns the existing proposal.
func (c *Coordinator) ProposeNewTransaction(ctx context.Context, req txbuilder.Request) (*Update, error) {
	account, err := c.loadAccount(ctx, c.session.Account)
	if err != nil {
		return nil, err
	}

	u := &Update{}
	if req.Nonce == nil {
		rec := c.reconcile(ctx, account)
		u.Nonce = &rec
		u.warn(rec.Warning)
		n := rec.Nonce
		req.Nonce = &n
	}

	desc, err := c.builder.Build(c.session, account, req)
	if err != nil {
		return nil, err
	}
	hash, err := txbuilder.HashOf(c.session.Network, account, desc)
	if err != nil {
		return nil, err
	}

	unlock, err := c.book.Lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing, err := c.book.Get(hash); err == nil {
		c.logger.Debug("Proposal already known", "hash", hash)
		u.Proposal = existing
		return u, nil
	}

	p := protocol.NewProposal(account.Address, hash, desc)
	var sig *protocol.Signature
	if c.signer != nil {
		if !account.IsOwner(c.signer.Address()) {
			return nil, errors.WithAccount(errors.ErrUnknownSigner.Newf("signer %s is not an owner", c.signer.Address().Hex()), account.Address)
		}
		s, err := c.collector.Sign(ctx, hash, c.signer)
		if err != nil {
			return nil, err
		}
		p.Signatures.Add(s)
		p.Proposer = s.Signer
		sig = &s
	}
	if err := c.book.Put(p); err != nil {
		return nil, err
	}
	c.metrics.ProposalsCreated.Inc()
	c.logger.Info("Proposal created", "hash", hash, "account", account.Address, "nonce", desc.Nonce, "to", desc.To)

	if sig != nil {
		c.metrics.signatureAdded(sig.Scheme, sourceLocal)
		if c.store != nil {
			u.warn(c.store.Propose(ctx, account.Address, desc, hash, sig.Signer, sig.Payload))
		}
	}
	u.Proposal = p.DeepCopy()
	return u, nil
}

// AddMySignature signs the proposal with the bound signer. A proposal only
// known to the store is imported first. Signing twice is a no-op.
func (c *Coordinator) AddMySignature(ctx context.Context, hash common.Hash) (*Update, error) {
	if c.signer == nil {
		return nil, errors.WithHash(errors.ErrSigningUnavailable.New("no signing capability bound"), hash)
	}
	unlock, err := c.book.Lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := c.getOrImport(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := stateError(p); err != nil {
		return &Update{Proposal: p}, err
	}
	account, err := c.loadAccount(ctx, p.Account)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}
	me := c.signer.Address()
	if !account.IsOwner(me) {
		return nil, errors.WithHash(errors.ErrUnknownSigner.Newf("signer %s is not an owner", me.Hex()), hash)
	}

	u := &Update{}
	if existing, ok := p.Signatures.Get(me); ok && existing.Scheme == protocol.SchemeCryptographic {
		u.Proposal = p
		return u, nil
	}

	sig, err := c.collector.Sign(ctx, hash, c.signer)
	if err != nil {
		return nil, err
	}
	c.addSignature(ctx, u, p, account, sig, sourceLocal)
	return u, nil
}

// AddSignature records a signature another owner produced out of band.
// Approval payloads are rejected: approvals are read from the ledger.
func (c *Coordinator) AddSignature(ctx context.Context, hash common.Hash, payload []byte) (*Update, error) {
	unlock, err := c.book.Lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := c.getOrImport(ctx, hash)
	if err != nil {
		return nil, err
	}
	if err := stateError(p); err != nil {
		return &Update{Proposal: p}, err
	}
	if _, ok := signature.DecodeApproval(payload); ok {
		return nil, errors.WithHash(errors.ErrValidation.New("approvals are recorded on the ledger, not added as signatures"), hash)
	}
	signer, err := signature.Recover(hash, payload)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}
	account, err := c.loadAccount(ctx, p.Account)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}
	if !account.IsOwner(signer) {
		c.metrics.SignaturesDropped.Inc()
		return nil, errors.WithHash(errors.ErrUnknownSigner.Newf("signature by non-owner %s", signer.Hex()), hash)
	}

	u := &Update{}
	c.addSignature(ctx, u, p, account, protocol.Signature{
		Signer:  signer,
		Scheme:  protocol.SchemeCryptographic,
		Payload: append([]byte(nil), payload...),
	}, sourceManual)
	return u, nil
}

// addSignature stores sig on p, re-evaluates the threshold and shares the
// signature with the store. The caller holds the proposal lock.
func (c *Coordinator) addSignature(ctx context.Context, u *Update, p *protocol.Proposal, account protocol.Account, sig protocol.Signature, source string) {
	if p.Signatures.Add(sig) {
		c.metrics.signatureAdded(sig.Scheme, source)
		c.logger.Info("Signature added", "hash", p.Hash, "signer", sig.Signer, "scheme", sig.Scheme, "source", source)
	}
	if ev, err := c.evaluate(ctx, p, account); err != nil {
		u.warn(err)
	} else {
		settle(p, ev)
	}
	if err := c.book.Put(p); err != nil {
		u.warn(err)
	}
	u.Proposal = p.DeepCopy()

	if c.store == nil {
		return
	}
	err := c.store.Confirm(ctx, p.Hash, sig.Payload)
	if errors.Is(err, errors.ErrNotFound) {
		err = c.store.Propose(ctx, p.Account, p.Descriptor, p.Hash, sig.Signer, sig.Payload)
	}
	u.warn(err)
}

// Refresh merges the signatures the store knows for hash and re-evaluates
// the threshold against the ledger's approvals. A proposal not known
// locally is imported from the store, and one left executing by an
// interrupted attempt is settled against the ledger.
func (c *Coordinator) Refresh(ctx context.Context, hash common.Hash) (*Update, error) {
	unlock, err := c.book.Lock(ctx, hash)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := c.book.Get(hash)
	if errors.Is(err, errors.ErrNotFound) {
		return c.importProposal(ctx, hash)
	}
	if err != nil {
		return nil, err
	}
	if c.book.interrupted(p) {
		_, settled, err := c.recoverAttempt(ctx, p)
		if settled {
			u := &Update{Proposal: p.DeepCopy()}
			if !p.State.Terminal() {
				u.warn(err)
			}
			return u, nil
		}
	}
	if p.State.Terminal() {
		return &Update{Proposal: p}, nil
	}

	account, err := c.loadAccount(ctx, p.Account)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}

	var (
		stored   *store.StoredTransaction
		approved []common.Address
		storeErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	if c.store != nil {
		g.Go(func() error {
			stored, storeErr = c.store.GetTransaction(gctx, hash)
			return nil
		})
	}
	g.Go(func() error {
		var err error
		approved, err = signature.ReadApprovedSigners(gctx, hash, account, c.ledger)
		return err
	})
	ledgerErr := g.Wait()

	u := &Update{}
	switch {
	case storeErr == nil && stored != nil:
		c.mergeConfirmations(p, account, stored)
	case errors.Is(storeErr, errors.ErrNotFound):
		c.logger.Debug("Proposal not yet shared with store", "hash", hash)
	default:
		u.warn(storeErr)
	}

	if ledgerErr != nil {
		u.warn(ledgerErr)
	} else {
		settle(p, c.evaluator.Evaluate(account, hash, p.Signatures, approved))
	}
	if err := c.book.Put(p); err != nil {
		return nil, err
	}
	u.Proposal = p.DeepCopy()
	return u, nil
}

// mergeConfirmations adds the store's cryptographic signatures to p. The
// store is not trusted: each payload is recovered and must match both the
// claimed owner and the owner set.
func (c *Coordinator) mergeConfirmations(p *protocol.Proposal, account protocol.Account, stored *store.StoredTransaction) {
	for _, conf := range stored.Confirmations {
		sig, err := signature.Parse(p.Hash, conf.Signature)
		if err != nil {
			c.metrics.SignaturesDropped.Inc()
			c.logger.Warn("Dropping unparsable confirmation", "hash", p.Hash, "owner", conf.Owner, "err", err)
			continue
		}
		if sig.Scheme == protocol.SchemeApproval {
			continue
		}
		if sig.Signer != conf.Owner || !account.IsOwner(sig.Signer) {
			c.metrics.SignaturesDropped.Inc()
			c.logger.Warn("Dropping confirmation", "hash", p.Hash, "claimed", conf.Owner, "recovered", sig.Signer)
			continue
		}
		if p.Signatures.Add(sig) {
			c.metrics.signatureAdded(sig.Scheme, sourceStore)
		}
	}
	if p.Proposer == (common.Address{}) {
		p.Proposer = stored.Proposer
	}
}

// getOrImport returns the local proposal for hash, importing it from the
// store when it is not known yet. The caller holds the proposal lock.
func (c *Coordinator) getOrImport(ctx context.Context, hash common.Hash) (*protocol.Proposal, error) {
	p, err := c.book.Get(hash)
	if !errors.Is(err, errors.ErrNotFound) {
		return p, err
	}
	u, err := c.importProposal(ctx, hash)
	if err != nil {
		return nil, err
	}
	return u.Proposal, nil
}

// importProposal copies a proposal from the store after checking that its
// descriptor hashes to hash for the current account.
func (c *Coordinator) importProposal(ctx context.Context, hash common.Hash) (*Update, error) {
	if c.store == nil {
		return nil, errors.WithHash(errors.ErrNotFound.New("proposal unknown and no store configured"), hash)
	}
	stored, err := c.store.GetTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	account, err := c.loadAccount(ctx, stored.Account)
	if err != nil {
		return nil, errors.WithHash(err, hash)
	}

	p := protocol.NewProposal(account.Address, hash, stored.Descriptor)
	if err := c.verifyIntegrity(p, account); err != nil {
		c.logger.Error("Store returned a descriptor that does not match its hash", "hash", hash, "err", err)
		return nil, err
	}
	if !stored.SubmittedAt.IsZero() {
		p.CreatedAt = stored.SubmittedAt
	}
	c.mergeConfirmations(p, account, stored)

	u := &Update{}
	if ev, err := c.evaluate(ctx, p, account); err != nil {
		u.warn(err)
	} else {
		settle(p, ev)
	}
	if err := c.book.Put(p); err != nil {
		return nil, err
	}
	c.logger.Info("Proposal imported from store", "hash", hash, "signatures", p.Signatures.Len())
	u.Proposal = p.DeepCopy()
	return u, nil
}
