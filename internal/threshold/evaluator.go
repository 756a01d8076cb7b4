// Package threshold merges signatures from both schemes and both sources
// and decides whether an account's threshold is met.
package threshold

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
)

// Evaluation is the outcome of merging the signatures of one proposal.
type Evaluation struct {
	// OrderedSignatures holds one signature per signer, ascending by signer.
	OrderedSignatures []protocol.Signature
	Sufficient        bool
	UniqueSignerCount int
	Threshold         uint64
	// Dropped lists signers that are not owners; they are never counted.
	Dropped []common.Address
}

// Err returns an ErrUnknownSigner error when any signer was dropped.
func (e Evaluation) Err() error {
	if len(e.Dropped) == 0 {
		return nil
	}
	return errors.ErrUnknownSigner.Newf("%d signature(s) from non-owners dropped", len(e.Dropped))
}

// Signers returns the counted signers in order.
func (e Evaluation) Signers() []common.Address {
	out := make([]common.Address, len(e.OrderedSignatures))
	for i, sig := range e.OrderedSignatures {
		out[i] = sig.Signer
	}
	return out
}

// Evaluator is stateless apart from its logger.
type Evaluator struct {
	logger log.Logger
}

// NewEvaluator returns an evaluator logging to logger (log.Root() when nil).
func NewEvaluator(logger log.Logger) *Evaluator {
	if logger == nil {
		logger = log.Root()
	}
	return &Evaluator{logger: logger.With("component", "threshold")}
}

// Evaluate merges the locally held signatures with the signers the ledger
// reports as approved. A cryptographic signature is kept over an approval
// for the same signer; every other approved signer gets a synthesized
// approval signature. Local approval entries are not a source on their own.
func (ev *Evaluator) Evaluate(account protocol.Account, hash common.Hash, local *protocol.SignatureSet, approved []common.Address) Evaluation {
	chosen := make(map[common.Address]protocol.Signature)
	var dropped []common.Address
	droppedSeen := make(map[common.Address]bool)

	drop := func(signer common.Address, scheme protocol.Scheme) {
		if droppedSeen[signer] {
			return
		}
		droppedSeen[signer] = true
		dropped = append(dropped, signer)
		ev.logger.Warn("Dropping signature from non-owner", "hash", hash, "signer", signer, "scheme", scheme)
	}

	for _, sig := range local.List() {
		if sig.Scheme != protocol.SchemeCryptographic {
			continue
		}
		if !account.IsOwner(sig.Signer) {
			drop(sig.Signer, sig.Scheme)
			continue
		}
		chosen[sig.Signer] = sig
	}
	for _, signer := range approved {
		if !account.IsOwner(signer) {
			drop(signer, protocol.SchemeApproval)
			continue
		}
		if _, ok := chosen[signer]; ok {
			continue
		}
		chosen[signer] = signature.EncodeApproval(signer)
	}

	ordered := make([]protocol.Signature, 0, len(chosen))
	for _, sig := range chosen {
		ordered = append(ordered, sig)
	}
	signature.Sort(ordered)

	return Evaluation{
		OrderedSignatures: ordered,
		UniqueSignerCount: len(ordered),
		Sufficient:        uint64(len(ordered)) >= account.Threshold && account.Threshold > 0,
		Threshold:         account.Threshold,
		Dropped:           dropped,
	}
}
