package protocol

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ProposalState is the lifecycle state of a proposal.
type ProposalState string

const (
	StateCreated      ProposalState = "created"
	StateThresholdMet ProposalState = "threshold_met"
	StateExecuting    ProposalState = "executing"
	StateExecuted     ProposalState = "executed"
	StateFailed       ProposalState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ProposalState) Terminal() bool {
	return s == StateExecuted || s == StateFailed
}

// FailureClass explains why an execution ended in StateFailed.
type FailureClass string

const (
	FailureNone FailureClass = ""
	// FailureRejected: the action never reached the ledger.
	FailureRejected FailureClass = "rejected"
	// FailureReverted: the action was mined and reverted.
	FailureReverted FailureClass = "reverted"
	// FailureOutcomeUnknown: broadcast, but not observed within the polling budget.
	FailureOutcomeUnknown FailureClass = "outcome_unknown"
	// FailureIntegrity: the descriptor no longer matches the proposal hash.
	FailureIntegrity FailureClass = "integrity"
)

// ExecutionResult records the outcome of the single execution attempt.
type ExecutionResult struct {
	AttemptID       string       `json:"attempt_id"`
	TxID            common.Hash  `json:"tx_id,omitempty"`
	Success         bool         `json:"success"`
	AlreadyExecuted bool         `json:"already_executed,omitempty"`
	Class           FailureClass `json:"class,omitempty"`
	Error           string       `json:"error,omitempty"`
	FinishedAt      time.Time    `json:"finished_at"`
	// Signers are the owners whose authorizations were submitted, in blob
	// order. Empty when no submission from this coordinator is known.
	Signers []common.Address `json:"signers,omitempty"`
}

// Proposal tracks a descriptor, its hash and the signatures collected for it.
type Proposal struct {
	Hash       common.Hash            `json:"hash"`
	Account    common.Address         `json:"account"`
	Descriptor *TransactionDescriptor `json:"descriptor"`
	Signatures *SignatureSet          `json:"signatures"`
	State      ProposalState          `json:"state"`
	Result     *ExecutionResult       `json:"result,omitempty"`
	Proposer   common.Address         `json:"proposer,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewProposal creates a proposal in StateCreated holding a copy of desc.
func NewProposal(account common.Address, hash common.Hash, desc *TransactionDescriptor) *Proposal {
	return &Proposal{
		Hash:       hash,
		Account:    account,
		Descriptor: desc.DeepCopy(),
		Signatures: NewSignatureSet(),
		State:      StateCreated,
		CreatedAt:  time.Now().UTC(),
	}
}

// DeepCopy creates a deep copy of the Proposal
func (p *Proposal) DeepCopy() *Proposal {
	if p == nil {
		return nil
	}
	result := &Proposal{
		Hash:       p.Hash,
		Account:    p.Account,
		Descriptor: p.Descriptor.DeepCopy(),
		Signatures: p.Signatures.DeepCopy(),
		State:      p.State,
		Proposer:   p.Proposer,
		CreatedAt:  p.CreatedAt,
	}
	if result.Signatures == nil {
		result.Signatures = NewSignatureSet()
	}
	if p.Result != nil {
		r := *p.Result
		r.Signers = append([]common.Address(nil), p.Result.Signers...)
		result.Result = &r
	}
	return result
}
