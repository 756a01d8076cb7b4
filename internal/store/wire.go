package store

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

// The types below follow the JSON dialect of the proposal collection
// service: addresses are checksummed hex, amounts are decimal strings.

// SafeInfo is the service's view of an account.
type SafeInfo struct {
	Address   string   `json:"address"`
	Nonce     uint64   `json:"nonce"`
	Threshold uint64   `json:"threshold"`
	Owners    []string `json:"owners"`
	Version   string   `json:"version"`
}

// ConfirmationJSON is one owner signature recorded by the service.
type ConfirmationJSON struct {
	Owner          string    `json:"owner"`
	Signature      string    `json:"signature"`
	SignatureType  string    `json:"signatureType,omitempty"`
	SubmissionDate time.Time `json:"submissionDate"`
}

// MultisigTransaction is a proposal as listed by the service.
type MultisigTransaction struct {
	Safe                  string             `json:"safe"`
	To                    string             `json:"to"`
	Value                 string             `json:"value"`
	Data                  *string            `json:"data"`
	Operation             uint8              `json:"operation"`
	SafeTxGas             string             `json:"safeTxGas"`
	BaseGas               string             `json:"baseGas"`
	GasPrice              string             `json:"gasPrice"`
	GasToken              string             `json:"gasToken"`
	RefundReceiver        string             `json:"refundReceiver"`
	Nonce                 uint64             `json:"nonce"`
	SafeTxHash            string             `json:"safeTxHash"`
	Proposer              string             `json:"proposer"`
	IsExecuted            bool               `json:"isExecuted"`
	TransactionHash       *string            `json:"transactionHash"`
	ConfirmationsRequired uint64             `json:"confirmationsRequired"`
	Confirmations         []ConfirmationJSON `json:"confirmations"`
	SubmissionDate        time.Time          `json:"submissionDate"`
}

// ProposeRequest is the body of a new proposal.
type ProposeRequest struct {
	To                      string  `json:"to"`
	Value                   string  `json:"value"`
	Data                    *string `json:"data"`
	Operation               uint8   `json:"operation"`
	SafeTxGas               string  `json:"safeTxGas"`
	BaseGas                 string  `json:"baseGas"`
	GasPrice                string  `json:"gasPrice"`
	GasToken                string  `json:"gasToken"`
	RefundReceiver          string  `json:"refundReceiver"`
	Nonce                   uint64  `json:"nonce"`
	ContractTransactionHash string  `json:"contractTransactionHash"`
	Sender                  string  `json:"sender"`
	Signature               string  `json:"signature"`
	Origin                  string  `json:"origin,omitempty"`
}

// ConfirmRequest is the body of an added confirmation.
type ConfirmRequest struct {
	Signature string `json:"signature"`
}

// Page is a paginated listing.
type Page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// NewProposeRequest encodes desc for submission.
func NewProposeRequest(desc *protocol.TransactionDescriptor, hash common.Hash, sender common.Address, sig []byte, origin string) ProposeRequest {
	fields := encodeDescriptor(desc)
	return ProposeRequest{
		To:                      fields.To,
		Value:                   fields.Value,
		Data:                    fields.Data,
		Operation:               fields.Operation,
		SafeTxGas:               fields.SafeTxGas,
		BaseGas:                 fields.BaseGas,
		GasPrice:                fields.GasPrice,
		GasToken:                fields.GasToken,
		RefundReceiver:          fields.RefundReceiver,
		Nonce:                   fields.Nonce,
		ContractTransactionHash: hash.Hex(),
		Sender:                  sender.Hex(),
		Signature:               hexutil.Encode(sig),
		Origin:                  origin,
	}
}

// Descriptor decodes the request's transaction fields.
func (r ProposeRequest) Descriptor() (*protocol.TransactionDescriptor, error) {
	return decodeDescriptor(MultisigTransaction{
		To:             r.To,
		Value:          r.Value,
		Data:           r.Data,
		Operation:      r.Operation,
		SafeTxGas:      r.SafeTxGas,
		BaseGas:        r.BaseGas,
		GasPrice:       r.GasPrice,
		GasToken:       r.GasToken,
		RefundReceiver: r.RefundReceiver,
		Nonce:          r.Nonce,
	})
}

// NewMultisigTransaction encodes a stored proposal for listing.
func NewMultisigTransaction(tx *StoredTransaction, required uint64) MultisigTransaction {
	out := encodeDescriptor(tx.Descriptor)
	out.Safe = tx.Account.Hex()
	out.SafeTxHash = tx.Hash.Hex()
	out.Proposer = tx.Proposer.Hex()
	out.IsExecuted = tx.Executed
	out.ConfirmationsRequired = required
	out.SubmissionDate = tx.SubmittedAt
	if tx.Executed && tx.TxID != (common.Hash{}) {
		id := tx.TxID.Hex()
		out.TransactionHash = &id
	}
	out.Confirmations = make([]ConfirmationJSON, 0, len(tx.Confirmations))
	for _, c := range tx.Confirmations {
		out.Confirmations = append(out.Confirmations, ConfirmationJSON{
			Owner:          c.Owner.Hex(),
			Signature:      hexutil.Encode(c.Signature),
			SignatureType:  c.Type,
			SubmissionDate: c.SubmittedAt,
		})
	}
	return out
}

// StoredTransaction decodes a listed proposal.
func (m MultisigTransaction) StoredTransaction() (*StoredTransaction, error) {
	desc, err := decodeDescriptor(m)
	if err != nil {
		return nil, err
	}
	tx := &StoredTransaction{
		Hash:        common.HexToHash(m.SafeTxHash),
		Account:     common.HexToAddress(m.Safe),
		Descriptor:  desc,
		Proposer:    common.HexToAddress(m.Proposer),
		Executed:    m.IsExecuted,
		SubmittedAt: m.SubmissionDate,
	}
	if m.TransactionHash != nil {
		tx.TxID = common.HexToHash(*m.TransactionHash)
	}
	for _, c := range m.Confirmations {
		sig, err := hexutil.Decode(c.Signature)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrValidation, "confirmation by %s: %v", c.Owner, err)
		}
		if !common.IsHexAddress(c.Owner) {
			return nil, errors.ErrValidation.Newf("confirmation owner %q", c.Owner)
		}
		tx.Confirmations = append(tx.Confirmations, Confirmation{
			Owner:       common.HexToAddress(c.Owner),
			Signature:   sig,
			Type:        c.SignatureType,
			SubmittedAt: c.SubmissionDate,
		})
	}
	return tx, nil
}

// State decodes the account view.
func (s SafeInfo) State() (protocol.AccountState, error) {
	owners, err := protocol.ParseOwners(s.Owners)
	if err != nil {
		return protocol.AccountState{}, err
	}
	return protocol.AccountState{Owners: owners, Threshold: s.Threshold, Nonce: s.Nonce, Version: s.Version}, nil
}

func encodeDescriptor(desc *protocol.TransactionDescriptor) MultisigTransaction {
	var data *string
	if len(desc.Data) > 0 {
		d := hexutil.Encode(desc.Data)
		data = &d
	}
	return MultisigTransaction{
		To:             desc.To.Hex(),
		Value:          protocol.OrZero(desc.Value).Dec(),
		Data:           data,
		Operation:      uint8(desc.Operation),
		SafeTxGas:      protocol.OrZero(desc.Gas.SafeTxGas).Dec(),
		BaseGas:        protocol.OrZero(desc.Gas.BaseGas).Dec(),
		GasPrice:       protocol.OrZero(desc.Gas.GasPrice).Dec(),
		GasToken:       desc.Gas.GasToken.Hex(),
		RefundReceiver: desc.Gas.RefundReceiver.Hex(),
		Nonce:          desc.Nonce,
	}
}

func decodeDescriptor(m MultisigTransaction) (*protocol.TransactionDescriptor, error) {
	if !common.IsHexAddress(m.To) {
		return nil, errors.ErrValidation.Newf("invalid to address %q", m.To)
	}
	desc := &protocol.TransactionDescriptor{
		To:        common.HexToAddress(m.To),
		Operation: protocol.Operation(m.Operation),
		Nonce:     m.Nonce,
		Gas: protocol.GasParams{
			GasToken:       optionalAddress(m.GasToken),
			RefundReceiver: optionalAddress(m.RefundReceiver),
		},
	}
	if !desc.Operation.Valid() {
		return nil, errors.ErrValidation.Newf("invalid operation %d", m.Operation)
	}
	var err error
	if desc.Value, err = decimal("value", m.Value); err != nil {
		return nil, err
	}
	if desc.Gas.SafeTxGas, err = decimal("safeTxGas", m.SafeTxGas); err != nil {
		return nil, err
	}
	if desc.Gas.BaseGas, err = decimal("baseGas", m.BaseGas); err != nil {
		return nil, err
	}
	if desc.Gas.GasPrice, err = decimal("gasPrice", m.GasPrice); err != nil {
		return nil, err
	}
	if m.Data != nil && *m.Data != "" {
		data, err := hexutil.Decode(*m.Data)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrValidation, "data: %v", err)
		}
		desc.Data = data
	}
	return desc, nil
}

func decimal(field, s string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrValidation, "%s %q: %v", field, s, err)
	}
	return v, nil
}

func optionalAddress(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
