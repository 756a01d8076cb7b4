package protocol

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Operation is the kind of call the account performs.
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

func (o Operation) String() string {
	switch o {
	case OperationCall:
		return "call"
	case OperationDelegateCall:
		return "delegatecall"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OperationCall || o == OperationDelegateCall
}

// GasParams are the refund-related gas fields covered by the transaction hash.
// Nil amounts are treated as zero.
type GasParams struct {
	SafeTxGas      *uint256.Int   `json:"safe_tx_gas,omitempty"`
	BaseGas        *uint256.Int   `json:"base_gas,omitempty"`
	GasPrice       *uint256.Int   `json:"gas_price,omitempty"`
	GasToken       common.Address `json:"gas_token"`
	RefundReceiver common.Address `json:"refund_receiver"`
}

// DeepCopy creates a deep copy of the GasParams
func (g GasParams) DeepCopy() GasParams {
	return GasParams{
		SafeTxGas:      cloneInt(g.SafeTxGas),
		BaseGas:        cloneInt(g.BaseGas),
		GasPrice:       cloneInt(g.GasPrice),
		GasToken:       g.GasToken,
		RefundReceiver: g.RefundReceiver,
	}
}

// TransactionDescriptor describes one action of the account. It is treated as
// immutable once built; holders keep their own copies.
type TransactionDescriptor struct {
	To        common.Address `json:"to"`
	Value     *uint256.Int   `json:"value"`
	Data      hexutil.Bytes  `json:"data,omitempty"`
	Operation Operation      `json:"operation"`
	Gas       GasParams      `json:"gas"`
	Nonce     uint64         `json:"nonce"`
}

// DeepCopy creates a deep copy of the TransactionDescriptor
func (d *TransactionDescriptor) DeepCopy() *TransactionDescriptor {
	if d == nil {
		return nil
	}
	result := &TransactionDescriptor{
		To:        d.To,
		Value:     cloneInt(d.Value),
		Operation: d.Operation,
		Gas:       d.Gas.DeepCopy(),
		Nonce:     d.Nonce,
	}
	if d.Data != nil {
		result.Data = make([]byte, len(d.Data))
		copy(result.Data, d.Data)
	}
	return result
}

// Equal reports whether all fields of d and o are equal.
func (d *TransactionDescriptor) Equal(o *TransactionDescriptor) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.To == o.To &&
		intEqual(d.Value, o.Value) &&
		bytes.Equal(d.Data, o.Data) &&
		d.Operation == o.Operation &&
		intEqual(d.Gas.SafeTxGas, o.Gas.SafeTxGas) &&
		intEqual(d.Gas.BaseGas, o.Gas.BaseGas) &&
		intEqual(d.Gas.GasPrice, o.Gas.GasPrice) &&
		d.Gas.GasToken == o.Gas.GasToken &&
		d.Gas.RefundReceiver == o.Gas.RefundReceiver &&
		d.Nonce == o.Nonce
}

// OrZero returns v, or a fresh zero when v is nil.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func cloneInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}

func intEqual(a, b *uint256.Int) bool {
	return OrZero(a).Eq(OrZero(b))
}
