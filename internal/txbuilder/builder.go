package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

// Request is the caller's description of an action before validation.
type Request struct {
	To        string
	Value     *big.Int
	Data      []byte
	Operation protocol.Operation
	// Nonce must be set; callers without one reconcile it first.
	Nonce *uint64
	Gas   *protocol.GasParams
}

// Builder constructs transaction descriptors. It holds no state.
type Builder struct{}

// New returns a Builder.
func New() *Builder {
	return &Builder{}
}

// Build validates req against the session and account and returns a new
// descriptor. It has no side effects.
func (b *Builder) Build(session protocol.Session, account protocol.Account, req Request) (*protocol.TransactionDescriptor, error) {
	if !session.Active() || session.Account != account.Address {
		return nil, errors.ErrValidation.Newf("account %s is not associated with an active session", account.Address.Hex())
	}
	if !common.IsHexAddress(req.To) {
		return nil, errors.ErrValidation.Newf("malformed destination %q", req.To)
	}

	value := new(uint256.Int)
	if req.Value != nil {
		if req.Value.Sign() < 0 {
			return nil, errors.ErrValidation.Newf("negative value %s", req.Value)
		}
		var overflow bool
		value, overflow = uint256.FromBig(req.Value)
		if overflow {
			return nil, errors.ErrValidation.Newf("value %s exceeds 256 bits", req.Value)
		}
	}

	if !req.Operation.Valid() {
		return nil, errors.ErrValidation.Newf("unknown operation %d", uint8(req.Operation))
	}
	if req.Nonce == nil {
		return nil, errors.ErrValidation.New("sequence number not set; reconcile it first")
	}
	if *req.Nonce < account.Nonce {
		return nil, errors.ErrValidation.Newf("sequence number %d already consumed (ledger at %d)", *req.Nonce, account.Nonce)
	}

	desc := &protocol.TransactionDescriptor{
		To:        common.HexToAddress(req.To),
		Value:     value,
		Operation: req.Operation,
		Nonce:     *req.Nonce,
	}
	if len(req.Data) > 0 {
		desc.Data = make([]byte, len(req.Data))
		copy(desc.Data, req.Data)
	}
	if req.Gas != nil {
		desc.Gas = req.Gas.DeepCopy()
	}
	return desc, nil
}

// HashOf recomputes the hash of desc; see the package-level HashOf.
func (b *Builder) HashOf(network protocol.Network, account protocol.Account, desc *protocol.TransactionDescriptor) (common.Hash, error) {
	return HashOf(network, account, desc)
}
