package protocol

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
)

// Network identifies the chain a session operates on. Its chain ID is part
// of every transaction hash.
type Network struct {
	ChainID uint64 `json:"chain_id"`
	Name    string `json:"name,omitempty"`
}

// Session is an immutable snapshot of the network and the account the caller
// is currently associated with. It is passed explicitly to every operation.
type Session struct {
	Network Network        `json:"network"`
	Account common.Address `json:"account"`
}

// NewSession returns a session snapshot for account on network.
func NewSession(network Network, account common.Address) Session {
	return Session{Network: network, Account: account}
}

// Active reports whether the session is bound to an account on a chain.
func (s Session) Active() bool {
	return s.Network.ChainID != 0 && s.Account != (common.Address{})
}

// AccountState is the ledger's (or the store's) view of an account.
type AccountState struct {
	Owners    []common.Address `json:"owners"`
	Threshold uint64           `json:"threshold"`
	Nonce     uint64           `json:"nonce"`
	Version   string           `json:"version,omitempty"`
}

// Account is a multi-owner account that requires Threshold owner
// authorizations before an action executes.
type Account struct {
	Address   common.Address   `json:"address"`
	Owners    []common.Address `json:"owners"`
	Threshold uint64           `json:"threshold"`
	Nonce     uint64           `json:"nonce"`
	Version   string           `json:"version,omitempty"`
}

// NewAccount builds an account from a state snapshot and validates it.
func NewAccount(address common.Address, state AccountState) (Account, error) {
	acc := Account{
		Address:   address,
		Owners:    append([]common.Address(nil), state.Owners...),
		Threshold: state.Threshold,
		Nonce:     state.Nonce,
		Version:   state.Version,
	}
	if err := acc.Validate(); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// ParseOwners converts textual owner addresses, rejecting malformed and
// case-insensitively duplicated entries.
func ParseOwners(owners []string) ([]common.Address, error) {
	seen := make(map[string]bool, len(owners))
	out := make([]common.Address, 0, len(owners))
	for _, o := range owners {
		if !common.IsHexAddress(o) {
			return nil, errors.ErrValidation.Newf("malformed owner address %q", o)
		}
		key := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(o, "0x"), "0X"))
		if seen[key] {
			return nil, errors.ErrValidation.Newf("duplicate owner %s", o)
		}
		seen[key] = true
		out = append(out, common.HexToAddress(o))
	}
	return out, nil
}

// Validate checks 1 <= threshold <= |owners| and owner uniqueness.
func (a Account) Validate() error {
	if a.Address == (common.Address{}) {
		return errors.ErrValidation.New("account address is empty")
	}
	seen := make(map[common.Address]bool, len(a.Owners))
	for _, o := range a.Owners {
		if o == (common.Address{}) {
			return errors.ErrValidation.New("zero owner address")
		}
		if seen[o] {
			return errors.ErrValidation.Newf("duplicate owner %s", o.Hex())
		}
		seen[o] = true
	}
	if a.Threshold < 1 {
		return errors.ErrValidation.New("threshold must be at least 1")
	}
	if a.Threshold > uint64(len(a.Owners)) {
		return errors.ErrValidation.Newf("threshold %d exceeds %d owners", a.Threshold, len(a.Owners))
	}
	return nil
}

// IsOwner reports whether addr is one of the account's owners.
func (a Account) IsOwner(addr common.Address) bool {
	for _, o := range a.Owners {
		if o == addr {
			return true
		}
	}
	return false
}

// SignerKey returns the lower-cased hex form used to key signer maps.
func SignerKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
