package registry

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	mainnet = protocol.Network{ChainID: 1, Name: "mainnet"}
	sepolia = protocol.Network{ChainID: 11155111, Name: "sepolia"}
	account = protocol.Account{
		Address:   common.HexToAddress("0x5afe"),
		Owners:    []common.Address{common.HexToAddress("0xa1"), common.HexToAddress("0xb2")},
		Threshold: 2,
		Nonce:     7,
		Version:   "1.3.0",
	}
)

func TestRepository_RequiresScope(t *testing.T) {
	r := New(0)

	err := r.PutAccount(account)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.True(t, errors.Is(r.PutCode(account.Address, []byte{1}), errors.ErrNotConnected))
	_, ok := r.Account(account.Address)
	assert.False(t, ok)
}

func TestRepository_AccountSnapshot(t *testing.T) {
	r := New(0)
	r.InitFor(mainnet)

	require.NoError(t, r.PutAccount(account))
	got, ok := r.Account(account.Address)
	require.True(t, ok)
	assert.Equal(t, account, got)

	require.NoError(t, r.PutCode(account.Address, []byte{0x60, 0x80}))
	code, ok := r.Code(account.Address)
	require.True(t, ok)
	assert.Equal(t, []byte{0x60, 0x80}, code)

	scope, ok := r.Network()
	assert.True(t, ok)
	assert.Equal(t, mainnet, scope)
}

// TestRepository_NetworkSwitchDropsEntries verifies snapshots never leak
// from one chain into another.
func TestRepository_NetworkSwitchDropsEntries(t *testing.T) {
	r := New(0)
	r.InitFor(mainnet)
	require.NoError(t, r.PutAccount(account))

	r.InitFor(mainnet)
	_, ok := r.Account(account.Address)
	assert.True(t, ok, "re-initializing the same chain keeps entries")

	r.InitFor(sepolia)
	_, ok = r.Account(account.Address)
	assert.False(t, ok)
}

func TestRepository_Clear(t *testing.T) {
	r := New(0)
	r.InitFor(mainnet)
	require.NoError(t, r.PutAccount(account))

	r.Clear()
	_, ok := r.Network()
	assert.False(t, ok)
	_, ok = r.Account(account.Address)
	assert.False(t, ok)
}
