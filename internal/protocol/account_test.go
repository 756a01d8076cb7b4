package protocol

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ownerA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	ownerB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	ownerC = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	safe   = common.HexToAddress("0x5afe000000000000000000000000000000000001")
)

func TestNewAccount(t *testing.T) {
	tests := []struct {
		name    string
		addr    common.Address
		state   AccountState
		wantErr bool
	}{
		{"2 of 3", safe, AccountState{Owners: []common.Address{ownerA, ownerB, ownerC}, Threshold: 2}, false},
		{"n of n", safe, AccountState{Owners: []common.Address{ownerA, ownerB}, Threshold: 2}, false},
		{"zero threshold", safe, AccountState{Owners: []common.Address{ownerA}, Threshold: 0}, true},
		{"threshold above owners", safe, AccountState{Owners: []common.Address{ownerA}, Threshold: 2}, true},
		{"duplicate owners", safe, AccountState{Owners: []common.Address{ownerA, ownerA}, Threshold: 1}, true},
		{"zero owner", safe, AccountState{Owners: []common.Address{{}}, Threshold: 1}, true},
		{"no address", common.Address{}, AccountState{Owners: []common.Address{ownerA}, Threshold: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc, err := NewAccount(tt.addr, tt.state)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.state.Threshold, acc.Threshold)
		})
	}
}

func TestNewAccount_CopiesOwners(t *testing.T) {
	owners := []common.Address{ownerA, ownerB}
	acc, err := NewAccount(safe, AccountState{Owners: owners, Threshold: 1})
	require.NoError(t, err)
	owners[0] = ownerC
	assert.True(t, acc.IsOwner(ownerA))
	assert.False(t, acc.IsOwner(ownerC))
}

func TestParseOwners(t *testing.T) {
	owners, err := ParseOwners([]string{ownerA.Hex(), "0x00000000000000000000000000000000000000B2"})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{ownerA, ownerB}, owners)

	_, err = ParseOwners([]string{ownerA.Hex(), "0x00000000000000000000000000000000000000A1"})
	assert.True(t, errors.Is(err, errors.ErrValidation), "case-insensitive duplicate")

	_, err = ParseOwners([]string{"0x1234"})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestSession_Active(t *testing.T) {
	assert.True(t, NewSession(Network{ChainID: 1}, safe).Active())
	assert.False(t, NewSession(Network{}, safe).Active())
	assert.False(t, NewSession(Network{ChainID: 1}, common.Address{}).Active())
}

func TestSignerKey(t *testing.T) {
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", SignerKey(ownerA))
}
