package txbuilder

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNetwork = protocol.Network{ChainID: 11155111}
	testAccount = protocol.Account{
		Address:   common.HexToAddress("0x5afe000000000000000000000000000000000001"),
		Owners:    []common.Address{common.HexToAddress("0xa1")},
		Threshold: 1,
	}
)

func sampleDescriptor() *protocol.TransactionDescriptor {
	return &protocol.TransactionDescriptor{
		To:    common.HexToAddress("0x000000000000000000000000000000000000beef"),
		Value: uint256.NewInt(1_000_000_000),
		Data:  hexutil.MustDecode("0xa9059cbb000000000000000000000000000000000000000000000000000000000000beef00000000000000000000000000000000000000000000000000000000000003e8"),
		Gas: protocol.GasParams{
			SafeTxGas:      uint256.NewInt(50000),
			BaseGas:        uint256.NewInt(1000),
			GasPrice:       uint256.NewInt(7),
			GasToken:       common.HexToAddress("0x0000000000000000000000000000000000000007"),
			RefundReceiver: common.HexToAddress("0x0000000000000000000000000000000000000009"),
		},
		Nonce: 42,
	}
}

// referenceHash computes the EIP-712 hash with go-ethereum's generic typed
// data encoder.
func referenceHash(t *testing.T, chainID uint64, account common.Address, d *protocol.TransactionDescriptor, legacyDomain, legacyGas bool) common.Hash {
	t.Helper()
	gasField := "baseGas"
	if legacyGas {
		gasField = "dataGas"
	}
	domainFields := []apitypes.Type{{Name: "chainId", Type: "uint256"}, {Name: "verifyingContract", Type: "address"}}
	domain := apitypes.TypedDataDomain{
		ChainId:           math.NewHexOrDecimal256(int64(chainID)),
		VerifyingContract: account.Hex(),
	}
	if legacyDomain {
		domainFields = domainFields[1:]
		domain.ChainId = nil
	}
	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			"SafeTx": []apitypes.Type{
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: gasField, Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SafeTx",
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"to":             d.To.Hex(),
			"value":          protocol.OrZero(d.Value).Dec(),
			"data":           hexutil.Encode(d.Data),
			"operation":      uint256.NewInt(uint64(d.Operation)).Dec(),
			"safeTxGas":      protocol.OrZero(d.Gas.SafeTxGas).Dec(),
			gasField:         protocol.OrZero(d.Gas.BaseGas).Dec(),
			"gasPrice":       protocol.OrZero(d.Gas.GasPrice).Dec(),
			"gasToken":       d.Gas.GasToken.Hex(),
			"refundReceiver": d.Gas.RefundReceiver.Hex(),
			"nonce":          uint256.NewInt(d.Nonce).Dec(),
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)
	return common.BytesToHash(hash)
}

func TestTypeHashes(t *testing.T) {
	assert.Equal(t, common.HexToHash("0xbb8310d486368db6bd6f849402fdd73ad53d316b5a4b2644ad6efe0f941286d8"), SafeTxTypeHash)
	assert.Equal(t, common.HexToHash("0x47e79534a245952e8b16893a336b85a3d9ea9fa8c573f3d803afb92a79469218"), DomainTypeHash)
	assert.Equal(t, common.HexToHash("0x035aff83d86937d35b32e04f0ddc6ff469290eef2f1b692d8a815c89404d4749"), LegacyDomainTypeHash)
	assert.NotEqual(t, SafeTxTypeHash, LegacySafeTxTypeHash)
}

func TestHashOf_MatchesGenericEncoder(t *testing.T) {
	tests := []struct {
		version      string
		legacyDomain bool
		legacyGas    bool
	}{
		{"", false, false},
		{"1.4.1", false, false},
		{"1.3.0+L2", false, false},
		{"1.2.0", true, false},
		{"1.0.0", true, false},
		{"0.1.0", true, true},
	}
	desc := sampleDescriptor()
	for _, tt := range tests {
		t.Run("version "+tt.version, func(t *testing.T) {
			acc := testAccount
			acc.Version = tt.version
			got, err := HashOf(testNetwork, acc, desc)
			require.NoError(t, err)
			want := referenceHash(t, testNetwork.ChainID, acc.Address, desc, tt.legacyDomain, tt.legacyGas)
			assert.Equal(t, want, got)
		})
	}
}

func TestHashOf_Deterministic(t *testing.T) {
	a, err := HashOf(testNetwork, testAccount, sampleDescriptor())
	require.NoError(t, err)
	b, err := New().HashOf(testNetwork, testAccount, sampleDescriptor())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashOf_FieldSensitivity(t *testing.T) {
	base, err := HashOf(testNetwork, testAccount, sampleDescriptor())
	require.NoError(t, err)

	mutations := map[string]func(d *protocol.TransactionDescriptor){
		"to":              func(d *protocol.TransactionDescriptor) { d.To = common.HexToAddress("0xdead") },
		"value":           func(d *protocol.TransactionDescriptor) { d.Value = uint256.NewInt(1) },
		"data":            func(d *protocol.TransactionDescriptor) { d.Data = d.Data[:4] },
		"operation":       func(d *protocol.TransactionDescriptor) { d.Operation = protocol.OperationDelegateCall },
		"safe tx gas":     func(d *protocol.TransactionDescriptor) { d.Gas.SafeTxGas = nil },
		"base gas":        func(d *protocol.TransactionDescriptor) { d.Gas.BaseGas = uint256.NewInt(1001) },
		"gas price":       func(d *protocol.TransactionDescriptor) { d.Gas.GasPrice = nil },
		"gas token":       func(d *protocol.TransactionDescriptor) { d.Gas.GasToken = common.Address{} },
		"refund receiver": func(d *protocol.TransactionDescriptor) { d.Gas.RefundReceiver = common.Address{} },
		"nonce":           func(d *protocol.TransactionDescriptor) { d.Nonce++ },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			d := sampleDescriptor()
			mutate(d)
			h, err := HashOf(testNetwork, testAccount, d)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}

	t.Run("chain id", func(t *testing.T) {
		h, err := HashOf(protocol.Network{ChainID: 1}, testAccount, sampleDescriptor())
		require.NoError(t, err)
		assert.NotEqual(t, base, h)
	})

	t.Run("account", func(t *testing.T) {
		acc := testAccount
		acc.Address = common.HexToAddress("0x5afe000000000000000000000000000000000002")
		h, err := HashOf(testNetwork, acc, sampleDescriptor())
		require.NoError(t, err)
		assert.NotEqual(t, base, h)
	})
}

func TestHashOf_LegacyDomainIgnoresChain(t *testing.T) {
	acc := testAccount
	acc.Version = "1.1.1"
	a, err := HashOf(protocol.Network{ChainID: 1}, acc, sampleDescriptor())
	require.NoError(t, err)
	b, err := HashOf(protocol.Network{ChainID: 5}, acc, sampleDescriptor())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashOf_Invalid(t *testing.T) {
	_, err := HashOf(testNetwork, testAccount, nil)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	acc := testAccount
	acc.Version = "not-a-version"
	_, err = HashOf(testNetwork, acc, sampleDescriptor())
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = DomainSeparator(testNetwork, acc)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}
