package ledger_test

import (
	"context"
	"crypto/ecdsa"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/devchain"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/txbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = network.Policy{Attempts: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond}

type fixture struct {
	chain    *devchain.Chain
	client   *ledger.RPCClient
	account  common.Address
	owners   []*ecdsa.PrivateKey
	executor *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.NewLogger(log.DiscardHandler())

	f := &fixture{
		chain:   devchain.NewChain(0, logger),
		account: common.HexToAddress("0x5afe000000000000000000000000000000000001"),
	}
	var owners []common.Address
	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		f.owners = append(f.owners, key)
		owners = append(owners, crypto.PubkeyToAddress(key.PublicKey))
	}
	require.NoError(t, f.chain.Deploy(f.account, protocol.AccountState{Owners: owners, Threshold: 2}))

	srv := httptest.NewServer(devchain.NewServer(f.chain, logger).Router())
	t.Cleanup(srv.Close)

	var err error
	f.executor, err = crypto.GenerateKey()
	require.NoError(t, err)
	f.client, err = ledger.Dial(context.Background(), ledger.Config{
		URL:   srv.URL,
		Query: fastPolicy,
		Poll:  fastPolicy,
	}, f.executor, logger)
	require.NoError(t, err)
	t.Cleanup(f.client.Close)
	return f
}

func (f *fixture) descriptor(t *testing.T, to common.Address) (*protocol.TransactionDescriptor, common.Hash) {
	t.Helper()
	acc, ok := f.chain.Account(f.account)
	require.True(t, ok)
	desc := &protocol.TransactionDescriptor{
		To:    to,
		Value: uint256.NewInt(0),
		Data:  []byte{0xde, 0xad},
		Nonce: acc.Nonce,
	}
	hash, err := txbuilder.HashOf(protocol.Network{ChainID: f.client.ChainID()}, acc, desc)
	require.NoError(t, err)
	return desc, hash
}

func (f *fixture) blob(t *testing.T, hash common.Hash, keys ...*ecdsa.PrivateKey) []byte {
	t.Helper()
	var sigs []protocol.Signature
	for _, key := range keys {
		signer := signature.NewKeySigner(key)
		payload, err := signer.SignHash(context.Background(), hash)
		require.NoError(t, err)
		sigs = append(sigs, protocol.Signature{Signer: signer.Address(), Scheme: protocol.SchemeCryptographic, Payload: payload})
	}
	signature.Sort(sigs)
	return signature.Blob(sigs)
}

// TestRPCClient_GetAccountState verifies owners, threshold, nonce and version
// are read from the account contract.
func TestRPCClient_GetAccountState(t *testing.T) {
	f := newFixture(t)

	state, err := f.client.GetAccountState(context.Background(), f.account)
	require.NoError(t, err)
	assert.Len(t, state.Owners, 3)
	assert.Equal(t, uint64(2), state.Threshold)
	assert.Equal(t, uint64(0), state.Nonce)
	assert.Equal(t, devchain.DefaultVersion, state.Version)
	assert.Equal(t, uint64(devchain.DefaultChainID), f.client.ChainID())
}

func TestRPCClient_GetAccountState_NotDeployed(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.GetAccountState(context.Background(), common.HexToAddress("0x1234"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAccountNotActive))
}

func TestRPCClient_GetCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	code, err := f.client.GetCode(ctx, f.account)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	code, err = f.client.GetCode(ctx, common.HexToAddress("0x1234"))
	require.NoError(t, err)
	assert.Empty(t, code)
}

// TestRPCClient_ApproveHash verifies an on-ledger approval is reported back
// by GetApprovedSigners, and only for the approving owner.
func TestRPCClient_ApproveHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, hash := f.descriptor(t, common.HexToAddress("0xbeef"))
	state, err := f.client.GetAccountState(ctx, f.account)
	require.NoError(t, err)

	approved, err := f.client.GetApprovedSigners(ctx, f.account, state.Owners, hash)
	require.NoError(t, err)
	assert.Empty(t, approved)

	sub, err := f.client.ApproveHash(ctx, f.account, hash, f.owners[1])
	require.NoError(t, err)
	assert.True(t, sub.Success)

	approved, err = f.client.GetApprovedSigners(ctx, f.account, state.Owners, hash)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{crypto.PubkeyToAddress(f.owners[1].PublicKey)}, approved)
}

func TestRPCClient_ApproveHash_NonOwnerRejected(t *testing.T) {
	f := newFixture(t)
	_, hash := f.descriptor(t, common.HexToAddress("0xbeef"))

	_, err := f.client.ApproveHash(context.Background(), f.account, hash, f.executor)
	require.Error(t, err)
	assert.Equal(t, ledger.NotSent, ledger.ReachOf(err))
	assert.True(t, errors.Is(err, ledger.ErrRejected))
}

// TestRPCClient_Execute verifies a threshold of ordered signatures executes,
// advances the account nonce and is found again by GetExecution.
func TestRPCClient_Execute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	desc, hash := f.descriptor(t, common.HexToAddress("0xbeef"))
	blob := f.blob(t, hash, f.owners[0], f.owners[2])

	gas, err := f.client.EstimateCost(ctx, f.account, desc, blob)
	require.NoError(t, err)
	assert.Equal(t, uint64(devchain.DefaultEstimateGas), gas)

	sub, err := f.client.Execute(ctx, f.account, desc, blob)
	require.NoError(t, err)
	assert.True(t, sub.Success)
	assert.NotEqual(t, common.Hash{}, sub.TxID)

	acc, _ := f.chain.Account(f.account)
	assert.Equal(t, uint64(1), acc.Nonce)

	found, err := f.client.GetExecution(ctx, f.account, hash)
	require.NoError(t, err)
	assert.Equal(t, sub.TxID, found.TxID)
	assert.True(t, found.Success)
}

func TestRPCClient_Execute_InsufficientSignatures(t *testing.T) {
	f := newFixture(t)
	desc, hash := f.descriptor(t, common.HexToAddress("0xbeef"))

	_, err := f.client.Execute(context.Background(), f.account, desc, f.blob(t, hash, f.owners[0]))
	require.Error(t, err)
	assert.Equal(t, ledger.NotSent, ledger.ReachOf(err))
	assert.False(t, errors.IsRetryable(err))
}

func TestRPCClient_Execute_ApprovalSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	desc, hash := f.descriptor(t, common.HexToAddress("0xbeef"))

	_, err := f.client.ApproveHash(ctx, f.account, hash, f.owners[1])
	require.NoError(t, err)

	sigs := []protocol.Signature{
		signature.EncodeApproval(crypto.PubkeyToAddress(f.owners[1].PublicKey)),
	}
	payload, err := signature.NewKeySigner(f.owners[0]).SignHash(ctx, hash)
	require.NoError(t, err)
	sigs = append(sigs, protocol.Signature{Signer: crypto.PubkeyToAddress(f.owners[0].PublicKey), Scheme: protocol.SchemeCryptographic, Payload: payload})
	signature.Sort(sigs)

	sub, err := f.client.Execute(ctx, f.account, desc, signature.Blob(sigs))
	require.NoError(t, err)
	assert.True(t, sub.Success)
}

func TestRPCClient_Execute_Reverted(t *testing.T) {
	f := newFixture(t)
	target := common.HexToAddress("0xbad")
	f.chain.FailCallsTo(target)
	desc, hash := f.descriptor(t, target)

	sub, err := f.client.Execute(context.Background(), f.account, desc, f.blob(t, hash, f.owners[0], f.owners[1]))
	require.NoError(t, err)
	assert.False(t, sub.Success)

	acc, _ := f.chain.Account(f.account)
	assert.Equal(t, uint64(0), acc.Nonce)
}

// TestRPCClient_Execute_OutcomeUnknown verifies a broadcast whose receipt is
// never observed is reported with Unknown reach and its transaction id.
func TestRPCClient_Execute_OutcomeUnknown(t *testing.T) {
	f := newFixture(t)
	f.chain.HoldReceipts(true)
	desc, hash := f.descriptor(t, common.HexToAddress("0xbeef"))

	_, err := f.client.Execute(context.Background(), f.account, desc, f.blob(t, hash, f.owners[0], f.owners[1]))
	require.Error(t, err)
	assert.Equal(t, ledger.Unknown, ledger.ReachOf(err))

	var be *ledger.BroadcastError
	require.True(t, errors.As(err, &be))
	assert.NotEqual(t, common.Hash{}, be.TxID)

	f.chain.ReleaseReceipts()
	found, err := f.client.GetExecution(context.Background(), f.account, hash)
	require.NoError(t, err)
	assert.Equal(t, be.TxID, found.TxID)
}

func TestRPCClient_Execute_NoExecutor(t *testing.T) {
	f := newFixture(t)
	client := ledger.NewRPCClient(nil, nil, nil, nil)
	desc, _ := f.descriptor(t, common.HexToAddress("0xbeef"))

	_, err := client.Execute(context.Background(), f.account, desc, nil)
	require.Error(t, err)
	assert.Equal(t, ledger.NotSent, ledger.ReachOf(err))
	assert.True(t, errors.Is(err, errors.ErrSigningUnavailable))
}

func TestRPCClient_GetExecution_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.GetExecution(context.Background(), f.account, common.HexToHash("0x01"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestRPCClient_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	client, err := ledger.Dial(context.Background(), ledger.Config{URL: url, ChainID: 1, Query: fastPolicy}, nil, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.GetCode(context.Background(), common.HexToAddress("0x01"))
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestBroadcastError_Unwrap(t *testing.T) {
	err := ledger.UnknownOutcomeError(common.HexToHash("0x02"), errors.ErrNetwork.New("timeout"))
	assert.True(t, errors.Is(err, errors.ErrNetwork))
	assert.Contains(t, err.Error(), "unknown")
	assert.Equal(t, ledger.Unknown, ledger.ReachOf(err))
	assert.Equal(t, ledger.Unknown, ledger.ReachOf(errors.ErrNetwork.New("plain")))
	assert.Equal(t, ledger.NotSent, ledger.ReachOf(ledger.NotSentError(errors.ErrValidation.New("bad"))))
}
