package signature

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHash = common.HexToHash("0x8f3c2a0b9d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8")

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestApprovalFormat(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	sig := EncodeApproval(owner)

	require.Len(t, sig.Payload, Length)
	assert.Equal(t, protocol.SchemeApproval, sig.Scheme)
	assert.Equal(t, common.LeftPadBytes(owner.Bytes(), 32), []byte(sig.Payload[:32]))
	assert.Equal(t, make([]byte, 32), []byte(sig.Payload[32:64]))
	assert.Equal(t, byte(1), sig.Payload[64])

	got, ok := DecodeApproval(sig.Payload)
	require.True(t, ok)
	assert.Equal(t, owner, got)
}

func TestDecodeApproval_Rejects(t *testing.T) {
	valid := EncodeApproval(common.HexToAddress("0xa1")).Payload
	tests := map[string]func(p []byte) []byte{
		"short":         func(p []byte) []byte { return p[:64] },
		"wrong marker":  func(p []byte) []byte { p[64] = 27; return p },
		"dirty padding": func(p []byte) []byte { p[0] = 1; return p },
		"non-zero s":    func(p []byte) []byte { p[40] = 1; return p },
		"zero signer":   func(p []byte) []byte { return append(make([]byte, 64), 1) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := DecodeApproval(mutate(append([]byte(nil), valid...)))
			assert.False(t, ok)
		})
	}
}

func TestKeySigner_RawAndPersonal(t *testing.T) {
	key := newKey(t)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	for _, tt := range []struct {
		name   string
		signer *KeySigner
		vs     []byte
	}{
		{"raw", NewKeySigner(key), []byte{27, 28}},
		{"personal", NewPersonalKeySigner(key), []byte{31, 32}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.signer.SignHash(context.Background(), testHash)
			require.NoError(t, err)
			require.Len(t, payload, Length)
			assert.Contains(t, tt.vs, payload[64])

			got, err := Recover(testHash, payload)
			require.NoError(t, err)
			assert.Equal(t, owner, got)

			sig, err := Parse(testHash, payload)
			require.NoError(t, err)
			assert.Equal(t, protocol.SchemeCryptographic, sig.Scheme)
			assert.Equal(t, owner, sig.Signer)
		})
	}
}

func TestKeySigner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewKeySigner(newKey(t)).SignHash(ctx, testHash)
	assert.True(t, errors.Is(err, errors.ErrSigningRejected))
}

func TestLoadKeySigner(t *testing.T) {
	key := newKey(t)
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	for _, in := range []string{hexKey, "0x" + hexKey} {
		s, err := LoadKeySigner(in, false)
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())
	}

	_, err := LoadKeySigner("zz", false)
	assert.True(t, errors.Is(err, errors.ErrSigningUnavailable))
}

func TestRecover_Invalid(t *testing.T) {
	payload, err := NewKeySigner(newKey(t)).SignHash(context.Background(), testHash)
	require.NoError(t, err)

	_, err = Recover(testHash, payload[:64])
	assert.True(t, errors.Is(err, errors.ErrValidation))

	bad := append([]byte(nil), payload...)
	bad[64] = 0
	_, err = Recover(testHash, bad)
	assert.True(t, errors.Is(err, errors.ErrValidation))

	other, err := Recover(common.HexToHash("0x01"), payload)
	if err == nil {
		assert.NotEqual(t, crypto.PubkeyToAddress(newKey(t).PublicKey), other)
	}
}

func TestParse_Approval(t *testing.T) {
	owner := common.HexToAddress("0xa1")
	sig, err := Parse(testHash, EncodeApproval(owner).Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.SchemeApproval, sig.Scheme)
	assert.Equal(t, owner, sig.Signer)
}

func TestSortAndBlob(t *testing.T) {
	a := EncodeApproval(common.HexToAddress("0x03"))
	b := EncodeApproval(common.HexToAddress("0x01"))
	c := EncodeApproval(common.HexToAddress("0x02"))
	sigs := []protocol.Signature{a, b, c}
	Sort(sigs)

	assert.Equal(t, []common.Address{b.Signer, c.Signer, a.Signer}, []common.Address{sigs[0].Signer, sigs[1].Signer, sigs[2].Signer})
	assert.Negative(t, Compare(b, a))
	assert.Zero(t, Compare(a, a))

	blob := Blob(sigs)
	require.Len(t, blob, 3*Length)
	assert.True(t, bytes.Equal(blob[:Length], b.Payload))

	parts, err := SplitBlob(blob)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []byte(c.Payload), parts[1])

	_, err = SplitBlob(blob[:Length+1])
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Empty(t, Blob(nil))
}

type approvals struct {
	signers []common.Address
	err     error
}

func (a approvals) GetApprovedSigners(ctx context.Context, account common.Address, owners []common.Address, hash common.Hash) ([]common.Address, error) {
	return a.signers, a.err
}

func TestReadApprovedSigners(t *testing.T) {
	o1, o2 := common.HexToAddress("0xa1"), common.HexToAddress("0xa2")
	acc := protocol.Account{Address: common.HexToAddress("0x5afe"), Owners: []common.Address{o1, o2}, Threshold: 1}

	got, err := ReadApprovedSigners(context.Background(), testHash, acc, approvals{
		signers: []common.Address{o2, common.HexToAddress("0xbad"), o2, o1},
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{o2, o1}, got, "non-owners and repeats dropped")

	_, err = ReadApprovedSigners(context.Background(), testHash, acc, approvals{err: errors.ErrNetwork.New("down")})
	assert.True(t, errors.Is(err, errors.ErrNetwork))
	assert.Contains(t, err.Error(), testHash.Hex())
}
