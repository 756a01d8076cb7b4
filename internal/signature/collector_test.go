package signature

import (
	"context"
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// impostor claims one address and signs with another key.
type impostor struct {
	claimed common.Address
	key     *ecdsa.PrivateKey
	err     error
	calls   int
}

func (s *impostor) Address() common.Address { return s.claimed }

func (s *impostor) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return NewKeySigner(s.key).SignHash(ctx, hash)
}

func TestCollector_Sign(t *testing.T) {
	c := NewCollector(log.NewLogger(log.DiscardHandler()))
	key := newKey(t)

	sig, err := c.Sign(context.Background(), testHash, NewKeySigner(key))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), sig.Signer)
	assert.Equal(t, protocol.SchemeCryptographic, sig.Scheme)
}

func TestCollector_Failures(t *testing.T) {
	c := NewCollector(log.NewLogger(log.DiscardHandler()))

	_, err := c.Sign(context.Background(), testHash, nil)
	assert.True(t, errors.Is(err, errors.ErrSigningUnavailable))

	wrong := &impostor{claimed: common.HexToAddress("0xa1"), key: newKey(t)}
	_, err = c.Sign(context.Background(), testHash, wrong)
	assert.True(t, errors.Is(err, errors.ErrSigningRejected), "got %v", err)
	assert.Equal(t, 1, wrong.calls, "capability asked exactly once")

	declined := &impostor{err: context.Canceled}
	_, err = c.Sign(context.Background(), testHash, declined)
	assert.True(t, errors.Is(err, errors.ErrSigningRejected))
	assert.Contains(t, err.Error(), testHash.Hex())

	unavailable := &impostor{err: errors.ErrSigningUnavailable.New("device locked")}
	_, err = c.Sign(context.Background(), testHash, unavailable)
	assert.True(t, errors.Is(err, errors.ErrSigningUnavailable))
}
