package signature

import (
	"context"
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/safecoord/safecoord/internal/errors"
)

// Signer is an external signing capability bound to one owner. SignHash may
// block for as long as the capability waits for its user, and returns an
// error wrapping errors.ErrSigningRejected when the user declines.
type Signer interface {
	Address() common.Address
	SignHash(ctx context.Context, hash common.Hash) ([]byte, error)
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	personal bool
}

// NewKeySigner returns a signer producing signatures over the raw hash
// (v in {27, 28}).
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewPersonalKeySigner returns a signer producing personal-sign signatures
// over the EIP-191 text hash of the hash (v in {31, 32}).
func NewPersonalKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	s := NewKeySigner(key)
	s.personal = true
	return s
}

// LoadKeySigner parses a hex-encoded private key.
func LoadKeySigner(hexKey string, personal bool) (*KeySigner, error) {
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSigningUnavailable, "invalid signing key")
	}
	if personal {
		return NewPersonalKeySigner(key), nil
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

// PrivateKey returns the key, for owners who also submit ledger approvals.
func (s *KeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

func (s *KeySigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrSigningRejected, err.Error())
	}
	digest := hash.Bytes()
	if s.personal {
		digest = accounts.TextHash(digest)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSigningRejected, err.Error())
	}
	sig[64] += 27
	if s.personal {
		sig[64] += 4
	}
	return sig, nil
}
