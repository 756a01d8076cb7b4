package signature

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

// Collector obtains cryptographic signatures from a signing capability.
type Collector struct {
	logger log.Logger
}

// NewCollector returns a collector logging to logger (log.Root() when nil).
func NewCollector(logger log.Logger) *Collector {
	if logger == nil {
		logger = log.Root()
	}
	return &Collector{logger: logger.With("component", "collector")}
}

// Sign asks signer for a signature over hash, exactly once. The call may
// block while the capability waits for its user.
func (c *Collector) Sign(ctx context.Context, hash common.Hash, signer Signer) (protocol.Signature, error) {
	if signer == nil {
		return protocol.Signature{}, errors.WithHash(errors.ErrSigningUnavailable.New("no signing capability bound"), hash)
	}

	c.logger.Debug("Requesting signature", "hash", hash, "signer", signer.Address())
	payload, err := signer.SignHash(ctx, hash)
	if err != nil {
		if !errors.Is(err, errors.ErrSigningRejected) && !errors.Is(err, errors.ErrSigningUnavailable) {
			err = errors.Wrap(errors.ErrSigningRejected, err.Error())
		}
		c.logger.Info("Signature not obtained", "hash", hash, "signer", signer.Address(), "err", err)
		return protocol.Signature{}, errors.WithHash(err, hash)
	}

	recovered, err := Recover(hash, payload)
	if err != nil {
		return protocol.Signature{}, errors.WithHash(errors.Wrapf(errors.ErrSigningRejected, "capability returned unusable signature: %v", err), hash)
	}
	if recovered != signer.Address() {
		return protocol.Signature{}, errors.WithHash(errors.ErrSigningRejected.Newf("signature recovers to %s, expected %s", recovered.Hex(), signer.Address().Hex()), hash)
	}

	return protocol.Signature{
		Signer:  recovered,
		Scheme:  protocol.SchemeCryptographic,
		Payload: append([]byte(nil), payload...),
	}, nil
}
