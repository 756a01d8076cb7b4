package signature

import (
	"bytes"
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

// Length is the size of every signature payload forwarded to the ledger.
const Length = 65

// approvalMarker is the v byte of an approval payload.
const approvalMarker byte = 1

// EncodeApproval returns the approval-scheme signature for signer: the
// left-padded signer address, 32 zero bytes and the marker byte.
func EncodeApproval(signer common.Address) protocol.Signature {
	payload := make([]byte, Length)
	copy(payload[12:32], signer.Bytes())
	payload[64] = approvalMarker
	return protocol.Signature{
		Signer:  signer,
		Scheme:  protocol.SchemeApproval,
		Payload: payload,
	}
}

// DecodeApproval extracts the signer from an approval payload. It reports
// false for anything not in the exact approval format.
func DecodeApproval(payload []byte) (common.Address, bool) {
	if len(payload) != Length || payload[64] != approvalMarker {
		return common.Address{}, false
	}
	if !allZero(payload[:12]) || !allZero(payload[32:64]) {
		return common.Address{}, false
	}
	signer := common.BytesToAddress(payload[12:32])
	if signer == (common.Address{}) {
		return common.Address{}, false
	}
	return signer, true
}

// Recover returns the owner that produced a cryptographic payload over hash.
// Raw-hash signatures carry v in {27, 28}; personal-sign ones carry v in
// {31, 32} and are checked against the EIP-191 text hash.
func Recover(hash common.Hash, payload []byte) (common.Address, error) {
	if len(payload) != Length {
		return common.Address{}, errors.ErrValidation.Newf("signature length %d, want %d", len(payload), Length)
	}
	digest := hash.Bytes()
	v := payload[64]
	switch v {
	case 27, 28:
	case 31, 32:
		digest = accounts.TextHash(digest)
		v -= 4
	default:
		return common.Address{}, errors.ErrValidation.Newf("unsupported signature type v=%d", v)
	}

	sig := make([]byte, Length)
	copy(sig, payload)
	sig[64] = v - 27
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, errors.Wrapf(errors.ErrValidation, "recover signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Parse classifies a payload of unknown scheme, as reported by the proposal
// store, and returns the signature it represents.
func Parse(hash common.Hash, payload []byte) (protocol.Signature, error) {
	if signer, ok := DecodeApproval(payload); ok {
		return EncodeApproval(signer), nil
	}
	signer, err := Recover(hash, payload)
	if err != nil {
		return protocol.Signature{}, err
	}
	return protocol.Signature{
		Signer:  signer,
		Scheme:  protocol.SchemeCryptographic,
		Payload: append([]byte(nil), payload...),
	}, nil
}

// Compare orders signatures by signer address, ascending.
func Compare(a, b protocol.Signature) int {
	return bytes.Compare(a.Signer.Bytes(), b.Signer.Bytes())
}

// Sort orders sigs in place by signer address, ascending.
func Sort(sigs []protocol.Signature) {
	sort.SliceStable(sigs, func(i, j int) bool {
		return Compare(sigs[i], sigs[j]) < 0
	})
}

// Blob concatenates the payloads of sigs, which must already be ordered.
func Blob(sigs []protocol.Signature) []byte {
	blob := make([]byte, 0, len(sigs)*Length)
	for _, sig := range sigs {
		blob = append(blob, sig.Payload...)
	}
	return blob
}

// SplitBlob cuts a concatenated blob into its 65-byte payloads.
func SplitBlob(blob []byte) ([][]byte, error) {
	if len(blob)%Length != 0 {
		return nil, errors.ErrValidation.Newf("signature blob length %d is not a multiple of %d", len(blob), Length)
	}
	out := make([][]byte, 0, len(blob)/Length)
	for i := 0; i < len(blob); i += Length {
		out = append(out, append([]byte(nil), blob[i:i+Length]...))
	}
	return out, nil
}

// ApprovalReader reads which owners recorded an on-ledger approval of a hash.
type ApprovalReader interface {
	GetApprovedSigners(ctx context.Context, account common.Address, owners []common.Address, hash common.Hash) ([]common.Address, error)
}

// ReadApprovedSigners asks the ledger, the authoritative source of approval
// signatures, which owners of account approved hash. Addresses outside the
// owner set are discarded.
func ReadApprovedSigners(ctx context.Context, hash common.Hash, account protocol.Account, reader ApprovalReader) ([]common.Address, error) {
	signers, err := reader.GetApprovedSigners(ctx, account.Address, account.Owners, hash)
	if err != nil {
		return nil, errors.WithHash(errors.WithAccount(err, account.Address), hash)
	}
	seen := make(map[common.Address]bool, len(signers))
	out := make([]common.Address, 0, len(signers))
	for _, s := range signers {
		if seen[s] || !account.IsOwner(s) {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
