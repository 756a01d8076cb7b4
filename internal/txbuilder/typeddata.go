package txbuilder

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-version"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"golang.org/x/crypto/sha3"
)

const (
	safeTxType = "SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas," +
		"uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"
	// Accounts before 1.0.0 named baseGas "dataGas".
	legacySafeTxType = "SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas," +
		"uint256 dataGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"

	domainType = "EIP712Domain(uint256 chainId,address verifyingContract)"
	// Accounts before 1.3.0 do not bind the chain ID into the domain.
	legacyDomainType = "EIP712Domain(address verifyingContract)"
)

var (
	SafeTxTypeHash       = common.BytesToHash(keccak256([]byte(safeTxType)))
	LegacySafeTxTypeHash = common.BytesToHash(keccak256([]byte(legacySafeTxType)))
	DomainTypeHash       = common.BytesToHash(keccak256([]byte(domainType)))
	LegacyDomainTypeHash = common.BytesToHash(keccak256([]byte(legacyDomainType)))

	baseGasSince     = version.Must(version.NewVersion("1.0.0"))
	chainDomainSince = version.Must(version.NewVersion("1.3.0"))
)

// HashOf computes the transaction hash of desc for account on network. It is
// a pure function of its inputs: the descriptor fields, the account address
// and version, and the chain ID.
func HashOf(network protocol.Network, account protocol.Account, desc *protocol.TransactionDescriptor) (common.Hash, error) {
	if desc == nil {
		return common.Hash{}, errors.ErrValidation.New("nil descriptor")
	}
	v, err := parseVersion(account.Version)
	if err != nil {
		return common.Hash{}, err
	}
	domain := domainSeparator(network.ChainID, account.Address, v)
	message := structHash(desc, v)
	return common.BytesToHash(keccak256([]byte{0x19, 0x01}, domain[:], message[:])), nil
}

// DomainSeparator returns the EIP-712 domain separator for account on network.
func DomainSeparator(network protocol.Network, account protocol.Account) (common.Hash, error) {
	v, err := parseVersion(account.Version)
	if err != nil {
		return common.Hash{}, err
	}
	return domainSeparator(network.ChainID, account.Address, v), nil
}

func domainSeparator(chainID uint64, verifyingContract common.Address, v *version.Version) common.Hash {
	if v != nil && v.LessThan(chainDomainSince) {
		return common.BytesToHash(keccak256(LegacyDomainTypeHash[:], addressWord(verifyingContract)))
	}
	return common.BytesToHash(keccak256(
		DomainTypeHash[:],
		uint64Word(chainID),
		addressWord(verifyingContract),
	))
}

func structHash(desc *protocol.TransactionDescriptor, v *version.Version) common.Hash {
	typeHash := SafeTxTypeHash
	if v != nil && v.LessThan(baseGasSince) {
		typeHash = LegacySafeTxTypeHash
	}
	return common.BytesToHash(keccak256(
		typeHash[:],
		addressWord(desc.To),
		uintWord(desc.Value),
		keccak256(desc.Data),
		uint64Word(uint64(desc.Operation)),
		uintWord(desc.Gas.SafeTxGas),
		uintWord(desc.Gas.BaseGas),
		uintWord(desc.Gas.GasPrice),
		addressWord(desc.Gas.GasToken),
		addressWord(desc.Gas.RefundReceiver),
		uint64Word(desc.Nonce),
	))
}

// parseVersion returns nil for an empty version, meaning the latest layout.
func parseVersion(s string) (*version.Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := version.NewVersion(s)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrValidation, "account version %q: %v", s, err)
	}
	return v, nil
}

func addressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func uintWord(v *uint256.Int) []byte {
	b := protocol.OrZero(v).Bytes32()
	return b[:]
}

func uint64Word(n uint64) []byte {
	return uintWord(uint256.NewInt(n))
}

func keccak256(data ...[]byte) []byte {
	hash := sha3.NewLegacyKeccak256()
	for _, d := range data {
		hash.Write(d)
	}
	return hash.Sum(nil)
}
