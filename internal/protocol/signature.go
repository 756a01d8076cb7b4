package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Scheme identifies how a signature proves an owner's authorization.
type Scheme uint8

const (
	// SchemeCryptographic is an off-chain ECDSA signature over the hash.
	SchemeCryptographic Scheme = iota + 1
	// SchemeApproval is an on-ledger approval marker; its proof is ledger state.
	SchemeApproval
)

func (s Scheme) String() string {
	switch s {
	case SchemeCryptographic:
		return "cryptographic"
	case SchemeApproval:
		return "approval"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

func (s Scheme) MarshalText() ([]byte, error) {
	switch s {
	case SchemeCryptographic, SchemeApproval:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("unknown signature scheme %d", uint8(s))
}

func (s *Scheme) UnmarshalText(text []byte) error {
	switch string(text) {
	case "cryptographic":
		*s = SchemeCryptographic
	case "approval":
		*s = SchemeApproval
	default:
		return fmt.Errorf("unknown signature scheme %q", text)
	}
	return nil
}

// Signature is a plain value: an owner, the scheme used and the 65-byte
// payload as it is forwarded to the ledger.
type Signature struct {
	Signer  common.Address `json:"signer"`
	Scheme  Scheme         `json:"scheme"`
	Payload hexutil.Bytes  `json:"payload"`
}

// CopySignature returns sig with its own payload buffer.
func CopySignature(sig Signature) Signature {
	out := sig
	out.Payload = append(hexutil.Bytes(nil), sig.Payload...)
	return out
}

// SignatureSet holds at most one signature per signer, keyed by the
// lower-cased signer address. Entries are never removed.
type SignatureSet struct {
	entries map[string]Signature
}

// NewSignatureSet returns a set seeded with sigs.
func NewSignatureSet(sigs ...Signature) *SignatureSet {
	s := &SignatureSet{entries: make(map[string]Signature, len(sigs))}
	for _, sig := range sigs {
		s.Add(sig)
	}
	return s
}

// Add inserts sig and reports whether the set changed. An existing
// cryptographic signature is kept; an approval entry is upgraded when a
// cryptographic signature for the same signer arrives.
func (s *SignatureSet) Add(sig Signature) bool {
	if s.entries == nil {
		s.entries = make(map[string]Signature)
	}
	key := SignerKey(sig.Signer)
	if existing, ok := s.entries[key]; ok {
		if existing.Scheme == SchemeCryptographic || sig.Scheme != SchemeCryptographic {
			return false
		}
	}
	s.entries[key] = CopySignature(sig)
	return true
}

// Get returns the signature for signer, if any.
func (s *SignatureSet) Get(signer common.Address) (Signature, bool) {
	if s == nil {
		return Signature{}, false
	}
	sig, ok := s.entries[SignerKey(signer)]
	if !ok {
		return Signature{}, false
	}
	return CopySignature(sig), true
}

// Has reports whether signer has an entry.
func (s *SignatureSet) Has(signer common.Address) bool {
	if s == nil {
		return false
	}
	_, ok := s.entries[SignerKey(signer)]
	return ok
}

// Len returns the number of signers in the set.
func (s *SignatureSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// List returns copies of all entries sorted by signer address.
func (s *SignatureSet) List() []Signature {
	if s == nil {
		return nil
	}
	out := make([]Signature, 0, len(s.entries))
	for _, sig := range s.entries {
		out = append(out, CopySignature(sig))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Signer.Bytes(), out[j].Signer.Bytes()) < 0
	})
	return out
}

// DeepCopy creates a deep copy of the SignatureSet
func (s *SignatureSet) DeepCopy() *SignatureSet {
	if s == nil {
		return nil
	}
	return NewSignatureSet(s.List()...)
}

func (s *SignatureSet) MarshalJSON() ([]byte, error) {
	list := s.List()
	if list == nil {
		list = []Signature{}
	}
	return json.Marshal(list)
}

func (s *SignatureSet) UnmarshalJSON(data []byte) error {
	var list []Signature
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	s.entries = make(map[string]Signature, len(list))
	for _, sig := range list {
		s.Add(sig)
	}
	return nil
}
