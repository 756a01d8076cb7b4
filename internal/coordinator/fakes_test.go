package coordinator

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/store"
	"github.com/safecoord/safecoord/internal/txbuilder"
	"github.com/stretchr/testify/require"
)

var (
	testNetwork = protocol.Network{ChainID: 1337, Name: "devchain"}
	testAccount = common.HexToAddress("0x5afe000000000000000000000000000000000001")
	recipient   = common.HexToAddress("0x000000000000000000000000000000000000beef")
	fastPolicy  = network.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
	quietLogger = log.NewLogger(log.DiscardHandler())
)

// fakeLedger is an in-memory Safe. Execute records the call and, unless
// overridden by onExecute, executes successfully.
type fakeLedger struct {
	mu         sync.Mutex
	state      protocol.AccountState
	code       []byte
	stateErr   error
	approved   map[common.Hash][]common.Address
	executions map[common.Hash]*ledger.Submission
	blobs      [][]byte
	calls      atomic.Int32

	// entered receives one value per Execute call before it proceeds; gate
	// blocks Execute until closed. Both are optional.
	entered chan struct{}
	gate    chan struct{}

	onExecute func(call int, hash common.Hash) (*ledger.Submission, error)
}

func newFakeLedger(owners []common.Address, threshold uint64) *fakeLedger {
	return &fakeLedger{
		state:      protocol.AccountState{Owners: owners, Threshold: threshold, Version: "1.3.0"},
		code:       []byte{0x60, 0x80},
		approved:   make(map[common.Hash][]common.Address),
		executions: make(map[common.Hash]*ledger.Submission),
	}
}

func (l *fakeLedger) account() protocol.Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := protocol.NewAccount(testAccount, l.state)
	if err != nil {
		panic(err)
	}
	return acc
}

func (l *fakeLedger) approve(hash common.Hash, owner common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approved[hash] = append(l.approved[hash], owner)
}

func (l *fakeLedger) record(hash common.Hash, sub *ledger.Submission) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.executions[hash] = sub
	l.state.Nonce++
}

func (l *fakeLedger) GetAccountState(ctx context.Context, account common.Address) (protocol.AccountState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stateErr != nil {
		return protocol.AccountState{}, l.stateErr
	}
	if account != testAccount {
		return protocol.AccountState{}, errors.ErrAccountNotActive.New("no code")
	}
	s := l.state
	s.Owners = append([]common.Address(nil), l.state.Owners...)
	return s, nil
}

func (l *fakeLedger) GetCode(ctx context.Context, account common.Address) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.code...), nil
}

func (l *fakeLedger) GetApprovedSigners(ctx context.Context, account common.Address, owners []common.Address, hash common.Hash) ([]common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.Address(nil), l.approved[hash]...), nil
}

func (l *fakeLedger) EstimateCost(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, blob []byte) (uint64, error) {
	return 90_000, nil
}

func (l *fakeLedger) Execute(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, blob []byte) (*ledger.Submission, error) {
	call := int(l.calls.Add(1))
	if l.entered != nil {
		l.entered <- struct{}{}
	}
	if l.gate != nil {
		<-l.gate
	}
	hash, err := txbuilder.HashOf(testNetwork, l.account(), desc)
	if err != nil {
		return nil, ledger.NotSentError(err)
	}
	l.mu.Lock()
	l.blobs = append(l.blobs, append([]byte(nil), blob...))
	l.mu.Unlock()

	if l.onExecute != nil {
		return l.onExecute(call, hash)
	}
	sub := &ledger.Submission{TxID: crypto.Keccak256Hash(hash[:]), Success: true, BlockNumber: 1}
	l.record(hash, sub)
	return sub, nil
}

func (l *fakeLedger) GetExecution(ctx context.Context, account common.Address, hash common.Hash) (*ledger.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.executions[hash]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, errors.WithHash(errors.ErrNotFound.New("no execution"), hash)
}

// fakeStore keeps proposals like the collection service, without
// validating signatures.
type fakeStore struct {
	mu        sync.Mutex
	next      uint64
	nextErr   error
	txs       map[common.Hash]*store.StoredTransaction
	proposed  int
	confirmed int
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: make(map[common.Hash]*store.StoredTransaction)}
}

func (s *fakeStore) GetAccountInfo(ctx context.Context, account common.Address) (protocol.AccountState, error) {
	return protocol.AccountState{}, errors.ErrNotFound.New("unknown account")
}

func (s *fakeStore) GetTransaction(ctx context.Context, hash common.Hash) (*store.StoredTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return nil, errors.WithHash(errors.ErrNotFound.New("unknown proposal"), hash)
	}
	cp := *tx
	cp.Descriptor = tx.Descriptor.DeepCopy()
	cp.Confirmations = append([]store.Confirmation(nil), tx.Confirmations...)
	return &cp, nil
}

func (s *fakeStore) GetNextNonce(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.nextErr
}

func (s *fakeStore) Propose(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, hash common.Hash, sender common.Address, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposed++
	if _, ok := s.txs[hash]; !ok {
		s.txs[hash] = &store.StoredTransaction{
			Hash:       hash,
			Account:    account,
			Descriptor: desc.DeepCopy(),
			Proposer:   sender,
		}
	}
	s.txs[hash].Confirmations = append(s.txs[hash].Confirmations, store.Confirmation{Owner: sender, Signature: sig, Type: "EOA"})
	return nil
}

func (s *fakeStore) Confirm(ctx context.Context, hash common.Hash, sig []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return errors.WithHash(errors.ErrNotFound.New("unknown proposal"), hash)
	}
	s.confirmed++
	owner, err := signature.Recover(hash, sig)
	if err != nil {
		return err
	}
	tx.Confirmations = append(tx.Confirmations, store.Confirmation{Owner: owner, Signature: sig, Type: "EOA"})
	return nil
}

// owners holds three generated owner keys.
type owners struct {
	keys  []*ecdsa.PrivateKey
	addrs []common.Address
}

func newOwners(t *testing.T) owners {
	t.Helper()
	var o owners
	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		o.keys = append(o.keys, key)
		o.addrs = append(o.addrs, crypto.PubkeyToAddress(key.PublicKey))
	}
	return o
}

func (o owners) signer(i int) *signature.KeySigner {
	return signature.NewKeySigner(o.keys[i])
}

type harness struct {
	owners owners
	ledger *fakeLedger
	store  *fakeStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	o := newOwners(t)
	return &harness{
		owners: o,
		ledger: newFakeLedger(o.addrs, 2),
		store:  newFakeStore(),
	}
}

// coordinator returns a coordinator acting for owner i, or for nobody when
// i is negative.
func (h *harness) coordinator(t *testing.T, i int) *Coordinator {
	t.Helper()
	return h.coordinatorWithCache(t, i, nil)
}

// coordinatorWithCache is coordinator persisting into cache.
func (h *harness) coordinatorWithCache(t *testing.T, i int, cache *store.ProposalCache) *Coordinator {
	t.Helper()
	cfg := Config{
		Cache:      cache,
		Session:    protocol.NewSession(testNetwork, testAccount),
		Ledger:     h.ledger,
		Store:      h.store,
		Submit:     fastPolicy,
		Poll:       fastPolicy,
		Registerer: prometheus.NewRegistry(),
		Logger:     quietLogger,
	}
	if i >= 0 {
		cfg.Signer = h.owners.signer(i)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func transferRequest() txbuilder.Request {
	return txbuilder.Request{
		To:   recipient.Hex(),
		Data: []byte{0xa9, 0x05, 0x9c, 0xbb},
	}
}

func (h *harness) propose(t *testing.T, c *Coordinator) *protocol.Proposal {
	t.Helper()
	u, err := c.ProposeNewTransaction(context.Background(), transferRequest())
	require.NoError(t, err)
	require.Empty(t, u.Warnings)
	return u.Proposal
}

func storeConfirmation(owner common.Address, sig []byte) store.Confirmation {
	return store.Confirmation{Owner: owner, Signature: sig, Type: "EOA"}
}

// unreachableStore fails every read with a network error.
type unreachableStore struct {
	*fakeStore
}

func (unreachableStore) GetTransaction(ctx context.Context, hash common.Hash) (*store.StoredTransaction, error) {
	return nil, errors.WithHash(errors.ErrNetwork.New("connection refused"), hash)
}
