// Package txservice is a development implementation of the proposal
// collection service. It keeps proposals in memory and validates every
// submitted signature against the account's owners.
package txservice

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/store"
	"github.com/safecoord/safecoord/internal/txbuilder"
)

// AccountSource reports the on-ledger state of an account.
type AccountSource interface {
	GetAccountState(ctx context.Context, account common.Address) (protocol.AccountState, error)
}

// ExecutionSource reports whether a proposal has been executed.
type ExecutionSource interface {
	GetExecution(ctx context.Context, account common.Address, hash common.Hash) (*ledger.Submission, error)
}

// Server holds proposals and serves the collection service REST API.
type Server struct {
	router   *mux.Router
	network  protocol.Network
	source   AccountSource
	mu       sync.RWMutex
	accounts map[common.Address]protocol.AccountState
	txs      map[common.Hash]*store.StoredTransaction
	logger   log.Logger
}

// NewServer returns a server for network. source may be nil, in which case
// only accounts added with Register are known.
func NewServer(network protocol.Network, source AccountSource, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	s := &Server{
		router:   mux.NewRouter(),
		network:  network,
		source:   source,
		accounts: make(map[common.Address]protocol.AccountState),
		txs:      make(map[common.Hash]*store.StoredTransaction),
		logger:   logger.With("component", "txservice"),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/safes/{address}/", s.handleGetSafe).Methods("GET")
	s.router.HandleFunc("/api/v1/safes/{address}/multisig-transactions/", s.handleListTransactions).Methods("GET")
	s.router.HandleFunc("/api/v1/safes/{address}/multisig-transactions/", s.handlePropose).Methods("POST")
	s.router.HandleFunc("/api/v1/multisig-transactions/{hash}/", s.handleGetTransaction).Methods("GET")
	s.router.HandleFunc("/api/v1/multisig-transactions/{hash}/confirmations/", s.handleConfirm).Methods("POST")
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Info("Transaction service starting", "addr", addr, "chain_id", s.network.ChainID)
	return http.ListenAndServe(addr, s.router)
}

// Register makes an account known without consulting the source. Later
// source reads replace it.
func (s *Server) Register(account common.Address, state protocol.AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account] = state
}

// MarkExecuted records that hash was executed in transaction txID.
func (s *Server) MarkExecuted(hash, txID common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[hash]
	if !ok {
		return errors.WithHash(errors.ErrNotFound.New("unknown proposal"), hash)
	}
	tx.Executed = true
	tx.TxID = txID
	return nil
}

// account returns the current state of account, refreshed from the source
// when one is configured.
func (s *Server) account(ctx context.Context, addr common.Address) (protocol.Account, error) {
	if s.source != nil {
		state, err := s.source.GetAccountState(ctx, addr)
		if err == nil {
			s.Register(addr, state)
		} else if !errors.Is(err, errors.ErrAccountNotActive) {
			s.logger.Warn("Account source unavailable, using last known state", "account", addr, "err", err)
		}
	}
	s.mu.RLock()
	state, ok := s.accounts[addr]
	s.mu.RUnlock()
	if !ok {
		return protocol.Account{}, errors.WithAccount(errors.ErrNotFound.New("unknown account"), addr)
	}
	return protocol.NewAccount(addr, state)
}

// addConfirmation validates sig over hash and records it. It reports whether
// the confirmation was new. Caller must hold s.mu.
func (s *Server) addConfirmation(tx *store.StoredTransaction, acc protocol.Account, sig []byte, claimed common.Address) (bool, error) {
	parsed, err := signature.Parse(tx.Hash, sig)
	if err != nil {
		return false, err
	}
	if claimed != (common.Address{}) && parsed.Signer != claimed {
		return false, errors.ErrValidation.Newf("signature is by %s, not %s", parsed.Signer.Hex(), claimed.Hex())
	}
	if !acc.IsOwner(parsed.Signer) {
		return false, errors.ErrUnknownSigner.Newf("%s is not an owner", parsed.Signer.Hex())
	}
	for _, c := range tx.Confirmations {
		if c.Owner == parsed.Signer {
			return false, nil
		}
	}
	kind := "EOA"
	if parsed.Scheme == protocol.SchemeApproval {
		kind = "APPROVED_HASH"
	} else if sig[64] > 30 {
		kind = "ETH_SIGN"
	}
	tx.Confirmations = append(tx.Confirmations, store.Confirmation{
		Owner:       parsed.Signer,
		Signature:   append([]byte(nil), sig...),
		Type:        kind,
		SubmittedAt: time.Now().UTC(),
	})
	sort.SliceStable(tx.Confirmations, func(i, j int) bool {
		return tx.Confirmations[i].SubmittedAt.Before(tx.Confirmations[j].SubmittedAt)
	})
	return true, nil
}

// hashOf recomputes the proposal hash the way the ledger will.
func (s *Server) hashOf(acc protocol.Account, desc *protocol.TransactionDescriptor) (common.Hash, error) {
	return txbuilder.HashOf(s.network, acc, desc)
}

// refreshExecuted asks the execution source about a pending proposal.
func (s *Server) refreshExecuted(ctx context.Context, tx *store.StoredTransaction) {
	src, ok := s.source.(ExecutionSource)
	if !ok || tx.Executed {
		return
	}
	sub, err := src.GetExecution(ctx, tx.Account, tx.Hash)
	if err != nil {
		return
	}
	if err := s.MarkExecuted(tx.Hash, sub.TxID); err == nil {
		s.logger.Info("Proposal observed executed", "hash", tx.Hash, "tx", sub.TxID)
	}
}
