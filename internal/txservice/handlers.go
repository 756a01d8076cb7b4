package txservice

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/store"
)

const defaultPageLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.txs)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"chain_id":  s.network.ChainID,
		"proposals": count,
	})
}

func (s *Server) handleGetSafe(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	acc, err := s.account(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	owners := make([]string, len(acc.Owners))
	for i, o := range acc.Owners {
		owners[i] = o.Hex()
	}
	writeJSON(w, http.StatusOK, store.SafeInfo{
		Address:   acc.Address.Hex(),
		Nonce:     acc.Nonce,
		Threshold: acc.Threshold,
		Owners:    owners,
		Version:   acc.Version,
	})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	acc, err := s.account(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.RLock()
	var txs []*store.StoredTransaction
	for _, tx := range s.txs {
		if tx.Account == addr {
			txs = append(txs, tx)
		}
	}
	s.mu.RUnlock()

	descending := r.URL.Query().Get("ordering") == "-nonce"
	sort.SliceStable(txs, func(i, j int) bool {
		if descending {
			return txs[i].Descriptor.Nonce > txs[j].Descriptor.Nonce
		}
		return txs[i].Descriptor.Nonce < txs[j].Descriptor.Nonce
	})

	limit := defaultPageLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l < limit {
		limit = l
	}
	page := store.Page[store.MultisigTransaction]{Count: len(txs), Results: []store.MultisigTransaction{}}
	s.mu.RLock()
	for i, tx := range txs {
		if i == limit {
			break
		}
		page.Results = append(page.Results, store.NewMultisigTransaction(tx, acc.Threshold))
	}
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	var req store.ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrValidation, err.Error()))
		return
	}
	desc, err := req.Descriptor()
	if err != nil {
		writeError(w, err)
		return
	}
	acc, err := s.account(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	if desc.Nonce < acc.Nonce {
		writeError(w, errors.ErrValidation.Newf("nonce %d already used, account nonce is %d", desc.Nonce, acc.Nonce))
		return
	}
	hash, err := s.hashOf(acc, desc)
	if err != nil {
		writeError(w, err)
		return
	}
	if claimed := common.HexToHash(req.ContractTransactionHash); claimed != hash {
		writeError(w, errors.ErrHashIntegrity.Newf("contractTransactionHash %s does not match computed %s", claimed.Hex(), hash.Hex()))
		return
	}
	if !common.IsHexAddress(req.Sender) {
		writeError(w, errors.ErrValidation.Newf("invalid sender %q", req.Sender))
		return
	}
	sender := common.HexToAddress(req.Sender)
	if !acc.IsOwner(sender) {
		writeError(w, errors.ErrUnknownSigner.Newf("sender %s is not an owner", sender.Hex()))
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, errors.Wrapf(errors.ErrValidation, "signature: %v", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, exists := s.txs[hash]
	if !exists {
		tx = &store.StoredTransaction{
			Hash:        hash,
			Account:     addr,
			Descriptor:  desc,
			Proposer:    sender,
			SubmittedAt: time.Now().UTC(),
		}
	}
	if _, err := s.addConfirmation(tx, acc, sig, sender); err != nil {
		writeError(w, err)
		return
	}
	if !exists {
		s.txs[hash] = tx
		s.logger.Info("Proposal stored", "account", addr, "hash", hash, "nonce", desc.Nonce, "proposer", sender, "origin", req.Origin)
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashVar(w, r)
	if !ok {
		return
	}
	s.mu.RLock()
	tx, exists := s.txs[hash]
	s.mu.RUnlock()
	if !exists {
		writeError(w, errors.ErrNotFound.New("unknown proposal"))
		return
	}
	s.refreshExecuted(r.Context(), tx)

	acc, err := s.account(r.Context(), tx.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	s.mu.RLock()
	out := store.NewMultisigTransaction(tx, acc.Threshold)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashVar(w, r)
	if !ok {
		return
	}
	var req store.ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.ErrValidation, err.Error()))
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		writeError(w, errors.Wrapf(errors.ErrValidation, "signature: %v", err))
		return
	}

	s.mu.RLock()
	tx, exists := s.txs[hash]
	s.mu.RUnlock()
	if !exists {
		writeError(w, errors.ErrNotFound.New("unknown proposal"))
		return
	}
	acc, err := s.account(r.Context(), tx.Account)
	if err != nil {
		writeError(w, err)
		return
	}

	s.mu.Lock()
	added, err := s.addConfirmation(tx, acc, sig, common.Address{})
	s.mu.Unlock()
	if err != nil {
		writeError(w, err)
		return
	}
	if added {
		s.logger.Info("Confirmation stored", "hash", hash, "confirmations", len(tx.Confirmations))
	}
	w.WriteHeader(http.StatusCreated)
}

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		writeError(w, errors.ErrValidation.Newf("invalid address %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func hashVar(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	raw := mux.Vars(r)["hash"]
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		writeError(w, errors.ErrValidation.Newf("invalid hash %q", raw))
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrHashIntegrity), errors.Is(err, errors.ErrUnknownSigner):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errors.ErrNetwork):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"code":    errors.Code(err),
		"message": err.Error(),
	})
}
