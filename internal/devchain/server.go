package devchain

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/safecoord/safecoord/internal/protocol"
)

// Server exposes a Chain over HTTP: JSON-RPC on "/" plus a few REST
// endpoints for setting up accounts.
type Server struct {
	chain  *Chain
	router *mux.Router
	logger log.Logger
}

func NewServer(chain *Chain, logger log.Logger) *Server {
	if logger == nil {
		logger = log.Root()
	}
	s := &Server{
		chain:  chain,
		router: mux.NewRouter(),
		logger: logger.With("component", "devchain"),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing
func (s *Server) Router() *mux.Router {
	return s.router
}

// Chain returns the served chain.
func (s *Server) Chain() *Chain {
	return s.chain
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleJSONRPC).Methods("POST")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/accounts", s.handleDeploy).Methods("POST")
	s.router.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Info("Devchain starting", "addr", addr, "chain_id", s.chain.ChainID())
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"chain_id": s.chain.ChainID(),
		"block":    s.chain.BlockNumber(),
	})
}

// DeployRequest describes an account to place on the chain.
type DeployRequest struct {
	Address   common.Address `json:"address"`
	Owners    []string       `json:"owners"`
	Threshold uint64         `json:"threshold"`
	Nonce     uint64         `json:"nonce"`
	Version   string         `json:"version"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	owners, err := protocol.ParseOwners(req.Owners)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	state := protocol.AccountState{Owners: owners, Threshold: req.Threshold, Nonce: req.Nonce, Version: req.Version}
	if err := s.chain.Deploy(req.Address, state); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	acc, _ := s.chain.Account(req.Address)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(acc)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr := common.HexToAddress(mux.Vars(r)["address"])
	acc, ok := s.chain.Account(addr)
	if !ok {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(acc)
}
