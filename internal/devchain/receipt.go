package devchain

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ReceiptStore manages transaction receipts in memory. Held receipts exist
// but are not returned until released.
type ReceiptStore struct {
	receipts map[common.Hash]*types.Receipt
	held     []*types.Receipt
	mu       sync.RWMutex
}

func NewReceiptStore() *ReceiptStore {
	return &ReceiptStore{
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (s *ReceiptStore) AddReceipt(r *types.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Store a copy to avoid aliasing caller's data
	s.receipts[r.TxHash] = copyReceipt(r)
}

// Hold records r without publishing it.
func (s *ReceiptStore) Hold(r *types.Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = append(s.held, copyReceipt(r))
}

// Release publishes every held receipt.
func (s *ReceiptStore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.held {
		s.receipts[r.TxHash] = r
	}
	s.held = nil
}

func (s *ReceiptStore) GetReceipt(hash common.Hash) *types.Receipt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.receipts[hash]
	if r == nil {
		return nil
	}
	// Return a copy to avoid aliasing internal data
	return copyReceipt(r)
}

func copyReceipt(r *types.Receipt) *types.Receipt {
	cpy := *r
	cpy.Logs = make([]*types.Log, len(r.Logs))
	for i, l := range r.Logs {
		lc := *l
		lc.Topics = append([]common.Hash(nil), l.Topics...)
		lc.Data = append([]byte(nil), l.Data...)
		cpy.Logs[i] = &lc
	}
	return &cpy
}
