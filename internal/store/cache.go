package store

import (
	"bytes"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

const (
	// ProposalCacheMB is the LevelDB block cache size in MB.
	ProposalCacheMB = 16

	// ProposalCacheHandles is the maximum number of open file handles for LevelDB.
	ProposalCacheHandles = 16
)

var proposalPrefix = []byte("proposal:")

// ProposalCache persists the proposals this process tracks, including their
// state and execution result, so a restart never forgets a terminal state.
type ProposalCache struct {
	db     ethdb.Database
	mu     sync.RWMutex
	closed bool
	logger log.Logger
}

// NewProposalCache opens a LevelDB-backed cache at path. If path is empty
// or storage fails, it falls back to in-memory storage.
func NewProposalCache(path string, logger log.Logger) *ProposalCache {
	if logger == nil {
		logger = log.Root()
	}
	logger = logger.With("component", "cache")

	var db ethdb.Database
	if path != "" {
		if err := os.MkdirAll(path, 0755); err != nil {
			logger.Warn("Failed to create cache directory, using in-memory", "path", path, "err", err)
			db = rawdb.NewMemoryDatabase()
		} else if ldb, err := leveldb.New(path, ProposalCacheMB, ProposalCacheHandles, "", false); err != nil {
			logger.Warn("Failed to open LevelDB, using in-memory", "path", path, "err", err)
			db = rawdb.NewMemoryDatabase()
		} else {
			db = rawdb.NewDatabase(ldb)
			logger.Info("Opened persistent proposal cache", "path", path)
		}
	} else {
		db = rawdb.NewMemoryDatabase()
		logger.Debug("Using in-memory proposal cache")
	}

	return &ProposalCache{db: db, logger: logger}
}

// proposalKey returns the database key for a proposal hash
func proposalKey(hash common.Hash) []byte {
	return append(append([]byte(nil), proposalPrefix...), hash.Bytes()...)
}

// Get returns a copy of the cached proposal, or an ErrNotFound error.
func (pc *ProposalCache) Get(hash common.Hash) (*protocol.Proposal, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.closed {
		return nil, errors.ErrInvalidState.New("proposal cache is closed")
	}
	data, err := pc.db.Get(proposalKey(hash))
	if err != nil || len(data) == 0 {
		return nil, errors.WithHash(errors.ErrNotFound.New("proposal not cached"), hash)
	}
	var p protocol.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.WithHash(errors.Wrapf(errors.ErrValidation, "decode cached proposal: %v", err), hash)
	}
	if p.Signatures == nil {
		p.Signatures = protocol.NewSignatureSet()
	}
	return &p, nil
}

// Put stores p, replacing any previous version.
func (pc *ProposalCache) Put(p *protocol.Proposal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrapf(errors.ErrValidation, "encode proposal: %v", err)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed {
		return errors.ErrInvalidState.New("proposal cache is closed")
	}
	return pc.db.Put(proposalKey(p.Hash), data)
}

// Has checks if a proposal is cached
func (pc *ProposalCache) Has(hash common.Hash) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.closed {
		return false
	}
	ok, _ := pc.db.Has(proposalKey(hash))
	return ok
}

// List returns the cached proposals of account ordered by nonce. A zero
// account lists everything.
func (pc *ProposalCache) List(account common.Address) ([]*protocol.Proposal, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.closed {
		return nil, errors.ErrInvalidState.New("proposal cache is closed")
	}

	it := pc.db.NewIterator(proposalPrefix, nil)
	defer it.Release()

	var out []*protocol.Proposal
	for it.Next() {
		if !bytes.HasPrefix(it.Key(), proposalPrefix) {
			break
		}
		var p protocol.Proposal
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			pc.logger.Warn("Skipping undecodable cache entry", "key", common.Bytes2Hex(it.Key()), "err", err)
			continue
		}
		if account != (common.Address{}) && p.Account != account {
			continue
		}
		if p.Signatures == nil {
			p.Signatures = protocol.NewSignatureSet()
		}
		out = append(out, &p)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "iterate proposal cache: %v", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Descriptor != nil && out[j].Descriptor != nil && out[i].Descriptor.Nonce != out[j].Descriptor.Nonce {
			return out[i].Descriptor.Nonce < out[j].Descriptor.Nonce
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Close gracefully closes the underlying database
func (pc *ProposalCache) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed {
		return nil
	}
	pc.closed = true
	return pc.db.Close()
}
