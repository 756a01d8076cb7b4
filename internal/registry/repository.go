// Package registry caches account snapshots and code for exactly one network
// at a time. It replaces process-wide mutable state: callers create a
// Repository, scope it with InitFor and pass it explicitly.
package registry

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
)

// DefaultMaxBytes is the cache size used when none is given.
const DefaultMaxBytes = 32 * 1024 * 1024

var (
	accountPrefix = []byte("acct:")
	codePrefix    = []byte("code:")
)

// Repository holds snapshots scoped to the network it was initialized for.
type Repository struct {
	mu       sync.RWMutex
	cache    *fastcache.Cache
	network  protocol.Network
	scoped   bool
	maxBytes int
}

// New returns an unscoped repository. Reads miss and writes fail until
// InitFor is called.
func New(maxBytes int) *Repository {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Repository{
		cache:    fastcache.New(maxBytes),
		maxBytes: maxBytes,
	}
}

// InitFor scopes the repository to network. Switching to a different chain
// drops everything cached for the previous one.
func (r *Repository) InitFor(network protocol.Network) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scoped && r.network.ChainID == network.ChainID {
		r.network = network
		return
	}
	r.cache.Reset()
	r.network = network
	r.scoped = true
}

// Clear drops all entries and the scope.
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Reset()
	r.network = protocol.Network{}
	r.scoped = false
}

// Network returns the current scope.
func (r *Repository) Network() (protocol.Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.network, r.scoped
}

// PutAccount stores a snapshot of acc.
func (r *Repository) PutAccount(acc protocol.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scoped {
		return errors.ErrNotConnected.New("registry not initialized for a network")
	}
	r.cache.Set(r.key(accountPrefix, acc.Address), data)
	return nil
}

// Account returns the last stored snapshot of addr.
func (r *Repository) Account(addr common.Address) (protocol.Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.scoped {
		return protocol.Account{}, false
	}
	data, ok := r.cache.HasGet(nil, r.key(accountPrefix, addr))
	if !ok {
		return protocol.Account{}, false
	}
	var acc protocol.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return protocol.Account{}, false
	}
	return acc, true
}

// PutCode records the code observed at addr.
func (r *Repository) PutCode(addr common.Address, code []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scoped {
		return errors.ErrNotConnected.New("registry not initialized for a network")
	}
	r.cache.Set(r.key(codePrefix, addr), code)
	return nil
}

// Code returns the code last observed at addr.
func (r *Repository) Code(addr common.Address) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.scoped {
		return nil, false
	}
	return r.cache.HasGet(nil, r.key(codePrefix, addr))
}

// Stats reports cache usage.
func (r *Repository) Stats() fastcache.Stats {
	var s fastcache.Stats
	r.cache.UpdateStats(&s)
	return s
}

func (r *Repository) key(prefix []byte, addr common.Address) []byte {
	k := make([]byte, 0, len(prefix)+8+common.AddressLength)
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, r.network.ChainID)
	return append(k, addr.Bytes()...)
}
