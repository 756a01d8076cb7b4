package coordinator

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/store"
)

// Book holds the proposals of one process and serializes access to each of
// them by hash. Every read returns a private copy; writes go through Put.
type Book struct {
	mu    sync.Mutex
	locks map[common.Hash]*hashLock
	// attempts holds the executions running in this process. A stored
	// EXECUTING proposal without one was interrupted.
	attempts map[common.Hash]string
	cache    *store.ProposalCache
}

type hashLock struct {
	sem  chan struct{}
	refs int
}

// NewBook returns a book persisting into cache. A nil cache keeps proposals
// in memory only.
func NewBook(cache *store.ProposalCache) *Book {
	if cache == nil {
		cache = store.NewProposalCache("", nil)
	}
	return &Book{
		locks:    make(map[common.Hash]*hashLock),
		attempts: make(map[common.Hash]string),
		cache:    cache,
	}
}

// Lock acquires the mutual-exclusion scope of hash. It gives up when ctx is
// done. The returned function releases the scope and must be called once.
func (b *Book) Lock(ctx context.Context, hash common.Hash) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithHash(errors.Wrap(err, "waiting for proposal lock"), hash)
	}
	b.mu.Lock()
	l, ok := b.locks[hash]
	if !ok {
		l = &hashLock{sem: make(chan struct{}, 1)}
		b.locks[hash] = l
	}
	l.refs++
	b.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		b.release(hash, l)
		return nil, errors.WithHash(errors.Wrap(ctx.Err(), "waiting for proposal lock"), hash)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			b.release(hash, l)
		})
	}, nil
}

func (b *Book) release(hash common.Hash, l *hashLock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(b.locks, hash)
	}
}

// begin marks an execution attempt of hash as running in this process.
func (b *Book) begin(hash common.Hash, attempt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[hash] = attempt
}

// end clears the attempt started by begin.
func (b *Book) end(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.attempts, hash)
}

// Attempting reports whether an execution of hash is running in this
// process.
func (b *Book) Attempting(hash common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.attempts[hash]
	return ok
}

// interrupted reports whether p is stored as executing with no attempt
// running for it.
func (b *Book) interrupted(p *protocol.Proposal) bool {
	return p.State == protocol.StateExecuting && !b.Attempting(p.Hash)
}

// Get returns a copy of the proposal, or an ErrNotFound error.
func (b *Book) Get(hash common.Hash) (*protocol.Proposal, error) {
	return b.cache.Get(hash)
}

// Put stores p.
func (b *Book) Put(p *protocol.Proposal) error {
	return errors.WithHash(b.cache.Put(p), p.Hash)
}

// List returns the proposals of account ordered by nonce.
func (b *Book) List(account common.Address) ([]*protocol.Proposal, error) {
	return b.cache.List(account)
}

// Close closes the backing cache.
func (b *Book) Close() error {
	return b.cache.Close()
}
