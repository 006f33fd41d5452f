// Package txpool holds transactions a node has accepted for relay but that no
// ledger has confirmed yet.
package txpool

import (
	"container/heap"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/FAIC-Node/wire"
)

// Common errors for pool operations
var (
	ErrPoolFull    = errors.New("transaction pool is full")
	ErrTxExists    = errors.New("transaction already exists")
	ErrTxNotFound  = errors.New("transaction not found")
	ErrEmptyTx     = errors.New("empty transaction")
	ErrNoLedger    = errors.New("no ledger attached to this node")
	ErrUnsupported = errors.New("unsupported request")
)

// Entry is a pending transaction.
type Entry struct {
	Hash     string
	Data     []byte
	From     string
	Received time.Time

	index int
}

// Hash returns the hex blake2b-256 digest identifying a serialized transaction.
func Hash(tx []byte) string {
	sum := blake2b.Sum256(tx)
	return hex.EncodeToString(sum[:])
}

// arrivalQueue orders entries oldest first.
type arrivalQueue []*Entry

func (q arrivalQueue) Len() int { return len(q) }

func (q arrivalQueue) Less(i, j int) bool { return q[i].Received.Before(q[j].Received) }

func (q arrivalQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *arrivalQueue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *arrivalQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Pool is a bounded, thread-safe set of pending transactions keyed by hash.
// Entries older than the TTL are dropped by Expire.
type Pool struct {
	mu      sync.RWMutex
	pending map[string]*Entry
	queue   arrivalQueue
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// New creates a pool holding at most maxSize transactions for ttl each.
func New(maxSize int, ttl time.Duration) *Pool {
	p := &Pool{
		pending: make(map[string]*Entry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
	heap.Init(&p.queue)
	return p
}

// Add stores tx and returns its hash. A transaction already in the pool
// returns its hash together with ErrTxExists.
func (p *Pool) Add(tx []byte, from string) (string, error) {
	if len(tx) == 0 {
		return "", ErrEmptyTx
	}
	hash := Hash(tx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pending[hash]; exists {
		return hash, ErrTxExists
	}
	if len(p.pending) >= p.maxSize {
		return "", ErrPoolFull
	}

	e := &Entry{
		Hash:     hash,
		Data:     append([]byte(nil), tx...),
		From:     from,
		Received: p.now(),
	}
	p.pending[hash] = e
	heap.Push(&p.queue, e)
	return hash, nil
}

// Get returns a copy of the entry for hash.
func (p *Pool) Get(hash string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.pending[hash]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Data = append([]byte(nil), e.Data...)
	return cp, true
}

// Contains reports whether hash is pending.
func (p *Pool) Contains(hash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.pending[hash]
	return ok
}

// Remove drops hash from the pool. Returns true if it was present.
func (p *Pool) Remove(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.pending[hash]
	if !ok {
		return false
	}
	delete(p.pending, hash)
	heap.Remove(&p.queue, e.index)
	return true
}

// Expire drops every entry older than the TTL and returns their hashes.
func (p *Pool) Expire() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ttl <= 0 {
		return nil
	}
	cutoff := p.now().Add(-p.ttl)
	var expired []string
	for p.queue.Len() > 0 && p.queue[0].Received.Before(cutoff) {
		e := heap.Pop(&p.queue).(*Entry)
		delete(p.pending, e.Hash)
		expired = append(expired, e.Hash)
	}
	return expired
}

// Size returns the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// Stats returns pool statistics.
type Stats struct {
	Size      int
	MaxSize   int
	Available int
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		Size:      len(p.pending),
		MaxSize:   p.maxSize,
		Available: p.maxSize - len(p.pending),
	}
}

// HandleRequest answers the transaction requests of remote peers from the pool.
// Balance queries fail with ErrNoLedger. It satisfies network.RequestHandler.
func (p *Pool) HandleRequest(ctx context.Context, from peer.ID, req wire.Request) (wire.Response, error) {
	switch r := req.(type) {
	case wire.SendTransaction:
		hash, err := p.Add(r.Transaction, from.String())
		switch {
		case err == nil, errors.Is(err, ErrTxExists):
			return wire.SendTransactionResponse{TxHash: hash}, nil
		default:
			return wire.ErrorResponse{Message: err.Error()}, nil
		}
	case wire.GetTransactionStatus:
		if !p.Contains(r.TxHash) {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, r.TxHash)
		}
		return wire.TransactionStatusResponse{Status: wire.TxPending}, nil
	case wire.GetBalance:
		return nil, ErrNoLedger
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, req)
	}
}
