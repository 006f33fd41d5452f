package network

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
	"github.com/VanDung-dev/FAIC-Node/wire"
)

// RequestResult is the terminal outcome of a request.
type RequestResult struct {
	Response wire.Response
	Err      error
}

// PendingRequest is the completion handle of an outbound request. It is resolved exactly
// once: by the matching response, its timeout, a send failure or shutdown, whichever
// comes first.
type PendingRequest struct {
	ID       string
	Peer     peer.ID
	IssuedAt time.Time
	Deadline time.Time

	once   sync.Once
	done   chan struct{}
	result RequestResult
	timer  *time.Timer
}

func (p *PendingRequest) complete(resp wire.Response, err error) bool {
	won := false
	p.once.Do(func() {
		p.result = RequestResult{Response: resp, Err: err}
		close(p.done)
		won = true
	})
	return won
}

// Done is closed when the request reaches a terminal state.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the result and true once Done is closed.
func (p *PendingRequest) Outcome() (RequestResult, bool) {
	select {
	case <-p.done:
		return p.result, true
	default:
		return RequestResult{}, false
	}
}

// Wait blocks until the request completes or ctx is done.
func (p *PendingRequest) Wait(ctx context.Context) (wire.Response, error) {
	select {
	case <-p.done:
		return p.result.Response, p.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// requestTable correlates outbound requests with their responses.
type requestTable struct {
	pending map[string]*PendingRequest
	mu      sync.Mutex
	now     func() time.Time

	// onComplete observes every terminal transition; used for metrics.
	onComplete func(p *PendingRequest, err error)
}

func newRequestTable() *requestTable {
	return &requestTable{
		pending: make(map[string]*PendingRequest),
		now:     time.Now,
	}
}

// Begin registers a request to to and arms its timeout.
func (t *requestTable) Begin(to peer.ID, timeout time.Duration) *PendingRequest {
	now := t.now()
	p := &PendingRequest{
		ID:       uuid.NewString(),
		Peer:     to,
		IssuedAt: now,
		Deadline: now.Add(timeout),
		done:     make(chan struct{}),
	}

	t.mu.Lock()
	t.pending[p.ID] = p
	p.timer = time.AfterFunc(timeout, func() {
		t.finish(p.ID, nil, p2perr.Timeout(timeout))
	})
	t.mu.Unlock()
	return p
}

// Resolve completes the request id with resp. It returns false for unknown, late or
// misaddressed responses, which callers drop.
func (t *requestTable) Resolve(id string, from peer.ID, resp wire.Response) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok || p.Peer != from {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	t.mu.Unlock()

	return t.settle(p, resp, nil)
}

// failFrom completes the request id with err when it was addressed to from.
func (t *requestTable) failFrom(id string, from peer.ID, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if !ok || p.Peer != from {
		t.mu.Unlock()
		return false
	}
	delete(t.pending, id)
	t.mu.Unlock()

	return t.settle(p, nil, err)
}

// Fail completes the request id with err.
func (t *requestTable) Fail(id string, err error) bool {
	return t.finish(id, nil, err)
}

// FailAll completes every outstanding request with err and returns how many there were.
func (t *requestTable) FailAll(err error) int {
	t.mu.Lock()
	all := make([]*PendingRequest, 0, len(t.pending))
	for id, p := range t.pending {
		all = append(all, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, p := range all {
		t.settle(p, nil, err)
	}
	return len(all)
}

// Len returns the number of outstanding requests.
func (t *requestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *requestTable) finish(id string, resp wire.Response, err error) bool {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return t.settle(p, resp, err)
}

func (t *requestTable) settle(p *PendingRequest, resp wire.Response, err error) bool {
	p.timer.Stop()
	if !p.complete(resp, err) {
		return false
	}
	if t.onComplete != nil {
		t.onComplete(p, err)
	}
	return true
}
