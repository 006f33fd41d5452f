package network

import (
	"errors"
	"fmt"
	"sync"
)

// memNetwork connects memTransports by listen address.
type memNetwork struct {
	mu       sync.Mutex
	nextPort int
	byAddr   map[string]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nextPort: 40000, byAddr: make(map[string]*memTransport)}
}

// memTransport delivers frames synchronously into the target's event channel. Unknown
// addresses come back as EventSendFailed, like an unreachable ZMQ endpoint.
type memTransport struct {
	net      *memNetwork
	identity string
	events   chan TransportEvent

	mu     sync.Mutex
	addrs  []string
	closed bool
	sent   int
	closes []string
}

func (n *memNetwork) transport(identity string) *memTransport {
	return &memTransport{
		net:      n,
		identity: identity,
		events:   make(chan TransportEvent, 4096),
	}
}

func (t *memTransport) Listen(addrs []string) ([]string, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no listen address")
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()

	bound := make([]string, 0, len(addrs))
	for range addrs {
		t.net.nextPort++
		addr := fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", t.net.nextPort)
		t.net.byAddr[addr] = t
		bound = append(bound, addr)
	}
	t.mu.Lock()
	t.addrs = bound
	t.mu.Unlock()
	return bound, nil
}

func (t *memTransport) Send(id string, addrs []string, frame []byte, tag string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.New("transport closed")
	}
	t.sent++
	t.mu.Unlock()

	t.net.mu.Lock()
	var target *memTransport
	for _, a := range addrs {
		if tr, ok := t.net.byAddr[a]; ok {
			target = tr
			break
		}
	}
	t.net.mu.Unlock()

	if target == nil || target.identity != id || !target.deliver(t.identity, frame) {
		t.inject(TransportEvent{Kind: EventSendFailed, Peer: id, Tag: tag, Err: errors.New("unreachable")})
	}
	return nil
}

func (t *memTransport) deliver(from string, frame []byte) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	return t.inject(TransportEvent{Kind: EventFrame, Peer: from, Data: append([]byte(nil), frame...)})
}

func (t *memTransport) inject(ev TransportEvent) bool {
	select {
	case t.events <- ev:
		return true
	default:
		return false
	}
}

func (t *memTransport) ClosePeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes = append(t.closes, id)
}

func (t *memTransport) closedPeers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.closes...)
}

func (t *memTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	addrs := t.addrs
	t.mu.Unlock()

	t.net.mu.Lock()
	for _, a := range addrs {
		if t.net.byAddr[a] == t {
			delete(t.net.byAddr, a)
		}
	}
	t.net.mu.Unlock()
	return nil
}

var _ Transport = (*memTransport)(nil)
