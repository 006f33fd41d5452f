package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
)

// ZmqConfig tunes the ZeroMQ transport.
type ZmqConfig struct {
	DialTimeout time.Duration
	DialRetry   time.Duration
	SendQueue   int // frames buffered per peer
	EventQueue  int
}

// DefaultZmqConfig returns a configuration with sensible defaults.
func DefaultZmqConfig() ZmqConfig {
	return ZmqConfig{
		DialTimeout: 10 * time.Second,
		DialRetry:   250 * time.Millisecond,
		SendQueue:   256,
		EventQueue:  1024,
	}
}

type outFrame struct {
	data []byte
	tag  string
}

type peerWriter struct {
	id     string
	addrs  []string
	queue  chan outFrame
	cancel context.CancelFunc
}

// ZmqTransport is a ZeroMQ transport with the ROUTER/DEALER pattern: one ROUTER bound to
// every listen address receives, and one DEALER per remote peer sends. Every DEALER
// carries the local identity, so the ROUTER sees the sender's peer id as the first frame.
type ZmqTransport struct {
	identity string
	config   ZmqConfig

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	writers map[string]*peerWriter
	events  chan TransportEvent

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewZmqTransport creates a transport whose sockets identify as identity.
func NewZmqTransport(identity string, config ZmqConfig) *ZmqTransport {
	if config.SendQueue <= 0 {
		config.SendQueue = DefaultZmqConfig().SendQueue
	}
	if config.EventQueue <= 0 {
		config.EventQueue = DefaultZmqConfig().EventQueue
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ZmqTransport{
		identity: identity,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
		writers:  make(map[string]*peerWriter),
		events:   make(chan TransportEvent, config.EventQueue),
	}
}

// Listen binds the ROUTER socket to every address and starts receiving.
func (t *ZmqTransport) Listen(addrs []string) ([]string, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no listen address", p2perr.ErrListen)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, fmt.Errorf("%w: transport closed", p2perr.ErrListen)
	}
	if t.router != nil {
		return nil, fmt.Errorf("%w: already listening", p2perr.ErrListen)
	}

	router := zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.identity)))
	bound := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		endpoint, err := endpointFromMultiaddr(addr)
		if err != nil {
			_ = router.Close()
			return nil, err
		}
		if err := router.Listen(endpoint); err != nil {
			_ = router.Close()
			return nil, fmt.Errorf("%w: %s: %v", p2perr.ErrListen, addr, err)
		}
		actual, err := manet.FromNetAddr(router.Addr())
		if err != nil {
			bound = append(bound, addr)
			continue
		}
		bound = append(bound, actual.String())
	}
	t.router = router

	t.wg.Add(1)
	go t.receiverLoop()

	log.Infof("zmq transport listening on %s", strings.Join(bound, ", "))
	return bound, nil
}

// Send queues frame on the writer of peer id.
func (t *ZmqTransport) Send(id string, addrs []string, frame []byte, tag string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport closed", p2perr.ErrConnection)
	}
	w, ok := t.writers[id]
	if !ok {
		if len(addrs) == 0 {
			t.mu.Unlock()
			return fmt.Errorf("%w: no address for %s", p2perr.ErrConnection, id)
		}
		ctx, cancel := context.WithCancel(t.ctx)
		w = &peerWriter{
			id:     id,
			addrs:  append([]string(nil), addrs...),
			queue:  make(chan outFrame, t.config.SendQueue),
			cancel: cancel,
		}
		t.writers[id] = w
		t.wg.Add(1)
		go t.writerLoop(ctx, w)
	}
	t.mu.Unlock()

	select {
	case w.queue <- outFrame{data: frame, tag: tag}:
		return nil
	default:
		return fmt.Errorf("%w: send queue to %s is full", p2perr.ErrConnection, id)
	}
}

// ClosePeer stops the writer of peer id and closes its DEALER socket.
func (t *ZmqTransport) ClosePeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if w, ok := t.writers[id]; ok {
		w.cancel()
		delete(t.writers, id)
	}
}

// Events returns the inbound event stream.
func (t *ZmqTransport) Events() <-chan TransportEvent {
	return t.events
}

// Close shuts down every socket and waits for the transport goroutines.
func (t *ZmqTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()

	var err error
	if t.router != nil {
		err = t.router.Close()
	}
	t.writers = make(map[string]*peerWriter)
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// receiverLoop continuously receives messages from the ROUTER socket.
func (t *ZmqTransport) receiverLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.router.Recv()
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			log.Debugf("zmq recv: %v", err)
			continue
		}

		// [identity, payload]
		if len(msg.Frames) < 2 {
			continue
		}
		t.emit(TransportEvent{
			Kind: EventFrame,
			Peer: string(msg.Frames[0]),
			Data: msg.Frames[len(msg.Frames)-1],
		})
	}
}

// writerLoop owns the DEALER socket of one peer. The socket is dialed on first use and
// redialed after a failed send.
func (t *ZmqTransport) writerLoop(ctx context.Context, w *peerWriter) {
	defer t.wg.Done()

	var dealer zmq4.Socket
	defer func() {
		if dealer != nil {
			_ = dealer.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-w.queue:
			if dealer == nil {
				d, err := t.dial(ctx, w.addrs)
				if err != nil {
					t.fail(w.id, f.tag, err)
					continue
				}
				dealer = d
			}
			if err := dealer.Send(zmq4.NewMsg(f.data)); err != nil {
				t.fail(w.id, f.tag, fmt.Errorf("%w: %v", p2perr.ErrConnection, err))
				_ = dealer.Close()
				dealer = nil
			}
		}
	}
}

func (t *ZmqTransport) dial(ctx context.Context, addrs []string) (zmq4.Socket, error) {
	var lastErr error
	for _, addr := range addrs {
		endpoint, err := endpointFromMultiaddr(addr)
		if err != nil {
			lastErr = err
			continue
		}
		dealer := zmq4.NewDealer(ctx,
			zmq4.WithID(zmq4.SocketIdentity(t.identity)),
			zmq4.WithDialerTimeout(t.config.DialTimeout),
			zmq4.WithDialerRetry(t.config.DialRetry),
		)
		if err := dealer.Dial(endpoint); err != nil {
			_ = dealer.Close()
			lastErr = fmt.Errorf("%w: failed to connect to %s: %v", p2perr.ErrConnection, endpoint, err)
			continue
		}
		return dealer, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no address", p2perr.ErrConnection)
	}
	return nil, lastErr
}

func (t *ZmqTransport) fail(id, tag string, err error) {
	log.Debugf("send to %s failed: %v", id, err)
	t.emit(TransportEvent{Kind: EventSendFailed, Peer: id, Tag: tag, Err: err})
}

func (t *ZmqTransport) emit(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}

// endpointFromMultiaddr converts /ip4/1.2.3.4/tcp/4001 into tcp://1.2.3.4:4001.
func endpointFromMultiaddr(addr string) (string, error) {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", p2perr.ErrAddressParse, addr, err)
	}
	network, hostport, err := manet.DialArgs(m)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", p2perr.ErrAddressParse, addr, err)
	}
	if !strings.HasPrefix(network, "tcp") {
		return "", fmt.Errorf("%w: %q: unsupported network %s", p2perr.ErrAddressParse, addr, network)
	}
	return "tcp://" + hostport, nil
}

var _ Transport = (*ZmqTransport)(nil)
