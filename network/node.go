package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/VanDung-dev/FAIC-Node/monitoring"
	"github.com/VanDung-dev/FAIC-Node/p2perr"
	"github.com/VanDung-dev/FAIC-Node/wire"
)

// NodeConfig defines configuration for a Node.
type NodeConfig struct {
	ListenAddrs []string
	Bootstrap   []BootstrapPeer
	MaxPeers    int

	HeartbeatInterval time.Duration
	// A peer silent for StaleAfter heartbeat intervals is marked offline.
	StaleAfter     int
	RequestTimeout time.Duration

	CommandQueueSize int
	Workers          int
	WorkerQueueSize  int
	DirectQueueSize  int

	// Inbound frames per second accepted from a single peer.
	InboundRate  rate.Limit
	InboundBurst int

	MaxFrameSize    int
	FrameHeaderSize int

	Gossip GossipConfig
	Lookup LookupConfig

	Handler RequestHandler
	Metrics *monitoring.Metrics
}

// DefaultNodeConfig returns a configuration with sensible defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddrs:       []string{"/ip4/0.0.0.0/tcp/0"},
		MaxPeers:          100,
		HeartbeatInterval: 60 * time.Second,
		StaleAfter:        3,
		RequestTimeout:    30 * time.Second,
		CommandQueueSize:  256,
		Workers:           4,
		WorkerQueueSize:   64,
		DirectQueueSize:   256,
		InboundRate:       rate.Limit(100),
		InboundBurst:      200,
		MaxFrameSize:      wire.DefaultMaxFrameSize,
		FrameHeaderSize:   wire.HeaderSize32,
		Gossip:            DefaultGossipConfig(),
		Lookup:            DefaultLookupConfig(),
	}
}

// DirectMessage is a payload sent to this node with SendTo.
type DirectMessage struct {
	From peer.ID
	Data []byte
}

// command is a unit of work executed on the event loop goroutine.
type command func()

const (
	stateCreated int32 = iota
	stateRunning
	stateStopping
	stateStopped
)

// Node is the networking core: a single event loop owning the transport, the gossip
// router and the request table, fed by a bounded command queue.
type Node struct {
	id        peer.ID
	config    NodeConfig
	codec     wire.Codec
	transport Transport

	peers      *Directory
	router     *Router
	requests   *requestTable
	dispatcher *Dispatcher
	metrics    *monitoring.Metrics

	commands chan command
	direct   chan DirectMessage

	// Loop-owned.
	limiters map[peer.ID]*rate.Limiter

	listenAddrs []string
	startedAt   time.Time

	state         atomic.Int32
	lookupRunning atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewNode creates a node for identity id on top of transport.
func NewNode(id peer.ID, transport Transport, config NodeConfig) (*Node, error) {
	if id == "" {
		return nil, errors.New("empty peer id")
	}
	if transport == nil {
		return nil, errors.New("nil transport")
	}
	defaults := DefaultNodeConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.CommandQueueSize <= 0 {
		config.CommandQueueSize = defaults.CommandQueueSize
	}
	if config.DirectQueueSize <= 0 {
		config.DirectQueueSize = defaults.DirectQueueSize
	}
	if config.InboundRate <= 0 {
		config.InboundRate = defaults.InboundRate
	}
	if config.InboundBurst <= 0 {
		config.InboundBurst = defaults.InboundBurst
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = defaults.MaxFrameSize
	}
	if config.FrameHeaderSize == 0 {
		config.FrameHeaderSize = defaults.FrameHeaderSize
	}
	if config.Lookup.Alpha <= 0 || config.Lookup.K <= 0 || config.Lookup.Rounds <= 0 {
		config.Lookup = defaults.Lookup
	}

	codec, err := wire.NewCodec(config.MaxFrameSize, config.FrameHeaderSize)
	if err != nil {
		return nil, err
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics("faic", prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:         id,
		config:     config,
		codec:      codec,
		transport:  transport,
		peers:      NewDirectory(id, config.MaxPeers, config.Bootstrap),
		router:     NewRouter(id, config.Gossip),
		requests:   newRequestTable(),
		dispatcher: NewDispatcher(config.Handler, config.Workers, config.WorkerQueueSize, config.RequestTimeout),
		metrics:    metrics,
		commands:   make(chan command, config.CommandQueueSize),
		direct:     make(chan DirectMessage, config.DirectQueueSize),
		limiters:   make(map[peer.ID]*rate.Limiter),
		ctx:        ctx,
		cancel:     cancel,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	n.requests.onComplete = n.observeRequest
	return n, nil
}

// ID returns the local peer id.
func (n *Node) ID() peer.ID {
	return n.id
}

// Directory returns the peer directory.
func (n *Node) Directory() *Directory {
	return n.peers
}

// ListenAddrs returns the addresses bound by Start.
func (n *Node) ListenAddrs() []string {
	return append([]string(nil), n.listenAddrs...)
}

// Start binds the transport, seeds the directory with the bootstrap list and starts the
// event loop. A first discovery round runs in the background when bootstrap peers exist.
func (n *Node) Start() error {
	if !n.state.CompareAndSwap(stateCreated, stateRunning) {
		return errors.New("node already started")
	}

	bound, err := n.transport.Listen(n.config.ListenAddrs)
	if err != nil {
		n.state.Store(stateStopped)
		n.cancel()
		n.dispatcher.Shutdown()
		close(n.done)
		if errors.Is(err, p2perr.ErrListen) {
			return err
		}
		return fmt.Errorf("%w: %v", p2perr.ErrListen, err)
	}
	n.listenAddrs = bound
	n.startedAt = time.Now()

	for _, b := range n.config.Bootstrap {
		n.peers.AddPeer(b.ID, b.Addrs)
	}

	go n.run()

	if len(n.config.Bootstrap) > 0 {
		n.startBackgroundLookup()
	}

	log.Infof("node %s started on %v", n.id, bound)
	return nil
}

// Stop shuts the node down: the loop observes it at the top of its next iteration,
// fails every pending request with ErrShuttingDown and closes the transport.
func (n *Node) Stop() {
	if n.state.CompareAndSwap(stateRunning, stateStopping) {
		close(n.stopCh)
	}
	if n.state.Load() == stateCreated {
		return
	}
	<-n.done
	n.wg.Wait()
	n.stopOnce.Do(func() {
		n.state.Store(stateStopped)
		log.Infof("node %s stopped", n.id)
	})
}

// Done is closed once the event loop has exited.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// IsRunning returns whether the node is accepting work.
func (n *Node) IsRunning() bool {
	return n.state.Load() == stateRunning
}

func (n *Node) checkRunning() error {
	switch n.state.Load() {
	case stateRunning:
		return nil
	case stateCreated:
		return p2perr.ErrNodeNotRunning
	default:
		return p2perr.ErrShuttingDown
	}
}

// enqueue hands cmd to the loop without blocking.
func (n *Node) enqueue(cmd command) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	select {
	case n.commands <- cmd:
		return nil
	default:
		return p2perr.Protocol("outbound queue full")
	}
}

func (n *Node) run() {
	defer close(n.done)

	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	events := n.transport.Events()
	results := n.dispatcher.Results()

	for {
		select {
		case <-n.stopCh:
			n.shutdown()
			return
		default:
		}

		select {
		case <-n.stopCh:
			n.shutdown()
			return
		case ev := <-events:
			n.handleTransportEvent(ev)
		case cmd := <-n.commands:
			cmd()
		case <-ticker.C:
			n.tick()
		case res := <-results:
			n.handleDispatchResult(res)
		}
	}
}

func (n *Node) shutdown() {
	n.cancel()
	failed := n.requests.FailAll(p2perr.ErrShuttingDown)
	n.dispatcher.Shutdown()
	if err := n.transport.Close(); err != nil {
		log.Debugf("transport close: %v", err)
	}
	log.Debugf("event loop exiting, failed %d pending requests", failed)
}

// tick runs the periodic maintenance: heartbeats, ban expiry, staleness and a
// background self-lookup.
func (n *Node) tick() {
	for _, id := range n.peers.ConnectedIDs() {
		n.sendEnvelope(id, &wire.Envelope{Kind: wire.KindHeartbeat}, "")
	}

	for _, id := range n.peers.PruneBans() {
		delete(n.limiters, id)
		log.Debugf("ban on %s expired", id)
	}

	silence := time.Duration(n.config.StaleAfter) * n.config.HeartbeatInterval
	for _, id := range n.peers.MarkStale(silence) {
		log.Debugf("peer %s silent for %s, marked offline", id, silence)
	}
	if pruned := n.pruneLimiters(silence); pruned > 0 {
		log.Debugf("released %d inbound rate limiters", pruned)
	}

	if n.peers.Len() > 0 || len(n.config.Bootstrap) > 0 {
		n.startBackgroundLookup()
	}
	n.updateGauges()
}

// pruneLimiters drops the limiters of peers that left the directory or have been
// silent for longer than silence.
func (n *Node) pruneLimiters(silence time.Duration) int {
	pruned := 0
	for id := range n.limiters {
		if idle, ok := n.peers.Idle(id); ok && idle <= silence {
			continue
		}
		delete(n.limiters, id)
		pruned++
	}
	return pruned
}

func (n *Node) updateGauges() {
	n.metrics.UpdatePeers(n.peers.Len(), n.peers.ConnectedCount(), len(n.peers.OnlineIDs()))
	stats := n.dispatcher.GetStats()
	n.metrics.UpdateLoop(len(n.commands), n.requests.Len(), stats.Active, stats.Pending)
}

func (n *Node) startBackgroundLookup() {
	if !n.lookupRunning.CompareAndSwap(false, true) {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.lookupRunning.Store(false)

		ctx, cancel := context.WithTimeout(n.ctx, n.config.RequestTimeout*time.Duration(n.config.Lookup.Rounds))
		defer cancel()
		if _, err := n.DiscoverPeers(ctx); err != nil && n.ctx.Err() == nil {
			log.Debugf("background lookup: %v", err)
		}
	}()
}

func (n *Node) handleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case EventSendFailed:
		n.handleSendFailed(ev)
	case EventFrame:
		n.handleFrame(ev)
	}
}

func (n *Node) handleSendFailed(ev TransportEvent) {
	n.metrics.SendFailures.Inc()
	id, err := peer.Decode(ev.Peer)
	if err != nil {
		return
	}
	n.peers.MarkOffline(id)
	n.transport.ClosePeer(ev.Peer)
	if ev.Tag != "" {
		n.requests.Fail(ev.Tag, p2perr.Peer(p2perr.ErrConnection, id, errString(ev.Err)))
	}
	log.Debugf("peer %s marked offline after send failure: %v", id, ev.Err)
}

func (n *Node) handleFrame(ev TransportEvent) {
	from, err := peer.Decode(ev.Peer)
	if err != nil {
		n.drop("bad_identity", "frame from undecodable identity %q", ev.Peer)
		return
	}
	if n.peers.IsBanned(from) {
		n.drop("banned", "frame from banned peer %s", from)
		return
	}

	limiter, ok := n.limiters[from]
	if !ok {
		limiter = rate.NewLimiter(n.config.InboundRate, n.config.InboundBurst)
		n.limiters[from] = limiter
	}
	if !limiter.Allow() {
		n.drop("rate_limited", "peer %s exceeded inbound rate", from)
		return
	}

	env, err := n.codec.Decode(ev.Data)
	if err != nil {
		n.drop("decode", "frame from %s: %v", from, err)
		return
	}
	if env.From != ev.Peer {
		n.drop("spoofed", "envelope from %q arrived on connection of %s", env.From, from)
		return
	}
	n.metrics.FramesReceived.WithLabelValues(env.Kind.String()).Inc()

	n.peers.AddPeer(from, env.Addrs)
	n.peers.Touch(from, env.Addrs)

	switch env.Kind {
	case wire.KindHeartbeat:
	case wire.KindRequest:
		n.handleRequest(from, env)
	case wire.KindResponse:
		n.handleResponse(from, env)
	case wire.KindData:
		if env.IsGossip() {
			n.handleGossip(from, env)
		} else {
			n.handleDirect(from, env)
		}
	}
}

func (n *Node) drop(reason, format string, args ...any) {
	n.metrics.FramesDropped.WithLabelValues(reason).Inc()
	log.Debugf("dropping "+format, args...)
}

func (n *Node) handleRequest(from peer.ID, env *wire.Envelope) {
	if env.CorrelationID == "" {
		n.drop("decode", "request from %s without correlation id", from)
		return
	}
	req, err := wire.DecodeRequest(env.Payload)
	if err != nil {
		n.reply(from, env.CorrelationID, "unknown", wire.ErrorResponse{Message: err.Error()})
		return
	}

	switch r := req.(type) {
	case wire.GetNodeInfo:
		n.reply(from, env.CorrelationID, requestName(req), wire.GetNodeInfoResponse{Info: n.nodeInfo()})
	case wire.FindPeers:
		n.reply(from, env.CorrelationID, requestName(req), n.findPeersResponse(from, r))
	default:
		task := &inboundTask{
			CorrelationID: env.CorrelationID,
			From:          from,
			Request:       req,
			ReceivedAt:    time.Now(),
		}
		if err := n.dispatcher.Submit(task); err != nil {
			n.reply(from, env.CorrelationID, requestName(req), wire.ErrorResponse{Message: ErrDispatcherBusy.Error()})
		}
	}
}

func (n *Node) nodeInfo() wire.NodeInfo {
	return wire.NodeInfo{
		PeerID:    n.id.String(),
		Addresses: n.ListenAddrs(),
		IsOnline:  n.IsRunning(),
	}
}

func (n *Node) findPeersResponse(from peer.ID, req wire.FindPeers) wire.Response {
	target, err := peer.Decode(req.Target)
	if err != nil {
		return wire.ErrorResponse{Message: fmt.Sprintf("invalid target: %v", err)}
	}
	closest := n.peers.Closest(target, n.config.Lookup.K+1)
	infos := make([]wire.PeerInfo, 0, len(closest))
	for _, rec := range closest {
		if rec.ID == from || len(rec.Addrs) == 0 {
			continue
		}
		infos = append(infos, wire.PeerInfo{ID: rec.ID.String(), Addrs: rec.Addrs})
		if len(infos) == n.config.Lookup.K {
			break
		}
	}
	return wire.PeersResponse{Peers: infos}
}

func (n *Node) handleDispatchResult(res *inboundResult) {
	resp := res.Response
	if res.Err != nil {
		resp = wire.ErrorResponse{Message: res.Err.Error()}
	}
	n.reply(res.To, res.CorrelationID, "application", resp)
}

func (n *Node) reply(to peer.ID, correlationID, reqType string, resp wire.Response) {
	status := "ok"
	if _, isErr := resp.(wire.ErrorResponse); isErr {
		status = "error"
	}
	n.metrics.RecordServed(reqType, status)

	payload, err := wire.EncodeResponse(resp)
	if err != nil {
		log.Errorf("encode response for %s: %v", to, err)
		return
	}
	env := &wire.Envelope{Kind: wire.KindResponse, CorrelationID: correlationID, Payload: payload}
	if err := n.sendEnvelope(to, env, ""); err != nil {
		log.Debugf("reply to %s: %v", to, err)
	}
}

func (n *Node) handleResponse(from peer.ID, env *wire.Envelope) {
	resp, err := wire.DecodeResponse(env.Payload)
	if err != nil {
		if !n.requests.failFrom(env.CorrelationID, from, err) {
			log.Debugf("malformed unmatched response from %s: %v", from, err)
		}
		return
	}
	if !n.requests.Resolve(env.CorrelationID, from, resp) {
		log.Debugf("dropping unmatched or late response %s from %s", env.CorrelationID, from)
	}
}

func (n *Node) handleGossip(from peer.ID, env *wire.Envelope) {
	out, fresh, err := n.router.HandleIncoming(from, env, n.peers.ConnectedIDs())
	if errors.Is(err, ErrTopicNotSubscribed) {
		n.drop("unsubscribed_topic", "gossip from %s on %q", from, env.Topic)
		return
	}
	if err != nil {
		n.drop("gossip", "gossip from %s: %v", from, err)
		return
	}
	if !fresh {
		n.metrics.GossipDuplicates.Inc()
		return
	}
	n.metrics.GossipDelivered.Inc()
	if out != nil {
		n.metrics.GossipForwarded.Inc()
		n.sendGossip(out)
	}
}

func (n *Node) handleDirect(from peer.ID, env *wire.Envelope) {
	select {
	case n.direct <- DirectMessage{From: from, Data: env.Payload}:
	default:
		n.drop("direct_queue_full", "direct message from %s", from)
	}
}

// publish runs on the loop.
func (n *Node) publish(topic string, data []byte) error {
	out, err := n.router.Publish(topic, data, n.peers.ConnectedIDs())
	if err != nil {
		return err
	}
	n.metrics.GossipPublished.Inc()
	if sent := n.sendGossip(out); sent == 0 {
		return p2perr.Peer(p2perr.ErrBroadcast, n.id, "no peer accepted the message")
	}
	return nil
}

func (n *Node) sendGossip(out *Outgoing) int {
	sent := 0
	for _, to := range out.Targets {
		env := &wire.Envelope{
			Kind:      wire.KindData,
			Topic:     out.Topic,
			MessageID: out.MessageID,
			Origin:    out.Origin.String(),
			Hops:      out.Hops,
			Payload:   out.Data,
		}
		if err := n.sendEnvelope(to, env, ""); err != nil {
			log.Debugf("gossip %s to %s: %v", out.MessageID, to, err)
			continue
		}
		sent++
	}
	return sent
}

// stamp fills the sender fields of env.
func (n *Node) stamp(env *wire.Envelope) *wire.Envelope {
	env.Protocol = wire.ProtocolID
	env.From = n.id.String()
	env.Addrs = n.listenAddrs
	return env
}

// sendEnvelope encodes env and hands it to the transport.
func (n *Node) sendEnvelope(to peer.ID, env *wire.Envelope, tag string) error {
	frame, err := n.codec.Encode(n.stamp(env))
	if err != nil {
		return err
	}
	return n.sendFrame(to, env.Kind, frame, tag)
}

// sendFrame runs on the loop. Immediate transport errors mark the peer offline.
func (n *Node) sendFrame(to peer.ID, kind wire.Kind, frame []byte, tag string) error {
	rec, ok := n.peers.Get(to)
	if !ok {
		return p2perr.PeerNotFound(to)
	}
	if err := n.transport.Send(to.String(), rec.Addrs, frame, tag); err != nil {
		n.metrics.SendFailures.Inc()
		n.peers.MarkOffline(to)
		return p2perr.Peer(p2perr.ErrConnection, to, err.Error())
	}
	n.metrics.FramesSent.WithLabelValues(kind.String()).Inc()
	return nil
}

func (n *Node) observeRequest(p *PendingRequest, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, p2perr.ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, p2perr.ErrShuttingDown):
		outcome = "shutdown"
	default:
		outcome = "failed"
	}
	n.metrics.RecordRequest(outcome, time.Since(p.IssuedAt))
}

func requestName(req wire.Request) string {
	switch req.(type) {
	case wire.GetBalance:
		return "get_balance"
	case wire.SendTransaction:
		return "send_transaction"
	case wire.GetNodeInfo:
		return "get_node_info"
	case wire.FindPeers:
		return "find_peers"
	case wire.GetTransactionStatus:
		return "get_transaction_status"
	default:
		return "unknown"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
