package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VanDung-dev/FAIC-Node/amount"
	faicarrow "github.com/VanDung-dev/FAIC-Node/arrow"
	"github.com/VanDung-dev/FAIC-Node/p2perr"
	"github.com/VanDung-dev/FAIC-Node/wire"
)

// ErrTransactionRejected is returned when the serving peer refuses a transaction.
var ErrTransactionRejected = errors.New("transaction rejected")

// Discovery finds peers.
type Discovery interface {
	DiscoverPeers(ctx context.Context) ([]peer.ID, error)
}

// Broadcaster propagates messages by gossip.
type Broadcaster interface {
	Broadcast(ctx context.Context, data []byte) error
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) *Subscription
}

// Sender talks to a single peer.
type Sender interface {
	SendTo(ctx context.Context, id peer.ID, data []byte) error
	Request(ctx context.Context, to peer.ID, req wire.Request) (wire.Response, error)
}

// PeerQuery exposes the node's view of the network.
type PeerQuery interface {
	GetPeers() []peer.ID
	GetState() NetworkState
}

var (
	_ Discovery   = (*Node)(nil)
	_ Broadcaster = (*Node)(nil)
	_ Sender      = (*Node)(nil)
	_ PeerQuery   = (*Node)(nil)
)

// NetworkState is a point-in-time summary of the node.
type NetworkState struct {
	PeerID          peer.ID         `json:"peer_id"`
	ListenAddrs     []string        `json:"listen_addrs"`
	Running         bool            `json:"running"`
	Uptime          time.Duration   `json:"uptime"`
	KnownPeers      int             `json:"known_peers"`
	ConnectedPeers  int             `json:"connected_peers"`
	OnlinePeers     int             `json:"online_peers"`
	PendingRequests int             `json:"pending_requests"`
	QueuedCommands  int             `json:"queued_commands"`
	Gossip          RouterStats     `json:"gossip"`
	Dispatcher      DispatcherStats `json:"dispatcher"`
}

// AccountState is the balance of an address as reported by a peer.
type AccountState struct {
	Address string
	Balance amount.Amount
	Source  peer.ID
}

// TxReceipt acknowledges a submitted transaction.
type TxReceipt struct {
	TxHash     string
	AcceptedBy peer.ID
	Gossiped   bool
}

// SendRequest sends req to a known peer and returns its completion handle. A zero
// timeout uses the configured request timeout.
func (n *Node) SendRequest(ctx context.Context, to peer.ID, req wire.Request, timeout time.Duration) (*PendingRequest, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := n.peers.Get(to)
	if !ok {
		return nil, p2perr.PeerNotFound(to)
	}
	if rec.Banned {
		return nil, p2perr.Peer(p2perr.ErrPeerBanned, to, "")
	}
	if timeout <= 0 {
		timeout = n.config.RequestTimeout
	}

	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	pending := n.requests.Begin(to, timeout)
	env := n.stamp(&wire.Envelope{
		Kind:          wire.KindRequest,
		CorrelationID: pending.ID,
		Payload:       payload,
	})
	frame, err := n.codec.Encode(env)
	if err != nil {
		n.requests.Fail(pending.ID, err)
		return nil, err
	}

	err = n.enqueue(func() {
		if err := n.sendFrame(to, wire.KindRequest, frame, pending.ID); err != nil {
			n.requests.Fail(pending.ID, err)
		}
	})
	if err != nil {
		n.requests.Fail(pending.ID, err)
		return nil, err
	}
	return pending, nil
}

// Request sends req and waits for the answer. Cancelling ctx abandons the request.
func (n *Node) Request(ctx context.Context, to peer.ID, req wire.Request) (wire.Response, error) {
	pending, err := n.SendRequest(ctx, to, req, 0)
	if err != nil {
		return nil, err
	}
	resp, err := pending.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		n.requests.Fail(pending.ID, err)
	}
	return resp, err
}

// DiscoverPeers runs an iterative lookup for the local id, seeded with the closest known
// peers or, failing that, the bootstrap list. Learned peers are added to the directory.
// When no seed answers, the closest known peers are returned. ErrDiscovery is returned
// only when there is nothing to seed the lookup with.
func (n *Node) DiscoverPeers(ctx context.Context) ([]peer.ID, error) {
	if err := n.checkRunning(); err != nil {
		return nil, err
	}

	var seeds []peer.ID
	for _, rec := range n.peers.Closest(n.id, n.config.Lookup.K) {
		seeds = append(seeds, rec.ID)
	}
	if len(seeds) == 0 {
		for _, b := range n.peers.Bootstrap() {
			n.peers.AddPeer(b.ID, b.Addrs)
			seeds = append(seeds, b.ID)
		}
	}
	if len(seeds) == 0 {
		n.metrics.LookupsTotal.WithLabelValues("no_seeds").Inc()
		return nil, fmt.Errorf("%w: no known peers and no bootstrap nodes", p2perr.ErrDiscovery)
	}

	found := iterativeFind(ctx, n.id, n.id, seeds, n.config.Lookup, n.findPeers, func(id peer.ID, addrs []string) {
		n.peers.AddPeer(id, addrs)
	})
	if len(found) == 0 {
		// Nobody answered: report what the directory already knows.
		n.metrics.LookupsTotal.WithLabelValues("empty").Inc()
		for _, rec := range n.peers.Closest(n.id, n.config.Lookup.K) {
			found = append(found, rec.ID)
		}
		return found, nil
	}
	n.metrics.LookupsTotal.WithLabelValues("ok").Inc()
	return found, nil
}

func (n *Node) findPeers(ctx context.Context, p peer.ID, target peer.ID) ([]wire.PeerInfo, error) {
	resp, err := n.Request(ctx, p, wire.FindPeers{Target: target.String()})
	if err != nil {
		return nil, err
	}
	switch r := resp.(type) {
	case wire.PeersResponse:
		return r.Peers, nil
	case wire.ErrorResponse:
		return nil, p2perr.Peer(p2perr.ErrDiscovery, p, r.Message)
	default:
		return nil, p2perr.Protocol("unexpected %T to FindPeers", resp)
	}
}

// Broadcast publishes data on the default topic.
func (n *Node) Broadcast(ctx context.Context, data []byte) error {
	return n.Publish(ctx, wire.GossipTopic, data)
}

// Publish gossips data on topic to a random subset of connected peers.
func (n *Node) Publish(ctx context.Context, topic string, data []byte) error {
	reply := make(chan error, 1)
	err := n.enqueue(func() {
		reply <- n.publish(topic, data)
	})
	if err != nil {
		if errors.Is(err, p2perr.ErrProtocol) {
			return p2perr.Peer(p2perr.ErrBroadcast, n.id, "outbound queue full")
		}
		return err
	}
	return n.await(ctx, reply)
}

// Subscribe registers a local subscription to topic.
func (n *Node) Subscribe(topic string) *Subscription {
	return n.router.Subscribe(topic)
}

// SendTo delivers data to one online peer as a direct message.
func (n *Node) SendTo(ctx context.Context, id peer.ID, data []byte) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	rec, ok := n.peers.Get(id)
	switch {
	case !ok:
		return p2perr.PeerNotFound(id)
	case rec.Banned:
		return p2perr.Peer(p2perr.ErrPeerBanned, id, "")
	case !rec.Online:
		return p2perr.Peer(p2perr.ErrPeerOffline, id, "")
	}

	frame, err := n.codec.Encode(n.stamp(&wire.Envelope{Kind: wire.KindData, Payload: data}))
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	if err := n.enqueue(func() {
		reply <- n.sendFrame(id, wire.KindData, frame, "")
	}); err != nil {
		return err
	}
	return n.await(ctx, reply)
}

func (n *Node) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		select {
		case err := <-reply:
			return err
		default:
			return p2perr.ErrShuttingDown
		}
	}
}

// DirectMessages returns the stream of payloads other peers sent with SendTo.
func (n *Node) DirectMessages() <-chan DirectMessage {
	return n.direct
}

// GetPeers returns the ids of connected peers.
func (n *Node) GetPeers() []peer.ID {
	return n.peers.ConnectedIDs()
}

// GetState returns a summary of the node.
func (n *Node) GetState() NetworkState {
	state := NetworkState{
		PeerID:          n.id,
		ListenAddrs:     n.ListenAddrs(),
		Running:         n.IsRunning(),
		KnownPeers:      n.peers.Len(),
		ConnectedPeers:  n.peers.ConnectedCount(),
		OnlinePeers:     len(n.peers.OnlineIDs()),
		PendingRequests: n.requests.Len(),
		QueuedCommands:  len(n.commands),
		Gossip:          n.router.GetStats(),
		Dispatcher:      n.dispatcher.GetStats(),
	}
	if state.Running {
		state.Uptime = time.Since(n.startedAt)
	}
	return state
}

// Connect adds a peer explicitly and greets it with a heartbeat.
func (n *Node) Connect(id peer.ID, addrs []string) error {
	if err := n.checkRunning(); err != nil {
		return err
	}
	if err := n.peers.Connect(id, addrs); err != nil {
		return err
	}
	err := n.enqueue(func() {
		if err := n.sendEnvelope(id, &wire.Envelope{Kind: wire.KindHeartbeat}, ""); err != nil {
			log.Debugf("greeting %s: %v", id, err)
		}
	})
	if err != nil {
		log.Debugf("greeting %s not queued: %v", id, err)
	}
	return nil
}

// Disconnect forgets a peer and closes its connection.
func (n *Node) Disconnect(id peer.ID) error {
	if err := n.peers.RemovePeer(id); err != nil {
		return err
	}
	n.dropConnection(id)
	return nil
}

// Ban disconnects id and ignores it for d.
func (n *Node) Ban(id peer.ID, d time.Duration) {
	n.peers.Ban(id, d)
	n.metrics.PeersBanned.Inc()
	n.dropConnection(id)
	log.Infof("banned %s for %s", id, d)
}

func (n *Node) dropConnection(id peer.ID) {
	err := n.enqueue(func() {
		delete(n.limiters, id)
		n.transport.ClosePeer(id.String())
	})
	if err != nil {
		log.Debugf("closing %s: %v", id, err)
	}
}

// onlinePeer picks the first online connected peer.
func (n *Node) onlinePeer() (peer.ID, error) {
	online := n.peers.OnlineIDs()
	if len(online) == 0 {
		return "", fmt.Errorf("%w: no online peer", p2perr.ErrPeerOffline)
	}
	return online[0], nil
}

// GetAccountState asks an online peer for the balance of address.
func (n *Node) GetAccountState(ctx context.Context, address string) (AccountState, error) {
	target, err := n.onlinePeer()
	if err != nil {
		return AccountState{}, err
	}
	resp, err := n.Request(ctx, target, wire.GetBalance{Address: address})
	if err != nil {
		return AccountState{}, fmt.Errorf("%w: %w", p2perr.ErrStateSync, err)
	}
	switch r := resp.(type) {
	case wire.GetBalanceResponse:
		return AccountState{Address: address, Balance: r.Balance, Source: target}, nil
	case wire.ErrorResponse:
		return AccountState{}, p2perr.Peer(p2perr.ErrStateSync, target, r.Message)
	default:
		return AccountState{}, p2perr.Protocol("unexpected %T to GetBalance", resp)
	}
}

// BroadcastTransaction submits a serialized transaction to an online peer and gossips it.
// A gossip failure does not fail the submission; it is reported in the receipt.
func (n *Node) BroadcastTransaction(ctx context.Context, tx []byte) (TxReceipt, error) {
	target, err := n.onlinePeer()
	if err != nil {
		return TxReceipt{}, err
	}
	resp, err := n.Request(ctx, target, wire.SendTransaction{Transaction: tx})
	if err != nil {
		return TxReceipt{}, err
	}

	var receipt TxReceipt
	switch r := resp.(type) {
	case wire.SendTransactionResponse:
		receipt = TxReceipt{TxHash: r.TxHash, AcceptedBy: target}
	case wire.ErrorResponse:
		return TxReceipt{}, fmt.Errorf("%w by %s: %s", ErrTransactionRejected, target, r.Message)
	default:
		return TxReceipt{}, p2perr.Protocol("unexpected %T to SendTransaction", resp)
	}

	if err := n.Broadcast(ctx, tx); err != nil {
		log.Debugf("gossip of transaction %s: %v", receipt.TxHash, err)
	} else {
		receipt.Gossiped = true
	}
	return receipt, nil
}

// GetTransactionStatus asks an online peer for the status of a transaction.
func (n *Node) GetTransactionStatus(ctx context.Context, txHash string) (wire.TxStatus, error) {
	target, err := n.onlinePeer()
	if err != nil {
		return 0, err
	}
	resp, err := n.Request(ctx, target, wire.GetTransactionStatus{TxHash: txHash})
	if err != nil {
		return 0, err
	}
	switch r := resp.(type) {
	case wire.TransactionStatusResponse:
		return r.Status, nil
	case wire.ErrorResponse:
		return 0, p2perr.Peer(p2perr.ErrStateSync, target, r.Message)
	default:
		return 0, p2perr.Protocol("unexpected %T to GetTransactionStatus", resp)
	}
}

// PeerSnapshot exports the directory as an Arrow IPC stream stamped with this node's id.
func (n *Node) PeerSnapshot() ([]byte, error) {
	records := n.peers.ListPeers()
	rows := make([]faicarrow.PeerRow, len(records))
	for i, rec := range records {
		rows[i] = faicarrow.PeerRow{
			PeerID:      rec.ID.String(),
			Addresses:   rec.Addrs,
			Online:      rec.Online,
			LastSeen:    rec.LastSeen,
			Banned:      rec.Banned,
			BannedUntil: rec.BannedUntil,
			Connected:   rec.Connected,
		}
	}
	return faicarrow.NewSnapshotCodec(nil).Encode(faicarrow.Snapshot{
		NodeID:  n.id.String(),
		TakenAt: time.Now(),
		Peers:   rows,
	})
}
