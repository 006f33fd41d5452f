package network

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/blake2b"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
	"github.com/VanDung-dev/FAIC-Node/wire"
)

// Gossip defaults.
const (
	DefaultFanout        = 6
	DefaultMaxHops       = 5
	DefaultSeenCacheSize = 1024
	DefaultSubscriptionQ = 64
)

// ErrTopicNotSubscribed rejects remote gossip on a topic nobody here subscribes to.
var ErrTopicNotSubscribed = errors.New("topic not subscribed")

// GossipMessage is a topic message delivered to local subscribers.
type GossipMessage struct {
	Topic        string
	ID           string
	Origin       peer.ID
	ReceivedFrom peer.ID
	Data         []byte
}

// Subscription receives the messages of one topic.
type Subscription struct {
	ID    uint64
	Topic string

	ch     chan GossipMessage
	router *Router
}

// Messages returns the delivery channel. It is closed by Cancel.
func (s *Subscription) Messages() <-chan GossipMessage {
	return s.ch
}

// Cancel unsubscribes. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.router.Unsubscribe(s)
}

type topicState struct {
	subs map[uint64]*Subscription
	seen *seenCache
}

// Outgoing describes a message the caller must send to Targets.
type Outgoing struct {
	Topic     string
	MessageID string
	Origin    peer.ID
	Hops      uint8
	Data      []byte
	Targets   []peer.ID
}

// GossipConfig tunes a Router.
type GossipConfig struct {
	Fanout        int
	MaxHops       uint8
	SeenCacheSize int
	QueueSize     int
}

// DefaultGossipConfig returns a configuration with sensible defaults.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{
		Fanout:        DefaultFanout,
		MaxHops:       DefaultMaxHops,
		SeenCacheSize: DefaultSeenCacheSize,
		QueueSize:     DefaultSubscriptionQ,
	}
}

// RouterStats contains gossip router statistics.
type RouterStats struct {
	Topics     int    `json:"topics"`
	Published  uint64 `json:"published"`
	Delivered  uint64 `json:"delivered"`
	Duplicates uint64 `json:"duplicates"`
	Dropped    uint64 `json:"dropped"`
	Forwarded  uint64 `json:"forwarded"`

	Unsubscribed uint64 `json:"unsubscribed"`
}

// Router handles topic subscriptions, message ids, deduplication and fan-out selection.
// It performs no I/O; the event loop sends what it returns.
type Router struct {
	self   peer.ID
	config GossipConfig

	topics  map[string]*topicState
	counter uint64
	nextSub uint64
	rng     *rand.Rand
	stats   RouterStats
	mu      sync.Mutex
}

// NewRouter creates a gossip router for the local peer.
func NewRouter(self peer.ID, config GossipConfig) *Router {
	if config.Fanout <= 0 {
		config.Fanout = DefaultFanout
	}
	if config.MaxHops == 0 {
		config.MaxHops = DefaultMaxHops
	}
	if config.SeenCacheSize <= 0 {
		config.SeenCacheSize = DefaultSeenCacheSize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultSubscriptionQ
	}
	return &Router{
		self:   self,
		config: config,
		topics: make(map[string]*topicState),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 - peer sampling only
	}
}

func (r *Router) topicLocked(topic string) *topicState {
	ts, ok := r.topics[topic]
	if !ok {
		ts = &topicState{
			subs: make(map[uint64]*Subscription),
			seen: newSeenCache(r.config.SeenCacheSize),
		}
		r.topics[topic] = ts
	}
	return ts
}

// Subscribe registers a local subscriber on topic.
func (r *Router) Subscribe(topic string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSub++
	sub := &Subscription{
		ID:     r.nextSub,
		Topic:  topic,
		ch:     make(chan GossipMessage, r.config.QueueSize),
		router: r,
	}
	r.topicLocked(topic).subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (r *Router) Unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.topics[sub.Topic]
	if !ok {
		return
	}
	if _, ok := ts.subs[sub.ID]; ok {
		delete(ts.subs, sub.ID)
		close(sub.ch)
	}
	if len(ts.subs) == 0 && sub.Topic != wire.GossipTopic {
		delete(r.topics, sub.Topic)
	}
}

// Publish assigns a message id, records it as seen and picks the peers to send it to.
// With no connected peers it fails with ErrBroadcast and records nothing.
func (r *Router) Publish(topic string, data []byte, connected []peer.ID) (*Outgoing, error) {
	if len(connected) == 0 {
		return nil, p2perr.Peer(p2perr.ErrBroadcast, r.self, "no connected peers")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.counter++
	id := messageID(data, r.self, r.counter)
	r.topicLocked(topic).seen.Add(id)
	r.stats.Published++

	return &Outgoing{
		Topic:     topic,
		MessageID: id,
		Origin:    r.self,
		Data:      data,
		Targets:   r.sampleLocked(connected, nil),
	}, nil
}

// HandleIncoming processes a gossip envelope received from a peer and reports whether the
// message was new. A new message is delivered once to local subscribers and, while under
// the hop limit, returned for forwarding to a random subset of connected peers that
// excludes the sender and the origin. Topics other than the default one are only
// accepted while a local subscription exists; otherwise ErrTopicNotSubscribed is
// returned and no state is kept.
func (r *Router) HandleIncoming(from peer.ID, env *wire.Envelope, connected []peer.ID) (*Outgoing, bool, error) {
	if env.MessageID == "" {
		return nil, false, p2perr.Protocol("gossip message without id")
	}
	origin, err := peer.Decode(env.Origin)
	if err != nil {
		return nil, false, p2perr.Protocol("gossip origin: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.topics[env.Topic]
	if env.Topic != wire.GossipTopic && (!ok || len(ts.subs) == 0) {
		r.stats.Unsubscribed++
		return nil, false, ErrTopicNotSubscribed
	}
	if !ok {
		ts = r.topicLocked(env.Topic)
	}
	if !ts.seen.Add(env.MessageID) {
		r.stats.Duplicates++
		return nil, false, nil
	}

	msg := GossipMessage{
		Topic:        env.Topic,
		ID:           env.MessageID,
		Origin:       origin,
		ReceivedFrom: from,
		Data:         env.Payload,
	}
	for _, sub := range ts.subs {
		select {
		case sub.ch <- msg:
			r.stats.Delivered++
		default:
			r.stats.Dropped++
			log.Warnf("gossip subscriber %d on %s is full, dropping %s", sub.ID, env.Topic, env.MessageID)
		}
	}

	if env.Hops+1 >= r.config.MaxHops {
		return nil, true, nil
	}
	targets := r.sampleLocked(connected, map[peer.ID]bool{from: true, origin: true, r.self: true})
	if len(targets) == 0 {
		return nil, true, nil
	}
	r.stats.Forwarded++

	return &Outgoing{
		Topic:     env.Topic,
		MessageID: env.MessageID,
		Origin:    origin,
		Hops:      env.Hops + 1,
		Data:      env.Payload,
		Targets:   targets,
	}, true, nil
}

// Seen reports whether id is in topic's seen cache.
func (r *Router) Seen(topic, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.topics[topic]
	return ok && ts.seen.Has(id)
}

// GetStats returns router statistics.
func (r *Router) GetStats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats
	stats.Topics = len(r.topics)
	return stats
}

func (r *Router) sampleLocked(peers []peer.ID, exclude map[peer.ID]bool) []peer.ID {
	candidates := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		if !exclude[p] {
			candidates = append(candidates, p)
		}
	}
	r.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > r.config.Fanout {
		candidates = candidates[:r.config.Fanout]
	}
	return candidates
}

// messageID is hex(blake2b-256(data || origin || counter)).
func messageID(data []byte, origin peer.ID, counter uint64) string {
	h, _ := blake2b.New256(nil)
	h.Write(data)
	h.Write([]byte(origin))
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], counter)
	h.Write(c[:])
	return hex.EncodeToString(h.Sum(nil))
}
