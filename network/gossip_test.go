package network

import (
	"fmt"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
	"github.com/VanDung-dev/FAIC-Node/wire"
)

func gossipEnvelope(from, origin peer.ID, id string, hops uint8) *wire.Envelope {
	return &wire.Envelope{
		Kind:      wire.KindData,
		From:      from.String(),
		Topic:     wire.GossipTopic,
		MessageID: id,
		Origin:    origin.String(),
		Hops:      hops,
		Payload:   []byte("payload-" + id),
	}
}

func TestSeenCacheEvictsOldest(t *testing.T) {
	c := newSeenCache(3)

	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, c.Add(id))
	}
	assert.False(t, c.Add("a"))
	assert.Equal(t, 3, c.Len())

	// Has does not refresh "a", so it is evicted first.
	assert.True(t, c.Has("a"))
	assert.True(t, c.Add("d"))
	assert.False(t, c.Has("a"))
	assert.True(t, c.Has("b"))

	assert.True(t, c.Add("e"))
	assert.False(t, c.Has("b"))
	assert.Equal(t, 3, c.Len())
}

func TestPublishWithoutPeers(t *testing.T) {
	r := NewRouter(randomID(t), DefaultGossipConfig())

	out, err := r.Publish(wire.GossipTopic, []byte("tx"), nil)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, p2perr.ErrBroadcast)
	assert.Equal(t, 0, r.GetStats().Topics, "seen cache must stay untouched")
}

func TestPublishFanout(t *testing.T) {
	self := randomID(t)
	r := NewRouter(self, DefaultGossipConfig())
	peers := randomIDs(t, 10)

	out, err := r.Publish(wire.GossipTopic, []byte("tx"), peers)
	require.NoError(t, err)
	assert.Len(t, out.Targets, DefaultFanout)
	assert.Equal(t, self, out.Origin)
	assert.Equal(t, uint8(0), out.Hops)
	assert.Len(t, out.MessageID, 64)
	assert.True(t, r.Seen(wire.GossipTopic, out.MessageID))

	unique := make(map[peer.ID]bool)
	for _, p := range out.Targets {
		assert.Contains(t, peers, p)
		unique[p] = true
	}
	assert.Len(t, unique, DefaultFanout)

	again, err := r.Publish(wire.GossipTopic, []byte("tx"), peers)
	require.NoError(t, err)
	assert.NotEqual(t, out.MessageID, again.MessageID, "same payload gets a fresh id")
}

func TestHandleIncomingDeliversOnce(t *testing.T) {
	self, from, origin := randomID(t), randomID(t), randomID(t)
	r := NewRouter(self, DefaultGossipConfig())
	sub := r.Subscribe(wire.GossipTopic)

	connected := append(randomIDs(t, 3), from, origin)
	env := gossipEnvelope(from, origin, "m1", 0)

	out, fresh, err := r.HandleIncoming(from, env, connected)
	require.NoError(t, err)
	assert.True(t, fresh)
	require.NotNil(t, out)
	assert.Equal(t, uint8(1), out.Hops)
	assert.Equal(t, origin, out.Origin)
	assert.Len(t, out.Targets, 3)
	assert.NotContains(t, out.Targets, from)
	assert.NotContains(t, out.Targets, origin)

	msg := <-sub.Messages()
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, from, msg.ReceivedFrom)
	assert.Equal(t, origin, msg.Origin)
	assert.Equal(t, []byte("payload-m1"), msg.Data)

	out, fresh, err = r.HandleIncoming(randomID(t), env, connected)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Nil(t, out)
	assert.Empty(t, sub.Messages())

	stats := r.GetStats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(1), stats.Duplicates)
	assert.Equal(t, uint64(1), stats.Forwarded)
}

func TestHandleIncomingReplaysFromManySenders(t *testing.T) {
	self, origin := randomID(t), randomID(t)
	r := NewRouter(self, DefaultGossipConfig())
	sub := r.Subscribe(wire.GossipTopic)
	senders := randomIDs(t, 8)

	fresh := 0
	for round := 0; round < 3; round++ {
		for _, from := range senders {
			_, isNew, err := r.HandleIncoming(from, gossipEnvelope(from, origin, "m1", 1), senders)
			require.NoError(t, err)
			if isNew {
				fresh++
			}
		}
	}

	assert.Equal(t, 1, fresh)
	assert.Len(t, sub.Messages(), 1, "delivered exactly once")
	assert.Equal(t, uint64(3*len(senders)-1), r.GetStats().Duplicates)
}

func TestHandleIncomingUnsubscribedTopic(t *testing.T) {
	from, origin := randomID(t), randomID(t)
	r := NewRouter(randomID(t), DefaultGossipConfig())

	for i := 0; i < 1000; i++ {
		env := gossipEnvelope(from, origin, fmt.Sprintf("m%d", i), 0)
		env.Topic = fmt.Sprintf("/junk/%d", i)
		out, fresh, err := r.HandleIncoming(from, env, randomIDs(t, 1))
		require.ErrorIs(t, err, ErrTopicNotSubscribed)
		assert.False(t, fresh)
		assert.Nil(t, out, "unsubscribed topics are not forwarded")
	}
	stats := r.GetStats()
	assert.Equal(t, 0, stats.Topics)
	assert.Equal(t, uint64(1000), stats.Unsubscribed)

	sub := r.Subscribe("/blocks")
	env := gossipEnvelope(from, origin, "b1", 0)
	env.Topic = "/blocks"
	_, fresh, err := r.HandleIncoming(from, env, nil)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Len(t, sub.Messages(), 1)

	sub.Cancel()
	assert.Equal(t, 0, r.GetStats().Topics, "last unsubscribe releases the topic")

	_, _, err = r.HandleIncoming(from, gossipEnvelope(from, origin, "d1", 0), nil)
	require.NoError(t, err, "the default topic is always accepted")
}

func TestHandleIncomingHopLimit(t *testing.T) {
	self, from, origin := randomID(t), randomID(t), randomID(t)
	r := NewRouter(self, DefaultGossipConfig())
	sub := r.Subscribe(wire.GossipTopic)

	out, fresh, err := r.HandleIncoming(from, gossipEnvelope(from, origin, "m1", DefaultMaxHops-1), randomIDs(t, 4))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Nil(t, out, "last hop is delivered but not forwarded")
	assert.Len(t, sub.Messages(), 1)
}

func TestHandleIncomingNoForwardTargets(t *testing.T) {
	self, from, origin := randomID(t), randomID(t), randomID(t)
	r := NewRouter(self, DefaultGossipConfig())

	out, fresh, err := r.HandleIncoming(from, gossipEnvelope(from, origin, "m1", 0), []peer.ID{from, origin, self})
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Nil(t, out)
}

func TestHandleIncomingRejectsMalformed(t *testing.T) {
	from := randomID(t)
	r := NewRouter(randomID(t), DefaultGossipConfig())

	env := gossipEnvelope(from, from, "", 0)
	_, _, err := r.HandleIncoming(from, env, nil)
	assert.ErrorIs(t, err, p2perr.ErrProtocol)

	env = gossipEnvelope(from, from, "m1", 0)
	env.Origin = "not-a-peer"
	_, _, err = r.HandleIncoming(from, env, nil)
	assert.ErrorIs(t, err, p2perr.ErrProtocol)
	assert.False(t, r.Seen(wire.GossipTopic, "m1"))
}

func TestReplayAfterEvictionRedelivers(t *testing.T) {
	from, origin := randomID(t), randomID(t)
	cfg := DefaultGossipConfig()
	cfg.SeenCacheSize = 2
	r := NewRouter(randomID(t), cfg)
	sub := r.Subscribe(wire.GossipTopic)

	for i := 1; i <= 3; i++ {
		_, fresh, err := r.HandleIncoming(from, gossipEnvelope(from, origin, fmt.Sprintf("m%d", i), 0), nil)
		require.NoError(t, err)
		assert.True(t, fresh)
	}

	_, fresh, err := r.HandleIncoming(from, gossipEnvelope(from, origin, "m1", 0), nil)
	require.NoError(t, err)
	assert.True(t, fresh, "an evicted id is treated as new")
	assert.Len(t, sub.Messages(), 4)
}

func TestFullSubscriberDropsMessage(t *testing.T) {
	from, origin := randomID(t), randomID(t)
	cfg := DefaultGossipConfig()
	cfg.QueueSize = 1
	r := NewRouter(randomID(t), cfg)
	slow := r.Subscribe(wire.GossipTopic)

	_, _, err := r.HandleIncoming(from, gossipEnvelope(from, origin, "m1", 0), nil)
	require.NoError(t, err)
	_, fresh, err := r.HandleIncoming(from, gossipEnvelope(from, origin, "m2", 0), nil)
	require.NoError(t, err)
	assert.True(t, fresh)

	assert.Len(t, slow.Messages(), 1)
	assert.Equal(t, uint64(1), r.GetStats().Dropped)
}

func TestUnsubscribe(t *testing.T) {
	from, origin := randomID(t), randomID(t)
	r := NewRouter(randomID(t), DefaultGossipConfig())
	sub := r.Subscribe(wire.GossipTopic)
	other := r.Subscribe("/other")

	sub.Cancel()
	sub.Cancel()
	_, ok := <-sub.Messages()
	assert.False(t, ok, "channel is closed")

	_, _, err := r.HandleIncoming(from, gossipEnvelope(from, origin, "m1", 0), nil)
	require.NoError(t, err)
	assert.Empty(t, other.Messages(), "topics are independent")
}
