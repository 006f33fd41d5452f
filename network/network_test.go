package network

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/FAIC-Node/monitoring"
)

func randomID(t testing.TB) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	return id
}

func randomIDs(t testing.TB, n int) []peer.ID {
	ids := make([]peer.ID, n)
	for i := range ids {
		ids[i] = randomID(t)
	}
	return ids
}

// testConfig keeps the heartbeat out of the way so tests drive every exchange explicitly.
func testConfig() NodeConfig {
	cfg := DefaultNodeConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.HeartbeatInterval = time.Hour
	cfg.RequestTimeout = 2 * time.Second
	cfg.Workers = 2
	cfg.Metrics = monitoring.NewMetrics("test", prometheus.NewRegistry())
	return cfg
}

type testNode struct {
	*Node
	transport *memTransport
	metrics   *monitoring.Metrics
}

func startNode(t *testing.T, mn *memNetwork, mutate func(*NodeConfig)) *testNode {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	id := randomID(t)
	tr := mn.transport(id.String())
	node, err := NewNode(id, tr, cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(node.Stop)
	return &testNode{Node: node, transport: tr, metrics: cfg.Metrics}
}

// link connects a to b and waits until b has learned a from the greeting.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.Connect(b.ID(), b.ListenAddrs()))
	require.Eventually(t, func() bool {
		_, ok := b.Directory().Get(a.ID())
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
