package network

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
)

func TestEndpointFromMultiaddr(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "/ip4/127.0.0.1/tcp/4001", want: "tcp://127.0.0.1:4001"},
		{addr: "/ip4/0.0.0.0/tcp/0", want: "tcp://0.0.0.0:0"},
		{addr: "/ip6/::1/tcp/4001", want: "tcp://[::1]:4001"},
		{addr: "/ip4/127.0.0.1/udp/4001", wantErr: true},
		{addr: "tcp://127.0.0.1:4001", wantErr: true},
		{addr: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := endpointFromMultiaddr(tt.addr)
			if tt.wantErr {
				assert.ErrorIs(t, err, p2perr.ErrAddressParse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestZmqTransportListenErrors(t *testing.T) {
	tr := NewZmqTransport("node-a", DefaultZmqConfig())
	defer tr.Close()

	_, err := tr.Listen(nil)
	assert.ErrorIs(t, err, p2perr.ErrListen)

	_, err = tr.Listen([]string{"not-a-multiaddr"})
	assert.ErrorIs(t, err, p2perr.ErrAddressParse)
}

func TestZmqTransportSendWithoutAddress(t *testing.T) {
	tr := NewZmqTransport("node-a", DefaultZmqConfig())
	defer tr.Close()

	err := tr.Send("node-b", nil, []byte("x"), "")
	assert.ErrorIs(t, err, p2perr.ErrConnection)
}

func TestZmqTransportRoundTrip(t *testing.T) {
	a := NewZmqTransport("node-a", DefaultZmqConfig())
	defer a.Close()
	b := NewZmqTransport("node-b", DefaultZmqConfig())
	defer b.Close()

	bound, err := b.Listen([]string{"/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	require.Len(t, bound, 1)
	require.True(t, strings.HasPrefix(bound[0], "/ip4/127.0.0.1/tcp/"), bound[0])
	assert.NotEqual(t, "/ip4/127.0.0.1/tcp/0", bound[0], "the actual port is reported")

	require.NoError(t, a.Send("node-b", bound, []byte("hello"), "t1"))

	select {
	case ev := <-b.Events():
		assert.Equal(t, EventFrame, ev.Kind)
		assert.Equal(t, "node-a", ev.Peer)
		assert.Equal(t, []byte("hello"), ev.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not received")
	}
}

func TestZmqTransportCloseIsIdempotent(t *testing.T) {
	tr := NewZmqTransport("node-a", DefaultZmqConfig())
	_, err := tr.Listen([]string{"/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)

	_ = tr.Close()
	assert.NoError(t, tr.Close())

	err = tr.Send("node-b", []string{"/ip4/127.0.0.1/tcp/1"}, []byte("x"), "")
	assert.ErrorIs(t, err, p2perr.ErrConnection)
}
