package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/FAIC-Node/amount"
	"github.com/VanDung-dev/FAIC-Node/p2perr"
)

func testEnvelope() *Envelope {
	return &Envelope{
		Kind:          KindRequest,
		CorrelationID: "6f1c2d3e-0000-4000-8000-000000000001",
		From:          "12D3KooWsender",
		Addrs:         []string{"/ip4/127.0.0.1/tcp/4001"},
		Payload:       []byte{0x01, 0x02, 0x03},
	}
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	frame, err := DefaultCodec.Encode(testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame[:4]))

	env, err := DefaultCodec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, ProtocolID, env.Protocol)
	assert.Equal(t, KindRequest, env.Kind)
	assert.Equal(t, "12D3KooWsender", env.From)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, env.Payload)
	assert.False(t, env.IsGossip())
}

func TestEncodeDoesNotMutateInput(t *testing.T) {
	env := testEnvelope()
	_, err := DefaultCodec.Encode(env)
	require.NoError(t, err)
	assert.Empty(t, env.Protocol)
}

func TestEightByteHeader(t *testing.T) {
	codec, err := NewCodec(DefaultMaxFrameSize, HeaderSize64)
	require.NoError(t, err)

	frame, err := codec.Encode(testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, uint64(len(frame)-8), binary.BigEndian.Uint64(frame[:8]))

	env, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "12D3KooWsender", env.From)

	// a 4 byte codec must not accept it
	_, err = DefaultCodec.Decode(frame)
	assert.Error(t, err)
}

func TestNewCodecValidation(t *testing.T) {
	_, err := NewCodec(1024, 2)
	assert.Error(t, err)
	_, err = NewCodec(0, HeaderSize32)
	assert.Error(t, err)
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	valid, err := DefaultCodec.Encode(testEnvelope())
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
	}{
		{"short header", []byte{0x00, 0x01}},
		{"empty frame", []byte{0x00, 0x00, 0x00, 0x00}},
		{"truncated body", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0xff)},
		{"not cbor", []byte{0x00, 0x00, 0x00, 0x02, 0xff, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DefaultCodec.Decode(tt.frame)
			assert.ErrorIs(t, err, p2perr.ErrProtocol)
		})
	}
}

func TestDecodeRejectsOversizedLength(t *testing.T) {
	codec := Codec{MaxFrameSize: 16, HeaderSize: HeaderSize32}
	frame := make([]byte, 4+17)
	binary.BigEndian.PutUint32(frame, 17)

	_, err := codec.Decode(frame)
	assert.ErrorIs(t, err, p2perr.ErrMessageTooLarge)

	var perr *p2perr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 17, perr.Size)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	codec := Codec{MaxFrameSize: 64, HeaderSize: HeaderSize32}
	env := testEnvelope()
	env.Payload = make([]byte, 128)

	_, err := codec.Encode(env)
	assert.ErrorIs(t, err, p2perr.ErrMessageTooLarge)
}

func TestDecodeRejectsProtocolMismatch(t *testing.T) {
	env := testEnvelope()
	env.Protocol = "/faic/2"
	frame, err := DefaultCodec.Encode(env)
	require.NoError(t, err)

	_, err = DefaultCodec.Decode(frame)
	assert.ErrorIs(t, err, p2perr.ErrProtocol)
	assert.Contains(t, err.Error(), "/faic/2")
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, DefaultCodec.WriteFrame(&buf, []byte("first")))
	require.NoError(t, DefaultCodec.WriteFrame(&buf, []byte("second")))

	got, err := DefaultCodec.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	got, err = DefaultCodec.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	_, err = DefaultCodec.ReadFrame(&buf)
	assert.Error(t, err)
}

func TestGossipEnvelope(t *testing.T) {
	env := &Envelope{
		Kind:      KindData,
		From:      "a",
		Topic:     GossipTopic,
		MessageID: "abcd",
		Origin:    "b",
		Hops:      2,
		Payload:   []byte("tx"),
	}
	frame, err := DefaultCodec.Encode(env)
	require.NoError(t, err)

	got, err := DefaultCodec.Decode(frame)
	require.NoError(t, err)
	assert.True(t, got.IsGossip())
	assert.Equal(t, "abcd", got.MessageID)
	assert.Equal(t, "b", got.Origin)
	assert.Equal(t, uint8(2), got.Hops)
}

func TestRequestUnion(t *testing.T) {
	requests := []Request{
		GetBalance{Address: "faic1qxyz"},
		SendTransaction{Transaction: []byte{0xde, 0xad}},
		GetNodeInfo{},
		FindPeers{Target: "12D3KooWtarget"},
		GetTransactionStatus{TxHash: "0xabc"},
	}
	for _, req := range requests {
		data, err := EncodeRequest(req)
		require.NoError(t, err)

		got, err := DecodeRequest(data)
		require.NoError(t, err)
		assert.Equal(t, req, got)
	}
}

func TestResponseUnion(t *testing.T) {
	balance, err := amount.FromDecimalString("150000000")
	require.NoError(t, err)

	data, err := EncodeResponse(GetBalanceResponse{Balance: balance})
	require.NoError(t, err)
	got, err := DecodeResponse(data)
	require.NoError(t, err)
	gb, ok := got.(GetBalanceResponse)
	require.True(t, ok)
	assert.Equal(t, "1.50000000", gb.Balance.String())

	responses := []Response{
		SendTransactionResponse{TxHash: "0xabc"},
		GetNodeInfoResponse{Info: NodeInfo{PeerID: "p", Addresses: []string{"/ip4/1.2.3.4/tcp/1"}, IsOnline: true}},
		PeersResponse{Peers: []PeerInfo{{ID: "p1", Addrs: []string{"/ip4/1.2.3.4/tcp/1"}}}},
		TransactionStatusResponse{Status: TxConfirming, Confirmations: 3},
		TransactionStatusResponse{Status: TxFailed, Reason: "insufficient funds"},
		ErrorResponse{Message: "node busy"},
	}
	for _, resp := range responses {
		data, err := EncodeResponse(resp)
		require.NoError(t, err)
		got, err := DecodeResponse(data)
		require.NoError(t, err)
		assert.Equal(t, resp, got)
	}
}

func TestUnionRejectsUnknownTag(t *testing.T) {
	data, err := encodeTagged(99, GetNodeInfo{})
	require.NoError(t, err)

	_, err = DecodeRequest(data)
	assert.ErrorIs(t, err, p2perr.ErrProtocol)
	_, err = DecodeResponse(data)
	assert.ErrorIs(t, err, p2perr.ErrProtocol)
}

func TestUnionRejectsMalformedBody(t *testing.T) {
	// GetBalance tag with a body that is a string instead of a map
	data, err := encodeTagged(tagGetBalance, "not a map")
	require.NoError(t, err)

	req, err := DecodeRequest(data)
	assert.ErrorIs(t, err, p2perr.ErrProtocol)
	assert.Nil(t, req)

	_, err = DecodeRequest([]byte{0xff})
	assert.ErrorIs(t, err, p2perr.ErrProtocol)
}

func TestTxStatusString(t *testing.T) {
	assert.Equal(t, "confirming", TxConfirming.String())
	assert.Equal(t, "status(42)", TxStatus(42).String())
}

// FuzzDecodeFrame checks that arbitrary frames never panic the decoder.
// Run with: go test -fuzz=FuzzDecodeFrame -fuzztime=30s ./wire/
func FuzzDecodeFrame(f *testing.F) {
	valid, _ := DefaultCodec.Encode(testEnvelope())
	f.Add(valid)
	f.Add([]byte{})
	f.Add([]byte{0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0x00})
	f.Add([]byte{0x00, 0x00, 0x00, 0x01, 0xa0})

	f.Fuzz(func(t *testing.T, data []byte) {
		env, err := DefaultCodec.Decode(data)
		if err == nil {
			if env.Protocol != ProtocolID {
				t.Errorf("accepted protocol %q", env.Protocol)
			}
			if _, err := DefaultCodec.Encode(env); err != nil {
				t.Errorf("re-encode failed: %v", err)
			}
		}
	})
}

// FuzzDecodeRequest checks that arbitrary payloads never panic the union decoder.
// Run with: go test -fuzz=FuzzDecodeRequest -fuzztime=30s ./wire/
func FuzzDecodeRequest(f *testing.F) {
	valid, _ := EncodeRequest(GetBalance{Address: "faic1"})
	f.Add(valid)
	f.Add([]byte{0x82, 0x03, 0xa0})
	f.Add([]byte{0x80})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := DecodeRequest(data)
		if err == nil && req == nil {
			t.Error("nil request without error")
		}
		_, _ = DecodeResponse(data)
	})
}
