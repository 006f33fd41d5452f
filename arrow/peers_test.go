package arrow

import (
	"bytes"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerSchema(t *testing.T) {
	schema := PeerSchema()

	if schema.NumFields() != 7 {
		t.Errorf("Expected 7 fields, got %d", schema.NumFields())
	}

	expectedNames := []string{
		"peer_id", "addresses", "online", "last_seen_ms", "banned", "banned_until_ms", "connected",
	}
	for i, name := range expectedNames {
		if schema.Field(i).Name != name {
			t.Errorf("Field %d: expected name %s, got %s", i, name, schema.Field(i).Name)
		}
	}
}

func testRows() []PeerRow {
	seen := time.UnixMilli(1700000000123)
	return []PeerRow{
		{
			PeerID:    "12D3KooWA",
			Addresses: []string{"/ip4/127.0.0.1/tcp/4001", "/ip6/::1/tcp/4001"},
			Online:    true,
			LastSeen:  seen,
			Connected: true,
		},
		{
			PeerID:      "12D3KooWB",
			Addresses:   []string{},
			LastSeen:    seen.Add(-time.Minute),
			Banned:      true,
			BannedUntil: seen.Add(time.Hour),
		},
	}
}

func TestPeersRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	record := PeersToRecord(mem, testRows())
	defer record.Release()

	assert.Equal(t, int64(2), record.NumRows())

	rows, err := RecordToPeers(record)
	require.NoError(t, err)
	assert.Equal(t, testRows(), rows)
}

func TestSnapshotRoundTrip(t *testing.T) {
	codec := NewSnapshotCodec(memory.NewGoAllocator())

	taken := time.UnixMilli(1700000001000)
	data, err := codec.Encode(Snapshot{NodeID: "12D3KooWSelf", TakenAt: taken, Peers: testRows()})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	snap, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "12D3KooWSelf", snap.NodeID)
	assert.True(t, taken.Equal(snap.TakenAt))
	assert.Equal(t, testRows(), snap.Peers)
}

func TestSnapshotStream(t *testing.T) {
	codec := NewSnapshotCodec(nil)

	var buf bytes.Buffer
	require.NoError(t, codec.Write(&buf, Snapshot{NodeID: "n", Peers: testRows()[:1]}))

	snap, err := codec.Read(&buf)
	require.NoError(t, err)
	assert.Len(t, snap.Peers, 1)
}

func TestEmptySnapshot(t *testing.T) {
	codec := NewSnapshotCodec(nil)

	data, err := codec.Encode(Snapshot{})
	require.NoError(t, err)

	snap, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Empty(t, snap.Peers)
	assert.Empty(t, snap.NodeID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := NewSnapshotCodec(nil).Decode([]byte("not arrow"))
	assert.Error(t, err)
}

func TestRecordToPeersRejectsWrongColumnType(t *testing.T) {
	fields := append([]arrow.Field(nil), PeerSchema().Fields()...)
	fields[2] = arrow.Field{Name: "online", Type: arrow.PrimitiveTypes.Int64}
	schema := arrow.NewSchema(fields, nil)

	builder := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer builder.Release()
	builder.Field(0).(*array.StringBuilder).Append("12D3KooWA")
	builder.Field(1).(*array.ListBuilder).Append(true)
	builder.Field(2).(*array.Int64Builder).Append(1)
	builder.Field(3).(*array.Int64Builder).Append(0)
	builder.Field(4).(*array.BooleanBuilder).Append(false)
	builder.Field(5).(*array.Int64Builder).AppendNull()
	builder.Field(6).(*array.BooleanBuilder).Append(false)
	record := builder.NewRecord()
	defer record.Release()

	_, err := RecordToPeers(record)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "online")

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	require.NoError(t, writer.Write(record))
	require.NoError(t, writer.Close())

	_, err = NewSnapshotCodec(nil).Decode(buf.Bytes())
	assert.Error(t, err, "a stream with the right names but wrong types is rejected")
}
