package arrow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Schema metadata keys of a snapshot stream.
const (
	metaNodeID  = "faic.node_id"
	metaTakenAt = "faic.taken_at_ms"
)

// ErrEmptyStream is returned when an IPC stream carries no record batch.
var ErrEmptyStream = errors.New("no records in IPC stream")

// Snapshot is a point-in-time export of a node's peer directory.
type Snapshot struct {
	NodeID  string
	TakenAt time.Time
	Peers   []PeerRow
}

// SnapshotCodec writes and reads snapshots as single-batch Arrow IPC streams.
type SnapshotCodec struct {
	mem memory.Allocator
}

// NewSnapshotCodec returns a codec using mem, or the default allocator when mem is nil.
func NewSnapshotCodec(mem memory.Allocator) *SnapshotCodec {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &SnapshotCodec{mem: mem}
}

// Write streams snap to w.
func (c *SnapshotCodec) Write(w io.Writer, snap Snapshot) error {
	rows := PeersToRecord(c.mem, snap.Peers)
	defer rows.Release()

	md := arrow.NewMetadata(
		[]string{metaNodeID, metaTakenAt},
		[]string{snap.NodeID, strconv.FormatInt(snap.TakenAt.UnixMilli(), 10)},
	)
	schema := arrow.NewSchema(PeerSchema().Fields(), &md)
	record := array.NewRecord(schema, rows.Columns(), rows.NumRows())
	defer record.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(c.mem))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot stream: %w", err)
	}
	return nil
}

// Encode returns snap as IPC bytes.
func (c *SnapshotCodec) Encode(snap Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Write(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Read parses a stream written by Write. Only the first batch is read.
func (c *SnapshotCodec) Read(r io.Reader) (Snapshot, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(c.mem))
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to open snapshot stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return Snapshot{}, err
		}
		return Snapshot{}, ErrEmptyStream
	}

	peers, err := RecordToPeers(reader.Record())
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Peers: peers}
	md := reader.Schema().Metadata()
	if i := md.FindKey(metaNodeID); i >= 0 {
		snap.NodeID = md.Values()[i]
	}
	if i := md.FindKey(metaTakenAt); i >= 0 {
		ms, err := strconv.ParseInt(md.Values()[i], 10, 64)
		if err != nil {
			return Snapshot{}, fmt.Errorf("invalid %s: %w", metaTakenAt, err)
		}
		snap.TakenAt = time.UnixMilli(ms)
	}
	return snap, nil
}

// Decode parses IPC bytes produced by Encode.
func (c *SnapshotCodec) Decode(data []byte) (Snapshot, error) {
	return c.Read(bytes.NewReader(data))
}
