package arrow

import (
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// PeerRow is one peer of a snapshot.
type PeerRow struct {
	PeerID      string
	Addresses   []string
	Online      bool
	LastSeen    time.Time
	Banned      bool
	BannedUntil time.Time
	Connected   bool
}

// PeersToRecord builds a record with PeerSchema. An empty slice yields an empty record.
func PeersToRecord(mem memory.Allocator, peers []PeerRow) arrow.Record {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	builder := array.NewRecordBuilder(mem, PeerSchema())
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.StringBuilder)
	addrsBuilder := builder.Field(1).(*array.ListBuilder)
	addrBuilder := addrsBuilder.ValueBuilder().(*array.StringBuilder)
	onlineBuilder := builder.Field(2).(*array.BooleanBuilder)
	lastSeenBuilder := builder.Field(3).(*array.Int64Builder)
	bannedBuilder := builder.Field(4).(*array.BooleanBuilder)
	bannedUntilBuilder := builder.Field(5).(*array.Int64Builder)
	connectedBuilder := builder.Field(6).(*array.BooleanBuilder)

	for _, p := range peers {
		idBuilder.Append(p.PeerID)
		addrsBuilder.Append(true)
		for _, a := range p.Addresses {
			addrBuilder.Append(a)
		}
		onlineBuilder.Append(p.Online)
		lastSeenBuilder.Append(p.LastSeen.UnixMilli())
		bannedBuilder.Append(p.Banned)
		if p.Banned {
			bannedUntilBuilder.Append(p.BannedUntil.UnixMilli())
		} else {
			bannedUntilBuilder.AppendNull()
		}
		connectedBuilder.Append(p.Connected)
	}

	return builder.NewRecord()
}

// RecordToPeers reads a record built by PeersToRecord.
func RecordToPeers(record arrow.Record) ([]PeerRow, error) {
	if record == nil {
		return nil, nil
	}
	want := PeerSchema()
	if int(record.NumCols()) != want.NumFields() {
		return nil, fmt.Errorf("invalid record: expected %d columns, got %d", want.NumFields(), record.NumCols())
	}
	for i, f := range want.Fields() {
		if got := record.Schema().Field(i).Name; got != f.Name {
			return nil, fmt.Errorf("invalid record: column %d is %q, expected %q", i, got, f.Name)
		}
	}

	ids, ok := record.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column peer_id: unexpected type %T", record.Column(0))
	}
	addrs, ok := record.Column(1).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column addresses: unexpected type %T", record.Column(1))
	}
	addrValues, ok := addrs.ListValues().(*array.String)
	if !ok {
		return nil, fmt.Errorf("column addresses: unexpected value type %T", addrs.ListValues())
	}
	online, err := boolColumn(record, 2)
	if err != nil {
		return nil, err
	}
	lastSeen, err := int64Column(record, 3)
	if err != nil {
		return nil, err
	}
	banned, err := boolColumn(record, 4)
	if err != nil {
		return nil, err
	}
	bannedUntil, err := int64Column(record, 5)
	if err != nil {
		return nil, err
	}
	connected, err := boolColumn(record, 6)
	if err != nil {
		return nil, err
	}

	rows := make([]PeerRow, record.NumRows())
	for i := range rows {
		row := PeerRow{
			PeerID:    ids.Value(i),
			Online:    online.Value(i),
			LastSeen:  time.UnixMilli(lastSeen.Value(i)),
			Banned:    banned.Value(i),
			Connected: connected.Value(i),
		}
		start, end := addrs.ValueOffsets(i)
		row.Addresses = make([]string, 0, end-start)
		for j := start; j < end; j++ {
			row.Addresses = append(row.Addresses, addrValues.Value(int(j)))
		}
		if bannedUntil.IsValid(i) {
			row.BannedUntil = time.UnixMilli(bannedUntil.Value(i))
		}
		rows[i] = row
	}
	return rows, nil
}

func boolColumn(record arrow.Record, i int) (*array.Boolean, error) {
	col, ok := record.Column(i).(*array.Boolean)
	if !ok {
		return nil, fmt.Errorf("column %s: unexpected type %T", record.ColumnName(i), record.Column(i))
	}
	return col, nil
}

func int64Column(record arrow.Record, i int) (*array.Int64, error) {
	col, ok := record.Column(i).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("column %s: unexpected type %T", record.ColumnName(i), record.Column(i))
	}
	return col, nil
}
