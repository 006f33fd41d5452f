package arrow

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// PeerSchema returns the Arrow schema of a peer directory snapshot.
//
// Fields:
//   - peer_id: string - base58 peer id
//   - addresses: list<string> - multiaddrs
//   - online: bool
//   - last_seen_ms: int64 - Unix milliseconds of the last contact
//   - banned: bool
//   - banned_until_ms: int64 (nullable) - ban expiry, null when not banned
//   - connected: bool - holds a connection slot
func PeerSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "peer_id", Type: arrow.BinaryTypes.String},
			{Name: "addresses", Type: arrow.ListOf(arrow.BinaryTypes.String)},
			{Name: "online", Type: arrow.FixedWidthTypes.Boolean},
			{Name: "last_seen_ms", Type: arrow.PrimitiveTypes.Int64},
			{Name: "banned", Type: arrow.FixedWidthTypes.Boolean},
			{Name: "banned_until_ms", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
			{Name: "connected", Type: arrow.FixedWidthTypes.Boolean},
		},
		nil,
	)
}
