// Package arrow exports the peer directory of a node as Apache Arrow data.
//
// A snapshot is a single record batch with PeerSchema, written as an IPC stream whose
// schema metadata names the exporting node and the export time.
package arrow
