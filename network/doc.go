// Package network is the peer-to-peer core of a FAIC node.
//
// A Node owns a single event loop that multiplexes transport events, a bounded command
// queue, the heartbeat ticker and the results of the request dispatcher. Everything that
// touches the transport or the gossip router runs on that loop; the public API only
// enqueues commands and waits on completion handles.
//
// The package implements:
//   - a peer directory with connection slots, bans and Kademlia distance ordering
//   - iterative FIND_NODE discovery
//   - epidemic gossip with a bounded seen-cache and hop limit
//   - correlated request/response with per-request timeouts
//   - a ZeroMQ ROUTER/DEALER transport
package network

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("faic/network")
