package network

// EventKind classifies a transport event.
type EventKind int

const (
	// EventFrame is an inbound frame from Peer.
	EventFrame EventKind = iota
	// EventSendFailed reports that the frame tagged Tag could not be delivered to Peer.
	EventSendFailed
)

// TransportEvent is delivered to the event loop by the transport.
type TransportEvent struct {
	Kind EventKind
	Peer string // transport identity of the remote peer
	Data []byte
	Tag  string
	Err  error
}

// Transport moves frames between peers. Send never blocks on the network: frames are
// queued per peer and delivery failures come back as EventSendFailed.
type Transport interface {
	// Listen binds every multiaddr and returns the addresses actually bound.
	Listen(addrs []string) ([]string, error)
	// Send queues frame for peer id, dialing one of addrs if needed. tag is echoed in
	// a failure event.
	Send(id string, addrs []string, frame []byte, tag string) error
	// ClosePeer drops any connection to id.
	ClosePeer(id string)
	// Events returns the inbound event stream.
	Events() <-chan TransportEvent
	// Close releases all sockets. Events is not closed.
	Close() error
}
