// Package p2perr defines the error kinds surfaced by the networking core.
//
// Every kind is a sentinel usable with errors.Is. Kinds that carry a payload (a duration,
// a peer id, a size or a detail string) are returned as *Error values wrapping the sentinel.
package p2perr

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for network operations
var (
	ErrConnection          = errors.New("connection error")
	ErrDiscovery           = errors.New("discovery error")
	ErrBroadcast           = errors.New("broadcast error")
	ErrPeerOffline         = errors.New("peer offline")
	ErrTimeout             = errors.New("timeout")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrMessageTooLarge     = errors.New("message too large")
	ErrProtocol            = errors.New("protocol error")
	ErrStateSync           = errors.New("state sync error")
	ErrAddressParse        = errors.New("address parse error")
	ErrListen              = errors.New("listen error")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrPeerBanned          = errors.New("peer banned")
	ErrShuttingDown        = errors.New("shutting down")
	ErrNodeNotRunning      = errors.New("node not running")
)

// Error is a kind with structured detail.
type Error struct {
	Kind    error
	PeerID  string
	Size    int
	Timeout time.Duration
	Detail  string
}

func (e *Error) Error() string {
	switch {
	case errors.Is(e.Kind, ErrTimeout):
		return fmt.Sprintf("%v after %s", e.Kind, e.Timeout)
	case errors.Is(e.Kind, ErrMessageTooLarge):
		return fmt.Sprintf("%v: %d bytes", e.Kind, e.Size)
	}
	msg := e.Kind.Error()
	if e.PeerID != "" {
		msg += ": " + e.PeerID
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Timeout returns ErrTimeout carrying the elapsed deadline.
func Timeout(d time.Duration) error {
	return &Error{Kind: ErrTimeout, Timeout: d}
}

// PeerNotFound returns ErrPeerNotFound carrying the peer id.
func PeerNotFound(id fmt.Stringer) error {
	return &Error{Kind: ErrPeerNotFound, PeerID: id.String()}
}

// MessageTooLarge returns ErrMessageTooLarge carrying the offending size.
func MessageTooLarge(size int) error {
	return &Error{Kind: ErrMessageTooLarge, Size: size}
}

// Protocol returns ErrProtocol carrying a detail message.
func Protocol(format string, args ...any) error {
	return &Error{Kind: ErrProtocol, Detail: fmt.Sprintf(format, args...)}
}

// Peer wraps kind with the peer it concerns.
func Peer(kind error, id fmt.Stringer, detail string) error {
	return &Error{Kind: kind, PeerID: id.String(), Detail: detail}
}
