package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/VanDung-dev/FAIC-Node/amount"
	"github.com/VanDung-dev/FAIC-Node/p2perr"
)

// Request is one of the request variants below.
type Request interface {
	requestTag() uint8
}

// Response is one of the response variants below.
type Response interface {
	responseTag() uint8
}

// Request variants
type (
	GetBalance struct {
		Address string `cbor:"1,keyasint"`
	}

	SendTransaction struct {
		Transaction []byte `cbor:"1,keyasint"`
	}

	GetNodeInfo struct{}

	// FindPeers asks for the peers closest to Target (a peer id string).
	FindPeers struct {
		Target string `cbor:"1,keyasint"`
	}

	GetTransactionStatus struct {
		TxHash string `cbor:"1,keyasint"`
	}
)

// Response variants
type (
	GetBalanceResponse struct {
		Balance amount.Amount `cbor:"1,keyasint"`
	}

	SendTransactionResponse struct {
		TxHash string `cbor:"1,keyasint"`
	}

	GetNodeInfoResponse struct {
		Info NodeInfo `cbor:"1,keyasint"`
	}

	PeersResponse struct {
		Peers []PeerInfo `cbor:"1,keyasint"`
	}

	TransactionStatusResponse struct {
		Status        TxStatus `cbor:"1,keyasint"`
		Confirmations uint32   `cbor:"2,keyasint,omitempty"`
		Reason        string   `cbor:"3,keyasint,omitempty"`
	}

	ErrorResponse struct {
		Message string `cbor:"1,keyasint"`
	}
)

// NodeInfo describes a node to its peers.
type NodeInfo struct {
	PeerID    string   `cbor:"1,keyasint"`
	Addresses []string `cbor:"2,keyasint"`
	IsOnline  bool     `cbor:"3,keyasint"`
}

// PeerInfo is a routing table entry exchanged by FindPeers.
type PeerInfo struct {
	ID    string   `cbor:"1,keyasint"`
	Addrs []string `cbor:"2,keyasint"`
}

// TxStatus is the lifecycle state of a submitted transaction.
type TxStatus uint8

const (
	TxCreated TxStatus = iota + 1
	TxPending
	TxConfirming
	TxConfirmed
	TxRollback
	TxFailed
	TxTimeout
)

func (s TxStatus) String() string {
	switch s {
	case TxCreated:
		return "created"
	case TxPending:
		return "pending"
	case TxConfirming:
		return "confirming"
	case TxConfirmed:
		return "confirmed"
	case TxRollback:
		return "rollback"
	case TxFailed:
		return "failed"
	case TxTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

const (
	tagGetBalance uint8 = iota + 1
	tagSendTransaction
	tagGetNodeInfo
	tagFindPeers
	tagGetTransactionStatus
)

const (
	tagGetBalanceResponse uint8 = iota + 1
	tagSendTransactionResponse
	tagGetNodeInfoResponse
	tagPeersResponse
	tagTransactionStatusResponse
	tagErrorResponse
)

func (GetBalance) requestTag() uint8           { return tagGetBalance }
func (SendTransaction) requestTag() uint8      { return tagSendTransaction }
func (GetNodeInfo) requestTag() uint8          { return tagGetNodeInfo }
func (FindPeers) requestTag() uint8            { return tagFindPeers }
func (GetTransactionStatus) requestTag() uint8 { return tagGetTransactionStatus }

func (GetBalanceResponse) responseTag() uint8        { return tagGetBalanceResponse }
func (SendTransactionResponse) responseTag() uint8   { return tagSendTransactionResponse }
func (GetNodeInfoResponse) responseTag() uint8       { return tagGetNodeInfoResponse }
func (PeersResponse) responseTag() uint8             { return tagPeersResponse }
func (TransactionStatusResponse) responseTag() uint8 { return tagTransactionStatusResponse }
func (ErrorResponse) responseTag() uint8             { return tagErrorResponse }

// tagged is the on-wire union: [tag, body].
type tagged struct {
	_    struct{} `cbor:",toarray"`
	Tag  uint8
	Body cbor.RawMessage
}

func encodeTagged(tag uint8, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, p2perr.Protocol("encode body: %v", err)
	}
	out, err := encMode.Marshal(tagged{Tag: tag, Body: body})
	if err != nil {
		return nil, p2perr.Protocol("encode union: %v", err)
	}
	return out, nil
}

func decodeTagged(data []byte) (tagged, error) {
	var t tagged
	if err := decMode.Unmarshal(data, &t); err != nil {
		return t, p2perr.Protocol("malformed payload: %v", err)
	}
	return t, nil
}

// decodeBody decodes body as T and returns it as the union interface I.
func decodeBody[T any, I any](body cbor.RawMessage) (I, error) {
	var v T
	if err := decMode.Unmarshal(body, &v); err != nil {
		var zero I
		return zero, p2perr.Protocol("malformed %T: %v", v, err)
	}
	return any(v).(I), nil
}

// EncodeRequest serializes a request variant.
func EncodeRequest(req Request) ([]byte, error) {
	if req == nil {
		return nil, p2perr.Protocol("nil request")
	}
	return encodeTagged(req.requestTag(), req)
}

// DecodeRequest deserializes a request variant. Unknown tags are protocol errors.
func DecodeRequest(data []byte) (Request, error) {
	t, err := decodeTagged(data)
	if err != nil {
		return nil, err
	}
	switch t.Tag {
	case tagGetBalance:
		return decodeBody[GetBalance, Request](t.Body)
	case tagSendTransaction:
		return decodeBody[SendTransaction, Request](t.Body)
	case tagGetNodeInfo:
		return decodeBody[GetNodeInfo, Request](t.Body)
	case tagFindPeers:
		return decodeBody[FindPeers, Request](t.Body)
	case tagGetTransactionStatus:
		return decodeBody[GetTransactionStatus, Request](t.Body)
	default:
		return nil, p2perr.Protocol("unknown request tag %d", t.Tag)
	}
}

// EncodeResponse serializes a response variant.
func EncodeResponse(resp Response) ([]byte, error) {
	if resp == nil {
		return nil, p2perr.Protocol("nil response")
	}
	return encodeTagged(resp.responseTag(), resp)
}

// DecodeResponse deserializes a response variant. Unknown tags are protocol errors.
func DecodeResponse(data []byte) (Response, error) {
	t, err := decodeTagged(data)
	if err != nil {
		return nil, err
	}
	switch t.Tag {
	case tagGetBalanceResponse:
		return decodeBody[GetBalanceResponse, Response](t.Body)
	case tagSendTransactionResponse:
		return decodeBody[SendTransactionResponse, Response](t.Body)
	case tagGetNodeInfoResponse:
		return decodeBody[GetNodeInfoResponse, Response](t.Body)
	case tagPeersResponse:
		return decodeBody[PeersResponse, Response](t.Body)
	case tagTransactionStatusResponse:
		return decodeBody[TransactionStatusResponse, Response](t.Body)
	case tagErrorResponse:
		return decodeBody[ErrorResponse, Response](t.Body)
	default:
		return nil, p2perr.Protocol("unknown response tag %d", t.Tag)
	}
}
