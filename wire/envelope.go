package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
)

// Kind classifies an envelope.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindHeartbeat
	// KindData carries a gossip message when Topic is set and a direct message otherwise.
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindHeartbeat:
		return "heartbeat"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the unit carried in one frame.
type Envelope struct {
	Protocol      string   `cbor:"1,keyasint"`
	Kind          Kind     `cbor:"2,keyasint"`
	CorrelationID string   `cbor:"3,keyasint,omitempty"`
	From          string   `cbor:"4,keyasint"`
	Addrs         []string `cbor:"5,keyasint,omitempty"`

	// Gossip fields, set only on KindData with a Topic.
	Topic     string `cbor:"6,keyasint,omitempty"`
	MessageID string `cbor:"7,keyasint,omitempty"`
	Origin    string `cbor:"8,keyasint,omitempty"`
	Hops      uint8  `cbor:"9,keyasint,omitempty"`

	Payload []byte `cbor:"10,keyasint,omitempty"`
}

// IsGossip reports whether the envelope is a topic message.
func (e *Envelope) IsGossip() bool {
	return e.Kind == KindData && e.Topic != ""
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: 65536,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes env and frames it. An empty Protocol is stamped with ProtocolID.
func (c Codec) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, p2perr.Protocol("nil envelope")
	}
	if env.Protocol == "" {
		stamped := *env
		stamped.Protocol = ProtocolID
		env = &stamped
	}
	body, err := encMode.Marshal(env)
	if err != nil {
		return nil, p2perr.Protocol("encode envelope: %v", err)
	}
	return c.Frame(body)
}

// Decode unframes and deserializes one envelope. Envelopes from another protocol version
// are rejected.
func (c Codec) Decode(frame []byte) (*Envelope, error) {
	body, err := c.Unframe(frame)
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(body)
}

// DecodeEnvelope deserializes an unframed envelope body.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(body, &env); err != nil {
		return nil, p2perr.Protocol("malformed envelope: %v", err)
	}
	if env.Protocol != ProtocolID {
		return nil, p2perr.Protocol("unsupported protocol %q", env.Protocol)
	}
	if env.Kind < KindRequest || env.Kind > KindData {
		return nil, p2perr.Protocol("unknown envelope kind %d", uint8(env.Kind))
	}
	if env.From == "" {
		return nil, p2perr.Protocol("missing sender")
	}
	return &env, nil
}
