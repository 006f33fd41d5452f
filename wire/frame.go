// Package wire implements the FAIC point-to-point wire format.
//
// Frame: [N bytes length (BigEndian, N = 4 or 8)] [length bytes CBOR envelope]
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/VanDung-dev/FAIC-Node/p2perr"
)

// Protocol identifiers.
const (
	ProtocolID  = "/faic/1"
	GossipTopic = "/faic/1.0.0"
)

// DefaultMaxFrameSize is the largest payload accepted by DefaultCodec (1 MiB).
const DefaultMaxFrameSize = 1 << 20

// Supported length-prefix widths.
const (
	HeaderSize32 = 4
	HeaderSize64 = 8
)

// Codec frames envelopes. It is stateless and safe for concurrent use.
type Codec struct {
	MaxFrameSize int
	HeaderSize   int
}

// DefaultCodec uses a 4 byte header and a 1 MiB limit.
var DefaultCodec = Codec{MaxFrameSize: DefaultMaxFrameSize, HeaderSize: HeaderSize32}

// NewCodec creates a codec. headerSize must be 4 or 8.
func NewCodec(maxFrameSize, headerSize int) (Codec, error) {
	if headerSize != HeaderSize32 && headerSize != HeaderSize64 {
		return Codec{}, fmt.Errorf("invalid header size %d (want 4 or 8)", headerSize)
	}
	if maxFrameSize <= 0 {
		return Codec{}, fmt.Errorf("invalid max frame size %d", maxFrameSize)
	}
	if headerSize == HeaderSize32 && uint64(maxFrameSize) > uint64(^uint32(0)) {
		return Codec{}, fmt.Errorf("max frame size %d does not fit a 4 byte header", maxFrameSize)
	}
	return Codec{MaxFrameSize: maxFrameSize, HeaderSize: headerSize}, nil
}

func (c Codec) headerSize() int {
	if c.HeaderSize == HeaderSize64 {
		return HeaderSize64
	}
	return HeaderSize32
}

func (c Codec) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Frame prefixes payload with its length.
func (c Codec) Frame(payload []byte) ([]byte, error) {
	if len(payload) > c.maxFrameSize() {
		return nil, p2perr.MessageTooLarge(len(payload))
	}
	h := c.headerSize()
	out := make([]byte, h+len(payload))
	c.putLength(out[:h], len(payload))
	copy(out[h:], payload)
	return out, nil
}

// Unframe validates the length prefix and returns the payload. The result aliases frame.
func (c Codec) Unframe(frame []byte) ([]byte, error) {
	h := c.headerSize()
	if len(frame) < h {
		return nil, p2perr.Protocol("short frame: %d bytes", len(frame))
	}
	length, err := c.checkLength(frame[:h])
	if err != nil {
		return nil, err
	}
	if len(frame)-h != length {
		return nil, p2perr.Protocol("length mismatch: header %d, body %d", length, len(frame)-h)
	}
	return frame[h:], nil
}

// ReadFrame reads one length-prefixed payload from r.
func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, c.headerSize())
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length, err := c.checkLength(header)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes payload to w with its length prefix.
func (c Codec) WriteFrame(w io.Writer, payload []byte) error {
	frame, err := c.Frame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c Codec) putLength(dst []byte, n int) {
	if len(dst) == HeaderSize64 {
		binary.BigEndian.PutUint64(dst, uint64(n))
		return
	}
	binary.BigEndian.PutUint32(dst, uint32(n)) // #nosec G115 - bounded by maxFrameSize
}

func (c Codec) checkLength(header []byte) (int, error) {
	var length uint64
	if len(header) == HeaderSize64 {
		length = binary.BigEndian.Uint64(header)
	} else {
		length = uint64(binary.BigEndian.Uint32(header))
	}
	if length == 0 {
		return 0, p2perr.Protocol("empty frame")
	}
	if length > uint64(c.maxFrameSize()) {
		size := int(^uint(0) >> 1)
		if length < uint64(size) {
			size = int(length)
		}
		return 0, p2perr.MessageTooLarge(size)
	}
	return int(length), nil
}
