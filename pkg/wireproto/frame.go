package wireproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Magic identifies a VeloxDB client-protocol frame.
const Magic uint32 = 0x564c4258 // "VLBX"

// Version is the current wire protocol version.
const Version uint16 = 1

// maxFrameBytes bounds one decoded frame body, guarding against a
// corrupt or hostile length prefix causing an unbounded allocation.
const maxFrameBytes = 64 << 20

// HeaderSize is the fixed on-wire size of a FrameHeader, in bytes:
// magic(4) version(2) type(2) length(4) requestId(8).
const HeaderSize = 20

// FrameType discriminates the client-protocol frame bodies.
type FrameType uint16

const (
	FrameHello FrameType = iota + 1
	FrameAuthChallenge
	FrameAuthResponse
	FrameInvoke
	FrameResult
	FrameError
	FrameHeartbeat
	FrameGoodbye
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "Hello"
	case FrameAuthChallenge:
		return "AuthChallenge"
	case FrameAuthResponse:
		return "AuthResponse"
	case FrameInvoke:
		return "Invoke"
	case FrameResult:
		return "Result"
	case FrameError:
		return "Error"
	case FrameHeartbeat:
		return "Heartbeat"
	case FrameGoodbye:
		return "Goodbye"
	default:
		return fmt.Sprintf("FrameType(%d)", uint16(t))
	}
}

// FrameHeader is the fixed header preceding every frame body.
type FrameHeader struct {
	Magic     uint32
	Version   uint16
	Type      FrameType
	Length    uint32
	RequestID uint64
}

func (h *FrameHeader) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	binary.BigEndian.PutUint64(buf[12:20], h.RequestID)
}

func (h *FrameHeader) decode(buf []byte) {
	h.Magic = binary.BigEndian.Uint32(buf[0:4])
	h.Version = binary.BigEndian.Uint16(buf[4:6])
	h.Type = FrameType(binary.BigEndian.Uint16(buf[6:8]))
	h.Length = binary.BigEndian.Uint32(buf[8:12])
	h.RequestID = binary.BigEndian.Uint64(buf[12:20])
}

// HelloBody is sent by the client immediately after connecting.
type HelloBody struct {
	ClientName string
	Epoch      uint64
}

// AuthChallengeBody is sent by the server when SSLConfiguration.Enabled
// requires a certificate handshake beyond the TLS layer itself.
type AuthChallengeBody struct {
	Nonce []byte
}

// AuthResponseBody answers an AuthChallenge.
type AuthResponseBody struct {
	Response []byte
}

// InvokeBody requests execution of one registered operation.
type InvokeBody struct {
	APIName string
	OpName  string
	Args    []byte
}

// ResultBody carries a successful Invoke's return payload.
type ResultBody struct {
	Payload []byte
}

// ErrorBody carries a failed Invoke's typed error code and message.
type ErrorBody struct {
	Code    string
	Message string
}

// HeartbeatBody keeps an idle connection alive.
type HeartbeatBody struct{}

// GoodbyeBody announces a clean connection shutdown.
type GoodbyeBody struct {
	Reason string
}

// Frame is one decoded protocol message: a header plus its typed
// body, already unmarshaled.
type Frame struct {
	Header FrameHeader
	Body   any
}

// WriteFrame encodes body per frameType, frames it with header fields
// magic/version/requestID, and writes it to w.
func WriteFrame(w io.Writer, frameType FrameType, requestID uint64, body any) error {
	var payload []byte
	var err error
	if body != nil {
		payload, err = bson.Marshal(body)
		if err != nil {
			return fmt.Errorf("wireproto: encode %s body: %w", frameType, err)
		}
	}

	hdr := FrameHeader{Magic: Magic, Version: Version, Type: frameType, Length: uint32(len(payload)), RequestID: requestID}
	var buf [HeaderSize]byte
	hdr.encode(buf[:])

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("wireproto: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wireproto: write body: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r and unmarshals its body into the
// Go type matching its FrameType.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, err
	}

	var hdr FrameHeader
	hdr.decode(hdrBuf[:])
	if hdr.Magic != Magic {
		return nil, fmt.Errorf("wireproto: bad magic %#x", hdr.Magic)
	}
	if hdr.Length > maxFrameBytes {
		return nil, fmt.Errorf("wireproto: frame of %d bytes exceeds maximum %d", hdr.Length, maxFrameBytes)
	}

	payload := make([]byte, hdr.Length)
	if hdr.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("wireproto: read body: %w", err)
		}
	}

	body, err := decodeBody(hdr.Type, payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Header: hdr, Body: body}, nil
}

func decodeBody(t FrameType, payload []byte) (any, error) {
	var body any
	switch t {
	case FrameHello:
		body = &HelloBody{}
	case FrameAuthChallenge:
		body = &AuthChallengeBody{}
	case FrameAuthResponse:
		body = &AuthResponseBody{}
	case FrameInvoke:
		body = &InvokeBody{}
	case FrameResult:
		body = &ResultBody{}
	case FrameError:
		body = &ErrorBody{}
	case FrameHeartbeat:
		body = &HeartbeatBody{}
	case FrameGoodbye:
		body = &GoodbyeBody{}
	default:
		return nil, fmt.Errorf("wireproto: unknown frame type %d", t)
	}

	if len(payload) == 0 {
		return body, nil
	}
	if err := bson.Unmarshal(payload, body); err != nil {
		return nil, fmt.Errorf("wireproto: decode %s body: %w", t, err)
	}
	return body, nil
}
