// Package frame implements the HTTP/2 frame codec: the wire-level encode and
// decode of frames, independent of any particular stream's semantics.
//
// This is the "framing collaborator" that the transport package consumes:
// it owns frame types, flags, and the length-prefixed wire layout, but knows
// nothing about streams, requests, or HPACK semantics beyond carrying an
// opaque header block.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type Type uint8

const (
	TypeData         Type = 0x0
	TypeHeaders      Type = 0x1
	TypePriority     Type = 0x2
	TypeRSTStream    Type = 0x3
	TypeSettings     Type = 0x4
	TypePushPromise  Type = 0x5
	TypePing         Type = 0x6
	TypeGoAway       Type = 0x7
	TypeWindowUpdate Type = 0x8
	TypeContinuation Type = 0x9
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHeaders:
		return "HEADERS"
	case TypePriority:
		return "PRIORITY"
	case TypeRSTStream:
		return "RST_STREAM"
	case TypeSettings:
		return "SETTINGS"
	case TypePushPromise:
		return "PUSH_PROMISE"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypeContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN(%#x)", uint8(t))
	}
}

type Flag uint8

const (
	FlagDataEndStream Flag = 0x1
	FlagDataPadded    Flag = 0x8

	FlagHeadersEndStream  Flag = 0x1
	FlagHeadersEndHeaders Flag = 0x4
	FlagHeadersPadded     Flag = 0x8
	FlagHeadersPriority   Flag = 0x20

	FlagSettingsAck Flag = 0x1

	FlagPingAck Flag = 0x1

	FlagContinuationEndHeaders Flag = 0x4
)

// ErrorCode is an HTTP/2 error code, carried on RST_STREAM and GOAWAY frames.
type ErrorCode uint32

const (
	ErrCodeNoError            ErrorCode = 0x0
	ErrCodeProtocolError      ErrorCode = 0x1
	ErrCodeInternalError      ErrorCode = 0x2
	ErrCodeFlowControlError   ErrorCode = 0x3
	ErrCodeSettingsTimeout    ErrorCode = 0x4
	ErrCodeStreamClosed       ErrorCode = 0x5
	ErrCodeFrameSizeError     ErrorCode = 0x6
	ErrCodeRefusedStream      ErrorCode = 0x7
	ErrCodeCancel             ErrorCode = 0x8
	ErrCodeCompressionError   ErrorCode = 0x9
	ErrCodeConnectError       ErrorCode = 0xa
	ErrCodeEnhanceYourCalm    ErrorCode = 0xb
	ErrCodeInadequateSecurity ErrorCode = 0xc
	ErrCodeHTTP11Required     ErrorCode = 0xd
)

/*
+-----------------------------------------------+
|                 Length (24)                   |
+---------------+---------------+---------------+
|   Type (8)    |   Flags (8)   |
+-+-------------+---------------+-------------------------------+
|R|                 Stream Identifier (31)                      |
+=+=============================================================+
|                   Frame Payload (0...)                      ...
+---------------------------------------------------------------+
*/

// HeaderLen is the fixed size, in bytes, of the frame header that precedes
// every frame's payload.
const HeaderLen = 9

// DefaultMaxFrameSize is the smallest legal SETTINGS_MAX_FRAME_SIZE and the
// value this client advertises until told otherwise.
const DefaultMaxFrameSize = 16384

// Header is the 9-byte frame header common to every HTTP/2 frame.
type Header struct {
	Length   uint32
	Type     Type
	Flags    uint8
	StreamID uint32
}

func (h Header) HasFlag(flag Flag) bool {
	return h.Flags&uint8(flag) == uint8(flag)
}

func decodeHeader(bs [HeaderLen]byte) Header {
	return Header{
		Length:   uint32(bs[0])<<16 | uint32(bs[1])<<8 | uint32(bs[2]),
		Type:     Type(bs[3]),
		Flags:    bs[4],
		StreamID: binary.BigEndian.Uint32(bs[5:]) & (1<<31 - 1),
	}
}

func encodeHeader(h Header, payloadLen int) [HeaderLen]byte {
	var bs [HeaderLen]byte
	bs[0] = byte(payloadLen >> 16)
	bs[1] = byte(payloadLen >> 8)
	bs[2] = byte(payloadLen)
	bs[3] = byte(h.Type)
	bs[4] = h.Flags
	binary.BigEndian.PutUint32(bs[5:], h.StreamID)
	return bs
}

// Frame is any decoded HTTP/2 frame.
type Frame interface {
	Header() Header
	// Encode appends the frame's wire representation (header + payload) to
	// dst and returns the result.
	Encode(dst []byte) ([]byte, error)
}

var (
	// ErrUnknownFrame is returned by Decode for frame types this codec does
	// not understand. Per RFC 7540 5.5, unknown frame types must be
	// ignored, not treated as a connection error.
	ErrUnknownFrame = errors.New("frame: unknown frame type")
	// ErrFrameTooLarge is returned by Decode when a frame's declared length
	// exceeds the negotiated SETTINGS_MAX_FRAME_SIZE.
	ErrFrameTooLarge = errors.New("frame: exceeds MAX_FRAME_SIZE")
)

// Decode reads exactly one frame from r. maxSize is the currently negotiated
// SETTINGS_MAX_FRAME_SIZE; a frame of any type exceeding it returns
// ErrFrameTooLarge, with its payload drained from r. Decode returns
// ErrUnknownFrame (with
// Header and raw payload already consumed from r) for unrecognized frame
// types so the caller can skip over them without desyncing the stream.
func Decode(r io.Reader, maxSize uint32) (Frame, error) {
	var hbs [HeaderLen]byte
	if _, err := io.ReadFull(r, hbs[:]); err != nil {
		return nil, err
	}
	h := decodeHeader(hbs)

	if h.Length > maxSize {
		// Still have to drain the payload so a caller that chooses to
		// continue reading frames on the same connection doesn't desync;
		// GOAWAY with FRAME_SIZE_ERROR is the caller's call to make.
		io.CopyN(io.Discard, r, int64(h.Length))
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	switch h.Type {
	case TypeData:
		return decodeDataFrame(h, payload), nil
	case TypeHeaders:
		return decodeHeadersFrame(h, payload), nil
	case TypeRSTStream:
		return decodeRSTStreamFrame(h, payload), nil
	case TypeSettings:
		return decodeSettingsFrame(h, payload), nil
	case TypePing:
		return decodePingFrame(h, payload), nil
	case TypeGoAway:
		return decodeGoAwayFrame(h, payload), nil
	case TypeWindowUpdate:
		return decodeWindowUpdateFrame(h, payload), nil
	case TypeContinuation:
		return decodeContinuationFrame(h, payload), nil
	default:
		return nil, ErrUnknownFrame
	}
}

func encodeFrame(dst []byte, h Header, payload []byte) []byte {
	hbs := encodeHeader(h, len(payload))
	dst = append(dst, hbs[:]...)
	dst = append(dst, payload...)
	return dst
}

// DataFrame carries a request or response body segment.
type DataFrame struct {
	StreamID  uint32
	EndStream bool
	Data      []byte
}

func decodeDataFrame(h Header, payload []byte) *DataFrame {
	padded := h.HasFlag(FlagDataPadded)
	var padLen int
	if padded && len(payload) > 0 {
		padLen = int(payload[0])
		payload = payload[1:]
	}
	if padLen > len(payload) {
		padLen = 0
	}
	return &DataFrame{
		StreamID:  h.StreamID,
		EndStream: h.HasFlag(FlagDataEndStream),
		Data:      payload[:len(payload)-padLen],
	}
}

func (d *DataFrame) Header() Header {
	var flags uint8
	if d.EndStream {
		flags |= uint8(FlagDataEndStream)
	}
	return Header{Length: uint32(len(d.Data)), Type: TypeData, Flags: flags, StreamID: d.StreamID}
}

func (d *DataFrame) Encode(dst []byte) ([]byte, error) {
	return encodeFrame(dst, d.Header(), d.Data), nil
}

// HeadersFrame carries a (possibly partial, if followed by CONTINUATION)
// HPACK-encoded header block. This codec does not decode the block itself;
// that is internal/h2pack's job, fed the concatenation of BlockFragment
// across HEADERS + CONTINUATION frames.
type HeadersFrame struct {
	StreamID      uint32
	EndStream     bool
	EndHeaders    bool
	BlockFragment []byte
}

func decodeHeadersFrame(h Header, payload []byte) *HeadersFrame {
	padded := h.HasFlag(FlagHeadersPadded)
	priority := h.HasFlag(FlagHeadersPriority)

	var padLen int
	if padded && len(payload) > 0 {
		padLen = int(payload[0])
		payload = payload[1:]
	}
	if priority && len(payload) >= 5 {
		payload = payload[5:]
	}
	if padLen > len(payload) {
		padLen = 0
	}

	return &HeadersFrame{
		StreamID:      h.StreamID,
		EndStream:     h.HasFlag(FlagHeadersEndStream),
		EndHeaders:    h.HasFlag(FlagHeadersEndHeaders),
		BlockFragment: payload[:len(payload)-padLen],
	}
}

func (hf *HeadersFrame) Header() Header {
	var flags uint8
	if hf.EndStream {
		flags |= uint8(FlagHeadersEndStream)
	}
	if hf.EndHeaders {
		flags |= uint8(FlagHeadersEndHeaders)
	}
	return Header{Length: uint32(len(hf.BlockFragment)), Type: TypeHeaders, Flags: flags, StreamID: hf.StreamID}
}

func (hf *HeadersFrame) Encode(dst []byte) ([]byte, error) {
	return encodeFrame(dst, hf.Header(), hf.BlockFragment), nil
}

// ContinuationFrame continues a header block that didn't fit in one HEADERS
// frame.
type ContinuationFrame struct {
	StreamID      uint32
	EndHeaders    bool
	BlockFragment []byte
}

func decodeContinuationFrame(h Header, payload []byte) *ContinuationFrame {
	return &ContinuationFrame{
		StreamID:      h.StreamID,
		EndHeaders:    h.HasFlag(FlagContinuationEndHeaders),
		BlockFragment: payload,
	}
}

func (c *ContinuationFrame) Header() Header {
	var flags uint8
	if c.EndHeaders {
		flags |= uint8(FlagContinuationEndHeaders)
	}
	return Header{Length: uint32(len(c.BlockFragment)), Type: TypeContinuation, Flags: flags, StreamID: c.StreamID}
}

func (c *ContinuationFrame) Encode(dst []byte) ([]byte, error) {
	return encodeFrame(dst, c.Header(), c.BlockFragment), nil
}

// RSTStreamFrame abruptly terminates a stream.
type RSTStreamFrame struct {
	StreamID  uint32
	ErrorCode ErrorCode
}

func decodeRSTStreamFrame(h Header, payload []byte) *RSTStreamFrame {
	var code ErrorCode
	if len(payload) >= 4 {
		code = ErrorCode(binary.BigEndian.Uint32(payload))
	}
	return &RSTStreamFrame{StreamID: h.StreamID, ErrorCode: code}
}

func (r *RSTStreamFrame) Header() Header {
	return Header{Length: 4, Type: TypeRSTStream, StreamID: r.StreamID}
}

func (r *RSTStreamFrame) Encode(dst []byte) ([]byte, error) {
	payload := binary.BigEndian.AppendUint32(nil, uint32(r.ErrorCode))
	return encodeFrame(dst, r.Header(), payload), nil
}

// SettingParam identifies a single SETTINGS entry.
type SettingParam uint16

const (
	SettingHeaderTableSize      SettingParam = 0x1
	SettingEnablePush           SettingParam = 0x2
	SettingMaxConcurrentStreams SettingParam = 0x3
	SettingInitialWindowSize    SettingParam = 0x4
	SettingMaxFrameSize         SettingParam = 0x5
	SettingMaxHeaderListSize    SettingParam = 0x6
)

type Setting struct {
	Param SettingParam
	Value uint32
}

// SettingsFrame communicates (or acknowledges) connection-level parameters.
type SettingsFrame struct {
	Ack      bool
	Settings []Setting
}

func decodeSettingsFrame(h Header, payload []byte) *SettingsFrame {
	s := &SettingsFrame{Ack: h.HasFlag(FlagSettingsAck)}
	for len(payload) >= 6 {
		s.Settings = append(s.Settings, Setting{
			Param: SettingParam(binary.BigEndian.Uint16(payload[0:])),
			Value: binary.BigEndian.Uint32(payload[2:]),
		})
		payload = payload[6:]
	}
	return s
}

func (s *SettingsFrame) Header() Header {
	var flags uint8
	if s.Ack {
		flags |= uint8(FlagSettingsAck)
	}
	return Header{Length: uint32(6 * len(s.Settings)), Type: TypeSettings, Flags: flags}
}

func (s *SettingsFrame) Encode(dst []byte) ([]byte, error) {
	payload := make([]byte, 0, 6*len(s.Settings))
	for _, set := range s.Settings {
		payload = binary.BigEndian.AppendUint16(payload, uint16(set.Param))
		payload = binary.BigEndian.AppendUint32(payload, set.Value)
	}
	return encodeFrame(dst, s.Header(), payload), nil
}

// PingFrame measures round-trip time / liveness; a non-ack PING must be
// echoed back with Ack set and the same Opaque payload.
type PingFrame struct {
	Ack    bool
	Opaque [8]byte
}

func decodePingFrame(h Header, payload []byte) *PingFrame {
	p := &PingFrame{Ack: h.HasFlag(FlagPingAck)}
	copy(p.Opaque[:], payload)
	return p
}

func (p *PingFrame) Header() Header {
	var flags uint8
	if p.Ack {
		flags |= uint8(FlagPingAck)
	}
	return Header{Length: 8, Type: TypePing, Flags: flags}
}

func (p *PingFrame) Encode(dst []byte) ([]byte, error) {
	return encodeFrame(dst, p.Header(), p.Opaque[:]), nil
}

// GoAwayFrame tells the peer to stop initiating new streams and reports why.
type GoAwayFrame struct {
	LastStreamID uint32
	ErrorCode    ErrorCode
	Debug        []byte
}

func decodeGoAwayFrame(h Header, payload []byte) *GoAwayFrame {
	g := &GoAwayFrame{}
	if len(payload) >= 8 {
		g.LastStreamID = binary.BigEndian.Uint32(payload) & (1<<31 - 1)
		g.ErrorCode = ErrorCode(binary.BigEndian.Uint32(payload[4:]))
		if len(payload) > 8 {
			g.Debug = payload[8:]
		}
	}
	return g
}

func (g *GoAwayFrame) Header() Header {
	return Header{Length: uint32(8 + len(g.Debug)), Type: TypeGoAway}
}

func (g *GoAwayFrame) Encode(dst []byte) ([]byte, error) {
	payload := binary.BigEndian.AppendUint32(nil, g.LastStreamID)
	payload = binary.BigEndian.AppendUint32(payload, uint32(g.ErrorCode))
	payload = append(payload, g.Debug...)
	return encodeFrame(dst, g.Header(), payload), nil
}

// WindowUpdateFrame grants additional flow-control credit. The codec decodes
// it for completeness; the transport core does not implement stream-level
// flow control beyond what this framing layer already parses (see
// Non-goals).
type WindowUpdateFrame struct {
	StreamID      uint32
	SizeIncrement uint32
}

func decodeWindowUpdateFrame(h Header, payload []byte) *WindowUpdateFrame {
	w := &WindowUpdateFrame{StreamID: h.StreamID}
	if len(payload) >= 4 {
		w.SizeIncrement = binary.BigEndian.Uint32(payload) & (1<<31 - 1)
	}
	return w
}

func (w *WindowUpdateFrame) Header() Header {
	return Header{Length: 4, Type: TypeWindowUpdate, StreamID: w.StreamID}
}

func (w *WindowUpdateFrame) Encode(dst []byte) ([]byte, error) {
	payload := binary.BigEndian.AppendUint32(nil, w.SizeIncrement)
	return encodeFrame(dst, w.Header(), payload), nil
}
