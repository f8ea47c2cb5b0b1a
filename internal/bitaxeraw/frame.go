// Package bitaxeraw implements the bitaxe-raw control-channel wire
// framing: request/response encoding, page dispatch, request/response id
// correlation, and the transport's typed error-packet format. It has no
// notion of USB, timeouts, or exclusion -- see internal/controlchannel for
// the layer that drives an io.ReadWriter with this framing under timeouts.
package bitaxeraw

import (
	"encoding/binary"

	"mujina-miner/internal/merrors"
)

// Page selects the bitaxe-raw peripheral a request targets.
type Page byte

const (
	PageI2C  Page = 0x05
	PageGPIO Page = 0x06
	PageADC  Page = 0x07
)

// Error codes carried in an error response's payload (0xFF | code | msg).
const (
	ErrCodeTimeout  byte = 0x10
	ErrCodeInvalid  byte = 0x11
	ErrCodeOverflow byte = 0x12
	ErrCodeCustom   byte = 0xFF
)

const errMarker = 0xFF

// Request is one bitaxe-raw control-channel request. Bus is always 0x00
// in this system (bitaxe-raw exposes a single I2C bus).
type Request struct {
	ID      byte
	Bus     byte
	Page    Page
	Command byte
	Data    []byte
}

// Encode serializes r as len[2]LE | id | bus | page | command | data...,
// where len is the total packet size including the length field itself.
func (r Request) Encode() []byte {
	body := make([]byte, 0, 4+len(r.Data))
	body = append(body, r.ID, r.Bus, byte(r.Page), r.Command)
	body = append(body, r.Data...)

	total := 2 + len(body)
	frame := make([]byte, 2, total)
	binary.LittleEndian.PutUint16(frame, uint16(total))
	frame = append(frame, body...)
	return frame
}

// GPIOSet builds a GPIO-page request to drive pin to level (0 or 1).
func GPIOSet(id, pin, level byte) Request {
	return Request{ID: id, Bus: 0x00, Page: PageGPIO, Command: pin, Data: []byte{level}}
}

// GPIOGet builds a GPIO-page request to read pin's current level.
func GPIOGet(id, pin byte) Request {
	return Request{ID: id, Bus: 0x00, Page: PageGPIO, Command: pin}
}

// Response is one decoded bitaxe-raw control-channel response.
type Response struct {
	ID      byte
	Payload []byte
}

// DecodeResponse parses len[2]LE | id | payload..., where len is the
// payload length only (not including the len or id fields). The minimum
// valid response is 3 bytes (an empty-payload ack).
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < 3 {
		return Response{}, merrors.Transport("bitaxeraw.decode", merrors.ErrBadLength)
	}
	payloadLen := binary.LittleEndian.Uint16(buf[0:2])
	payload := buf[3:]
	if int(payloadLen) != len(payload) {
		return Response{}, merrors.Transport("bitaxeraw.decode", merrors.ErrBadLength)
	}
	return Response{ID: buf[2], Payload: payload}, nil
}

// TransportError is a decoded error-response payload.
type TransportError struct {
	Code    byte
	Message string
}

func (e *TransportError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Code {
	case ErrCodeTimeout:
		return "bitaxe-raw: timeout"
	case ErrCodeInvalid:
		return "bitaxe-raw: invalid request"
	case ErrCodeOverflow:
		return "bitaxe-raw: overflow"
	default:
		return "bitaxe-raw: custom error"
	}
}

// AsError reports whether r carries the 0xFF error marker and, if so,
// decodes its code and optional trailing message.
func (r Response) AsError() (*TransportError, bool) {
	if len(r.Payload) < 2 || r.Payload[0] != errMarker {
		return nil, false
	}
	te := &TransportError{Code: r.Payload[1]}
	if len(r.Payload) > 2 {
		te.Message = string(r.Payload[2:])
	}
	return te, true
}

// Correlate returns ResponseIdMismatch if resp does not answer req. Per
// spec this is a hard error for the request: no retry, caller decides.
func Correlate(req Request, resp Response) error {
	if req.ID != resp.ID {
		return merrors.Protocol("bitaxeraw.correlate", merrors.ErrResponseIDMismatch)
	}
	return nil
}

// IDSequence generates the monotonically increasing, mod-256 wrapping
// request ids the transport correlates requests and responses with.
type IDSequence struct {
	next byte
}

// Next returns the next request id and advances the sequence.
func (s *IDSequence) Next() byte {
	id := s.next
	s.next++
	return id
}
