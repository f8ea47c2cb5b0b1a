package bitaxeraw

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequest_Encode_GPIOSet(t *testing.T) {
	req := GPIOSet(7, 0, 1)
	frame := req.Encode()
	// len = 2(len field) + id + bus + page + command + data(1) = 7.
	require.Equal(t, []byte{0x07, 0x00, 0x07, 0x00, 0x06, 0x00, 0x01}, frame)
}

func TestRequest_Encode_GPIOGet_NoData(t *testing.T) {
	req := GPIOGet(3, 5)
	frame := req.Encode()
	require.Equal(t, []byte{0x06, 0x00, 0x03, 0x00, 0x06, 0x05}, frame)
}

func TestDecodeResponse_EmptyAck(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x09}
	resp, err := DecodeResponse(buf)
	require.NoError(t, err)
	require.Equal(t, byte(0x09), resp.ID)
	require.Empty(t, resp.Payload)
}

func TestDecodeResponse_PayloadLengthMismatch(t *testing.T) {
	buf := []byte{0x05, 0x00, 0x01, 0xAA}
	_, err := DecodeResponse(buf)
	require.Error(t, err)
}

func TestDecodeResponse_TooShort(t *testing.T) {
	_, err := DecodeResponse([]byte{0x00, 0x00})
	require.Error(t, err)
}

func TestResponse_AsError_Timeout(t *testing.T) {
	resp := Response{ID: 1, Payload: []byte{0xFF, ErrCodeTimeout}}
	te, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, ErrCodeTimeout, te.Code)
	require.Contains(t, te.Error(), "timeout")
}

func TestResponse_AsError_CustomWithMessage(t *testing.T) {
	resp := Response{ID: 1, Payload: []byte{0xFF, ErrCodeCustom, 'o', 'o', 'p', 's'}}
	te, ok := resp.AsError()
	require.True(t, ok)
	require.Equal(t, "oops", te.Message)
	require.Equal(t, "oops", te.Error())
}

func TestResponse_AsError_NotAnError(t *testing.T) {
	resp := Response{ID: 1, Payload: []byte{0x01}}
	_, ok := resp.AsError()
	require.False(t, ok)
}

func TestCorrelate_Mismatch(t *testing.T) {
	req := Request{ID: 4}
	resp := Response{ID: 5}
	require.Error(t, Correlate(req, resp))
}

func TestCorrelate_Match(t *testing.T) {
	req := Request{ID: 4}
	resp := Response{ID: 4}
	require.NoError(t, Correlate(req, resp))
}

func TestIDSequence_WrapsModulo256(t *testing.T) {
	var seq IDSequence
	seq.next = 255
	first := seq.Next()
	second := seq.Next()
	require.Equal(t, byte(255), first)
	require.Equal(t, byte(0), second)
}
