package bm13xx

import (
	"encoding/binary"

	"mujina-miner/internal/crc"
	"mujina-miner/internal/merrors"
)

const responseLen = 11

// RegReadResponse is the decoded 11-byte reply to a register-read command.
type RegReadResponse struct {
	RegValue [4]byte
	ChipAddr byte
	RegAddr  byte
	Unknown  [2]byte
	Type     byte
}

// IsBM1370ChipID reports whether RegValue carries the BM1370 chip-id
// sequence in register 0x00. The chip-id bytes are a fixed sequence, not
// an integer, so they're compared byte-for-byte.
func (r RegReadResponse) IsBM1370ChipID() bool {
	return r.RegValue[0] == 0x13 && r.RegValue[1] == 0x70
}

// DecodeRegReadResponse parses an 11-byte register-read reply.
func DecodeRegReadResponse(data []byte) (RegReadResponse, error) {
	var resp RegReadResponse
	if err := checkResponsePreamble(data, responseLen); err != nil {
		return resp, err
	}
	if len(data) != responseLen {
		return resp, merrors.Protocol("bm13xx.decodeRegRead", merrors.ErrBadLength)
	}

	trailer := data[10]
	want := crc.CRC5(data[2:10])
	if trailer&0x1F != want {
		return resp, merrors.Protocol("bm13xx.decodeRegRead", merrors.ErrBadCrc)
	}

	copy(resp.RegValue[:], data[2:6])
	resp.ChipAddr = data[6]
	resp.RegAddr = data[7]
	copy(resp.Unknown[:], data[8:10])
	resp.Type = trailer >> 5
	return resp, nil
}

// NonceResponse is the decoded 11-byte nonce reply.
type NonceResponse struct {
	Raw               uint32 // full 32-bit counter word as the chip searched it
	Nonce             uint32
	MainCore          byte
	MidstateNum       byte
	JobID             byte
	Subcore           byte
	RolledVersionBits uint16
	Type              byte
	Special           bool // temperature/diagnostic reply, not a share
}

// ReconstructVersion folds the rolled version bits back into a block
// version: original_version | (response_version << 13).
func (n NonceResponse) ReconstructVersion(originalVersion uint32) uint32 {
	return originalVersion | (uint32(n.RolledVersionBits) << 13)
}

// DecodeNonceResponse parses an 11-byte nonce reply. The wire's nonce
// field is read as a little-endian word: Nonce is its low 25 bits, and
// the main-core id is taken from the top 7 bits of the first transmitted
// byte (bits 7..1 of the word, which Nonce also covers) -- a quirk of the
// chip's internal counter layout, not a plain 32-bit big-endian or
// little-endian split.
func DecodeNonceResponse(data []byte) (NonceResponse, error) {
	var resp NonceResponse
	if err := checkResponsePreamble(data, responseLen); err != nil {
		return resp, err
	}
	if len(data) != responseLen {
		return resp, merrors.Protocol("bm13xx.decodeNonce", merrors.ErrBadLength)
	}

	trailer := data[10]
	want := crc.CRC5(data[2:10])
	if trailer&0x1F != want {
		return resp, merrors.Protocol("bm13xx.decodeNonce", merrors.ErrBadCrc)
	}

	nonceBytes := data[2:6]
	raw := binary.LittleEndian.Uint32(nonceBytes)

	resp.Raw = raw
	resp.Nonce = raw & 0x01FFFFFF
	resp.MainCore = nonceBytes[0] >> 1
	resp.MidstateNum = data[6]

	resultHeader := data[7]
	resp.JobID = (resultHeader >> 4) & 0x0F
	resp.Subcore = resultHeader & 0x0F

	resp.RolledVersionBits = binary.LittleEndian.Uint16(data[8:10])
	resp.Type = trailer >> 5

	resp.Special = resultHeader == 0xB4 || raw&0xFFFF == 0x0080
	return resp, nil
}
