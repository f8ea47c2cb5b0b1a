// Package bm13xx implements the BM13xx ASIC wire codec: command and job
// frame encoding, register-read and nonce response decoding, and the
// NONCE_RANGE lookup table. It knows nothing about USB or serial ports;
// callers hand it bytes and get back structured frames or responses.
package bm13xx

import (
	"mujina-miner/internal/crc"
	"mujina-miner/internal/merrors"
)

// Frame-level type/group/cmd bits. BM13xx commands are typed by ORing a
// frame-class bit (cmd vs job) with a targeting bit (single vs all chips)
// with a low-order opcode. Chip-discovery reads and chain-wide writes are
// always sent with the "all" targeting bit set, even when the payload
// names a single chip_addr -- the chip filters on its own address.
const (
	typeCmd = 0x40
	typeJob = 0x20

	groupSingle = 0x00
	groupAll    = 0x10

	cmdSetAddress = 0x00
	cmdWrite      = 0x01
	cmdRead       = 0x02
	cmdInactive   = 0x03
)

const preambleLo, preambleHi = 0x55, 0xAA

func buildCmdFrame(typeFlags byte, payload []byte) []byte {
	lenByte := byte(3 + len(payload))
	body := make([]byte, 0, 2+len(payload)+1)
	body = append(body, typeFlags, lenByte)
	body = append(body, payload...)
	body = append(body, crc.CRC5(body))

	frame := make([]byte, 0, 2+len(body))
	frame = append(frame, preambleLo, preambleHi)
	frame = append(frame, body...)
	return frame
}

// EncodeRegRead builds a register-read command for chip_addr/reg_addr.
// Reads are always sent chain-wide (the responding chip filters by its own
// address), matching the reference firmware's chip-discovery behavior.
func EncodeRegRead(chipAddr, regAddr byte) []byte {
	typeFlags := byte(typeCmd | groupAll | cmdRead)
	return buildCmdFrame(typeFlags, []byte{chipAddr, regAddr})
}

// EncodeRegWrite builds a register-write command. data is little-endian.
// Broadcast writes (used throughout the init sequence) target every chip
// on the chain; non-broadcast writes target chipAddr alone.
func EncodeRegWrite(chipAddr, regAddr byte, data [4]byte, broadcast bool) []byte {
	group := byte(groupSingle)
	if broadcast {
		group = groupAll
	}
	typeFlags := byte(typeCmd | group | cmdWrite)
	payload := []byte{chipAddr, regAddr, data[0], data[1], data[2], data[3]}
	return buildCmdFrame(typeFlags, payload)
}

// EncodeSetAddress builds the chip-address assignment command used during
// multi-chip chain discovery, sent chain-wide before any chip has a
// distinct address.
func EncodeSetAddress(addr byte) []byte {
	typeFlags := byte(typeCmd | groupAll | cmdSetAddress)
	return buildCmdFrame(typeFlags, []byte{addr, 0x00})
}

// EncodeChainInactive builds the broadcast chain-inactive command.
func EncodeChainInactive() []byte {
	typeFlags := byte(typeCmd | groupAll | cmdInactive)
	return buildCmdFrame(typeFlags, []byte{0x00, 0x00})
}

// Resync scans buf for the next valid AA 55 response preamble, per the
// codec's resync-on-error failure mode: skip one byte, look for the next
// 0xAA after which 0x55 follows. Returns the slice starting at that
// preamble, or nil if none is found.
func Resync(buf []byte) []byte {
	for i := 1; i < len(buf)-1; i++ {
		if buf[i] == 0xAA && buf[i+1] == 0x55 {
			return buf[i:]
		}
	}
	return nil
}

func checkResponsePreamble(data []byte, minLen int) error {
	if len(data) < minLen {
		return merrors.Protocol("bm13xx.decode", merrors.ErrBadLength)
	}
	if data[0] != 0xAA || data[1] != 0x55 {
		return merrors.Protocol("bm13xx.decode", merrors.ErrBadPreamble)
	}
	return nil
}
