package bm13xx

import (
	"encoding/binary"

	"mujina-miner/internal/crc"
)

// Job is the full-midstate job body BM1370/BM1362 expect: one computed
// midstate, fixed starting nonce of zero, and the header fields needed to
// reconstruct a candidate block on nonce return.
type Job struct {
	JobID         byte // 4 bits, caller-assigned from the rotating pool
	NBits         uint32
	NTime         uint32
	MerkleRoot    [32]byte // transmitted as-is, no endianness conversion
	PrevBlockHash [32]byte // transmitted as-is, no endianness conversion
	Version       uint32
}

const jobBodyLen = 1 + 1 + 4 + 4 + 4 + 32 + 32 + 4 // 82

// EncodeJob builds a full-midstate job frame: preamble, type/flags 0x21,
// length, 82-byte body, then a little-endian CRC-16 trailer.
func EncodeJob(j Job) []byte {
	body := make([]byte, 0, jobBodyLen)

	jobHeader := byte(j.JobID<<3) & 0x7F
	body = append(body, jobHeader)
	body = append(body, 0x01) // num_midstates, always 1 for full-midstate jobs

	var starting [4]byte // zero
	body = append(body, starting[:]...)

	var nbits, ntime [4]byte
	binary.LittleEndian.PutUint32(nbits[:], j.NBits)
	binary.LittleEndian.PutUint32(ntime[:], j.NTime)
	body = append(body, nbits[:]...)
	body = append(body, ntime[:]...)

	body = append(body, j.MerkleRoot[:]...)
	body = append(body, j.PrevBlockHash[:]...)

	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], j.Version)
	body = append(body, version[:]...)

	typeFlags := byte(typeJob | 0x01)
	lenByte := byte(2 + len(body) + 2) // type_flags + len + body + crc16, all after preamble

	frame := make([]byte, 0, 2+2+len(body)+2)
	frame = append(frame, preambleLo, preambleHi, typeFlags, lenByte)
	frame = append(frame, body...)

	sum := crc.CRC16(frame[2:])
	var crcBytes [2]byte
	binary.LittleEndian.PutUint16(crcBytes[:], sum)
	frame = append(frame, crcBytes[:]...)

	return frame
}

// JobIDFromHeader extracts the 4-bit job id from a job_header byte.
func JobIDFromHeader(jobHeader byte) byte {
	return (jobHeader >> 3) & 0x0F
}
