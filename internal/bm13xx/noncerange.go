package bm13xx

import "mujina-miner/internal/merrors"

// nonceRangeByChipCount tabulates the empirically-determined NONCE_RANGE
// register (0x10) value per chain chip count. The register's purpose is
// undocumented upstream; only observed-good values are recorded here.
// The Bitaxe Gamma is a single-BM1370 board, hence the lone entry.
var nonceRangeByChipCount = map[int]uint32{
	1: 0x00000000,
}

// NonceRange looks up the NONCE_RANGE value for a chain of the given chip
// count, flagging unknown counts rather than guessing.
func NonceRange(chipCount int) (uint32, error) {
	v, ok := nonceRangeByChipCount[chipCount]
	if !ok {
		return 0, merrors.Protocol("bm13xx.nonceRange", merrors.ErrUnknownChipCount)
	}
	return v, nil
}

// ChipAddress computes the address assigned to chip i in a chain of
// chipCount chips: interval = 256 / chip_count, chip i gets i*interval.
func ChipAddress(i, chipCount int) byte {
	interval := 256 / chipCount
	return byte(i * interval)
}
