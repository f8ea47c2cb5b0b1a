package crc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC16_CCITTFalseCheckValue(t *testing.T) {
	// Standard CRC-16/CCITT-FALSE check value for ASCII "123456789".
	got := CRC16([]byte("123456789"))
	require.Equal(t, uint16(0x29B1), got)
}

func TestCRC16_Idempotent(t *testing.T) {
	data := []byte{0x18, 0x01, 0x00, 0x00, 0x00, 0x00}
	require.Equal(t, CRC16(data), CRC16(data))
}

func TestCRC16_DetectsSingleByteFlip(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0x04}
	b := []byte{0x01, 0x02, 0x03, 0x05}
	require.NotEqual(t, CRC16(a), CRC16(b))
}

func TestCRC5_Idempotent(t *testing.T) {
	data := []byte{0x52, 0x05, 0x00, 0x00}
	require.Equal(t, CRC5(data), CRC5(data))
}

func TestCRC5_FitsInFiveBits(t *testing.T) {
	data := []byte{0x92, 0x09, 0x00, 0x00, 0x00, 0x00, 0x1C}
	got := CRC5(data)
	require.Zero(t, got&^0x1F, "CRC5 must not set bits above the low 5")
}

func TestCRC5_DetectsSingleByteFlip(t *testing.T) {
	a := []byte{0x52, 0x05, 0x00, 0x00}
	b := []byte{0x52, 0x05, 0x00, 0x01}
	require.NotEqual(t, CRC5(a), CRC5(b))
}
