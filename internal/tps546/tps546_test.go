package tps546

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"mujina-miner/internal/controlchannel"
	"mujina-miner/internal/merrors"
)

// fakeBus emulates bitaxe-raw's I2C page for a single PMBus device: it
// stores register words and answers read/write requests with correctly
// framed responses.
type fakeBus struct {
	regs   map[byte]uint16
	readCh chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: make(map[byte]uint16), readCh: make(chan []byte, 1)}
}

func (f *fakeBus) Write(p []byte) (int, error) {
	id := p[2]
	cmd := p[5] // addr<<1 | rw
	data := p[6:]

	var payload []byte
	if cmd&1 == 1 {
		// Read: data is [reg, n].
		var word [2]byte
		binary.LittleEndian.PutUint16(word[:], f.regs[data[0]])
		payload = word[:]
	} else {
		// Write: data is [reg, bytes...].
		if len(data) >= 3 {
			f.regs[data[0]] = binary.LittleEndian.Uint16(data[1:3])
		}
	}

	resp := make([]byte, 3+len(payload))
	binary.LittleEndian.PutUint16(resp[0:2], uint16(len(payload)))
	resp[2] = id
	copy(resp[3:], payload)
	f.readCh <- resp
	return len(p), nil
}

func (f *fakeBus) Read(buf []byte) (int, error) {
	return copy(buf, <-f.readCh), nil
}

func TestSetVout_ReadbackMatches(t *testing.T) {
	bus := newFakeBus()
	ctrl := New(controlchannel.New(bus))
	ctx := context.Background()

	require.NoError(t, ctrl.SetVout(ctx, 1.2))

	// The fake regulator reflects VOUT_COMMAND straight into READ_VOUT.
	bus.regs[cmdReadVout] = bus.regs[cmdVoutCommand]

	got, err := ctrl.GetVout(ctx)
	require.NoError(t, err)
	require.InDelta(t, 1.2, got, 0.010, "readback within 10 mV")
}

func TestSetVout_RejectsOutOfRange(t *testing.T) {
	bus := newFakeBus()
	ctrl := New(controlchannel.New(bus))

	err := ctrl.SetVout(context.Background(), 2.5)
	require.Error(t, err)
	require.ErrorIs(t, err, merrors.ErrVoltageOutOfRange)
	require.True(t, merrors.Is(err, merrors.KindPeripheral))
	require.Empty(t, bus.regs, "out-of-range value must never reach the bus")
}

func TestSetVout_ZeroAllowedForShutdown(t *testing.T) {
	bus := newFakeBus()
	ctrl := New(controlchannel.New(bus))

	require.NoError(t, ctrl.SetVout(context.Background(), 0))
	require.Equal(t, uint16(0), bus.regs[cmdVoutCommand])
}

func TestLinear11Decode(t *testing.T) {
	// exponent -4 (0b11100), mantissa 192 -> 12.0
	raw := uint16(0b11100<<11) | 192
	require.InDelta(t, 12.0, decodeLinear11(raw), 1e-9)

	// exponent 0, mantissa 25 -> 25.0 (temperature style)
	require.InDelta(t, 25.0, decodeLinear11(25), 1e-9)
}

func TestULinear16RoundTrip(t *testing.T) {
	for _, v := range []float64{0.9, 1.0, 1.15, 1.2, 1.35, 1.6} {
		require.InDelta(t, v, decodeULinear16(encodeULinear16(v)), 0.002)
	}
}
