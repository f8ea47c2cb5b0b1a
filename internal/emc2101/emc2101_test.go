package emc2101

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"mujina-miner/internal/controlchannel"
)

// fakeBus emulates bitaxe-raw's I2C page for a byte-register device.
type fakeBus struct {
	regs   map[byte]byte
	readCh chan []byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: make(map[byte]byte), readCh: make(chan []byte, 1)}
}

func (f *fakeBus) Write(p []byte) (int, error) {
	id := p[2]
	cmd := p[5]
	data := p[6:]

	var payload []byte
	if cmd&1 == 1 {
		payload = []byte{f.regs[data[0]]}
	} else if len(data) >= 2 {
		f.regs[data[0]] = data[1]
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

func TestSetFanSpeed_FullScale(t *testing.T) {
	bus := newFakeBus()
	fan := New(controlchannel.New(bus))

	require.NoError(t, fan.SetFanSpeed(context.Background(), 100))
	require.Equal(t, byte(0x3F), bus.regs[regFanSetting])
}

func TestSetFanSpeed_ShutdownDuty(t *testing.T) {
	bus := newFakeBus()
	fan := New(controlchannel.New(bus))
	ctx := context.Background()

	require.NoError(t, fan.SetFanSpeed(ctx, ShutdownFanPercent))

	got, err := fan.GetFanSpeed(ctx)
	require.NoError(t, err)
	require.InDelta(t, ShutdownFanPercent, got, 2)
}

func TestSetFanSpeed_RejectsOutOfRange(t *testing.T) {
	bus := newFakeBus()
	fan := New(controlchannel.New(bus))

	require.Error(t, fan.SetFanSpeed(context.Background(), 101))
	require.Error(t, fan.SetFanSpeed(context.Background(), -1))
}

func TestGetTemperature_ExternalDiodeWithFraction(t *testing.T) {
	bus := newFakeBus()
	bus.regs[regExternalHigh] = 58
	bus.regs[regExternalLow] = 0b101_00000 // 5/8 degree

	fan := New(controlchannel.New(bus))
	got, err := fan.GetTemperature(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 58.625, got, 1e-9)
}

func TestGetTemperature_NegativeReading(t *testing.T) {
	bus := newFakeBus()
	bus.regs[regExternalHigh] = 0xF6 // -10

	fan := New(controlchannel.New(bus))
	got, err := fan.GetTemperature(context.Background())
	require.NoError(t, err)
	require.InDelta(t, -10.0, got, 0.2)
}
