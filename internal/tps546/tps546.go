// Package tps546 drives the TPS546D24A buck regulator over PMBus,
// tunneled through the bitaxe-raw I2C page. The controller is a thin
// stateful wrapper over the control channel; callers share it through a
// clonable handle guarded by its own mutex so the stats loop, the REST
// surface and the board shutdown path can all reach it.
package tps546

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"mujina-miner/internal/bitaxeraw"
	"mujina-miner/internal/controlchannel"
	"mujina-miner/internal/merrors"
)

// PMBus command codes used on the TPS546D24A.
const (
	cmdClearFaults      = 0x03
	cmdVoutCommand      = 0x21
	cmdStatusByte       = 0x78
	cmdStatusWord       = 0x79
	cmdReadVin          = 0x88
	cmdReadVout         = 0x8B
	cmdReadIout         = 0x8C
	cmdReadTemperature1 = 0x8D
	cmdReadPout         = 0x96
)

// I2CAddr is the TPS546D24A's 7-bit address on the Bitaxe Gamma.
const I2CAddr = 0x24

// VOUT_COMMAND and READ_VOUT use ULINEAR16 with a fixed -9 exponent
// (VOUT_MODE on the Bitaxe Gamma's part); the telemetry reads use
// LINEAR11.
const voutExponent = -9

// Limits on what set_vout will accept. The REST layer enforces a wider
// outer safety band on top of these.
const (
	VoutMin = 0.9
	VoutMax = 1.6
)

// SettleDelay is how long callers wait after VOUT_COMMAND before a
// readback reflects the new output.
const SettleDelay = 500 * time.Millisecond

// Controller is the owned handle to one TPS546 on a board's I2C bus.
type Controller struct {
	mu sync.Mutex
	ch *controlchannel.Channel
}

// New wraps the control channel in a TPS546 handle.
func New(ch *controlchannel.Channel) *Controller {
	return &Controller{ch: ch}
}

func (c *Controller) readWord(ctx context.Context, cmd byte) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := bitaxeraw.I2CRead(c.ch.NextID(), I2CAddr, cmd, 2)
	resp, err := c.ch.Exchange(ctx, req)
	if err != nil {
		return 0, err
	}
	if te, ok := resp.AsError(); ok {
		return 0, merrors.Peripheral("tps546.readWord", te)
	}
	if len(resp.Payload) < 2 {
		return 0, merrors.Peripheral("tps546.readWord", merrors.ErrBadLength)
	}
	return binary.LittleEndian.Uint16(resp.Payload[:2]), nil
}

func (c *Controller) writeWord(ctx context.Context, cmd byte, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var data [2]byte
	binary.LittleEndian.PutUint16(data[:], value)
	req := bitaxeraw.I2CWrite(c.ch.NextID(), I2CAddr, cmd, data[:]...)
	resp, err := c.ch.Exchange(ctx, req)
	if err != nil {
		return err
	}
	if te, ok := resp.AsError(); ok {
		return merrors.Peripheral("tps546.writeWord", te)
	}
	return nil
}

// SetVout commands the output voltage. Values outside [VoutMin, VoutMax]
// are rejected before touching the bus, except 0, which is accepted so
// shutdown can turn the rail off. Callers wait SettleDelay before
// reading back.
func (c *Controller) SetVout(ctx context.Context, volts float64) error {
	if volts < VoutMin && volts != 0 || volts > VoutMax {
		return merrors.Peripheral("tps546.SetVout",
			fmt.Errorf("%w: %.3f V outside [%.2f, %.2f]", merrors.ErrVoltageOutOfRange, volts, VoutMin, VoutMax))
	}
	return c.writeWord(ctx, cmdVoutCommand, encodeULinear16(volts))
}

// GetVout reads the regulated output voltage.
func (c *Controller) GetVout(ctx context.Context) (float64, error) {
	raw, err := c.readWord(ctx, cmdReadVout)
	if err != nil {
		return 0, err
	}
	return decodeULinear16(raw), nil
}

// GetVin reads the input rail voltage.
func (c *Controller) GetVin(ctx context.Context) (float64, error) {
	raw, err := c.readWord(ctx, cmdReadVin)
	if err != nil {
		return 0, err
	}
	return decodeLinear11(raw), nil
}

// GetIout reads the output current in amps.
func (c *Controller) GetIout(ctx context.Context) (float64, error) {
	raw, err := c.readWord(ctx, cmdReadIout)
	if err != nil {
		return 0, err
	}
	return decodeLinear11(raw), nil
}

// GetPout reads the output power in watts.
func (c *Controller) GetPout(ctx context.Context) (float64, error) {
	raw, err := c.readWord(ctx, cmdReadPout)
	if err != nil {
		return 0, err
	}
	return decodeLinear11(raw), nil
}

// GetTemperature reads the regulator die temperature in Celsius.
func (c *Controller) GetTemperature(ctx context.Context) (float64, error) {
	raw, err := c.readWord(ctx, cmdReadTemperature1)
	if err != nil {
		return 0, err
	}
	return decodeLinear11(raw), nil
}

// GetStatusWord reads STATUS_WORD; a nonzero value carries latched
// fault bits the datasheet enumerates.
func (c *Controller) GetStatusWord(ctx context.Context) (uint16, error) {
	return c.readWord(ctx, cmdStatusWord)
}

// ClearFaults resets the latched PMBus fault status.
func (c *Controller) ClearFaults(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := bitaxeraw.I2CWrite(c.ch.NextID(), I2CAddr, cmdClearFaults)
	resp, err := c.ch.Exchange(ctx, req)
	if err != nil {
		return err
	}
	if te, ok := resp.AsError(); ok {
		return merrors.Peripheral("tps546.ClearFaults", te)
	}
	return nil
}

// encodeULinear16 converts volts to the VOUT_COMMAND mantissa with the
// part's fixed -9 exponent.
func encodeULinear16(volts float64) uint16 {
	return uint16(math.Round(volts * float64(int(1)<<uint(-voutExponent))))
}

func decodeULinear16(raw uint16) float64 {
	return float64(raw) / float64(int(1)<<uint(-voutExponent))
}

// decodeLinear11 unpacks a PMBus LINEAR11 word: 5-bit two's-complement
// exponent in the top bits, 11-bit two's-complement mantissa below.
func decodeLinear11(raw uint16) float64 {
	exp := int16(raw) >> 11
	mant := int16(raw<<5) >> 5
	return float64(mant) * math.Pow(2, float64(exp))
}
