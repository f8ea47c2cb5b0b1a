// Package emc2101 drives the EMC2101 fan controller and temperature
// sensor over the bitaxe-raw I2C page. Same sharing discipline as the
// voltage controller: one handle per board, mutex inside, reachable from
// the stats loop and the REST surface.
package emc2101

import (
	"context"
	"fmt"
	"sync"

	"mujina-miner/internal/bitaxeraw"
	"mujina-miner/internal/controlchannel"
	"mujina-miner/internal/merrors"
)

// I2CAddr is the EMC2101's fixed 7-bit address.
const I2CAddr = 0x4C

// Register map (subset in use).
const (
	regInternalTemp = 0x00
	regExternalHigh = 0x01
	regConfig       = 0x03
	regExternalLow  = 0x10
	regFanConfig    = 0x4A
	regFanSetting   = 0x4C
)

// Fan duty commanded at the lifecycle edges.
const (
	BootFanPercent     = 100
	ShutdownFanPercent = 25
)

// Controller is the owned handle to one EMC2101.
type Controller struct {
	mu sync.Mutex
	ch *controlchannel.Channel
}

// New wraps the control channel in an EMC2101 handle.
func New(ch *controlchannel.Channel) *Controller {
	return &Controller{ch: ch}
}

func (c *Controller) writeReg(ctx context.Context, reg, value byte) error {
	req := bitaxeraw.I2CWrite(c.ch.NextID(), I2CAddr, reg, value)
	resp, err := c.ch.Exchange(ctx, req)
	if err != nil {
		return err
	}
	if te, ok := resp.AsError(); ok {
		return merrors.Peripheral("emc2101.writeReg", te)
	}
	return nil
}

func (c *Controller) readReg(ctx context.Context, reg byte) (byte, error) {
	req := bitaxeraw.I2CRead(c.ch.NextID(), I2CAddr, reg, 1)
	resp, err := c.ch.Exchange(ctx, req)
	if err != nil {
		return 0, err
	}
	if te, ok := resp.AsError(); ok {
		return 0, merrors.Peripheral("emc2101.readReg", te)
	}
	if len(resp.Payload) < 1 {
		return 0, merrors.Peripheral("emc2101.readReg", merrors.ErrBadLength)
	}
	return resp.Payload[0], nil
}

// Init puts the part in PWM fan-control mode with manual duty.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeReg(ctx, regConfig, 0x00); err != nil {
		return fmt.Errorf("emc2101 config: %w", err)
	}
	if err := c.writeReg(ctx, regFanConfig, 0x00); err != nil {
		return fmt.Errorf("emc2101 fan config: %w", err)
	}
	return nil
}

// SetFanSpeed drives the fan PWM to percent duty (0-100). The fan
// setting register is 6-bit, 0x3F = full scale.
func (c *Controller) SetFanSpeed(ctx context.Context, percent int) error {
	if percent < 0 || percent > 100 {
		return merrors.Peripheral("emc2101.SetFanSpeed",
			fmt.Errorf("fan duty %d%% outside [0, 100]", percent))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	setting := byte(percent * 0x3F / 100)
	return c.writeReg(ctx, regFanSetting, setting)
}

// GetFanSpeed reads back the commanded duty as a percentage.
func (c *Controller) GetFanSpeed(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	setting, err := c.readReg(ctx, regFanSetting)
	if err != nil {
		return 0, err
	}
	return int(setting) * 100 / 0x3F, nil
}

// GetTemperature reads the external diode (the hash board's sense
// diode) in Celsius. The low byte carries fractional eighths in its top
// three bits.
func (c *Controller) GetTemperature(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hi, err := c.readReg(ctx, regExternalHigh)
	if err != nil {
		return 0, err
	}
	lo, err := c.readReg(ctx, regExternalLow)
	if err != nil {
		return 0, err
	}
	return float64(int8(hi)) + float64(lo>>5)*0.125, nil
}

// GetInternalTemperature reads the part's own die temperature.
func (c *Controller) GetInternalTemperature(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, err := c.readReg(ctx, regInternalTemp)
	if err != nil {
		return 0, err
	}
	return float64(int8(v)), nil
}
