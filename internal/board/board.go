// Package board models one physical hash board: the lifecycle state
// machine from probe through running to terminated, the peripheral
// handles created along the way, and the hash threads spawned once the
// ASIC chain is discovered.
package board

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mujina-miner/internal/bitaxeraw"
	"mujina-miner/internal/controlchannel"
	"mujina-miner/internal/emc2101"
	"mujina-miner/internal/hashthread"
	"mujina-miner/internal/merrors"
	"mujina-miner/internal/tps546"
)

// DeviceInfo identifies a connected board's USB presence: its serial and
// the two CDC-ACM port paths bitaxe-raw exposes.
type DeviceInfo struct {
	Serial      string
	ControlPort string
	DataPort    string
	VendorID    uint16
	ProductID   uint16
}

// Kind tags the small closed set of supported board variants.
type Kind int

const (
	KindBitaxeGamma Kind = iota
	KindEmberOne
)

func (k Kind) String() string {
	switch k {
	case KindBitaxeGamma:
		return "bitaxe-gamma"
	case KindEmberOne:
		return "emberone"
	default:
		return "unknown"
	}
}

// State is the lifecycle position of a board.
type State int

const (
	StateProbing State = iota
	StateResetHeld
	StateFanInit
	StatePowerInit
	StateResetReleased
	StateChipDiscovery
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateResetHeld:
		return "reset-held"
	case StateFanInit:
		return "fan-init"
	case StatePowerInit:
		return "power-init"
	case StateResetReleased:
		return "reset-released"
	case StateChipDiscovery:
		return "chip-discovery"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Status is the observable health of a running board, updated by the
// monitoring loop and on I/O failures.
type Status struct {
	State               State
	Voltage             float64
	Current             float64
	Temperature         float64
	Error               string
	ConsecutiveFailures int
	NeedsReinit         bool
}

// PortOpener opens a serial device path for exclusive use. Injected so
// tests can substitute fakes for /dev/ttyACM*.
type PortOpener func(path string) (io.ReadWriteCloser, error)

// OpenSerialPort is the default PortOpener.
func OpenSerialPort(path string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// resetPin is the bitaxe-raw GPIO pin wired to the BM1370 reset line.
const resetPin = 0

// Config parameterizes a board's chain bring-up.
type Config struct {
	Vout        float64 // core voltage, typically 1.2
	FreqMHz     float64 // target hash clock, e.g. 525
	Difficulty  uint32  // share difficulty programmed into the chip
	VersionMask uint32  // version-rolling mask
	ChipCount   int
}

// DefaultConfig is the single-BM1370 Bitaxe Gamma bring-up.
func DefaultConfig() Config {
	return Config{
		Vout:        1.2,
		FreqMHz:     525,
		Difficulty:  256,
		VersionMask: 0x1FFFE000,
		ChipCount:   1,
	}
}

// Board is one physical hash board and everything it owns.
type Board struct {
	Kind   Kind
	Serial string
	Info   DeviceInfo

	openPort PortOpener
	cfg      Config
	log      *logrus.Entry

	control     *controlchannel.Channel
	controlPort io.ReadWriteCloser
	dataPort    io.ReadWriteCloser
	voltage     *tps546.Controller
	fan         *emc2101.Controller
	threads     []*hashthread.Thread

	mu     sync.Mutex
	status Status
}

// New builds an uninitialized board for the given device.
func New(kind Kind, info DeviceInfo, cfg Config, openPort PortOpener) *Board {
	if openPort == nil {
		openPort = OpenSerialPort
	}
	return &Board{
		Kind:     kind,
		Serial:   info.Serial,
		Info:     info,
		openPort: openPort,
		cfg:      cfg,
		log:      logrus.WithField("board", info.Serial),
	}
}

// State returns the board's current lifecycle state.
func (b *Board) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.State
}

// Status returns a copy of the board's observable health.
func (b *Board) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// UpdateStatus lets the monitoring loop publish fresh readings.
func (b *Board) UpdateStatus(fn func(*Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.status)
}

func (b *Board) setState(s State) {
	b.mu.Lock()
	b.status.State = s
	b.mu.Unlock()
	b.log.WithField("state", s.String()).Debug("lifecycle transition")
}

// VoltageController returns the board's TPS546 handle if the variant
// has one.
func (b *Board) VoltageController() (*tps546.Controller, bool) {
	return b.voltage, b.voltage != nil
}

// FanController returns the board's EMC2101 handle if the variant has
// one.
func (b *Board) FanController() (*emc2101.Controller, bool) {
	return b.fan, b.fan != nil
}

// HashThreads returns the board's running hash threads.
func (b *Board) HashThreads() []*hashthread.Thread {
	return b.threads
}

// Initialize runs the full lifecycle from probe to running: reset held,
// fan at boot speed, power rail up, reset released, chain discovered
// and configured, hash threads spawned. Any error leaves the board
// Terminated; the caller moves it to the failed set.
func (b *Board) Initialize(ctx context.Context, shares chan<- hashthread.Share) error {
	if b.Kind == KindEmberOne {
		b.setState(StateTerminated)
		return merrors.Lifecycle("board.Initialize", merrors.ErrUnsupportedBoard)
	}

	if err := b.initialize(ctx, shares); err != nil {
		b.setState(StateTerminated)
		b.releaseHandles()
		return err
	}
	b.setState(StateRunning)
	return nil
}

func (b *Board) initialize(ctx context.Context, shares chan<- hashthread.Share) error {
	b.setState(StateProbing)

	port, err := b.openPort(b.Info.ControlPort)
	if err != nil {
		return merrors.Lifecycle("board.openControl", err)
	}
	b.controlPort = port
	b.control = controlchannel.New(port)

	b.setState(StateResetHeld)
	if err := b.setResetLine(ctx, 0); err != nil {
		return fmt.Errorf("hold in reset: %w", err)
	}

	b.setState(StateFanInit)
	b.fan = emc2101.New(b.control)
	if err := b.fan.Init(ctx); err != nil {
		return fmt.Errorf("fan init: %w", err)
	}
	if err := b.fan.SetFanSpeed(ctx, emc2101.BootFanPercent); err != nil {
		return fmt.Errorf("fan boot speed: %w", err)
	}

	b.setState(StatePowerInit)
	b.voltage = tps546.New(b.control)
	if err := b.voltage.ClearFaults(ctx); err != nil {
		return fmt.Errorf("clear faults: %w", err)
	}
	if err := b.voltage.SetVout(ctx, b.cfg.Vout); err != nil {
		return fmt.Errorf("set vout: %w", err)
	}
	if err := b.waitVoltageGood(ctx); err != nil {
		return fmt.Errorf("voltage-good: %w", err)
	}

	b.setState(StateResetReleased)
	if err := b.setResetLine(ctx, 1); err != nil {
		return fmt.Errorf("release reset: %w", err)
	}

	b.setState(StateChipDiscovery)
	dataPort, err := b.openPort(b.Info.DataPort)
	if err != nil {
		return merrors.Lifecycle("board.openData", err)
	}
	b.dataPort = dataPort
	if err := b.initChain(ctx); err != nil {
		return fmt.Errorf("chain init: %w", err)
	}

	// Data-port ownership transfers into the hash thread here; the
	// board keeps no handle it could write through afterwards.
	th := hashthread.New(b.Serial, 0, dataPort, shares)
	b.threads = []*hashthread.Thread{th}
	b.dataPort = nil
	go th.Run()

	return nil
}

// setResetLine drives the reset GPIO through the control channel under
// the system-wide outer timeout.
func (b *Board) setResetLine(ctx context.Context, level byte) error {
	_, err := controlchannel.Call(ctx, func(ctx context.Context) (bitaxeraw.Response, error) {
		return b.control.Exchange(ctx, bitaxeraw.GPIOSet(b.control.NextID(), resetPin, level))
	})
	return err
}

// waitVoltageGood waits the settle delay, then reads READ_VOUT once and
// fails unless the rail is within 5% of the commanded value.
func (b *Board) waitVoltageGood(ctx context.Context) error {
	timer := time.NewTimer(tps546.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return merrors.Timeout("board.waitVoltageGood", ctx.Err())
	}

	v, err := b.voltage.GetVout(ctx)
	if err != nil {
		return err
	}
	if diff := v - b.cfg.Vout; diff > 0.05*b.cfg.Vout || diff < -0.05*b.cfg.Vout {
		return merrors.Peripheral("board.waitVoltageGood",
			fmt.Errorf("rail at %.3f V, commanded %.3f V", v, b.cfg.Vout))
	}
	return nil
}

// Shutdown mirrors init in reverse: hash threads signaled and their
// ports dropped, fan to passive-cool duty, rail to zero, reset held,
// peripheral handles released.
func (b *Board) Shutdown(ctx context.Context) error {
	b.setState(StateShuttingDown)

	for _, th := range b.threads {
		th.Shutdown()
	}
	b.threads = nil

	var firstErr error
	if b.fan != nil {
		if err := b.fan.SetFanSpeed(ctx, emc2101.ShutdownFanPercent); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.voltage != nil {
		if err := b.voltage.SetVout(ctx, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.control != nil {
		if err := b.setResetLine(ctx, 0); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.releaseHandles()
	b.setState(StateTerminated)
	if firstErr != nil {
		return merrors.Lifecycle("board.Shutdown", firstErr)
	}
	return nil
}

// releaseHandles drops every OS handle the board still holds so a
// subsequent reopen of the same device paths cannot hit EBUSY.
func (b *Board) releaseHandles() {
	if b.dataPort != nil {
		b.dataPort.Close()
		b.dataPort = nil
	}
	if b.controlPort != nil {
		b.controlPort.Close()
		b.controlPort = nil
	}
	b.control = nil
	b.voltage = nil
	b.fan = nil
}
