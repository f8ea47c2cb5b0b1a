// Package backplane is the single-owner event loop arbitrating board
// creation, teardown and reinitialization. It consumes USB hotplug
// events and typed commands from the REST surface; nothing else ever
// mutates the board registry.
package backplane

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mujina-miner/internal/appstate"
	"mujina-miner/internal/board"
	"mujina-miner/internal/config"
	"mujina-miner/internal/controlchannel"
	"mujina-miner/internal/hashthread"
	"mujina-miner/internal/tps546"
)

// Event is one USB hotplug notification. Exactly one field is set.
type Event struct {
	Connected    *board.DeviceInfo
	Disconnected string // serial
}

// Scheduler is the collaborator hash threads are handed to.
type Scheduler interface {
	Shares() chan<- hashthread.Share
	AttachThread(serial string, t *hashthread.Thread)
	DetachBoard(serial string)
}

// Command is a typed request+reply envelope consumed by the event loop.
type Command interface{ isCommand() }

// ReinitializeBoard tears down and rebuilds a board, whether it is
// currently live or in the failed set.
type ReinitializeBoard struct {
	Serial string
	Reply  chan ReinitResult
}

func (ReinitializeBoard) isCommand() {}

// ReinitResult is the reply to a ReinitializeBoard command.
type ReinitResult struct {
	Success        bool
	Message        string
	PreviousError  string
	CurrentVoltage float64
}

// SetBoardVoltage commands a live board's core voltage.
type SetBoardVoltage struct {
	Serial  string
	Voltage float64
	Reply   chan SetVoltageResult
}

func (SetBoardVoltage) isCommand() {}

// SetVoltageResult is the reply to a SetBoardVoltage command.
type SetVoltageResult struct {
	Success   bool
	Requested float64
	Actual    float64
	Message   string
}

// ListBoards asks for a snapshot of the live board registry.
type ListBoards struct {
	Reply chan []BoardSummary
}

func (ListBoards) isCommand() {}

// BoardSummary is one live board's observable state.
type BoardSummary struct {
	Serial string
	Kind   string
	Status board.Status
}

// ListFailedBoards asks for a snapshot of the failed-board registry.
type ListFailedBoards struct {
	Reply chan []FailedBoard
}

func (ListFailedBoards) isCommand() {}

// FailedBoard is a device that did not survive initialization: its USB
// identity is retained for reprobe but it holds no live handles.
type FailedBoard struct {
	Info  board.DeviceInfo
	Error string
}

// BoardFactory builds an uninitialized Board for a discovered device.
// Injected so tests can substitute fake ports.
type BoardFactory func(info board.DeviceInfo) *board.Board

// MonitorFunc starts a board's stats loop and returns when ctx is done.
type MonitorFunc func(ctx context.Context, b *board.Board)

// settleDelay lets the OS release serial handles after an aborted init
// before the device is reprobed.
const settleDelay = 100 * time.Millisecond

type boardEntry struct {
	board       *board.Board
	cancelStats context.CancelFunc
}

// Backplane owns the authoritative board registry and the failed-board
// registry. Run is the only goroutine that touches either.
type Backplane struct {
	cfg      config.BackplaneConfig
	state    *appstate.State
	sched    Scheduler
	newBoard BoardFactory
	monitor  MonitorFunc
	log      *logrus.Entry

	events   chan Event
	commands chan Command

	boards map[string]*boardEntry
	failed map[string]FailedBoard
}

// New builds a backplane. monitor may be nil if no stats loop is wanted
// (tests).
func New(cfg config.BackplaneConfig, state *appstate.State, sched Scheduler, factory BoardFactory, monitor MonitorFunc) *Backplane {
	return &Backplane{
		cfg:      cfg,
		state:    state,
		sched:    sched,
		newBoard: factory,
		monitor:  monitor,
		log:      logrus.WithField("component", "backplane"),
		events:   make(chan Event, 16),
		commands: make(chan Command, 16),
		boards:   make(map[string]*boardEntry),
		failed:   make(map[string]FailedBoard),
	}
}

// Events is the hotplug input; the USB watcher sends into it.
func (bp *Backplane) Events() chan<- Event { return bp.events }

// Submit enqueues a command for the event loop.
func (bp *Backplane) Submit(cmd Command) { bp.commands <- cmd }

// Run consumes events and commands until ctx is canceled, then shuts
// every live board down.
func (bp *Backplane) Run(ctx context.Context) {
	for {
		select {
		case ev := <-bp.events:
			bp.handleEvent(ctx, ev)
		case cmd := <-bp.commands:
			bp.handleCommand(ctx, cmd)
		case <-ctx.Done():
			bp.shutdownAll()
			return
		}
	}
}

func (bp *Backplane) handleEvent(ctx context.Context, ev Event) {
	switch {
	case ev.Connected != nil:
		bp.handleConnected(ctx, *ev.Connected)
	case ev.Disconnected != "":
		bp.handleDisconnected(ev.Disconnected)
	}
}

// handleConnected runs a board's initialization under the global init
// timeout. On failure the init task is aborted, a settling delay lets
// the OS release serial handles, and the device lands in the failed set.
func (bp *Backplane) handleConnected(ctx context.Context, info board.DeviceInfo) {
	if _, ok := bp.boards[info.Serial]; ok {
		bp.log.WithField("board", info.Serial).Warn("connect event for already-live board")
		return
	}
	bp.log.WithField("board", info.Serial).Info("board connected")

	b := bp.newBoard(info)

	initCtx, cancel := context.WithTimeout(ctx, bp.cfg.InitTimeout)
	done := make(chan error, 1)
	go func() { done <- b.Initialize(initCtx, bp.sched.Shares()) }()

	var err error
	select {
	case err = <-done:
	case <-initCtx.Done():
		cancel() // hard-abort the init task
		<-done   // wait for it to observe cancellation
		err = fmt.Errorf("init timed out after %s", bp.cfg.InitTimeout)
	}
	cancel()

	if err != nil {
		time.Sleep(settleDelay)
		bp.log.WithField("board", info.Serial).WithError(err).Warn("board init failed")
		bp.failed[info.Serial] = FailedBoard{Info: info, Error: err.Error()}
		return
	}

	entry := &boardEntry{board: b}
	if bp.monitor != nil {
		statsCtx, cancelStats := context.WithCancel(ctx)
		entry.cancelStats = cancelStats
		go bp.monitor(statsCtx, b)
	}
	bp.boards[info.Serial] = entry

	v, _ := b.VoltageController()
	f, _ := b.FanController()
	bp.state.RegisterBoard(info.Serial, v, f)
	for _, th := range b.HashThreads() {
		bp.sched.AttachThread(info.Serial, th)
	}
}

func (bp *Backplane) handleDisconnected(serial string) {
	bp.log.WithField("board", serial).Info("board disconnected")
	delete(bp.failed, serial)

	entry, ok := bp.boards[serial]
	if !ok {
		return
	}
	bp.teardown(serial, entry)
}

// teardown stops the stats loop, detaches the scheduler, shuts the
// board down and unregisters its handles. Both the board's own handle
// drop and the AppState unregister are required to release the last
// reference in every ordering.
func (bp *Backplane) teardown(serial string, entry *boardEntry) {
	if entry.cancelStats != nil {
		entry.cancelStats()
	}
	bp.sched.DetachBoard(serial)

	ctx, cancel := context.WithTimeout(context.Background(), bp.cfg.InitTimeout)
	if err := entry.board.Shutdown(ctx); err != nil {
		bp.log.WithField("board", serial).WithError(err).Warn("board shutdown reported errors")
	}
	cancel()

	bp.state.UnregisterBoard(serial)
	delete(bp.boards, serial)
}

func (bp *Backplane) shutdownAll() {
	for serial, entry := range bp.boards {
		bp.teardown(serial, entry)
	}
}

func (bp *Backplane) handleCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case ReinitializeBoard:
		c.Reply <- bp.reinitialize(ctx, c.Serial)
	case SetBoardVoltage:
		c.Reply <- bp.setVoltage(ctx, c.Serial, c.Voltage)
	case ListBoards:
		out := make([]BoardSummary, 0, len(bp.boards))
		for serial, entry := range bp.boards {
			out = append(out, BoardSummary{
				Serial: serial,
				Kind:   entry.board.Kind.String(),
				Status: entry.board.Status(),
			})
		}
		c.Reply <- out
	case ListFailedBoards:
		out := make([]FailedBoard, 0, len(bp.failed))
		for _, fb := range bp.failed {
			out = append(out, fb)
		}
		c.Reply <- out
	}
}

// reinitialize tears an active board down (dropping it so the OS
// releases the control port), or pulls the device out of the failed
// set, then runs the same path a fresh USB connect takes.
func (bp *Backplane) reinitialize(ctx context.Context, serial string) ReinitResult {
	var info board.DeviceInfo
	var prevErr string

	if entry, ok := bp.boards[serial]; ok {
		info = entry.board.Info
		bp.teardown(serial, entry)
	} else if fb, ok := bp.failed[serial]; ok {
		info = fb.Info
		prevErr = fb.Error
		delete(bp.failed, serial)
	} else {
		return ReinitResult{Message: fmt.Sprintf("no board with serial %s", serial)}
	}

	bp.handleConnected(ctx, info)

	if fb, failed := bp.failed[serial]; failed {
		return ReinitResult{
			Message:       fmt.Sprintf("reinitialization failed: %s", fb.Error),
			PreviousError: prevErr,
		}
	}

	res := ReinitResult{Success: true, Message: "board running", PreviousError: prevErr}
	if v, ok := bp.state.VoltageController(serial); ok {
		volts, err := controlchannel.Call(ctx, v.GetVout)
		if err == nil {
			res.CurrentVoltage = volts
		}
	}
	return res
}

func (bp *Backplane) setVoltage(ctx context.Context, serial string, volts float64) SetVoltageResult {
	res := SetVoltageResult{Requested: volts}

	entry, ok := bp.boards[serial]
	if !ok {
		res.Message = fmt.Sprintf("no live board with serial %s", serial)
		return res
	}
	v, ok := entry.board.VoltageController()
	if !ok {
		res.Message = "board has no voltage controller"
		return res
	}

	if _, err := controlchannel.Call(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, v.SetVout(ctx, volts)
	}); err != nil {
		res.Message = err.Error()
		return res
	}

	time.Sleep(tps546.SettleDelay)

	actual, err := controlchannel.Call(ctx, v.GetVout)
	if err != nil {
		res.Message = fmt.Sprintf("set ok, readback failed: %v", err)
		return res
	}
	res.Success = true
	res.Actual = actual
	res.Message = "ok"
	return res
}
