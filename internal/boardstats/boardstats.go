// Package boardstats runs the per-board monitoring loop: every 30
// seconds it samples the regulator and fan controller under the
// system-wide outer timeout and publishes the readings into the board's
// status, annotated with host CPU/memory load so a wedged I2C bus can
// be told apart from host starvation.
package boardstats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"mujina-miner/internal/board"
	"mujina-miner/internal/controlchannel"
)

const interval = 30 * time.Second

// Monitor samples b until ctx is canceled. Intended to run as its own
// goroutine, one per live board.
func Monitor(ctx context.Context, b *board.Board) {
	log := logrus.WithFields(logrus.Fields{
		"component": "boardstats",
		"board":     b.Serial,
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sample(ctx, b, log)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func sample(ctx context.Context, b *board.Board, log *logrus.Entry) {
	failures := 0

	var voltage, current, temperature float64
	if v, ok := b.VoltageController(); ok {
		var err error
		if voltage, err = controlchannel.Call(ctx, v.GetVout); err != nil {
			log.WithError(err).Warn("timeout reading vout")
			failures++
		}
		if current, err = controlchannel.Call(ctx, v.GetIout); err != nil {
			log.WithError(err).Warn("timeout reading iout")
			failures++
		}
	}
	if f, ok := b.FanController(); ok {
		var err error
		if temperature, err = controlchannel.Call(ctx, f.GetTemperature); err != nil {
			log.WithError(err).Warn("timeout reading temperature")
			failures++
		}
	}

	hostCPU, hostMem := hostLoad()

	b.UpdateStatus(func(st *board.Status) {
		if failures == 0 {
			st.Voltage = voltage
			st.Current = current
			st.Temperature = temperature
			st.ConsecutiveFailures = 0
			st.Error = ""
			return
		}
		st.ConsecutiveFailures++
		st.Error = "peripheral reads timing out"
	})

	if failures > 0 {
		log.WithFields(logrus.Fields{
			"failures": failures,
			"host_cpu": hostCPU,
			"host_mem": hostMem,
		}).Warn("monitoring sample incomplete")
	}
}

// hostLoad samples host CPU and memory utilization; either value is
// zero when the sample fails.
func hostLoad() (cpuPct, memPct float64) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}
