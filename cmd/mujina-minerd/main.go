// mujina-minerd supervises Bitaxe hash boards over USB: it watches for
// hotplug, drives each board's lifecycle through the backplane, routes
// work from a scheduler process to the hash threads, and serves the
// REST control surface.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mujina-miner/internal/appstate"
	"mujina-miner/internal/backplane"
	"mujina-miner/internal/board"
	"mujina-miner/internal/boardstats"
	"mujina-miner/internal/config"
	"mujina-miner/internal/restapi"
	"mujina-miner/internal/scheduler"
	"mujina-miner/internal/schedulerapi"
	"mujina-miner/internal/usbwatch"
)

var (
	listenAddr    = flag.String("listen", ":8080", "REST API listen address")
	schedulerAddr = flag.String("scheduler", "", "external scheduler gRPC address (empty = standalone)")
	coreVoltage   = flag.Float64("vout", 1.2, "ASIC core voltage")
	frequency     = flag.Float64("freq", 525, "target hash clock in MHz")
	logLevel      = flag.String("log-level", "info", "logrus level")
	workInterval  = flag.Duration("work-interval", 5*time.Second, "scheduler poll interval")
)

func main() {
	flag.Parse()

	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("component", "main")

	cfg := config.LoadBackplaneConfig()
	state := appstate.New(cfg)
	sched := scheduler.New()

	boardCfg := board.DefaultConfig()
	boardCfg.Vout = *coreVoltage
	boardCfg.FreqMHz = *frequency

	factory := func(info board.DeviceInfo) *board.Board {
		return board.New(board.KindBitaxeGamma, info, boardCfg, board.OpenSerialPort)
	}
	bp := backplane.New(cfg, state, sched, factory, boardstats.Monitor)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	go bp.Run(ctx)
	go usbwatch.New(bp.Events()).Run(ctx)

	if *schedulerAddr != "" {
		go pollScheduler(ctx, *schedulerAddr, sched, log)
	}

	srv := &http.Server{Addr: *listenAddr, Handler: restapi.NewRouter(state, bp)}
	go func() {
		log.WithField("addr", *listenAddr).Info("REST API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("REST server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("REST shutdown incomplete")
	}
}

// pollScheduler bridges the external scheduler process to the local job
// router: fetch a template on an interval, dispatch it to every board.
func pollScheduler(ctx context.Context, addr string, sched *scheduler.Scheduler, log *logrus.Entry) {
	client, err := schedulerapi.Dial(ctx, addr, 10*time.Second)
	if err != nil {
		log.WithError(err).Error("scheduler unreachable, running standalone")
		return
	}
	defer client.Close()

	hostID, _ := os.Hostname()
	ticker := time.NewTicker(*workInterval)
	defer ticker.Stop()

	for {
		tmpl, err := client.GetWork(ctx, &schedulerapi.GetWorkRequest{HostID: hostID})
		if err != nil {
			log.WithError(err).Warn("GetWork failed")
		} else if local, convErr := toTemplate(tmpl); convErr != nil {
			log.WithError(convErr).Warn("malformed work template")
		} else {
			sched.Dispatch(local)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func toTemplate(w *schedulerapi.WorkTemplate) (scheduler.Template, error) {
	tmpl := scheduler.Template{
		Version:     w.Version,
		VersionMask: w.VersionMask,
		NTime:       w.NTime,
		NBits:       w.NBits,
		NewBlock:    w.NewBlock,
	}
	if err := hexInto(tmpl.PrevBlockHash[:], w.PrevBlockHash); err != nil {
		return tmpl, err
	}
	if err := hexInto(tmpl.MerkleRoot[:], w.MerkleRoot); err != nil {
		return tmpl, err
	}
	if err := hexInto(tmpl.Target[:], w.Target); err != nil {
		return tmpl, err
	}
	return tmpl, nil
}

func hexInto(dst []byte, s string) error {
	if s == "" {
		return nil
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(dst, decoded)
	return nil
}
