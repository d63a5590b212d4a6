package main

import (
	"context"
	"flag"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sledlab/gosled/pkg/config"
	"github.com/sledlab/gosled/pkg/controller"
	"github.com/sledlab/gosled/pkg/machines"
	"github.com/sledlab/gosled/pkg/status"
	log "github.com/sirupsen/logrus"

	_ "github.com/sledlab/gosled/pkg/can/sim"
	_ "github.com/sledlab/gosled/pkg/can/slcan"
	_ "github.com/sledlab/gosled/pkg/can/socketcan"
	_ "github.com/sledlab/gosled/pkg/can/virtual"
)

func main() {
	configPath := flag.String("c", "", "configuration file (ini)")
	canInterface := flag.String("i", "", "can interface type e.g. socketcan, slcan, virtual, sim")
	channel := flag.String("n", "", "can channel e.g. can0, /dev/ttyACM0")
	verbose := flag.Bool("v", false, "debug logging")
	position := flag.Float64("p", math.NaN(), "move to this position (m) once ready, then exit")
	duration := flag.Float64("t", 1.0, "duration of the move (s)")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("[CTRL] %v", err)
		}
		cfg = loaded
	}
	if *canInterface != "" {
		cfg.Bus.Interface = *canInterface
	}
	if *channel != "" {
		cfg.Bus.Channel = *channel
	}

	var sink controller.StatusSink
	if cfg.Status.RedisAddr != "" {
		publisher := status.NewPublisher(status.NewRedisSink(cfg.Status.RedisAddr, cfg.Status.RedisKey), status.DefaultQueueSize)
		defer publisher.Close()
		sink = publisher
	}

	ctrl, err := controller.New(cfg, nil, sink)
	if err != nil {
		log.Fatalf("[CTRL] %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := ctrl.Open(ctx); err != nil {
			log.Errorf("[CTRL] open : %v", err)
			return
		}
		if math.IsNaN(*position) {
			return
		}
		if err := move(ctx, ctrl, *position, *duration); err != nil {
			log.Errorf("[CTRL] move : %v", err)
		}
		stop()
	}()

	if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
		log.Errorf("[CTRL] %v", err)
	}
}

func waitIdle(ctx context.Context, ctrl *controller.Controller) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		snapshot, err := ctrl.Snapshot(ctx)
		if err != nil {
			return err
		}
		if snapshot.Motion == machines.MotionPPIdle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func move(ctx context.Context, ctrl *controller.Controller, position float64, duration float64) error {
	if err := waitIdle(ctx, ctrl); err != nil {
		return err
	}
	h, err := ctrl.CreateProfile(ctx, position, duration)
	if err != nil {
		return err
	}
	result, err := ctrl.Execute(ctx, h)
	if err != nil {
		return err
	}
	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := waitIdle(ctx, ctrl); err != nil {
		return err
	}
	snapshot, err := ctrl.Snapshot(ctx)
	if err != nil {
		return err
	}
	log.Infof("[CTRL] move done, position %.6f m", float64(snapshot.Position)/1e6)
	return nil
}
