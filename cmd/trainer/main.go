package main

import (
	"context"
	"errors"
	"flag"
	"time"

	"go.uber.org/fx"

	"spot_agent/internal/errs"
	"spot_agent/internal/modules/bootstrap"
	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/health"
	"spot_agent/internal/modules/health/service"
	"spot_agent/internal/modules/market"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/trainer"
	"spot_agent/pkg/logger"
)

func main() {
	force := flag.Bool("force", false, "retrain every timeframe from scratch")
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	app := fx.New(
		bootstrap.Module("trainer"),
		config.Module(),
		store.Module(),
		market.Module(),
		health.Module(),
		trainer.Module(),
		fx.Invoke(func(lc fx.Lifecycle, sd fx.Shutdowner, cfg *config.Config, r *trainer.Runner, state *service.State) {
			ctx, cancel := context.WithCancel(context.Background())
			beat := state.Heartbeat("trainer", cfg.Trainer.Interval)
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					state.SetReady(true)
					go func() {
						code := run(ctx, r, cfg.Trainer.Interval, *force, *once, beat)
						_ = sd.Shutdown(fx.ExitCode(code))
					}()
					return nil
				},
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
		}),
	)
	app.Run()
}

// run — проход по всем инструментам; без -once повторяется каждые interval
// и доучивает устаревшие. Флаг остановки завершает процесс.
func run(ctx context.Context, r *trainer.Runner, interval time.Duration, force, once bool, beat func(time.Time)) int {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		err := r.RunAll(ctx, force)
		beat(time.Now())
		switch {
		case errors.Is(err, errs.ErrStopped):
			logger.Info("[TRAIN] stop requested, exiting; progress is checkpointed")
			return 0
		case ctx.Err() != nil:
			return 0
		case err != nil:
			logger.Error("[TRAIN] pass failed: %v", err)
			if once {
				return 1
			}
		}
		if once {
			logger.Info("[TRAIN] single pass done")
			return 0
		}
		// force действует только на первый проход
		force = false
		select {
		case <-ctx.Done():
			return 0
		case <-t.C:
		}
	}
}
