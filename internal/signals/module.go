package signals

import (
	"context"

	"go.uber.org/fx"

	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/events"
	"spot_agent/internal/modules/health/service"
	"spot_agent/internal/modules/market"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/retry"
	"spot_agent/pkg/logger"
)

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Instruments:  cfg.Instruments,
		QuoteAsset:   cfg.QuoteAsset,
		Timeframes:   cfg.Trainer.Timeframes,
		Window:       cfg.Signals.Window,
		Interval:     cfg.Signals.Interval,
		RequireFresh: cfg.Signals.RequireFreshTraining,
		StaleAfter:   cfg.Trainer.StaleAfter,
		Params: Params{
			MinEntries:           cfg.Signals.MinEntries,
			DistanceOffsetPct:    cfg.Signals.DistanceOffsetPct,
			KernelEpsilon:        cfg.Signals.KernelEpsilon,
			LongProfitMarginPct:  cfg.Signals.LongProfitMarginPct,
			ShortProfitMarginPct: cfg.Signals.ShortProfitMarginPct,
		},
		Retry: retry.FromConfig(cfg.Retry, cfg.Trainer.FetchAttempts),
	}
}

func Module() fx.Option {
	return fx.Module("signals",
		fx.Provide(func(cfg *config.Config, src *market.Client, repo *store.Repo, pub events.Publisher) *Runner {
			return NewRunner(src, repo, pub, OptionsFromConfig(cfg))
		}),
		fx.Invoke(func(lc fx.Lifecycle, r *Runner, state *service.State) {
			r.Heartbeat = state.Heartbeat("signals", r.opts.Interval)
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() {
						defer close(done)
						_ = r.Run(ctx)
					}()
					state.SetReady(true)
					logger.Info("[SIGNALS] started: %d instruments every %s", len(r.opts.Instruments), r.opts.Interval)
					return nil
				},
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})
		}),
	)
}
