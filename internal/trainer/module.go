package trainer

import (
	"go.uber.org/fx"

	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/market"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/retry"
)

func OptionsFromConfig(cfg *config.Config) Options {
	p := DefaultParams()
	p.PatternLength = cfg.Trainer.PatternLength
	p.ThresholdPercentile = cfg.Trainer.ThresholdPercentile
	p.MinThreshold = cfg.Trainer.MinThreshold
	p.MaxThreshold = cfg.Trainer.MaxThreshold
	p.WeightStep = cfg.Trainer.WeightStep
	p.WeightMin = cfg.Trainer.WeightMin
	p.WeightMax = cfg.Trainer.WeightMax
	p.KernelEpsilon = cfg.Signals.KernelEpsilon

	return Options{
		Instruments:  cfg.Instruments,
		QuoteAsset:   cfg.QuoteAsset,
		Timeframes:   cfg.Trainer.Timeframes,
		HistoryLimit: cfg.Trainer.HistoryLimit,
		Parallel:     cfg.Trainer.ParallelTimeframes,
		StaleAfter:   cfg.Trainer.StaleAfter,
		Params:       p,
		Retry:        retry.FromConfig(cfg.Retry, cfg.Trainer.FetchAttempts),
	}
}

func Module() fx.Option {
	return fx.Module("trainer",
		fx.Provide(
			func(cfg *config.Config, src *market.Client, repo *store.Repo) *Runner {
				return NewRunner(src, repo, OptionsFromConfig(cfg))
			},
		),
	)
}
