package trader

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/fx"

	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/events"
	"spot_agent/internal/modules/exchange"
	"spot_agent/internal/modules/health"
	"spot_agent/internal/modules/health/service"
	"spot_agent/internal/modules/market"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/notify"
	"spot_agent/internal/retry"
	"spot_agent/pkg/logger"
)

func ParamsFromConfig(cfg *config.Config) Params {
	return Params{
		EntryLevel:          cfg.Trader.EntryLevel,
		InitialAllocation:   cfg.Trader.InitialAllocation,
		DCALadder:           cfg.Trader.DCALadder,
		DCAMultiplier:       cfg.Trader.DCAMultiplier,
		MaxDCAPer24h:        cfg.Trader.MaxDCAPer24h,
		PMNoDCAPct:          cfg.Trader.PMNoDCAPct,
		PMWithDCAPct:        cfg.Trader.PMWithDCAPct,
		TrailingGapPct:      cfg.Trader.TrailingGapPct,
		MinUsableTimeframes: cfg.Trader.MinUsableTimeframes,
		SignalMaxAge:        cfg.Trader.SignalMaxAge,
	}
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		QuoteAsset: cfg.QuoteAsset,
		Params:     ParamsFromConfig(cfg),
		PriceRetry: retry.FromConfig(cfg.Retry, cfg.Trader.PriceAttempts),
		OrderRetry: retry.FromConfig(cfg.Retry, cfg.Trader.OrderAttempts),
	}
}

func Module() fx.Option {
	return fx.Module("trader",
		fx.Provide(
			func(cfg *config.Config, ex exchange.Exchange, prices *market.Client, repo *store.Repo, pub events.Publisher, n notify.Notifier) *Machine {
				return NewMachine(ex, prices, repo, pub, n, OptionsFromConfig(cfg))
			},
			func(cfg *config.Config, m *Machine) *Runner {
				return NewRunner(m, cfg.Instruments, cfg.Trader.Interval)
			},
			func(m *Machine) health.StatusFunc {
				return func(ctx context.Context, instrument string) (any, error) { return m.Status(ctx, instrument) }
			},
		),
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, r *Runner, tg *notify.Telegram, state *service.State) {
			r.Heartbeat = state.Heartbeat("trader", cfg.Trader.Interval)
			if tg != nil {
				tg.SetStatus(func(ctx context.Context) string { return StatusText(ctx, r.m, cfg.Instruments) })
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					if tg != nil {
						go tg.Start(ctx)
					}
					go func() {
						defer close(done)
						_ = r.Run(ctx)
					}()
					state.SetReady(true)
					logger.Info("[TRADER] started: %s every %s", strings.Join(cfg.Instruments, ","), cfg.Trader.Interval)
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

// StatusText — короткая сводка для /status в телеграме.
func StatusText(ctx context.Context, m *Machine, instruments []string) string {
	var b strings.Builder
	for _, inst := range instruments {
		st, err := m.Status(ctx, inst)
		if err != nil {
			fmt.Fprintf(&b, "%s: %v\n", inst, err)
			continue
		}
		if st.Position.IsFlat() {
			fmt.Fprintf(&b, "%s: flat, long %d short %d\n", inst, st.LongLevel, st.ShortLevel)
			continue
		}
		fmt.Fprintf(&b, "%s: %.8f @ %.6f, pnl %+.2f%%, dca %d", inst, st.Position.Quantity, st.Position.AvgCostBasis, st.PnLPct, st.Position.DCACount)
		if st.Position.TrailingActive {
			fmt.Fprintf(&b, ", trailing line %.6f", st.Position.TrailingLine)
		} else if st.NextDCALevel != nil {
			fmt.Fprintf(&b, ", next dca %.1f%% at %.6f", *st.NextDCALevel, st.NextDCAPrice)
		}
		b.WriteString("\n")
	}
	return b.String()
}
