package market

import (
	"context"

	"go.uber.org/fx"

	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/health/service"
)

// Module — REST-клиент рыночных данных.
func Module() fx.Option {
	return fx.Module("market",
		fx.Provide(NewClient),
	)
}

// StreamModule дополнительно поднимает поток тикеров для кэша цен (thinker, trader).
func StreamModule() fx.Option {
	return fx.Module("market_stream",
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, c *Client, state *service.State) {
			if !cfg.Market.UseStream {
				return
			}
			symbols := make([]string, 0, len(cfg.Instruments))
			for _, inst := range cfg.Instruments {
				symbols = append(symbols, cfg.Symbol(inst))
			}
			stream := NewTickerStream(cfg.Market.WSURL, symbols, c.Prices())
			stream.OnState = state.SetWSConnected

			ctx, cancel := context.WithCancel(context.Background())
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go stream.Run(ctx)
					return nil
				},
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
		}),
	)
}
