// Package bootstrap — общий старт бинарей: имя сервиса, логгер, трейсер.
package bootstrap

import (
	"context"

	"go.uber.org/fx"

	"spot_agent/internal/modules/config"
	"spot_agent/pkg/logger"
	"spot_agent/pkg/tracing"
)

func Module(service string) fx.Option {
	logger.SetServiceName(service)
	tracing.SetServiceName(service)

	return fx.Module("bootstrap",
		fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config) error {
			if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
				return err
			}
			closer, err := tracing.InitTracer(tracing.Config{
				Enabled: cfg.Tracing.Enabled,
				Host:    cfg.Tracing.Host,
				Port:    cfg.Tracing.Port,
			})
			if err != nil {
				return err
			}
			logger.Info("[BOOT] %s: %d instruments, quote %s, store %s",
				service, len(cfg.Instruments), cfg.QuoteAsset, cfg.Store.Backend)
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					closer()
					logger.Sync()
					return nil
				},
			})
			return nil
		}),
	)
}
