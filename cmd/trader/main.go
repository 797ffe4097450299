package main

import (
	"go.uber.org/fx"

	"spot_agent/internal/modules/bootstrap"
	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/events"
	"spot_agent/internal/modules/exchange"
	"spot_agent/internal/modules/health"
	"spot_agent/internal/modules/market"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/notify"
	"spot_agent/internal/trader"
)

func main() {
	fx.New(
		bootstrap.Module("trader"),
		config.Module(),
		store.Module(),
		market.Module(),
		market.StreamModule(),
		exchange.Module(),
		events.Module(),
		notify.Module(),
		health.Module(),
		trader.Module(),
	).Run()
}
