package main

import (
	"go.uber.org/fx"

	"spot_agent/internal/modules/bootstrap"
	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/events"
	"spot_agent/internal/modules/health"
	"spot_agent/internal/modules/market"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/signals"
)

func main() {
	fx.New(
		bootstrap.Module("thinker"),
		config.Module(),
		store.Module(),
		market.Module(),
		market.StreamModule(),
		events.Module(),
		health.Module(),
		signals.Module(),
	).Run()
}
