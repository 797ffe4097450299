// Package exchange — исполнение рыночных спотовых ордеров. Ядро работает только
// с интерфейсом Exchange; OKX и бумажный клиент — его реализации.
package exchange

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"spot_agent/internal/models"
	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/market"
	"spot_agent/internal/modules/store"
	"spot_agent/pkg/logger"
)

type Exchange interface {
	// GetBalance — свободные остатки по валютам.
	GetBalance(ctx context.Context) (map[string]float64, error)
	// MarketBuy тратит quoteAmount котируемой валюты; возвращает фактическое исполнение.
	MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (models.Trade, error)
	MarketSell(ctx context.Context, symbol string, quantity float64) (models.Trade, error)
	// OpenPositionHints — что биржа знает о холдинге; nil, если ничего.
	OpenPositionHints(ctx context.Context, symbol string) (*models.PositionHint, error)
}

// PriceSource — текущая цена для бумажной торговли и оценки счёта.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

type clientOrderIDKey struct{}

// WithClientOrderID задаёт идентификатор логического ордера. Повторы одного ордера
// идут с тем же идентификатором, и биржа не исполнит его дважды.
func WithClientOrderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientOrderIDKey{}, id)
}

func ClientOrderID(ctx context.Context) string {
	id, _ := ctx.Value(clientOrderIDKey{}).(string)
	return id
}

// New выбирает биржу по exchange.mode. Бумажный счёт восстанавливается из st.
func New(ctx context.Context, cfg *config.Config, prices PriceSource, st PaperStore) (Exchange, error) {
	switch cfg.Exchange.Mode {
	case "", "paper":
		logger.Info("[EXCHANGE] paper mode, balance %.2f %s, fee %.3f%%",
			cfg.Exchange.PaperBalance, cfg.QuoteAsset, cfg.Exchange.PaperFeePct)
		p := NewPaper(prices, cfg.QuoteAsset, cfg.Exchange.PaperBalance, cfg.Exchange.PaperFeePct)
		if st != nil {
			if err := p.Restore(ctx, st); err != nil {
				return nil, err
			}
		}
		return p, nil
	case "okx":
		logger.Info("[EXCHANGE] OKX spot %s", cfg.Exchange.BaseURL)
		return NewOKX(OKXConfig{
			BaseURL:    cfg.Exchange.BaseURL,
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.Passphrase,
			Timeout:    cfg.Exchange.Timeout,
		}), nil
	}
	return nil, fmt.Errorf("unknown exchange mode %q", cfg.Exchange.Mode)
}

func Module() fx.Option {
	return fx.Module("exchange",
		fx.Provide(func(cfg *config.Config, m *market.Client, repo *store.Repo) (Exchange, error) {
			return New(context.Background(), cfg, m, repo)
		}),
	)
}
