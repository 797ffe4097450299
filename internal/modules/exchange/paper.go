package exchange

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"spot_agent/internal/errs"
	"spot_agent/internal/helper"
	"spot_agent/internal/models"
	"spot_agent/pkg/logger"
)

// PaperStore — где бумажная биржа держит остатки между перезапусками.
type PaperStore interface {
	LoadPaperAccount(ctx context.Context, quote string) (*models.PaperAccount, error)
	SavePaperAccount(ctx context.Context, a models.PaperAccount) error
}

// Paper — бумажная биржа: исполняет по текущей цене с фиксированной комиссией.
type Paper struct {
	prices PriceSource
	quote  string
	feePct float64
	now    func() time.Time

	mu      sync.Mutex
	balance map[string]float64
	cost    map[string]float64 // потраченная котируемая валюта на текущий холдинг
	store   PaperStore
}

func NewPaper(prices PriceSource, quote string, balance, feePct float64) *Paper {
	return &Paper{
		prices:  prices,
		quote:   quote,
		feePct:  feePct,
		now:     time.Now,
		balance: map[string]float64{quote: balance},
		cost:    map[string]float64{},
	}
}

// Restore подключает хранилище: сохранённые остатки заменяют стартовый баланс,
// а каждое исполнение дальше сохраняется. Без записи в хранилище счёт начинается
// со стартового баланса.
func (p *Paper) Restore(ctx context.Context, st PaperStore) error {
	acc, err := st.LoadPaperAccount(ctx, p.quote)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load paper account: %w", err)
	default:
		p.mu.Lock()
		p.balance = maps.Clone(acc.Balance)
		p.cost = maps.Clone(acc.Cost)
		if p.balance == nil {
			p.balance = map[string]float64{}
		}
		if p.cost == nil {
			p.cost = map[string]float64{}
		}
		p.mu.Unlock()
		logger.Info("[PAPER] restored account: %.2f %s, %d assets", acc.Balance[p.quote], p.quote, len(acc.Balance)-1)
	}
	p.mu.Lock()
	p.store = st
	p.mu.Unlock()
	return nil
}

// persistLocked вызывается под p.mu после исполнения. Сделка уже состоялась,
// поэтому ошибка записи только логируется.
func (p *Paper) persistLocked(ctx context.Context) {
	if p.store == nil {
		return
	}
	acc := models.PaperAccount{
		Version:   models.PaperAccountVersion,
		Quote:     p.quote,
		Balance:   maps.Clone(p.balance),
		Cost:      maps.Clone(p.cost),
		UpdatedAt: p.now(),
	}
	if err := p.store.SavePaperAccount(ctx, acc); err != nil {
		logger.Error("[PAPER] save account: %v", err)
	}
}

func tradeID(ctx context.Context) string {
	if id := ClientOrderID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

func (p *Paper) GetBalance(context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.balance))
	for k, v := range p.balance {
		if v > 0 {
			out[k] = v
		}
	}
	return out, nil
}

func (p *Paper) price(ctx context.Context, symbol string) (float64, error) {
	px, err := p.prices.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return 0, &errs.OrderTransientFailure{Symbol: symbol, Err: err}
	}
	if px <= 0 {
		return 0, &errs.OrderTransientFailure{Symbol: symbol, Err: fmt.Errorf("price %v", px)}
	}
	return px, nil
}

func (p *Paper) MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (models.Trade, error) {
	if quoteAmount <= 0 {
		return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: "non-positive quote amount"}
	}
	px, err := p.price(ctx, symbol)
	if err != nil {
		return models.Trade{}, err
	}
	base := helper.BaseAsset(symbol)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balance[p.quote] < quoteAmount {
		return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Code: "insufficient_funds",
			Reason: fmt.Sprintf("need %.8f %s, have %.8f", quoteAmount, p.quote, p.balance[p.quote])}
	}
	fee := quoteAmount * p.feePct / 100
	qty := (quoteAmount - fee) / px
	p.balance[p.quote] -= quoteAmount
	p.balance[base] += qty
	p.cost[base] += quoteAmount
	p.persistLocked(ctx)

	return models.Trade{
		ID:          tradeID(ctx),
		Instrument:  base,
		Side:        models.SideBuy,
		Price:       px,
		Quantity:    qty,
		QuoteAmount: quoteAmount,
		Fee:         fee,
		Time:        p.now(),
	}, nil
}

func (p *Paper) MarketSell(ctx context.Context, symbol string, quantity float64) (models.Trade, error) {
	if quantity <= 0 {
		return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: "non-positive quantity"}
	}
	px, err := p.price(ctx, symbol)
	if err != nil {
		return models.Trade{}, err
	}
	base := helper.BaseAsset(symbol)

	p.mu.Lock()
	defer p.mu.Unlock()
	have := p.balance[base]
	// float-остаток после продажи всего холдинга
	if quantity > have*(1+1e-9) {
		return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Code: "insufficient_funds",
			Reason: fmt.Sprintf("sell %.8f %s, have %.8f", quantity, base, have)}
	}
	quantity = min(quantity, have)
	gross := quantity * px
	fee := gross * p.feePct / 100

	if have > 0 {
		p.cost[base] *= (have - quantity) / have
	}
	p.balance[base] = have - quantity
	p.balance[p.quote] += gross - fee
	p.persistLocked(ctx)

	return models.Trade{
		ID:          tradeID(ctx),
		Instrument:  base,
		Side:        models.SideSell,
		Price:       px,
		Quantity:    quantity,
		QuoteAmount: gross - fee,
		Fee:         fee,
		Time:        p.now(),
	}, nil
}

func (p *Paper) OpenPositionHints(_ context.Context, symbol string) (*models.PositionHint, error) {
	base := helper.BaseAsset(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	qty := p.balance[base]
	if qty <= 0 {
		return nil, nil
	}
	return &models.PositionHint{Instrument: base, Quantity: qty, AvgCostBasis: p.cost[base] / qty}, nil
}

var _ Exchange = (*Paper)(nil)
