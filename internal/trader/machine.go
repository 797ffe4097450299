package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"spot_agent/internal/errs"
	"spot_agent/internal/helper"
	"spot_agent/internal/metrics"
	"spot_agent/internal/models"
	"spot_agent/internal/modules/events"
	"spot_agent/internal/modules/exchange"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/notify"
	"spot_agent/internal/retry"
	"spot_agent/pkg/logger"
	"spot_agent/pkg/tracing"
)

type Options struct {
	QuoteAsset string
	Params     Params
	PriceRetry retry.Policy
	OrderRetry retry.Policy
}

// Machine — шаг автомата по одному инструменту. Шаги одного инструмента
// сериализуются, разные инструменты идут параллельно.
type Machine struct {
	ex       exchange.Exchange
	prices   exchange.PriceSource
	repo     *store.Repo
	pub      events.Publisher
	notifier notify.Notifier
	opts     Options
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMachine(ex exchange.Exchange, prices exchange.PriceSource, repo *store.Repo, pub events.Publisher, n notify.Notifier, opts Options) *Machine {
	if pub == nil {
		pub = events.Nop{}
	}
	if n == nil {
		n = notify.Log{}
	}
	return &Machine{
		ex: ex, prices: prices, repo: repo, pub: pub, notifier: n, opts: opts,
		now:   time.Now,
		locks: map[string]*sync.Mutex{},
	}
}

func (m *Machine) lock(instrument string) func() {
	m.mu.Lock()
	l, ok := m.locks[instrument]
	if !ok {
		l = &sync.Mutex{}
		m.locks[instrument] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Machine) symbol(instrument string) string { return helper.Symbol(instrument, m.opts.QuoteAsset) }

func (m *Machine) price(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := retry.Do(ctx, m.opts.PriceRetry, "price "+symbol, func() error {
		p, err := m.prices.GetCurrentPrice(ctx, symbol)
		if err != nil {
			var fe *errs.DataFetchError
			if !errors.As(err, &fe) {
				err = &errs.DataFetchError{Symbol: symbol, Err: err}
			}
			return err
		}
		if p <= 0 {
			return &errs.DataFetchError{Symbol: symbol, Err: fmt.Errorf("price %v", p)}
		}
		price = p
		return nil
	})
	return price, err
}

// loadPosition: испорченная запись заменяется на FLAT с предупреждением.
func (m *Machine) loadPosition(ctx context.Context, instrument string) (models.Position, error) {
	pos, err := m.repo.LoadPosition(ctx, instrument)
	if errs.IsCorrupt(err) {
		logger.Warn("[TRADER] %s: %v; treating as flat", instrument, err)
		return models.FlatPosition(instrument), nil
	}
	return pos, err
}

func (m *Machine) loadSignal(ctx context.Context, instrument string) *models.Signal {
	sig, err := m.repo.LoadSignal(ctx, instrument)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return nil
	case err != nil:
		logger.Warn("[TRADER] %s: signal unavailable: %v", instrument, err)
		return nil
	}
	return sig
}

// Evaluate — один атомарный логический шаг: цена, трейлинг, решение, ордер, запись.
// Если ордер не прошёл, состояние не меняется.
func (m *Machine) Evaluate(ctx context.Context, instrument string) (d Decision, err error) {
	unlock := m.lock(instrument)
	defer unlock()

	span, ctx := tracing.StartSpan(ctx, "trader.evaluate", map[string]string{"instrument": instrument})
	defer func() {
		span.SetTag("action", string(d.Action))
		tracing.Fail(span, err)
		span.Finish()
	}()

	symbol := m.symbol(instrument)
	price, err := m.price(ctx, symbol)
	if err != nil {
		return d, err
	}
	now := m.now()

	pos, err := m.loadPosition(ctx, instrument)
	if err != nil {
		return d, err
	}
	if next, changed := UpdateTrailing(pos, price, m.opts.Params); changed {
		wasActive := pos.TrailingActive
		next.UpdatedAt = now
		if err := m.repo.SavePosition(ctx, next); err != nil {
			return d, err
		}
		if !wasActive {
			logger.Info("[TRADER] %s: trailing on at %.6f, line %.6f (avg %.6f)",
				instrument, price, next.TrailingLine, next.AvgCostBasis)
		}
		pos = next
	}
	if !pos.IsFlat() {
		metrics.PositionPnL.WithLabelValues(instrument).Set(pos.PnLPct(price))
	}

	d = Decide(pos, m.loadSignal(ctx, instrument), price, now, m.opts.Params)
	if d.Action == ActionHold {
		logger.Debug("[TRADER] %s hold @ %.6f: %s", instrument, price, d.Note)
		return d, nil
	}

	// перечитываем позицию прямо перед ордером
	cur, err := m.loadPosition(ctx, instrument)
	if err != nil {
		return d, err
	}
	if !samePosition(cur, pos) {
		logger.Warn("[TRADER] %s: position changed under us, skipping %s", instrument, d.Action)
		return Decision{Action: ActionHold, Note: "position changed"}, nil
	}

	if d.Action == ActionEnter {
		value, err := m.AccountValue(ctx)
		if err != nil {
			return d, err
		}
		d.QuoteAmount = EntryQuote(value, m.opts.Params)
		if d.QuoteAmount <= 0 {
			logger.Warn("[TRADER] %s: account value %.2f gives no entry size", instrument, value)
			return Decision{Action: ActionHold, Note: "zero entry size"}, nil
		}
	}
	logger.Info("[TRADER] %s %s @ %.6f: %s", instrument, d.Action, price, d.Note)

	trade, err := m.place(ctx, symbol, d)
	reason := tradeReason(d.Action)
	if err != nil {
		result := "failed"
		if errs.IsRejected(err) {
			result = "rejected"
		}
		metrics.OrdersTotal.WithLabelValues(instrument, reason, result).Inc()
		return d, fmt.Errorf("%s %s: %w", d.Action, instrument, err)
	}
	metrics.OrdersTotal.WithLabelValues(instrument, reason, "ok").Inc()

	trade.Instrument = instrument
	trade.Reason = reason
	if trade.Time.IsZero() {
		trade.Time = now
	}
	next := m.apply(pos, &trade, d, now)
	if err := m.repo.SavePosition(ctx, next); err != nil {
		// ордер уже исполнен: это надо видеть
		logger.Error("[TRADER] %s: filled %s but position not saved: %v", instrument, trade.ID, err)
		return d, err
	}
	if err := m.repo.AppendTrade(ctx, trade); err != nil {
		logger.Error("[TRADER] %s: append trade %s: %v", instrument, trade.ID, err)
	}
	m.notifier.Send(notify.TradeMessage(trade, next))
	if err := m.pub.PublishTrade(ctx, trade); err != nil {
		logger.Warn("[TRADER] %s: publish trade: %v", instrument, err)
	}
	if next.IsFlat() {
		metrics.PositionPnL.DeleteLabelValues(instrument)
	}
	return d, nil
}

// place — один логический ордер: все повторы идут с одним клиентским идентификатором.
func (m *Machine) place(ctx context.Context, symbol string, d Decision) (models.Trade, error) {
	ctx = exchange.WithClientOrderID(ctx, uuid.NewString())
	var trade models.Trade
	err := retry.Do(ctx, m.opts.OrderRetry, string(d.Action)+" "+symbol, func() error {
		var err error
		if d.Action == ActionExit {
			trade, err = m.ex.MarketSell(ctx, symbol, d.Quantity)
		} else {
			trade, err = m.ex.MarketBuy(ctx, symbol, d.QuoteAmount)
		}
		return err
	})
	return trade, err
}

// apply — позиция после исполнения. Для выхода дописывает в сделку реализованный PnL.
func (m *Machine) apply(pos models.Position, trade *models.Trade, d Decision, now time.Time) models.Position {
	if d.Action == ActionExit {
		pnl := pos.PnLPct(trade.Price)
		trade.RealizedPnLPct = &pnl
		logger.Info("[TRADER] %s: exit %.8f @ %.6f, pnl %+.2f%%", pos.Instrument, trade.Quantity, trade.Price, pnl)
		flat := models.FlatPosition(pos.Instrument)
		flat.UpdatedAt = now
		return flat
	}
	quote := trade.QuoteAmount
	if quote <= 0 {
		quote = d.QuoteAmount
	}
	next := pos.ApplyBuy(trade.Quantity, trade.Price, quote, now, d.Action == ActionDCA)
	logger.Info("[TRADER] %s: %s filled %.8f @ %.6f, avg %.6f, dca %d",
		pos.Instrument, d.Action, trade.Quantity, trade.Price, next.AvgCostBasis, next.DCACount)
	return next
}

func tradeReason(a Action) string {
	switch a {
	case ActionEnter:
		return models.ReasonEntry
	case ActionDCA:
		return models.ReasonDCA
	case ActionExit:
		return models.ReasonTrailingExit
	}
	return string(a)
}

func samePosition(a, b models.Position) bool {
	return a.IsFlat() == b.IsFlat() &&
		a.DCACount == b.DCACount &&
		a.TrailingActive == b.TrailingActive &&
		math.Abs(a.Quantity-b.Quantity) <= 1e-12*math.Max(1, math.Abs(b.Quantity))
}

// AccountValue — котируемая валюта плюс остальные активы по текущей цене.
// Актив без цены пропускается с предупреждением.
func (m *Machine) AccountValue(ctx context.Context) (float64, error) {
	var bal map[string]float64
	err := retry.Do(ctx, m.opts.OrderRetry, "balance", func() error {
		b, err := m.ex.GetBalance(ctx)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	if err != nil {
		return 0, err
	}
	total := bal[m.opts.QuoteAsset]
	for asset, amount := range bal {
		if asset == m.opts.QuoteAsset || amount <= 0 {
			continue
		}
		px, err := m.price(ctx, helper.Symbol(asset, m.opts.QuoteAsset))
		if err != nil {
			logger.Warn("[TRADER] account value: no price for %s: %v", asset, err)
			continue
		}
		total += amount * px
	}
	return total, nil
}

// Status — снимок для API и /status.
type Status struct {
	Instrument     string          `json:"instrument"`
	Price          float64         `json:"price,omitempty"`
	Position       models.Position `json:"position"`
	PnLPct         float64         `json:"pnl_pct"`
	NextDCALevel   *float64        `json:"next_dca_level,omitempty"`
	NextDCAPrice   float64         `json:"next_dca_price,omitempty"`
	DCAInWindow    int             `json:"dca_in_window"`
	ActivationAt   float64         `json:"trailing_activation_price,omitempty"`
	LongLevel      int             `json:"long_level"`
	ShortLevel     int             `json:"short_level"`
	SignalAt       time.Time       `json:"signal_at,omitempty"`
	PriceAvailable bool            `json:"price_available"`
}

func (m *Machine) Status(ctx context.Context, instrument string) (Status, error) {
	st := Status{Instrument: instrument}
	pos, err := m.loadPosition(ctx, instrument)
	if err != nil {
		return st, err
	}
	st.Position = pos
	px, err := m.prices.GetCurrentPrice(ctx, m.symbol(instrument))
	switch {
	case err != nil:
		logger.Warn("[TRADER] %s: status without price: %v", instrument, err)
	case px <= 0:
		logger.Warn("[TRADER] %s: status without price: got %v", instrument, px)
	default:
		st.Price = px
		st.PriceAvailable = true
		st.PnLPct = pos.PnLPct(px)
	}
	if level, trigger, ok := NextDCA(pos, m.opts.Params); ok {
		st.NextDCALevel = &level
		st.NextDCAPrice = trigger
	}
	if !pos.IsFlat() {
		st.DCAInWindow = pos.DCAInWindow(m.now(), DCAWindow)
		if !pos.TrailingActive {
			st.ActivationAt = ActivationPrice(pos, m.opts.Params)
		}
	}
	if sig := m.loadSignal(ctx, instrument); sig != nil {
		st.LongLevel = sig.LongLevel
		st.ShortLevel = sig.ShortLevel
		st.SignalAt = sig.GeneratedAt
	}
	return st, nil
}
