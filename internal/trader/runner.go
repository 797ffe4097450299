package trader

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"spot_agent/internal/metrics"
	"spot_agent/internal/models"
	"spot_agent/pkg/logger"
)

type Runner struct {
	m           *Machine
	instruments []string
	interval    time.Duration

	Heartbeat func(time.Time)
}

func NewRunner(m *Machine, instruments []string, interval time.Duration) *Runner {
	return &Runner{m: m, instruments: instruments, interval: interval}
}

func (r *Runner) Machine() *Machine { return r.m }

// Run сверяет позиции с биржей и запускает цикл на каждый инструмент.
// Возвращается после отмены ctx, когда все циклы вышли.
func (r *Runner) Run(ctx context.Context) error {
	for _, inst := range r.instruments {
		if err := r.Reconcile(ctx, inst); err != nil {
			logger.Error("[TRADER] %s: reconcile: %v", inst, err)
		}
	}

	var wg sync.WaitGroup
	for _, inst := range r.instruments {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, inst)
		}()
	}
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, instrument string) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	paused := false
	for {
		stop, err := r.m.repo.StopRequested(ctx)
		if err != nil {
			logger.Warn("[TRADER] %s: read stop flag: %v", instrument, err)
		}
		if stop != paused {
			paused = stop
			logger.Info("[TRADER] %s: paused=%v", instrument, paused)
		}
		if !paused {
			if _, err := r.m.Evaluate(ctx, instrument); err != nil && ctx.Err() == nil {
				metrics.CycleErrors.WithLabelValues("trader", instrument).Inc()
				logger.Error("[TRADER] %s: %v", instrument, err)
			}
		}
		if r.Heartbeat != nil {
			r.Heartbeat(r.m.now())
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Reconcile — сверка сохранённой позиции с холдингом на бирже. Холдинг
// принимается, только если своей позиции нет и биржа знает цену входа.
func (r *Runner) Reconcile(ctx context.Context, instrument string) error {
	m := r.m
	unlock := m.lock(instrument)
	defer unlock()

	hint, err := m.ex.OpenPositionHints(ctx, m.symbol(instrument))
	if err != nil {
		return err
	}
	pos, err := m.loadPosition(ctx, instrument)
	if err != nil {
		return err
	}

	switch {
	case hint == nil || hint.Quantity <= 0:
		if !pos.IsFlat() {
			logger.Warn("[TRADER] %s: stored position %.8f but exchange holds nothing", instrument, pos.Quantity)
		}
		return nil
	case !pos.IsFlat():
		if diff := math.Abs(hint.Quantity-pos.Quantity) / pos.Quantity; diff > 0.01 {
			logger.Warn("[TRADER] %s: stored quantity %.8f, exchange %.8f", instrument, pos.Quantity, hint.Quantity)
		}
		return nil
	case hint.AvgCostBasis <= 0:
		logger.Warn("[TRADER] %s: exchange holds %.8f without cost basis, not adopted", instrument, hint.Quantity)
		return nil
	}

	now := m.now()
	quote := hint.Quantity * hint.AvgCostBasis
	adopted := models.FlatPosition(instrument).ApplyBuy(hint.Quantity, hint.AvgCostBasis, quote, now, false)
	if err := m.repo.SavePosition(ctx, adopted); err != nil {
		return err
	}
	trade := models.Trade{
		ID:          uuid.NewString(),
		Instrument:  instrument,
		Side:        models.SideBuy,
		Price:       hint.AvgCostBasis,
		Quantity:    hint.Quantity,
		QuoteAmount: quote,
		Reason:      models.ReasonSync,
		Time:        now,
	}
	if err := m.repo.AppendTrade(ctx, trade); err != nil {
		logger.Warn("[TRADER] %s: append sync trade: %v", instrument, err)
	}
	logger.Info("[TRADER] %s: adopted exchange holding %.8f @ %.6f", instrument, hint.Quantity, hint.AvgCostBasis)
	return nil
}
