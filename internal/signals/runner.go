package signals

import (
	"context"
	"errors"
	"time"

	"spot_agent/internal/errs"
	"spot_agent/internal/helper"
	"spot_agent/internal/metrics"
	"spot_agent/internal/models"
	"spot_agent/internal/modules/events"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/retry"
	"spot_agent/internal/trainer"
	"spot_agent/pkg/logger"
	"spot_agent/pkg/tracing"
)

type CandleSource interface {
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

type Options struct {
	Instruments  []string
	QuoteAsset   string
	Timeframes   []string
	Window       int
	Interval     time.Duration
	RequireFresh bool
	StaleAfter   time.Duration
	Params       Params
	Retry        retry.Policy
}

type Runner struct {
	src  CandleSource
	repo *store.Repo
	pub  events.Publisher
	opts Options
	now  func() time.Time

	// Heartbeat вызывается после каждого цикла (health)
	Heartbeat func(time.Time)
}

func NewRunner(src CandleSource, repo *store.Repo, pub events.Publisher, opts Options) *Runner {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Runner{src: src, repo: repo, pub: pub, opts: opts, now: time.Now}
}

// Run крутит циклы до отмены ctx. Пока стоит флаг остановки, циклы пропускаются.
func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.opts.Interval)
	defer t.Stop()
	paused := false
	for {
		stop, err := r.repo.StopRequested(ctx)
		if err != nil {
			logger.Warn("[SIGNALS] read stop flag: %v", err)
		}
		switch {
		case stop && !paused:
			logger.Info("[SIGNALS] stop flag set, pausing")
			paused = true
		case !stop && paused:
			logger.Info("[SIGNALS] stop flag cleared, resuming")
			paused = false
		}
		if !paused {
			r.CycleAll(ctx)
		}
		if r.Heartbeat != nil {
			r.Heartbeat(r.now())
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// CycleAll — по циклу на инструмент; ошибка одного не мешает остальным.
func (r *Runner) CycleAll(ctx context.Context) {
	for _, inst := range r.opts.Instruments {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Cycle(ctx, inst); err != nil {
			metrics.CycleErrors.WithLabelValues("signals", inst).Inc()
			logger.Error("[SIGNALS] %s: %v", inst, err)
		}
	}
}

// Cycle — один сигнал по инструменту: сохраняется и публикуется.
func (r *Runner) Cycle(ctx context.Context, instrument string) (sig models.Signal, err error) {
	span, ctx := tracing.StartSpan(ctx, "signals.cycle", map[string]string{"instrument": instrument})
	defer func() {
		tracing.Fail(span, err)
		span.Finish()
	}()

	now := r.now()
	symbol := helper.Symbol(instrument, r.opts.QuoteAsset)

	var price float64
	err = retry.Do(ctx, r.opts.Retry, "price "+symbol, func() error {
		p, perr := r.src.GetCurrentPrice(ctx, symbol)
		if perr != nil {
			return asFetchError(perr, symbol, "")
		}
		price = p
		return nil
	})
	if err != nil {
		return sig, err
	}

	if r.opts.RequireFresh {
		stale, serr := trainer.IsStale(ctx, r.repo, instrument, now, r.opts.StaleAfter)
		if serr != nil {
			return sig, serr
		}
		if stale {
			sig = staleSignal(instrument, price, r.opts.Timeframes, r.opts.Params, now)
			logger.Warn("[SIGNALS] %s: training is stale, storing zero-level signal", instrument)
			return sig, r.repo.SaveSignal(ctx, sig)
		}
	}

	in := Input{
		Instrument: instrument,
		Price:      price,
		Timeframes: r.opts.Timeframes,
		Windows:    make(map[string][]models.Candle, len(r.opts.Timeframes)),
		Memories:   make(map[string]*models.PatternMemory, len(r.opts.Timeframes)),
		Unusable:   map[string]string{},
		Now:        now,
	}
	for _, tf := range r.opts.Timeframes {
		mem, merr := r.repo.LoadMemory(ctx, instrument, tf)
		switch {
		case errors.Is(merr, errs.ErrNotFound):
		case errs.IsCorrupt(merr):
			logger.Warn("[SIGNALS] %s %s: %v", instrument, tf, merr)
		case merr != nil:
			return sig, merr
		default:
			in.Memories[tf] = mem
		}
		// без памяти свечи не нужны
		if mem.Len() < r.opts.Params.MinEntries {
			continue
		}

		var window []models.Candle
		ferr := retry.Do(ctx, r.opts.Retry, "window "+symbol+" "+tf, func() error {
			c, e := r.src.GetCandles(ctx, symbol, tf, r.opts.Window)
			if e != nil {
				return asFetchError(e, symbol, tf)
			}
			window = c
			return nil
		})
		if ferr != nil {
			logger.Warn("[SIGNALS] %s %s: %v", instrument, tf, ferr)
			in.Unusable[tf] = models.ReasonFetchFailed
			continue
		}
		in.Windows[tf] = window
	}

	sig, problems := Generate(in, r.opts.Params)
	for _, p := range problems {
		logger.Debug("[SIGNALS] %v", p)
	}
	if err := r.repo.SaveSignal(ctx, sig); err != nil {
		return sig, err
	}
	if err := r.pub.PublishSignal(ctx, sig); err != nil {
		logger.Warn("[SIGNALS] %s: publish: %v", instrument, err)
	}

	metrics.SignalLevel.WithLabelValues(instrument, "long").Set(float64(sig.LongLevel))
	metrics.SignalLevel.WithLabelValues(instrument, "short").Set(float64(sig.ShortLevel))
	metrics.UsableTimeframes.WithLabelValues(instrument).Set(float64(sig.UsableTimeframes))
	logger.Info("[SIGNALS] %s price=%.6f long=%d short=%d usable=%d/%d",
		instrument, price, sig.LongLevel, sig.ShortLevel, sig.UsableTimeframes, len(sig.Timeframes))
	return sig, nil
}

func staleSignal(instrument string, price float64, tfs []string, p Params, now time.Time) models.Signal {
	sig := models.Signal{
		Instrument:           instrument,
		LongBounds:           []float64{},
		ShortBounds:          []float64{},
		LongProfitMarginPct:  p.LongProfitMarginPct,
		ShortProfitMarginPct: p.ShortProfitMarginPct,
		Price:                price,
		GeneratedAt:          now,
	}
	for _, tf := range tfs {
		sig.Timeframes = append(sig.Timeframes, models.TimeframeStatus{Timeframe: tf, Reason: models.ReasonStaleTraining})
	}
	return sig
}

func asFetchError(err error, symbol, tf string) error {
	var fe *errs.DataFetchError
	if errors.As(err, &fe) {
		return err
	}
	return &errs.DataFetchError{Symbol: symbol, Timeframe: tf, Err: err}
}
