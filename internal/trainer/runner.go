package trainer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"spot_agent/internal/errs"
	"spot_agent/internal/helper"
	"spot_agent/internal/metrics"
	"spot_agent/internal/models"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/retry"
	"spot_agent/pkg/logger"
	"spot_agent/pkg/tracing"
)

// CandleSource — откуда обучение берёт историю.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
}

type Options struct {
	Instruments  []string
	QuoteAsset   string
	Timeframes   []string
	HistoryLimit int
	Parallel     int
	StaleAfter   time.Duration
	Params       Params
	Retry        retry.Policy
}

type Runner struct {
	src  CandleSource
	repo *store.Repo
	opts Options
	now  func() time.Time

	// запись чекпоинта и статуса при параллельных таймфреймах
	mu sync.Mutex
}

func NewRunner(src CandleSource, repo *store.Repo, opts Options) *Runner {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	return &Runner{src: src, repo: repo, opts: opts, now: time.Now}
}

// IsStale — нет завершённой эпохи или она старше StaleAfter.
func (r *Runner) IsStale(ctx context.Context, instrument string, now time.Time) (bool, error) {
	return IsStale(ctx, r.repo, instrument, now, r.opts.StaleAfter)
}

// IsStale по сохранённому чекпоинту; им же пользуется генерация сигналов.
func IsStale(ctx context.Context, repo *store.Repo, instrument string, now time.Time, after time.Duration) (bool, error) {
	cp, err := repo.LoadCheckpoint(ctx, instrument)
	if errors.Is(err, errs.ErrNotFound) || errs.IsCorrupt(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return isStale(cp, now, after), nil
}

func isStale(cp *models.Checkpoint, now time.Time, after time.Duration) bool {
	if cp == nil || !cp.Finished || cp.FinishedAt.IsZero() {
		return true
	}
	return now.Sub(cp.FinishedAt) > after
}

// RunAll обучает инструменты по очереди. Ошибка одного инструмента не останавливает
// остальные; ErrStopped и отмена контекста — останавливают.
func (r *Runner) RunAll(ctx context.Context, force bool) error {
	for _, inst := range r.opts.Instruments {
		if _, err := r.Run(ctx, inst, force); err != nil {
			if errors.Is(err, errs.ErrStopped) || ctx.Err() != nil {
				return err
			}
			logger.Error("[TRAIN] %s: %v", inst, err)
		}
	}
	return nil
}

// Run — одна эпоха обучения по инструменту с возобновлением по чекпоинту.
func (r *Runner) Run(ctx context.Context, instrument string, force bool) (models.TrainingStatus, error) {
	now := r.now()
	cp, err := r.repo.LoadCheckpoint(ctx, instrument)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		cp = nil
	case errs.IsCorrupt(err):
		logger.Warn("[TRAIN] %s: checkpoint unreadable, starting over: %v", instrument, err)
		cp = nil
	case err != nil:
		return models.TrainingStatus{}, err
	}

	status := models.TrainingStatus{Instrument: instrument, Total: len(r.opts.Timeframes)}

	if cp != nil && cp.Finished && !force && !isStale(cp, now, r.opts.StaleAfter) {
		status.State = models.TrainingFinished
		status.Done = len(cp.Completed)
		status.UpdatedAt = cp.FinishedAt
		logger.Debug("[TRAIN] %s: fresh since %s, nothing to do", instrument, cp.FinishedAt.Format(time.RFC3339))
		return status, nil
	}
	// новая эпоха: нет чекпоинта, force, или прошлая эпоха устарела
	if cp == nil || cp.Finished || force {
		cp = &models.Checkpoint{Instrument: instrument, Epoch: now}
		logger.Info("[TRAIN] %s: new epoch force=%v", instrument, force)
	} else {
		logger.Info("[TRAIN] %s: resuming epoch %s, %d/%d done",
			instrument, cp.Epoch.Format(time.RFC3339), len(cp.Completed), len(r.opts.Timeframes))
	}
	if err := r.repo.SaveCheckpoint(ctx, *cp); err != nil {
		return status, err
	}

	status.State = models.TrainingRunning
	status.Done = len(cp.Completed)
	r.saveStatus(ctx, &status)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallel)
	var skipped []string
	// очередь снимается до запуска воркеров: дальше cp.Completed пишут только они под r.mu
	r.mu.Lock()
	pending := slices.DeleteFunc(slices.Clone(r.opts.Timeframes), cp.Done)
	r.mu.Unlock()
	for _, tf := range pending {
		tf := tf
		if err := r.checkStop(gctx); err != nil {
			break
		}
		g.Go(func() error {
			if err := r.checkStop(gctx); err != nil {
				return err
			}
			err := r.trainTimeframe(gctx, instrument, tf, force)
			r.mu.Lock()
			defer r.mu.Unlock()
			var fe *errs.DataFetchError
			switch {
			case errors.As(err, &fe):
				// таймфрейм пропущен: память не трогаем, эпоха останется незавершённой
				logger.Warn("[TRAIN] %s %s skipped: %v", instrument, tf, err)
				skipped = append(skipped, tf)
				return nil
			case err != nil:
				return err
			}
			cp.MarkDone(tf)
			if err := r.repo.SaveCheckpoint(ctx, *cp); err != nil {
				return err
			}
			status.Timeframe = tf
			status.Done = len(cp.Completed)
			r.saveStatusLocked(ctx, &status)
			return nil
		})
	}
	werr := g.Wait()
	if werr == nil {
		werr = r.checkStop(ctx)
	}
	status.Skipped = skipped

	if werr != nil {
		if errors.Is(werr, errs.ErrStopped) || ctx.Err() != nil {
			status.State = models.TrainingStopped
			r.saveStatus(context.WithoutCancel(ctx), &status)
			logger.Info("[TRAIN] %s: stopped at %d/%d, checkpoint kept", instrument, status.Done, status.Total)
			return status, errs.ErrStopped
		}
		status.State = models.TrainingIdle
		r.saveStatus(ctx, &status)
		return status, werr
	}

	if len(cp.Completed) < len(r.opts.Timeframes) {
		// неудачные таймфреймы доучатся при следующем запуске этой же эпохи
		status.State = models.TrainingIdle
		r.saveStatus(ctx, &status)
		return status, nil
	}

	cp.Finished = true
	cp.FinishedAt = r.now()
	if err := r.repo.SaveCheckpoint(ctx, *cp); err != nil {
		return status, err
	}
	status.State = models.TrainingFinished
	r.saveStatus(ctx, &status)
	logger.Info("[TRAIN] %s: epoch finished", instrument)
	return status, nil
}

func (r *Runner) checkStop(ctx context.Context) error {
	if ctx.Err() != nil {
		return errs.ErrStopped
	}
	stop, err := r.repo.StopRequested(ctx)
	if err != nil {
		logger.Warn("[TRAIN] read stop flag: %v", err)
		return nil
	}
	if stop {
		return errs.ErrStopped
	}
	return nil
}

func (r *Runner) trainTimeframe(ctx context.Context, instrument, tf string, force bool) (err error) {
	span, ctx := tracing.StartSpan(ctx, "trainer.timeframe", map[string]string{"instrument": instrument, "timeframe": tf})
	started := time.Now()
	defer func() {
		tracing.Fail(span, err)
		span.Finish()
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ObserveTraining(instrument, tf, result, time.Since(started))
	}()

	symbol := helper.Symbol(instrument, r.opts.QuoteAsset)
	var candles []models.Candle
	err = retry.Do(ctx, r.opts.Retry, "candles "+symbol+" "+tf, func() error {
		c, ferr := r.src.GetCandles(ctx, symbol, tf, r.opts.HistoryLimit)
		if ferr != nil {
			var fe *errs.DataFetchError
			if !errors.As(ferr, &fe) {
				ferr = &errs.DataFetchError{Symbol: symbol, Timeframe: tf, Err: ferr}
			}
			return ferr
		}
		candles = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return errs.ErrStopped
		}
		return err
	}

	old, lerr := r.repo.LoadMemory(ctx, instrument, tf)
	switch {
	case errors.Is(lerr, errs.ErrNotFound):
		old = nil
	case errs.IsCorrupt(lerr):
		logger.Warn("[TRAIN] %s %s: stored memory unusable, full retrain: %v", instrument, tf, lerr)
		old = nil
	case lerr != nil:
		return lerr
	}

	p := r.opts.Params
	p.Instrument = instrument
	p.Timeframe = tf
	p.Force = force
	p.Now = r.now()
	mem, rep, err := TrainWithReport(old, candles, p)
	if err != nil {
		return err
	}
	if err := r.repo.SaveMemory(ctx, mem); err != nil {
		return err
	}

	if rep.Dropped > 0 {
		logger.Warn("[TRAIN] %s %s: dropped %d invalid or duplicate candles", instrument, tf, rep.Dropped)
	}
	metrics.MemoryEntries.WithLabelValues(instrument, tf).Set(float64(mem.Len()))
	if rep.Predictions > 0 {
		metrics.TrainingHitRate.WithLabelValues(instrument, tf).Set(rep.HitRate())
	}
	logger.Info("[TRAIN] %s %s: candles=%d appended=%d entries=%d threshold=%.4f hit=%.2f",
		instrument, tf, len(candles), rep.Appended, mem.Len(), mem.Threshold, rep.HitRate())
	return nil
}

func (r *Runner) saveStatus(ctx context.Context, s *models.TrainingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveStatusLocked(ctx, s)
}

func (r *Runner) saveStatusLocked(ctx context.Context, s *models.TrainingStatus) {
	s.UpdatedAt = r.now()
	if err := r.repo.SaveTrainingStatus(ctx, *s); err != nil {
		logger.Warn("[TRAIN] %s: save status: %v", s.Instrument, err)
	}
}
