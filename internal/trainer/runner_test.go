package trainer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spot_agent/internal/errs"
	"spot_agent/internal/models"
	"spot_agent/internal/modules/store"
	"spot_agent/internal/retry"
)

type fakeSource struct {
	mu     sync.Mutex
	bars   []models.Candle
	failTF map[string]bool
	calls  map[string]int
}

func (f *fakeSource) GetCandles(_ context.Context, _, tf string, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[tf]++
	if f.failTF[tf] {
		return nil, errors.New("connection reset")
	}
	if limit > 0 && len(f.bars) > limit {
		return f.bars[len(f.bars)-limit:], nil
	}
	return f.bars, nil
}

func (f *fakeSource) count(tf string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tf]
}

func newRunner(src CandleSource, repo *store.Repo, tfs ...string) *Runner {
	r := NewRunner(src, repo, Options{
		Instruments:  []string{"BTC"},
		QuoteAsset:   "USDT",
		Timeframes:   tfs,
		HistoryLimit: 500,
		Parallel:     2,
		StaleAfter:   14 * 24 * time.Hour,
		Params:       params(),
		Retry:        retry.Policy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	})
	r.now = func() time.Time { return t0.Add(1000 * time.Hour) }
	return r
}

func TestRunTrainsEveryTimeframeAndFinishesEpoch(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepo(store.NewMemory(), "agent")
	src := &fakeSource{bars: series(120)}
	r := newRunner(src, repo, "1h", "4h", "1d")

	st, err := r.Run(ctx, "BTC", false)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.State != models.TrainingFinished || st.Done != 3 {
		t.Fatalf("unexpected status %+v", st)
	}
	for _, tf := range []string{"1h", "4h", "1d"} {
		mem, err := repo.LoadMemory(ctx, "BTC", tf)
		if err != nil || mem.Len() != 118 {
			t.Fatalf("%s: expected 118 entries, got %d (%v)", tf, mem.Len(), err)
		}
	}
	cp, _ := repo.LoadCheckpoint(ctx, "BTC")
	if !cp.Finished || len(cp.Completed) != 3 {
		t.Fatalf("checkpoint not finished: %+v", cp)
	}

	// свежая эпоха: повторный запуск ничего не скачивает
	if _, err := r.Run(ctx, "BTC", false); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if src.count("1h") != 1 {
		t.Fatalf("fresh epoch must not refetch, got %d calls", src.count("1h"))
	}
	if stale, _ := r.IsStale(ctx, "BTC", r.now()); stale {
		t.Fatalf("just finished epoch must not be stale")
	}
	if stale, _ := r.IsStale(ctx, "BTC", r.now().Add(15*24*time.Hour)); !stale {
		t.Fatalf("epoch older than stale_after must be stale")
	}
}

func TestFetchFailureSkipsTimeframeAndResumesLater(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepo(store.NewMemory(), "agent")
	src := &fakeSource{bars: series(80), failTF: map[string]bool{"4h": true}}
	r := newRunner(src, repo, "1h", "4h")

	st, err := r.Run(ctx, "BTC", false)
	if err != nil {
		t.Fatalf("a skipped timeframe must not fail the run: %v", err)
	}
	if len(st.Skipped) != 1 || st.Skipped[0] != "4h" {
		t.Fatalf("expected 4h skipped, got %+v", st.Skipped)
	}
	if src.count("4h") != 2 {
		t.Fatalf("expected bounded retries (2 attempts), got %d", src.count("4h"))
	}
	if _, err := repo.LoadMemory(ctx, "BTC", "4h"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("failed timeframe must leave memory untouched, got %v", err)
	}
	cp, _ := repo.LoadCheckpoint(ctx, "BTC")
	if cp.Finished {
		t.Fatalf("epoch with a skipped timeframe must stay open")
	}

	src.failTF = nil
	if _, err := r.Run(ctx, "BTC", false); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if src.count("1h") != 1 {
		t.Fatalf("completed timeframe must not be retrained on resume, got %d calls", src.count("1h"))
	}
	cp, _ = repo.LoadCheckpoint(ctx, "BTC")
	if !cp.Finished {
		t.Fatalf("epoch must finish once every timeframe is done")
	}
}

func TestStopFlagExitsWithCheckpoint(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepo(store.NewMemory(), "agent")
	src := &fakeSource{bars: series(120)}
	r := newRunner(src, repo, "1h", "4h")

	_ = repo.SetStop(ctx, true, t0)
	_, err := r.Run(ctx, "BTC", false)
	if !errors.Is(err, errs.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if src.count("1h") != 0 {
		t.Fatalf("stopped run must not fetch")
	}
	st, _ := repo.LoadTrainingStatus(ctx, "BTC")
	if st.State != models.TrainingStopped {
		t.Fatalf("status must be stopped, got %+v", st)
	}
	cp, err := repo.LoadCheckpoint(ctx, "BTC")
	if err != nil || cp.Finished {
		t.Fatalf("checkpoint must persist unfinished: %+v %v", cp, err)
	}

	_ = repo.SetStop(ctx, false, t0)
	if _, err := r.Run(ctx, "BTC", false); err != nil {
		t.Fatalf("run after resume: %v", err)
	}
}

func TestCorruptMemoryTriggersFullRetrain(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	repo := store.NewRepo(kv, "agent")
	_ = kv.Put(ctx, "agent/"+store.MemoryKey("BTC", "1h"), []byte("{broken"))

	r := newRunner(&fakeSource{bars: series(50)}, repo, "1h")
	if _, err := r.Run(ctx, "BTC", false); err != nil {
		t.Fatalf("run: %v", err)
	}
	mem, err := repo.LoadMemory(ctx, "BTC", "1h")
	if err != nil || mem.Len() != 48 {
		t.Fatalf("expected rebuilt memory with 48 entries, got %d (%v)", mem.Len(), err)
	}
}

func TestForceStartsNewEpoch(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepo(store.NewMemory(), "agent")
	src := &fakeSource{bars: series(120)}
	r := newRunner(src, repo, "1h")

	_, _ = r.Run(ctx, "BTC", false)
	if _, err := r.Run(ctx, "BTC", true); err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if src.count("1h") != 2 {
		t.Fatalf("force must retrain a fresh epoch, got %d fetches", src.count("1h"))
	}
}

func TestParallelTimeframesTrainEachOncePerEpoch(t *testing.T) {
	ctx := context.Background()
	repo := store.NewRepo(store.NewMemory(), "agent")
	src := &fakeSource{bars: series(120)}
	tfs := []string{"1h", "2h", "4h", "8h", "12h", "1d", "1w"}
	r := newRunner(src, repo, tfs...)

	const passes = 20
	for i := 0; i < passes; i++ {
		st, err := r.Run(ctx, "BTC", true)
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if st.State != models.TrainingFinished || st.Done != len(tfs) {
			t.Fatalf("pass %d: unexpected status %+v", i, st)
		}
	}
	for _, tf := range tfs {
		if n := src.count(tf); n != passes {
			t.Fatalf("%s fetched %d times, expected %d", tf, n, passes)
		}
	}
	cp, err := repo.LoadCheckpoint(ctx, "BTC")
	if err != nil || len(cp.Completed) != len(tfs) {
		t.Fatalf("checkpoint: %+v %v", cp, err)
	}
}
