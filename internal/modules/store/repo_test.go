package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"spot_agent/internal/errs"
	"spot_agent/internal/models"
)

var ts = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func memory() *models.PatternMemory {
	return &models.PatternMemory{
		Version:       models.PatternMemoryVersion,
		Instrument:    "BTC",
		Timeframe:     "1h",
		PatternLength: 2,
		Threshold:     0.3,
		Entries: []models.PatternEntry{
			{Features: models.FeatureVector{0.1, -0.2}, Outcome: models.Outcome{High: 0.01, Low: -0.01}, Weight: 1, WeightHigh: 1, WeightLow: 1, Time: ts},
		},
		LastCandleTime: ts.Add(time.Hour),
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(NewMemory(), "agent")

	if _, err := repo.LoadMemory(ctx, "BTC", "1h"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := repo.SaveMemory(ctx, memory()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.LoadMemory(ctx, "BTC", "1h")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Len() != 1 || got.Threshold != 0.3 || !got.LastCandleTime.Equal(ts.Add(time.Hour)) {
		t.Fatalf("unexpected memory %+v", got)
	}
}

func TestCorruptStateIsReportedNotUsed(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	repo := NewRepo(kv, "agent")

	_ = kv.Put(ctx, "agent/"+MemoryKey("BTC", "1h"), []byte(`{"version":1,"instrument":"BTC"`))
	if _, err := repo.LoadMemory(ctx, "BTC", "1h"); !errs.IsCorrupt(err) {
		t.Fatalf("truncated json must be corrupt, got %v", err)
	}

	_ = kv.Put(ctx, "agent/"+MemoryKey("BTC", "1h"),
		[]byte(`{"version":1,"instrument":"BTC","timeframe":"1h","pattern_length":2,"threshold":0.1,"entries":[{"features":[1,2],"weight":0,"weight_high":1,"weight_low":1}]}`))
	if _, err := repo.LoadMemory(ctx, "BTC", "1h"); !errs.IsCorrupt(err) {
		t.Fatalf("zero weight must be corrupt, got %v", err)
	}

	_ = kv.Put(ctx, "agent/position/BTC", []byte(`{"instrument":"BTC","quantity":-1}`))
	if _, err := repo.LoadPosition(ctx, "BTC"); !errs.IsCorrupt(err) {
		t.Fatalf("negative quantity must be corrupt, got %v", err)
	}
}

func TestSaveRejectsInvalidValues(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(NewMemory(), "")

	bad := memory()
	bad.Entries[0].WeightLow = 0
	if err := repo.SaveMemory(ctx, bad); err == nil {
		t.Fatalf("invalid memory must not be saved")
	}
	if err := repo.SaveSignal(ctx, models.Signal{Instrument: "BTC", LongLevel: 8}); err == nil {
		t.Fatalf("level above 7 must not be saved")
	}
}

func TestPositionDefaultsToFlat(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(NewMemory(), "agent")

	p, err := repo.LoadPosition(ctx, "ETH")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !p.IsFlat() || p.Instrument != "ETH" {
		t.Fatalf("expected flat ETH position, got %+v", p)
	}

	open := models.FlatPosition("ETH").ApplyBuy(2, 100, 200, ts, false)
	if err := repo.SavePosition(ctx, open); err != nil {
		t.Fatalf("save: %v", err)
	}
	p, _ = repo.LoadPosition(ctx, "ETH")
	if p.Quantity != 2 || p.AvgCostBasis != 100 {
		t.Fatalf("unexpected position %+v", p)
	}
}

func TestTradesAreAppendOnlyAndOrdered(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(NewMemory(), "agent")

	for i := 0; i < 3; i++ {
		tr := models.Trade{ID: string(rune('a' + i)), Instrument: "BTC", Side: models.SideBuy, Time: ts.Add(time.Duration(i) * time.Minute)}
		if err := repo.AppendTrade(ctx, tr); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	all, err := repo.Trades(ctx, "BTC", 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("expected 3 trades, got %d (%v)", len(all), err)
	}
	last, _ := repo.Trades(ctx, "BTC", 2)
	if len(last) != 2 || last[0].ID != "b" || last[1].ID != "c" {
		t.Fatalf("expected the two latest trades, got %+v", last)
	}
}

func TestStopFlag(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(NewMemory(), "agent")

	if stop, _ := repo.StopRequested(ctx); stop {
		t.Fatalf("stop must be off by default")
	}
	_ = repo.SetStop(ctx, true, ts)
	if stop, _ := repo.StopRequested(ctx); !stop {
		t.Fatalf("stop must be visible after SetStop")
	}
	_ = repo.SetStop(ctx, false, ts)
	if stop, _ := repo.StopRequested(ctx); stop {
		t.Fatalf("stop must clear")
	}
}

func TestDeleteCheckpointForcesNewEpoch(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(NewMemory(), "agent")

	cp := models.Checkpoint{Instrument: "BTC", Epoch: ts, Completed: []string{"1h"}, Finished: true, FinishedAt: ts}
	if err := repo.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.DeleteCheckpoint(ctx, "BTC"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.LoadCheckpoint(ctx, "BTC"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPaperAccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(NewMemory(), "agent")

	if _, err := repo.LoadPaperAccount(ctx, "USDT"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first save, got %v", err)
	}
	acc := models.PaperAccount{
		Version: models.PaperAccountVersion,
		Quote:   "USDT",
		Balance: map[string]float64{"USDT": 9950, "BTC": 0.5},
		Cost:    map[string]float64{"BTC": 50},
	}
	if err := repo.SavePaperAccount(ctx, acc); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.LoadPaperAccount(ctx, "USDT")
	if err != nil || got.Balance["BTC"] != 0.5 || got.Cost["BTC"] != 50 {
		t.Fatalf("unexpected account %+v %v", got, err)
	}

	acc.Balance["BTC"] = -1
	if err := repo.SavePaperAccount(ctx, acc); err == nil {
		t.Fatalf("negative balance must be refused")
	}
}
