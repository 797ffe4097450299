package trainer

import (
	"math"
	"reflect"
	"testing"
	"time"

	"spot_agent/internal/models"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// series — детерминированный ряд с волнами, чтобы паттерны повторялись.
func series(n int) []models.Candle {
	out := make([]models.Candle, 0, n)
	price := 100.0
	for i := 0; i < n; i++ {
		move := math.Sin(float64(i)/3) * 1.5
		open := price
		closep := open * (1 + move/100)
		high := math.Max(open, closep) * 1.004
		low := math.Min(open, closep) * 0.996
		out = append(out, models.Candle{
			Time: t0.Add(time.Duration(i) * time.Hour), Open: open, High: high, Low: low, Close: closep, Volume: 10,
		})
		price = closep
	}
	return out
}

func params() Params {
	p := DefaultParams()
	p.Instrument = "BTC"
	p.Timeframe = "1h"
	p.ThresholdPercentile = 20
	p.Now = t0
	return p
}

func TestTrainBuildsEntryPerBarWithNextOutcome(t *testing.T) {
	candles := series(50)
	mem, err := Train(nil, candles, params())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// паттерн длины 2: первая запись на свече 1, последняя на свече 48
	if mem.Len() != 48 {
		t.Fatalf("expected 48 entries, got %d", mem.Len())
	}
	if err := mem.Validate(); err != nil {
		t.Fatalf("memory should validate: %v", err)
	}
	if !mem.LastCandleTime.Equal(candles[49].Time) {
		t.Fatalf("last candle time not tracked")
	}
	first := mem.Entries[0]
	wantHigh := (candles[2].High - candles[1].Close) / candles[1].Close
	if math.Abs(first.Outcome.High-wantHigh) > 1e-12 {
		t.Fatalf("outcome high %v, want %v", first.Outcome.High, wantHigh)
	}
	if mem.Threshold <= 0 {
		t.Fatalf("threshold must be derived, got %v", mem.Threshold)
	}
}

func TestTrainIsIdempotentWithoutNewCandles(t *testing.T) {
	candles := series(120)
	p := params()

	first, err := Train(nil, candles, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Now = t0.Add(time.Hour)
	second, err := Train(first, candles, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("incremental pass without new candles changed memory")
	}

	// полный пересчёт на тех же данных даёт те же записи и веса
	p.Force = true
	third, err := Train(first, candles, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first.Entries, third.Entries) || first.Threshold != third.Threshold {
		t.Fatalf("forced retrain on identical data diverged")
	}
}

func TestTrainDoesNotMutateOldMemory(t *testing.T) {
	candles := series(80)
	p := params()
	old, _ := Train(nil, candles[:60], p)
	snapshot := old.Clone()

	next, err := Train(old, candles, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(old, snapshot) {
		t.Fatalf("old memory was mutated")
	}
	if next.Len() != old.Len()+20 {
		t.Fatalf("expected 20 appended entries, got %d", next.Len()-old.Len())
	}
	for i := 1; i < next.Len(); i++ {
		if next.Entries[i].Time.Before(next.Entries[i-1].Time) {
			t.Fatalf("entries out of chronological order at %d", i)
		}
	}
}

func TestWeightsStayInsidePositiveBounds(t *testing.T) {
	p := params()
	p.ThresholdPercentile = 60
	mem, rep, err := TrainWithReport(nil, series(200), p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Predictions == 0 {
		t.Fatalf("replay should produce predictions")
	}
	changed := false
	for _, e := range mem.Entries {
		for _, w := range []float64{e.Weight, e.WeightHigh, e.WeightLow} {
			if w < p.WeightMin || w > p.WeightMax {
				t.Fatalf("weight %v outside [%v,%v]", w, p.WeightMin, p.WeightMax)
			}
			if w != 1 {
				changed = true
			}
		}
	}
	if !changed {
		t.Fatalf("replay should adjust at least one weight")
	}
}

func TestReplayHasNoLookAhead(t *testing.T) {
	// первая запись ни с чем раньше себя не сравнивается, поэтому ряд из двух
	// записей правит веса только первой, и только по исходу второй
	candles := series(4)
	p := params()
	p.MaxThreshold = 1000
	p.ThresholdPercentile = 100
	mem, rep, err := TrainWithReport(nil, candles, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mem.Len() != 2 || rep.Predictions != 1 {
		t.Fatalf("expected 2 entries and 1 prediction, got %d and %d", mem.Len(), rep.Predictions)
	}
	last := mem.Entries[1]
	if last.Weight != 1 || last.WeightHigh != 1 || last.WeightLow != 1 {
		t.Fatalf("latest entry weights must stay neutral, got %+v", last)
	}
}

func TestTrainReportsDroppedCandles(t *testing.T) {
	candles := series(50)
	bad := candles[20]
	bad.Close = math.NaN()
	candles = append(candles, candles[10], bad)

	mem, rep, err := TrainWithReport(nil, candles, params())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Dropped != 2 {
		t.Fatalf("expected 2 dropped candles, got %d", rep.Dropped)
	}
	if mem.Len() != 48 {
		t.Fatalf("dropped candles must not produce entries, got %d", mem.Len())
	}
}

func TestAdjustDirection(t *testing.T) {
	p := params()
	if got := adjust(1, 0.01, 0.01, p); got != 1+p.WeightStep {
		t.Fatalf("exact hit should add a full step, got %v", got)
	}
	if got := adjust(1, 0.05, -0.01, p); got != 1-p.WeightStep {
		t.Fatalf("large miss should remove a full step, got %v", got)
	}
	if got := adjust(p.WeightMin, 1, -1, p); got != p.WeightMin {
		t.Fatalf("weight must not go below the floor, got %v", got)
	}
}

func TestTrainRejectsBadPatternLength(t *testing.T) {
	p := params()
	p.PatternLength = 0
	if _, err := Train(nil, series(10), p); err == nil {
		t.Fatalf("expected error for zero pattern length")
	}
}
