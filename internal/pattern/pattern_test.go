package pattern

import (
	"math"
	"testing"
	"time"

	"spot_agent/internal/models"
)

func bar(open, high, low, close float64) models.Candle {
	return models.Candle{Time: time.Unix(0, 0), Open: open, High: high, Low: low, Close: close, Volume: 1}
}

func entry(features []float64, high, low float64) models.PatternEntry {
	return models.PatternEntry{
		Features:   features,
		Outcome:    models.Outcome{High: high, Low: low},
		Weight:     1,
		WeightHigh: 1,
		WeightLow:  1,
	}
}

func TestFeaturesAndOutcome(t *testing.T) {
	candles := []models.Candle{
		bar(100, 102, 99, 101),
		bar(101, 103, 100, 102.01),
		bar(102, 105, 100, 104),
	}
	f, ok := Features(candles, 1, 2)
	if !ok || len(f) != 2 {
		t.Fatalf("expected 2 features, got %v ok=%v", f, ok)
	}
	if math.Abs(f[0]-1) > 1e-9 || math.Abs(f[1]-1) > 1e-9 {
		t.Fatalf("expected [1 1], got %v", f)
	}
	if _, ok := Features(candles, 0, 2); ok {
		t.Fatalf("window before series start must be rejected")
	}

	o, ok := NextOutcome(candles, 1)
	if !ok {
		t.Fatalf("expected outcome")
	}
	if math.Abs(o.High-(105-102.01)/102.01) > 1e-12 {
		t.Fatalf("unexpected high outcome %v", o.High)
	}
	if _, ok := NextOutcome(candles, 2); ok {
		t.Fatalf("last candle has no outcome")
	}
}

func TestFindMatchesRespectsLimitAndThreshold(t *testing.T) {
	entries := []models.PatternEntry{
		entry([]float64{1, 1}, 0.01, -0.01),
		entry([]float64{5, 5}, 0.02, -0.02),
		entry([]float64{1.1, 0.9}, 0.03, -0.03),
	}
	m := FindMatches(entries, len(entries), models.FeatureVector{1, 1}, 0.5)
	if len(m) != 2 || m[0].Index != 0 || m[1].Index != 2 {
		t.Fatalf("unexpected matches %+v", m)
	}
	m = FindMatches(entries, 2, models.FeatureVector{1, 1}, 0.5)
	if len(m) != 1 {
		t.Fatalf("limit must hide later entries, got %+v", m)
	}
}

func TestPredictFavoursCloserAndHeavierEntries(t *testing.T) {
	entries := []models.PatternEntry{
		entry([]float64{1, 1}, 0.01, -0.01),
		entry([]float64{1.4, 1.4}, 0.05, -0.05),
	}
	matches := FindMatches(entries, 2, models.FeatureVector{1, 1}, 1)
	p := Predict(entries, matches, 0.01)
	if !p.OK || p.Matches != 2 {
		t.Fatalf("expected prediction, got %+v", p)
	}
	if p.High >= 0.03 {
		t.Fatalf("closer entry should dominate, got high %v", p.High)
	}

	entries[1].WeightHigh = 2
	heavier := Predict(entries, matches, 0.01)
	if heavier.High <= p.High {
		t.Fatalf("larger weight should pull prediction up: %v <= %v", heavier.High, p.High)
	}
}

func TestPredictWithoutMatches(t *testing.T) {
	if p := Predict(nil, nil, 0.01); p.OK {
		t.Fatalf("no matches must not produce a prediction")
	}
}

func TestThresholdPercentileAndClamp(t *testing.T) {
	entries := []models.PatternEntry{
		entry([]float64{0, 0}, 0, 0),
		entry([]float64{1, 1}, 0, 0),
		entry([]float64{2, 2}, 0, 0),
		entry([]float64{3, 3}, 0, 0),
	}
	// попарные расстояния: 1,1,1,2,2,3
	if got := Threshold(entries, 50, 0, 100); math.Abs(got-1.5) > 1e-9 {
		t.Fatalf("median expected 1.5, got %v", got)
	}
	if got := Threshold(entries, 50, 0, 1.2); got != 1.2 {
		t.Fatalf("expected clamp to 1.2, got %v", got)
	}
	if got := Threshold(entries[:1], 50, 0.3, 10); got != 0.3 {
		t.Fatalf("single entry falls back to lower bound, got %v", got)
	}
}
