package signals

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"spot_agent/internal/errs"
	"spot_agent/internal/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// memory — n одинаковых записей с признаком [f, f] и заданным исходом.
func memory(tf string, n int, f, high, low float64) *models.PatternMemory {
	m := &models.PatternMemory{
		Version:       models.PatternMemoryVersion,
		Instrument:    "BTC",
		Timeframe:     tf,
		PatternLength: 2,
		Threshold:     0.5,
	}
	for i := 0; i < n; i++ {
		m.Entries = append(m.Entries, models.PatternEntry{
			Features:   models.FeatureVector{f, f},
			Outcome:    models.Outcome{High: high, Low: low, Close: 0},
			Weight:     1,
			WeightHigh: 1,
			WeightLow:  1,
			Time:       t0.Add(time.Duration(i) * time.Hour),
		})
	}
	return m
}

// window — бары +1% с закрытием последнего на 101.
func window(n int) []models.Candle {
	out := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Candle{
			Time: t0.Add(time.Duration(i) * time.Hour), Open: 100, High: 102, Low: 99, Close: 101, Volume: 1,
		})
	}
	return out
}

func input(price float64, tfs ...string) Input {
	in := Input{
		Instrument: "BTC",
		Price:      price,
		Timeframes: tfs,
		Windows:    map[string][]models.Candle{},
		Memories:   map[string]*models.PatternMemory{},
		Now:        t0,
	}
	for _, tf := range tfs {
		in.Windows[tf] = window(10)
		in.Memories[tf] = memory(tf, 60, 1, 0.02, -0.02)
	}
	return in
}

func TestEvaluateBoundsFromPrediction(t *testing.T) {
	st, err := Evaluate("BTC", "1h", window(10), memory("1h", 60, 1, 0.02, -0.02), DefaultParams())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !st.Usable || st.Matches != 60 {
		t.Fatalf("expected usable with 60 matches, got %+v", st)
	}
	if math.Abs(st.PredictedHigh-101*1.02) > 1e-9 || math.Abs(st.PredictedLow-101*0.98) > 1e-9 {
		t.Fatalf("unexpected prediction high=%v low=%v", st.PredictedHigh, st.PredictedLow)
	}
	if math.Abs(st.HighBound-101*1.02*1.005) > 1e-9 || math.Abs(st.LowBound-101*0.98*0.995) > 1e-9 {
		t.Fatalf("offset not applied: high=%v low=%v", st.HighBound, st.LowBound)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	in := input(95, "1h", "4h", "1d")
	a, _ := Generate(in, DefaultParams())
	b, _ := Generate(in, DefaultParams())
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same input produced different signals:\n%+v\n%+v", a, b)
	}
}

func TestGenerateCountsLevels(t *testing.T) {
	sig, problems := Generate(input(90, "1h", "4h", "1d"), DefaultParams())
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if sig.LongLevel != 3 || sig.ShortLevel != 0 || sig.UsableTimeframes != 3 {
		t.Fatalf("expected long=3 short=0 usable=3, got %+v", sig)
	}

	sig, _ = Generate(input(110, "1h", "4h"), DefaultParams())
	if sig.LongLevel != 0 || sig.ShortLevel != 2 {
		t.Fatalf("expected short=2, got long=%d short=%d", sig.LongLevel, sig.ShortLevel)
	}

	// внутри коридора ни одна сторона не срабатывает
	sig, _ = Generate(input(101, "1h", "4h"), DefaultParams())
	if sig.LongLevel != 0 || sig.ShortLevel != 0 {
		t.Fatalf("expected no levels, got long=%d short=%d", sig.LongLevel, sig.ShortLevel)
	}
}

func TestGenerateCapsLevelAtSeven(t *testing.T) {
	tfs := []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "8h", "12h"}
	sig, _ := Generate(input(50, tfs...), DefaultParams())
	if sig.UsableTimeframes != 9 {
		t.Fatalf("expected 9 usable, got %d", sig.UsableTimeframes)
	}
	if sig.LongLevel != models.MaxSignalLevel {
		t.Fatalf("expected level capped at %d, got %d", models.MaxSignalLevel, sig.LongLevel)
	}
	if err := sig.Validate(); err != nil {
		t.Fatalf("capped signal invalid: %v", err)
	}
}

func TestGenerateSeparatesAndOrdersBounds(t *testing.T) {
	sig, _ := Generate(input(101, "1h", "4h", "1d", "1w"), DefaultParams())
	if len(sig.LongBounds) != 4 || len(sig.ShortBounds) != 4 {
		t.Fatalf("expected 4 bounds per side, got %v / %v", sig.LongBounds, sig.ShortBounds)
	}
	for i := 1; i < len(sig.LongBounds); i++ {
		a, b := sig.LongBounds[i-1], sig.LongBounds[i]
		if !(b < a) || 100*(a-b)/((a+b)/2) < boundGapPct {
			t.Fatalf("long bounds not separated at %d: %v", i, sig.LongBounds)
		}
	}
	for i := 1; i < len(sig.ShortBounds); i++ {
		a, b := sig.ShortBounds[i-1], sig.ShortBounds[i]
		if !(b > a) || 100*(b-a)/((a+b)/2) < boundGapPct {
			t.Fatalf("short bounds not separated at %d: %v", i, sig.ShortBounds)
		}
	}
}

func TestGenerateFlagsUnusableTimeframes(t *testing.T) {
	in := input(90, "1h", "4h", "1d", "1w")
	in.Memories["4h"] = memory("4h", 10, 1, 0.02, -0.02)
	in.Memories["1d"] = memory("1d", 60, 10, 0.02, -0.02)
	in.Unusable = map[string]string{"1w": models.ReasonFetchFailed}

	sig, problems := Generate(in, DefaultParams())
	if sig.UsableTimeframes != 1 || sig.LongLevel != 1 {
		t.Fatalf("expected only 1h usable, got %+v", sig)
	}
	want := map[string]string{
		"1h": models.ReasonOK,
		"4h": models.ReasonInsufficientMemory,
		"1d": models.ReasonNoMatch,
		"1w": models.ReasonFetchFailed,
	}
	for _, st := range sig.Timeframes {
		if st.Reason != want[st.Timeframe] {
			t.Fatalf("%s: reason %q, want %q", st.Timeframe, st.Reason, want[st.Timeframe])
		}
	}
	if len(problems) != 1 {
		t.Fatalf("expected one problem, got %v", problems)
	}
	var ime *errs.InsufficientMemoryError
	if !errors.As(problems[0], &ime) || ime.Have != 10 {
		t.Fatalf("expected insufficient memory error, got %v", problems[0])
	}
}

func TestGenerateWithoutMemoryIsZeroLevel(t *testing.T) {
	in := input(50, "1h")
	in.Memories = map[string]*models.PatternMemory{}
	sig, _ := Generate(in, DefaultParams())
	if sig.LongLevel != 0 || sig.UsableTimeframes != 0 {
		t.Fatalf("expected zero-level signal, got %+v", sig)
	}
	if len(sig.LongBounds) != 0 || sig.LongBounds == nil {
		t.Fatalf("expected empty non-nil bounds, got %#v", sig.LongBounds)
	}
}
