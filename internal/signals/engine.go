package signals

import (
	"math"
	"sort"
	"time"

	"spot_agent/internal/errs"
	"spot_agent/internal/models"
	"spot_agent/internal/pattern"
)

const (
	boundGapPct   = 0.25
	boundMicroAdj = 0.0005
)

type Params struct {
	MinEntries           int
	DistanceOffsetPct    float64
	KernelEpsilon        float64
	LongProfitMarginPct  float64
	ShortProfitMarginPct float64
}

func DefaultParams() Params {
	return Params{
		MinEntries:           50,
		DistanceOffsetPct:    0.5,
		KernelEpsilon:        0.01,
		LongProfitMarginPct:  0.25,
		ShortProfitMarginPct: 0.25,
	}
}

// Input — всё, что нужно одному циклу по инструменту.
type Input struct {
	Instrument string
	Price      float64
	Timeframes []string
	Windows    map[string][]models.Candle
	Memories   map[string]*models.PatternMemory
	// Unusable — таймфреймы, выбывшие ещё до расчёта (не скачались и т.п.)
	Unusable map[string]string
	Now      time.Time
}

// Generate — чистая функция: одинаковый вход даёт одинаковый сигнал.
// Ошибки по таймфреймам не фатальны и возвращаются для журнала.
func Generate(in Input, p Params) (models.Signal, []error) {
	sig := models.Signal{
		Instrument:           in.Instrument,
		LongProfitMarginPct:  p.LongProfitMarginPct,
		ShortProfitMarginPct: p.ShortProfitMarginPct,
		Price:                in.Price,
		GeneratedAt:          in.Now,
		Timeframes:           make([]models.TimeframeStatus, 0, len(in.Timeframes)),
		LongBounds:           []float64{},
		ShortBounds:          []float64{},
	}

	var problems []error
	for _, tf := range in.Timeframes {
		if reason, ok := in.Unusable[tf]; ok {
			sig.Timeframes = append(sig.Timeframes, models.TimeframeStatus{Timeframe: tf, Reason: reason})
			continue
		}
		st, err := Evaluate(in.Instrument, tf, in.Windows[tf], in.Memories[tf], p)
		if err != nil {
			problems = append(problems, err)
		}
		sig.Timeframes = append(sig.Timeframes, st)
	}

	separateBounds(sig.Timeframes)

	for _, st := range sig.Timeframes {
		if !st.Usable {
			continue
		}
		sig.UsableTimeframes++
		sig.LongBounds = append(sig.LongBounds, st.LowBound)
		sig.ShortBounds = append(sig.ShortBounds, st.HighBound)
		if in.Price < st.LowBound {
			sig.LongLevel++
		}
		if in.Price > st.HighBound {
			sig.ShortLevel++
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sig.LongBounds)))
	sort.Float64s(sig.ShortBounds)
	sig.LongLevel = min(sig.LongLevel, models.MaxSignalLevel)
	sig.ShortLevel = min(sig.ShortLevel, models.MaxSignalLevel)
	return sig, problems
}

// Evaluate — прогноз одного таймфрейма.
func Evaluate(instrument, tf string, window []models.Candle, mem *models.PatternMemory, p Params) (models.TimeframeStatus, error) {
	st := models.TimeframeStatus{Timeframe: tf}
	if mem.Len() < p.MinEntries || mem.Len() == 0 {
		st.Reason = models.ReasonInsufficientMemory
		return st, &errs.InsufficientMemoryError{Instrument: instrument, Timeframe: tf, Have: mem.Len(), Need: p.MinEntries}
	}
	window, _ = models.SanitizeCandles(window)
	f, ok := pattern.Features(window, len(window)-1, mem.PatternLength)
	if !ok {
		st.Reason = models.ReasonFetchFailed
		return st, nil
	}

	matches := pattern.FindMatches(mem.Entries, len(mem.Entries), f, mem.Threshold)
	pred := pattern.Predict(mem.Entries, matches, p.KernelEpsilon)
	st.Matches = len(matches)
	if !pred.OK {
		st.Reason = models.ReasonNoMatch
		return st, nil
	}

	closep := window[len(window)-1].Close
	off := p.DistanceOffsetPct / 100
	st.PredictedHigh = closep * (1 + pred.High)
	st.PredictedLow = closep * (1 + pred.Low)
	st.HighBound = st.PredictedHigh * (1 + off)
	st.LowBound = st.PredictedLow * (1 - off)
	st.Usable = true
	return st, nil
}

// separateBounds раздвигает соседние уровни, чтобы каждый был отдельным:
// low-границы по убыванию, high-границы по возрастанию, зазор растёт с рангом.
func separateBounds(sts []models.TimeframeStatus) {
	var lows, highs []int
	for i, st := range sts {
		if st.Usable {
			lows = append(lows, i)
			highs = append(highs, i)
		}
	}
	sort.SliceStable(lows, func(a, b int) bool { return sts[lows[a]].LowBound > sts[lows[b]].LowBound })
	sort.SliceStable(highs, func(a, b int) bool { return sts[highs[a]].HighBound < sts[highs[b]].HighBound })

	lowVals := make([]float64, len(lows))
	for r, i := range lows {
		lowVals[r] = sts[i].LowBound
	}
	highVals := make([]float64, len(highs))
	for r, i := range highs {
		highVals[r] = sts[i].HighBound
	}
	spread(lowVals, -1)
	spread(highVals, 1)
	for r, i := range lows {
		sts[i].LowBound = lowVals[r]
	}
	for r, i := range highs {
		sts[i].HighBound = highVals[r]
	}
}

func spread(vals []float64, dir float64) {
	gap := boundGapPct
	for i := 0; i+1 < len(vals); {
		a, b := vals[i], vals[i+1]
		avg := (a + b) / 2
		if avg == 0 {
			i++
			gap += boundGapPct
			continue
		}
		diff := math.Abs(a-b) / math.Abs(avg) * 100
		outOfOrder := (dir > 0 && b < a) || (dir < 0 && b > a)
		if diff < gap || outOfOrder {
			vals[i+1] = b + b*boundMicroAdj*dir
			continue
		}
		i++
		gap += boundGapPct
	}
}
