// Package pattern — общая математика обучения и сигналов: признаки, расстояние,
// ядерное соседство и взвешенный прогноз. Обе стороны обязаны считать одинаково.
package pattern

import (
	"math"
	"sort"

	"spot_agent/internal/models"
)

// Features — признак свечи end: проценты close/open последних length свечей.
func Features(candles []models.Candle, end, length int) (models.FeatureVector, bool) {
	start := end - length + 1
	if length <= 0 || start < 0 || end >= len(candles) {
		return nil, false
	}
	f := make(models.FeatureVector, length)
	for i := 0; i < length; i++ {
		f[i] = candles[start+i].ChangePct()
	}
	return f, true
}

// NextOutcome — high/low/close свечи i+1 относительно close свечи i.
func NextOutcome(candles []models.Candle, i int) (models.Outcome, bool) {
	if i < 0 || i+1 >= len(candles) || candles[i].Close <= 0 {
		return models.Outcome{}, false
	}
	base := candles[i].Close
	next := candles[i+1]
	return models.Outcome{
		High:  (next.High - base) / base,
		Low:   (next.Low - base) / base,
		Close: (next.Close - base) / base,
	}, true
}

// Distance — среднее абсолютное расхождение компонент, в процентных пунктах.
func Distance(a, b models.FeatureVector) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(n)
}

type Match struct {
	Index    int
	Distance float64
}

// FindMatches — все записи entries[:limit] в пределах threshold. Не top-K:
// размер соседства зависит от плотности данных.
func FindMatches(entries []models.PatternEntry, limit int, f models.FeatureVector, threshold float64) []Match {
	if limit > len(entries) {
		limit = len(entries)
	}
	var out []Match
	for i := 0; i < limit; i++ {
		d := Distance(f, entries[i].Features)
		if d <= threshold {
			out = append(out, Match{Index: i, Distance: d})
		}
	}
	return out
}

type Prediction struct {
	High, Low, Close float64
	Matches          int
	OK               bool
}

// Predict — взвешенное среднее исходов: вес записи * 1/(d+eps).
func Predict(entries []models.PatternEntry, matches []Match, eps float64) Prediction {
	if len(matches) == 0 {
		return Prediction{}
	}
	var hNum, hDen, lNum, lDen, cNum, cDen float64
	for _, m := range matches {
		e := entries[m.Index]
		k := 1 / (m.Distance + eps)
		hNum += k * e.WeightHigh * e.Outcome.High
		hDen += k * e.WeightHigh
		lNum += k * e.WeightLow * e.Outcome.Low
		lDen += k * e.WeightLow
		cNum += k * e.Weight * e.Outcome.Close
		cDen += k * e.Weight
	}
	if hDen <= 0 || lDen <= 0 {
		return Prediction{Matches: len(matches)}
	}
	p := Prediction{High: hNum / hDen, Low: lNum / lDen, Matches: len(matches), OK: true}
	if cDen > 0 {
		p.Close = cNum / cDen
	}
	return p
}

const thresholdSample = 400

// Threshold — перцентиль попарных расстояний по детерминированной выборке записей.
func Threshold(entries []models.PatternEntry, percentile, lo, hi float64) float64 {
	n := len(entries)
	if n < 2 {
		return lo
	}
	idx := make([]int, 0, min(n, thresholdSample))
	if n <= thresholdSample {
		for i := 0; i < n; i++ {
			idx = append(idx, i)
		}
	} else {
		for i := 0; i < thresholdSample; i++ {
			idx = append(idx, i*n/thresholdSample)
		}
	}

	dists := make([]float64, 0, len(idx)*(len(idx)-1)/2)
	for a := 0; a < len(idx); a++ {
		for b := a + 1; b < len(idx); b++ {
			dists = append(dists, Distance(entries[idx[a]].Features, entries[idx[b]].Features))
		}
	}
	sort.Float64s(dists)
	return clamp(percentileOf(dists, percentile), lo, hi)
}

func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	i := int(math.Floor(pos))
	frac := pos - float64(i)
	if i+1 >= len(sorted) {
		return sorted[i]
	}
	return sorted[i] + frac*(sorted[i+1]-sorted[i])
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > lo && v > hi {
		return hi
	}
	return v
}
