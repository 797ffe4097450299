package trainer

import (
	"fmt"
	"math"
	"time"

	"spot_agent/internal/models"
	"spot_agent/internal/pattern"
)

type Params struct {
	Instrument          string
	Timeframe           string
	PatternLength       int
	ThresholdPercentile float64
	MinThreshold        float64
	MaxThreshold        float64
	WeightStep          float64
	WeightMin           float64
	WeightMax           float64
	OutcomeFloor        float64
	KernelEpsilon       float64
	Force               bool
	Now                 time.Time
}

func DefaultParams() Params {
	return Params{
		PatternLength:       2,
		ThresholdPercentile: 10,
		MinThreshold:        0.01,
		MaxThreshold:        100,
		WeightStep:          0.25,
		WeightMin:           0.05,
		WeightMax:           2,
		OutcomeFloor:        0.001,
		KernelEpsilon:       0.01,
	}
}

// Report — что сделал проход обучения; точность считается по ансамблевому прогнозу.
type Report struct {
	Dropped     int // невалидные и повторные свечи, выброшенные до обучения
	Appended    int
	Predictions int
	HighHits    int
	LowHits     int
}

func (r Report) HitRate() float64 {
	if r.Predictions == 0 {
		return 0
	}
	return float64(r.HighHits+r.LowHits) / float64(2*r.Predictions)
}

// hitTolerance — прогноз считается попаданием, если ошибка не больше 10% исхода.
const hitTolerance = 0.1

// Train — чистая функция (старая память, свечи) -> новая память.
// old не изменяется. Без новых свечей и без Force возвращает копию old.
func Train(old *models.PatternMemory, candles []models.Candle, p Params) (*models.PatternMemory, error) {
	mem, _, err := TrainWithReport(old, candles, p)
	return mem, err
}

func TrainWithReport(old *models.PatternMemory, candles []models.Candle, p Params) (*models.PatternMemory, Report, error) {
	var rep Report
	if p.PatternLength <= 0 {
		return nil, rep, fmt.Errorf("pattern length %d", p.PatternLength)
	}
	candles, rep.Dropped = models.SanitizeCandles(candles)

	full := p.Force || old == nil || old.PatternLength != p.PatternLength
	var mem *models.PatternMemory
	if full {
		mem = &models.PatternMemory{
			Version:       models.PatternMemoryVersion,
			Instrument:    p.Instrument,
			Timeframe:     p.Timeframe,
			PatternLength: p.PatternLength,
		}
	} else {
		mem = old.Clone()
	}

	start := len(mem.Entries)
	rep.Appended = appendEntries(mem, candles, p.PatternLength)
	if !full && rep.Appended == 0 {
		return mem, rep, nil
	}

	mem.Threshold = pattern.Threshold(mem.Entries, p.ThresholdPercentile, p.MinThreshold, p.MaxThreshold)
	replay(mem, start, p, &rep)
	mem.TrainedAt = p.Now
	return mem, rep, nil
}

// appendEntries добавляет записи, у которых свеча-исход новее mem.LastCandleTime.
func appendEntries(mem *models.PatternMemory, candles []models.Candle, length int) int {
	added := 0
	for i := length - 1; i+1 < len(candles); i++ {
		if !mem.LastCandleTime.IsZero() && !candles[i+1].Time.After(mem.LastCandleTime) {
			continue
		}
		f, ok := pattern.Features(candles, i, length)
		if !ok {
			continue
		}
		o, ok := pattern.NextOutcome(candles, i)
		if !ok {
			continue
		}
		mem.Entries = append(mem.Entries, models.PatternEntry{
			Features:   f,
			Outcome:    o,
			Weight:     1,
			WeightHigh: 1,
			WeightLow:  1,
			Time:       candles[i].Time,
		})
		mem.LastCandleTime = candles[i+1].Time
		added++
	}
	return added
}

// replay проходит новые позиции по порядку: прогноз только по более ранним записям,
// затем правка весов каждого участника по его ошибке.
func replay(mem *models.PatternMemory, from int, p Params, rep *Report) {
	for k := from; k < len(mem.Entries); k++ {
		cur := mem.Entries[k]
		matches := pattern.FindMatches(mem.Entries, k, cur.Features, mem.Threshold)
		if len(matches) == 0 {
			continue
		}
		pred := pattern.Predict(mem.Entries, matches, p.KernelEpsilon)
		if !pred.OK {
			continue
		}
		rep.Predictions++
		if hit(pred.High, cur.Outcome.High) {
			rep.HighHits++
		}
		if hit(pred.Low, cur.Outcome.Low) {
			rep.LowHits++
		}
		for _, m := range matches {
			e := &mem.Entries[m.Index]
			e.WeightHigh = adjust(e.WeightHigh, e.Outcome.High, cur.Outcome.High, p)
			e.WeightLow = adjust(e.WeightLow, e.Outcome.Low, cur.Outcome.Low, p)
			e.Weight = adjust(e.Weight, e.Outcome.Close, cur.Outcome.Close, p)
		}
	}
}

// adjust: точное попадание +step, промах на величину исхода и больше — до -step.
func adjust(w, predicted, actual float64, p Params) float64 {
	r := math.Abs(predicted-actual) / (math.Abs(actual) + p.OutcomeFloor)
	delta := p.WeightStep * (1 - r)
	delta = math.Max(-p.WeightStep, math.Min(p.WeightStep, delta))
	return math.Max(p.WeightMin, math.Min(p.WeightMax, w+delta))
}

func hit(predicted, actual float64) bool {
	return math.Abs(predicted-actual) <= math.Abs(actual)*hitTolerance
}
