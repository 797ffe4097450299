package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Candle — закрытый OHLCV-бар.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

func (c Candle) Validate() error {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close, c.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("candle %s: non-finite value", c.Time.Format(time.RFC3339))
		}
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("candle %s: non-positive price", c.Time.Format(time.RFC3339))
	}
	if c.High < math.Max(c.Open, c.Close) || c.Low > math.Min(c.Open, c.Close) {
		return fmt.Errorf("candle %s: high/low outside body", c.Time.Format(time.RFC3339))
	}
	if c.Volume < 0 {
		return fmt.Errorf("candle %s: negative volume", c.Time.Format(time.RFC3339))
	}
	return nil
}

// ChangePct — движение close относительно open в процентах.
func (c Candle) ChangePct() float64 {
	if c.Open == 0 {
		return 0
	}
	return 100 * (c.Close - c.Open) / c.Open
}

// SanitizeCandles выкидывает битые бары, сортирует по времени и убирает дубли.
// Возвращает новый слайс и количество отброшенных баров.
func SanitizeCandles(in []Candle) ([]Candle, int) {
	out := make([]Candle, 0, len(in))
	for _, c := range in {
		if c.Validate() != nil {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	dedup := out[:0]
	for i, c := range out {
		if i > 0 && c.Time.Equal(dedup[len(dedup)-1].Time) {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup, len(in) - len(dedup)
}
