package models

import (
	"fmt"
	"time"
)

// Position — живая позиция по инструменту. Quantity == 0 означает FLAT.
type Position struct {
	Instrument     string      `json:"instrument"`
	Quantity       float64     `json:"quantity"`
	AvgCostBasis   float64     `json:"avg_cost_basis"`
	CostBasis      float64     `json:"cost_basis"`
	DCACount       int         `json:"dca_count"`
	DCATimestamps  []time.Time `json:"dca_timestamps"`
	LastBuyQuote   float64     `json:"last_buy_quote"`
	TrailingActive bool        `json:"trailing_active"`
	TrailingPeak   float64     `json:"trailing_peak"`
	TrailingLine   float64     `json:"trailing_line"`
	OpenedAt       time.Time   `json:"opened_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func FlatPosition(instrument string) Position { return Position{Instrument: instrument} }

func (p Position) IsFlat() bool { return p.Quantity <= 0 }

func (p Position) MarketValue(price float64) float64 { return p.Quantity * price }

func (p Position) PnLPct(price float64) float64 {
	if p.AvgCostBasis <= 0 {
		return 0
	}
	return 100 * (price - p.AvgCostBasis) / p.AvgCostBasis
}

// ApplyBuy пересчитывает среднюю цену как средневзвешенную по количеству.
func (p Position) ApplyBuy(qty, price, quote float64, at time.Time, dca bool) Position {
	if p.IsFlat() {
		p = Position{Instrument: p.Instrument, OpenedAt: at}
	}
	p.CostBasis += qty * price
	p.Quantity += qty
	p.AvgCostBasis = p.CostBasis / p.Quantity
	p.LastBuyQuote = quote
	if dca {
		p.DCACount++
		p.DCATimestamps = append(append([]time.Time(nil), p.DCATimestamps...), at)
	}
	p.UpdatedAt = at
	return p
}

// DCAInWindow — число докупок в скользящем окне (now-window, now].
func (p Position) DCAInWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range p.DCATimestamps {
		if ts.After(cutoff) && !ts.After(now) {
			n++
		}
	}
	return n
}

func (p Position) Validate() error {
	if p.Quantity < 0 {
		return fmt.Errorf("negative quantity %v", p.Quantity)
	}
	if p.IsFlat() {
		return nil
	}
	if p.AvgCostBasis <= 0 {
		return fmt.Errorf("avg_cost_basis=%v with quantity %v", p.AvgCostBasis, p.Quantity)
	}
	if p.DCACount < 0 || p.DCACount < len(p.DCATimestamps) {
		return fmt.Errorf("dca_count=%d timestamps=%d", p.DCACount, len(p.DCATimestamps))
	}
	if p.TrailingActive && (p.TrailingPeak <= 0 || p.TrailingLine <= 0 || p.TrailingLine > p.TrailingPeak) {
		return fmt.Errorf("trailing state peak=%v line=%v", p.TrailingPeak, p.TrailingLine)
	}
	return nil
}

// PositionHint — то, что биржа знает о наших холдингах (для сверки на старте).
type PositionHint struct {
	Instrument   string  `json:"instrument"`
	Quantity     float64 `json:"quantity"`
	AvgCostBasis float64 `json:"avg_cost_basis"`
}
