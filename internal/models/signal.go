package models

import (
	"fmt"
	"time"
)

const MaxSignalLevel = 7

// Причины, по которым таймфрейм не участвует в сигнале.
const (
	ReasonOK                 = ""
	ReasonInsufficientMemory = "insufficient_memory"
	ReasonNoMatch            = "no_match"
	ReasonFetchFailed        = "fetch_failed"
	ReasonStaleTraining      = "stale_training"
)

type TimeframeStatus struct {
	Timeframe     string  `json:"timeframe"`
	Usable        bool    `json:"usable"`
	Reason        string  `json:"reason,omitempty"`
	Matches       int     `json:"matches"`
	PredictedHigh float64 `json:"predicted_high,omitempty"`
	PredictedLow  float64 `json:"predicted_low,omitempty"`
	HighBound     float64 `json:"high_bound,omitempty"`
	LowBound      float64 `json:"low_bound,omitempty"`
}

// Signal — снимок одного цикла. Следующий цикл его заменяет, а не дополняет.
type Signal struct {
	Instrument           string            `json:"instrument"`
	LongLevel            int               `json:"long_level"`
	ShortLevel           int               `json:"short_level"`
	LongBounds           []float64         `json:"long_bounds"`
	ShortBounds          []float64         `json:"short_bounds"`
	LongProfitMarginPct  float64           `json:"long_profit_margin_pct"`
	ShortProfitMarginPct float64           `json:"short_profit_margin_pct"`
	Timeframes           []TimeframeStatus `json:"timeframes"`
	UsableTimeframes     int               `json:"usable_timeframes"`
	Price                float64           `json:"price"`
	GeneratedAt          time.Time         `json:"generated_at"`
}

func (s *Signal) Validate() error {
	if s == nil {
		return fmt.Errorf("signal is nil")
	}
	if s.LongLevel < 0 || s.LongLevel > MaxSignalLevel || s.ShortLevel < 0 || s.ShortLevel > MaxSignalLevel {
		return fmt.Errorf("levels out of range: long=%d short=%d", s.LongLevel, s.ShortLevel)
	}
	if s.UsableTimeframes < 0 || s.UsableTimeframes > len(s.Timeframes) {
		return fmt.Errorf("usable_timeframes=%d of %d", s.UsableTimeframes, len(s.Timeframes))
	}
	return nil
}
