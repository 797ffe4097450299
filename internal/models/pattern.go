package models

import (
	"fmt"
	"math"
	"time"
)

const PatternMemoryVersion = 1

// FeatureVector — проценты close/open последних N свечей, старые первыми.
type FeatureVector []float64

// Outcome — high/low/close следующей свечи относительно close текущей, в долях.
type Outcome struct {
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

type PatternEntry struct {
	Features   FeatureVector `json:"features"`
	Outcome    Outcome       `json:"outcome"`
	Weight     float64       `json:"weight"`
	WeightHigh float64       `json:"weight_high"`
	WeightLow  float64       `json:"weight_low"`
	Time       time.Time     `json:"time"`
}

// PatternMemory — банк паттернов одного (инструмент, таймфрейм).
// Порядок Entries хронологический и не меняется до принудительного переобучения.
type PatternMemory struct {
	Version        int            `json:"version"`
	Instrument     string         `json:"instrument"`
	Timeframe      string         `json:"timeframe"`
	PatternLength  int            `json:"pattern_length"`
	Threshold      float64        `json:"threshold"`
	Entries        []PatternEntry `json:"entries"`
	LastCandleTime time.Time      `json:"last_candle_time"`
	TrainedAt      time.Time      `json:"trained_at"`
}

func (m *PatternMemory) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Entries)
}

// Clone — глубокая копия, чтобы обучение не трогало исходную память.
func (m *PatternMemory) Clone() *PatternMemory {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Entries = make([]PatternEntry, len(m.Entries))
	for i, e := range m.Entries {
		e.Features = append(FeatureVector(nil), e.Features...)
		cp.Entries[i] = e
	}
	return &cp
}

func (m *PatternMemory) Validate() error {
	if m == nil {
		return fmt.Errorf("memory is nil")
	}
	if m.PatternLength <= 0 {
		return fmt.Errorf("pattern_length=%d", m.PatternLength)
	}
	if !finite(m.Threshold) || m.Threshold < 0 {
		return fmt.Errorf("threshold=%v", m.Threshold)
	}
	var prev time.Time
	for i, e := range m.Entries {
		if len(e.Features) != m.PatternLength {
			return fmt.Errorf("entry %d: %d features, want %d", i, len(e.Features), m.PatternLength)
		}
		for _, f := range e.Features {
			if !finite(f) {
				return fmt.Errorf("entry %d: non-finite feature", i)
			}
		}
		if !finite(e.Outcome.High) || !finite(e.Outcome.Low) || !finite(e.Outcome.Close) {
			return fmt.Errorf("entry %d: non-finite outcome", i)
		}
		if !(e.Weight > 0) || !(e.WeightHigh > 0) || !(e.WeightLow > 0) {
			return fmt.Errorf("entry %d: non-positive weight", i)
		}
		if i > 0 && e.Time.Before(prev) {
			return fmt.Errorf("entry %d: out of order", i)
		}
		prev = e.Time
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
