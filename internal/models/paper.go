package models

import (
	"fmt"
	"math"
	"time"
)

const PaperAccountVersion = 1

// PaperAccount — сохранённые остатки бумажной биржи.
type PaperAccount struct {
	Version   int                `json:"version"`
	Quote     string             `json:"quote"`
	Balance   map[string]float64 `json:"balance"`
	Cost      map[string]float64 `json:"cost"` // котируемая валюта, потраченная на текущий холдинг
	UpdatedAt time.Time          `json:"updated_at"`
}

func (a *PaperAccount) Validate() error {
	if a.Version != PaperAccountVersion {
		return fmt.Errorf("paper account version %d", a.Version)
	}
	if a.Quote == "" {
		return fmt.Errorf("paper account without quote asset")
	}
	for _, m := range []map[string]float64{a.Balance, a.Cost} {
		for ccy, v := range m {
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return fmt.Errorf("paper account %s: bad amount %v", ccy, v)
			}
		}
	}
	return nil
}
