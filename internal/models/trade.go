package models

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	ReasonEntry        = "entry"
	ReasonDCA          = "dca"
	ReasonTrailingExit = "trailing_exit"
	ReasonSync         = "sync"
)

// Trade — запись журнала сделок, только добавляется.
type Trade struct {
	ID             string    `json:"id"`
	Instrument     string    `json:"instrument"`
	Side           Side      `json:"side"`
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	QuoteAmount    float64   `json:"quote_amount"`
	Fee            float64   `json:"fee"`
	Reason         string    `json:"reason"`
	Time           time.Time `json:"time"`
	RealizedPnLPct *float64  `json:"realized_pnl_pct,omitempty"`
}
