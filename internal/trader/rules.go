// Package trader — позиционный автомат: вход по сигналу, лестница DCA с лимитом
// в скользящих сутках и выход только по трейлингу. Стоп-лосса нет.
package trader

import (
	"fmt"
	"time"

	"spot_agent/internal/models"
)

// DCAWindow — окно лимита докупок.
const DCAWindow = 24 * time.Hour

// priceEps — относительный допуск сравнения цены с порогом активации.
const priceEps = 1e-9

type Params struct {
	EntryLevel          int
	InitialAllocation   float64
	DCALadder           []float64
	DCAMultiplier       float64
	MaxDCAPer24h        int
	PMNoDCAPct          float64
	PMWithDCAPct        float64
	TrailingGapPct      float64
	MinUsableTimeframes int
	SignalMaxAge        time.Duration
}

func DefaultParams() Params {
	return Params{
		EntryLevel:          3,
		InitialAllocation:   0.005,
		DCALadder:           []float64{-2.5, -5, -10, -20, -30, -40, -50},
		DCAMultiplier:       2,
		MaxDCAPer24h:        2,
		PMNoDCAPct:          5,
		PMWithDCAPct:        2.5,
		TrailingGapPct:      0.5,
		MinUsableTimeframes: 3,
		SignalMaxAge:        5 * time.Minute,
	}
}

type Action string

const (
	ActionHold  Action = "hold"
	ActionEnter Action = "enter"
	ActionDCA   Action = "dca"
	ActionExit  Action = "exit"
)

// Decision — что делать в этом цикле. QuoteAmount заполнен для DCA; размер входа
// зависит от стоимости счёта и считается снаружи (EntryQuote).
type Decision struct {
	Action      Action
	QuoteAmount float64
	Quantity    float64
	DCALevel    float64
	Note        string
}

func hold(format string, args ...any) Decision {
	return Decision{Action: ActionHold, Note: fmt.Sprintf(format, args...)}
}

// Decide — чистое решение по позиции, сигналу и цене. Трейлинг должен быть уже
// обновлён по этой цене (UpdateTrailing).
func Decide(pos models.Position, sig *models.Signal, price float64, now time.Time, p Params) Decision {
	if pos.IsFlat() {
		return decideEntry(sig, now, p)
	}
	if pos.TrailingActive && price <= pos.TrailingLine {
		return Decision{Action: ActionExit, Quantity: pos.Quantity, Note: fmt.Sprintf("price %.6f <= line %.6f", price, pos.TrailingLine)}
	}
	level, trigger, ok := NextDCA(pos, p)
	if !ok {
		return hold("ladder exhausted")
	}
	if price > trigger {
		return hold("next dca %.2f%% at %.6f", level, trigger)
	}
	if used := pos.DCAInWindow(now, DCAWindow); used >= p.MaxDCAPer24h {
		return hold("dca %.2f%% deferred: %d in last 24h", level, used)
	}
	return Decision{
		Action:      ActionDCA,
		QuoteAmount: pos.LastBuyQuote * p.DCAMultiplier,
		DCALevel:    level,
		Note:        fmt.Sprintf("price %.6f <= %.6f (%.2f%%)", price, trigger, level),
	}
}

func decideEntry(sig *models.Signal, now time.Time, p Params) Decision {
	switch {
	case sig == nil:
		return hold("no signal")
	case p.SignalMaxAge > 0 && now.Sub(sig.GeneratedAt) > p.SignalMaxAge:
		return hold("signal from %s is stale", sig.GeneratedAt.Format(time.RFC3339))
	case sig.UsableTimeframes < p.MinUsableTimeframes:
		return hold("usable timeframes %d < %d", sig.UsableTimeframes, p.MinUsableTimeframes)
	case sig.ShortLevel != 0:
		return hold("short level %d", sig.ShortLevel)
	case sig.LongLevel < p.EntryLevel:
		return hold("long level %d < %d", sig.LongLevel, p.EntryLevel)
	}
	return Decision{Action: ActionEnter, Note: fmt.Sprintf("long level %d", sig.LongLevel)}
}

// EntryQuote — сумма входа от полной стоимости счёта.
func EntryQuote(accountValue float64, p Params) float64 {
	return accountValue * p.InitialAllocation
}

// NextDCA — следующий неиспользованный уровень лестницы и его цена срабатывания.
// Уровни идут строго по порядку: за цикл срабатывает максимум один.
func NextDCA(pos models.Position, p Params) (level, trigger float64, ok bool) {
	if pos.IsFlat() || pos.DCACount >= len(p.DCALadder) {
		return 0, 0, false
	}
	level = p.DCALadder[pos.DCACount]
	return level, pos.AvgCostBasis * (1 + level/100), true
}

// ActivationPrice — цена, с которой включается трейлинг.
func ActivationPrice(pos models.Position, p Params) float64 {
	pm := p.PMNoDCAPct
	if pos.DCACount > 0 {
		pm = p.PMWithDCAPct
	}
	return pos.AvgCostBasis * (1 + pm/100)
}

// UpdateTrailing включает трейлинг и ведёт пик. Линия никогда не опускается.
// Второй результат — изменилось ли состояние.
func UpdateTrailing(pos models.Position, price float64, p Params) (models.Position, bool) {
	if pos.IsFlat() || price <= 0 {
		return pos, false
	}
	gap := 1 - p.TrailingGapPct/100
	if !pos.TrailingActive {
		act := ActivationPrice(pos, p)
		if price < act*(1-priceEps) {
			return pos, false
		}
		pos.TrailingActive = true
		pos.TrailingPeak = price
		pos.TrailingLine = price * gap
		return pos, true
	}
	if price <= pos.TrailingPeak {
		return pos, false
	}
	pos.TrailingPeak = price
	if line := price * gap; line > pos.TrailingLine {
		pos.TrailingLine = line
	}
	return pos, true
}
