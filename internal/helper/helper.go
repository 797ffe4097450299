package helper

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func NormTF(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.TrimPrefix(s, "candle")
	switch s {
	case "60m", "1h", "1hour":
		return "1h"
	case "2hour":
		return "2h"
	case "4hour":
		return "4h"
	case "8hour":
		return "8h"
	case "12hour":
		return "12h"
	case "1day", "24h":
		return "1d"
	case "1week", "7d":
		return "1w"
	default:
		return s
	}
}

func TimeframeDuration(tf string) time.Duration {
	switch NormTF(tf) {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return 0 // неизвестный таймфрейм
	}
}

// OKXBar — таймфрейм в формате параметра bar у OKX ("1h" -> "1H") и сколько
// баров OKX склеивать в один наш.
func OKXBar(tf string) (string, int, error) {
	switch s := NormTF(tf); s {
	case "1m", "3m", "5m", "15m", "30m":
		return s, 1, nil
	case "1h", "2h", "4h":
		return strings.ToUpper(s), 1, nil
	// 6h и длиннее у OKX по умолчанию в часовом поясе Гонконга, берём utc
	case "6h", "12h", "1d", "1w":
		return strings.ToUpper(s) + "utc", 1, nil
	case "8h":
		// у OKX нет 8H
		return "4H", 2, nil
	}
	return "", 0, fmt.Errorf("unsupported timeframe for OKX bar: %q", tf)
}

func Symbol(instrument, quote string) string {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if strings.Contains(instrument, "-") {
		return instrument
	}
	return instrument + "-" + strings.ToUpper(quote)
}

// BaseAsset — "BTC-USDT" -> "BTC".
func BaseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// RoundDownToStep режет значение вниз до шага лота/цены без двоичного мусора.
func RoundDownToStep(v float64, step string) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	st, err := decimal.NewFromString(step)
	if err != nil || !st.IsPositive() {
		return d
	}
	return d.Div(st).Floor().Mul(st)
}

func FormatDecimal(v float64, places int32) string {
	return decimal.NewFromFloat(v).Truncate(places).String()
}
