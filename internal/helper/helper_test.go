package helper

import (
	"testing"
	"time"
)

func TestNormTF(t *testing.T) {
	cases := map[string]string{
		"1hour":      "1h",
		"candle1H":   "1h",
		"12hour":     "12h",
		"1day":       "1d",
		"1week":      "1w",
		" 4h ":       "4h",
		"candle15m":  "15m",
	}
	for in, want := range cases {
		if got := NormTF(in); got != want {
			t.Fatalf("NormTF(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOKXBar(t *testing.T) {
	bar, factor, err := OKXBar("8h")
	if err != nil || bar != "4H" || factor != 2 {
		t.Fatalf("8h: got %q x%d err=%v", bar, factor, err)
	}
	bar, factor, err = OKXBar("1d")
	if err != nil || bar != "1Dutc" || factor != 1 {
		t.Fatalf("1d: got %q x%d err=%v", bar, factor, err)
	}
	if _, _, err := OKXBar("7m"); err == nil {
		t.Fatalf("expected error for unsupported timeframe")
	}
}

func TestTimeframeDuration(t *testing.T) {
	if TimeframeDuration("1week") != 7*24*time.Hour {
		t.Fatalf("unexpected 1w duration")
	}
	if TimeframeDuration("nope") != 0 {
		t.Fatalf("unknown timeframe should map to zero")
	}
}

func TestSymbol(t *testing.T) {
	if got := Symbol("btc", "usdt"); got != "BTC-USDT" {
		t.Fatalf("got %q", got)
	}
	if got := Symbol("ETH-USDC", "USDT"); got != "ETH-USDC" {
		t.Fatalf("full symbol should pass through, got %q", got)
	}
	if BaseAsset("BTC-USDT") != "BTC" {
		t.Fatalf("unexpected base asset")
	}
}

func TestRoundDownToStep(t *testing.T) {
	if got := RoundDownToStep(0.123456789, "0.0001").String(); got != "0.1234" {
		t.Fatalf("got %s", got)
	}
	if got := RoundDownToStep(12.9, "1").String(); got != "12" {
		t.Fatalf("got %s", got)
	}
	if got := RoundDownToStep(1.5, "bad").String(); got != "1.5" {
		t.Fatalf("invalid step should leave value untouched, got %s", got)
	}
}
