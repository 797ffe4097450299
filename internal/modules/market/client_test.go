package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"spot_agent/internal/errs"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// okxServer отдаёт count часовых (или span) баров, newest-first, с пагинацией по after.
func okxServer(t *testing.T, span time.Duration, count int, hits *[]string) *httptest.Server {
	t.Helper()
	rows := make([]string, 0, count)
	for i := count - 1; i >= 0; i-- {
		ts := base.Add(time.Duration(i) * span).UnixMilli()
		p := 100 + float64(i)
		rows = append(rows, fmt.Sprintf(`["%d","%g","%g","%g","%g","1","0","0","1"]`, ts, p, p+2, p-1, p+1))
	}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits = append(*hits, r.URL.Path)
		}
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		page := rows
		if after := q.Get("after"); after != "" {
			a, _ := strconv.ParseInt(after, 10, 64)
			page = nil
			for _, row := range rows {
				ts, _ := strconv.ParseInt(strings.Trim(strings.SplitN(row, ",", 2)[0], `["`), 10, 64)
				if ts < a {
					page = append(page, row)
				}
			}
		}
		if len(page) > limit {
			page = page[:limit]
		}
		fmt.Fprintf(w, `{"code":"0","msg":"","data":[%s]}`, strings.Join(page, ","))
	}))
}

func TestGetCandlesPaginatesIntoHistory(t *testing.T) {
	var hits []string
	srv := okxServer(t, time.Hour, 450, &hits)
	defer srv.Close()

	c := New(srv.URL, 1000, nil)
	got, err := c.GetCandles(context.Background(), "BTC-USDT", "1h", 400)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 400 {
		t.Fatalf("expected 400 candles, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Time.After(got[i-1].Time) {
			t.Fatalf("candles not ascending at %d", i)
		}
	}
	if !got[len(got)-1].Time.Equal(base.Add(449 * time.Hour)) {
		t.Fatalf("latest candle missing, got %s", got[len(got)-1].Time)
	}
	history := 0
	for _, h := range hits {
		if h == "/api/v5/market/history-candles" {
			history++
		}
	}
	if history == 0 {
		t.Fatalf("expected history-candles pagination, hits=%v", hits)
	}
}

func TestGetCandlesBuilds8hFrom4h(t *testing.T) {
	srv := okxServer(t, 4*time.Hour, 13, nil)
	defer srv.Close()

	c := New(srv.URL, 1000, nil)
	got, err := c.GetCandles(context.Background(), "BTC-USDT", "8h", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 13 баров по 4h = 6 полных пар, последний одиночный отброшен
	if len(got) != 6 {
		t.Fatalf("expected 6 aggregated candles, got %d", len(got))
	}
	first := got[0]
	if !first.Time.Equal(base) || first.Open != 100 || first.Close != 102 || first.High != 103 || first.Low != 99 || first.Volume != 2 {
		t.Fatalf("bad aggregation %+v", first)
	}
}

func TestGetCandlesErrorIsDataFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, 1000, nil)
	_, err := c.GetCandles(context.Background(), "BTC-USDT", "1h", 10)
	if !errs.IsTransient(err) {
		t.Fatalf("expected transient DataFetchError, got %v", err)
	}
	if _, err := c.GetCandles(context.Background(), "BTC-USDT", "3d", 10); err == nil || errs.IsTransient(err) {
		t.Fatalf("unsupported timeframe must fail permanently, got %v", err)
	}
}

func TestGetCurrentPricePrefersFreshCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"code":"0","data":[{"instId":"BTC-USDT","last":"101.5","ts":"0"}]}`)
	}))
	defer srv.Close()

	cache := NewPriceCache(time.Minute)
	c := New(srv.URL, 1000, cache)
	cache.Set("BTC-USDT", 99, time.Now())
	if p, err := c.GetCurrentPrice(context.Background(), "BTC-USDT"); err != nil || p != 99 {
		t.Fatalf("expected cached 99, got %v %v", p, err)
	}
	if calls != 0 {
		t.Fatalf("fresh cache must not hit REST")
	}

	cache.Set("BTC-USDT", 99, time.Now().Add(-time.Hour))
	if p, err := c.GetCurrentPrice(context.Background(), "BTC-USDT"); err != nil || p != 101.5 {
		t.Fatalf("expected REST price 101.5, got %v %v", p, err)
	}
}

func TestTickerFrameUpdatesCache(t *testing.T) {
	cache := NewPriceCache(time.Hour)
	s := NewTickerStream("", []string{"ETH-USDT"}, cache)
	now := time.Now().UnixMilli()
	s.handle([]byte(fmt.Sprintf(`{"arg":{"channel":"tickers","instId":"ETH-USDT"},"data":[{"instId":"ETH-USDT","last":"3000.5","ts":"%d"}]}`, now)))
	if p, ok := cache.Get("ETH-USDT"); !ok || p != 3000.5 {
		t.Fatalf("expected 3000.5 in cache, got %v %v", p, ok)
	}
	s.handle([]byte("pong"))
}
