package market

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strconv"
	"time"

	"spot_agent/internal/errs"
	"spot_agent/internal/helper"
	"spot_agent/internal/models"
)

const (
	recentPageLimit  = 300
	historyPageLimit = 100
)

// GetCandles — последние limit закрытых свечей, старые первыми.
// Свежие бары берутся из /market/candles, более старые догружаются из
// /market/history-candles. 8h собирается из пар 4H.
func (c *Client) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	bar, factor, err := helper.OKXBar(timeframe)
	if err != nil {
		return nil, err
	}
	fail := func(err error) error {
		return &errs.DataFetchError{Symbol: symbol, Timeframe: timeframe, Err: err}
	}

	need := limit*factor + factor
	rows, err := c.fetchPage(ctx, "/api/v5/market/candles", symbol, bar, "", min(need, recentPageLimit))
	if err != nil {
		return nil, fail(err)
	}
	out := parseRows(rows)

	maxPages := need/historyPageLimit + 5
	for page := 0; len(out) < need && page < maxPages && len(rows) > 0; page++ {
		oldest := rows[len(rows)-1][0]
		rows, err = c.fetchPage(ctx, "/api/v5/market/history-candles", symbol, bar, oldest, historyPageLimit)
		if err != nil {
			return nil, fail(err)
		}
		out = append(out, parseRows(rows)...)
	}

	out, _ = models.SanitizeCandles(out)
	if factor > 1 {
		out = aggregate(out, helper.TimeframeDuration(timeframe), factor)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// fetchPage — одна страница OKX, newest-first. after — ts в мс, страница строго старше него.
func (c *Client) fetchPage(ctx context.Context, path, symbol, bar, after string, limit int) ([][]string, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("bar", bar)
	q.Set("limit", strconv.Itoa(limit))
	if after != "" {
		q.Set("after", after)
	}
	return getJSON[[][]string](ctx, c, path, q)
}

// parseRows: [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]; незакрытые бары пропускаются.
func parseRows(rows [][]string) []models.Candle {
	out := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 5 {
			continue
		}
		if len(row) >= 9 && row[len(row)-1] != "1" {
			continue
		}
		tsMs, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open, err1 := strconv.ParseFloat(row[1], 64)
		high, err2 := strconv.ParseFloat(row[2], 64)
		low, err3 := strconv.ParseFloat(row[3], 64)
		closep, err4 := strconv.ParseFloat(row[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		var vol float64
		if len(row) >= 6 {
			vol, _ = strconv.ParseFloat(row[5], 64)
		}
		out = append(out, models.Candle{
			Time:   time.UnixMilli(tsMs).UTC(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closep,
			Volume: vol,
		})
	}
	return out
}

// aggregate склеивает по factor баров в один длиной span. Неполные группы отбрасываются.
func aggregate(in []models.Candle, span time.Duration, factor int) []models.Candle {
	if span <= 0 {
		return in
	}
	groups := map[time.Time][]models.Candle{}
	var starts []time.Time
	for _, c := range in {
		s := c.Time.Truncate(span)
		if _, ok := groups[s]; !ok {
			starts = append(starts, s)
		}
		groups[s] = append(groups[s], c)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	out := make([]models.Candle, 0, len(starts))
	for _, s := range starts {
		g := groups[s]
		if len(g) != factor || !g[0].Time.Equal(s) {
			continue
		}
		agg := models.Candle{Time: s, Open: g[0].Open, Close: g[len(g)-1].Close, High: g[0].High, Low: g[0].Low}
		for _, c := range g {
			agg.High = math.Max(agg.High, c.High)
			agg.Low = math.Min(agg.Low, c.Low)
			agg.Volume += c.Volume
		}
		out = append(out, agg)
	}
	return out
}
