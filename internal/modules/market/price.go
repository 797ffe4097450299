package market

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"spot_agent/internal/errs"
)

type quote struct {
	price float64
	at    time.Time
}

// PriceCache — последние цены из потока тикеров.
type PriceCache struct {
	mu     sync.RWMutex
	maxAge time.Duration
	last   map[string]quote
	now    func() time.Time
}

func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{maxAge: maxAge, last: make(map[string]quote), now: time.Now}
}

func (p *PriceCache) Set(symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.last[symbol] = quote{price: price, at: at}
	p.mu.Unlock()
}

// Get — цена, если она не старше maxAge.
func (p *PriceCache) Get(symbol string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	p.mu.RLock()
	q, ok := p.last[symbol]
	p.mu.RUnlock()
	if !ok || p.maxAge <= 0 || p.now().Sub(q.at) > p.maxAge {
		return 0, false
	}
	return q.price, true
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

// GetCurrentPrice — сначала кэш потока, затем REST /market/ticker.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if p, ok := c.prices.Get(symbol); ok {
		return p, nil
	}
	q := url.Values{}
	q.Set("instId", symbol)
	data, err := getJSON[[]okxTicker](ctx, c, "/api/v5/market/ticker", q)
	if err != nil {
		return 0, &errs.DataFetchError{Symbol: symbol, Err: err}
	}
	if len(data) == 0 {
		return 0, &errs.DataFetchError{Symbol: symbol, Err: fmt.Errorf("empty ticker")}
	}
	last, err := strconv.ParseFloat(data[0].Last, 64)
	if err != nil || last <= 0 {
		return 0, &errs.DataFetchError{Symbol: symbol, Err: fmt.Errorf("bad last price %q", data[0].Last)}
	}
	if c.prices != nil {
		c.prices.Set(symbol, last, c.prices.now())
	}
	return last, nil
}
