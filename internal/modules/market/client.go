// Package market — рыночные данные OKX: история свечей по REST и текущая цена
// (кэш тикеров из websocket с откатом на REST).
package market

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/time/rate"

	"spot_agent/internal/modules/config"
)

type Client struct {
	http    *http.Client
	baseURL string
	limiter *rate.Limiter
	prices  *PriceCache
}

func NewClient(cfg *config.Config) *Client {
	return New(cfg.Market.BaseURL, cfg.Market.RateLimit, NewPriceCache(cfg.Market.PriceMaxAge))
}

// New — клиент с явным адресом; rps — лимит REST-запросов в секунду.
func New(baseURL string, rps float64, prices *PriceCache) *Client {
	if rps <= 0 {
		rps = 8
	}
	return &Client{
		http:    &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		prices:  prices,
	}
}

func (c *Client) Prices() *PriceCache { return c.prices }

type okxResp[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

// httpStatusError — не-2xx ответ; 429 и 5xx считаются временными.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string { return fmt.Sprintf("http %d: %s", e.Status, e.Body) }

func getJSON[T any](ctx context.Context, c *Client, path string, q url.Values) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return zero, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, err
	}
	if resp.StatusCode/100 != 2 {
		return zero, &httpStatusError{Status: resp.StatusCode, Body: string(b)}
	}
	var r okxResp[T]
	if err := sonic.Unmarshal(b, &r); err != nil {
		return zero, fmt.Errorf("decode %s: %w", path, err)
	}
	if r.Code != "0" {
		return zero, fmt.Errorf("okx %s: code=%s msg=%s", path, r.Code, r.Msg)
	}
	return r.Data, nil
}
