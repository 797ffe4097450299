package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"spot_agent/internal/errs"
	"spot_agent/internal/helper"
	"spot_agent/internal/models"
	"spot_agent/pkg/logger"
)

type OKXConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Passphrase string
	Timeout    time.Duration
}

// OKX — спотовый клиент, режим cash.
type OKX struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	passph    string
	now       func() time.Time
	fillWait  time.Duration

	mu    sync.Mutex
	insts map[string]models.Instrument
}

func NewOKX(cfg OKXConfig) *OKX {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &OKX{
		http:      &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		passph:    cfg.Passphrase,
		now:       time.Now,
		fillWait:  300 * time.Millisecond,
		insts:     make(map[string]models.Instrument),
	}
}

// коды OKX, после которых запрос имеет смысл повторить
var transientCodes = map[string]bool{
	"50001": true, // service temporarily unavailable
	"50004": true, // endpoint request timeout
	"50011": true, // rate limit
	"50013": true, // system busy
	"50026": true, // system error
}

func (c *OKX) sign(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(ts + method + path + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// do — подписанный запрос. Ошибки уже классифицированы: OrderTransientFailure или OrderRejected.
func (c *OKX) do(ctx context.Context, symbol, method, path string, q url.Values, body any, out any) error {
	requestPath := path
	if len(q) > 0 {
		requestPath += "?" + q.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
	}

	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request %s: %w", path, err)
	}
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, string(payload)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passph)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &errs.OrderTransientFailure{Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.OrderTransientFailure{Symbol: symbol, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &errs.OrderTransientFailure{Symbol: symbol, Err: fmt.Errorf("http %d: %s", resp.StatusCode, data)}
	}
	if resp.StatusCode/100 != 2 {
		return &errs.OrderRejected{Symbol: symbol, Code: strconv.Itoa(resp.StatusCode), Reason: string(data)}
	}

	var r struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(data, &r); err != nil {
		return &errs.OrderTransientFailure{Symbol: symbol, Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	if r.Code != "0" {
		code, msg := r.Code, r.Msg
		// детальный статус
		if len(r.Data) > 0 && r.Data[0].SCode != "" && r.Data[0].SCode != "0" {
			code, msg = r.Data[0].SCode, r.Data[0].SMsg
		}
		if transientCodes[code] {
			return &errs.OrderTransientFailure{Symbol: symbol, Err: fmt.Errorf("okx code=%s msg=%s", code, msg)}
		}
		return &errs.OrderRejected{Symbol: symbol, Code: code, Reason: msg}
	}
	if out != nil {
		if err := sonic.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

type balanceResp struct {
	Data []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			CashBal  string `json:"cashBal"`
			AccAvgPx string `json:"accAvgPx"`
		} `json:"details"`
	} `json:"data"`
}

func (c *OKX) balances(ctx context.Context, ccy string) (*balanceResp, error) {
	q := url.Values{}
	if ccy != "" {
		q.Set("ccy", ccy)
	}
	var r balanceResp
	if err := c.do(ctx, ccy, http.MethodGet, "/api/v5/account/balance", q, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *OKX) GetBalance(ctx context.Context) (map[string]float64, error) {
	r, err := c.balances(ctx, "")
	if err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for _, acc := range r.Data {
		for _, d := range acc.Details {
			v, _ := strconv.ParseFloat(d.AvailBal, 64)
			if v > 0 {
				out[d.Ccy] = v
			}
		}
	}
	return out, nil
}

func (c *OKX) instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	c.mu.Lock()
	inst, ok := c.insts[symbol]
	c.mu.Unlock()
	if ok {
		return inst, nil
	}

	q := url.Values{}
	q.Set("instType", "SPOT")
	q.Set("instId", symbol)
	var r struct {
		Data []models.Instrument `json:"data"`
	}
	if err := c.do(ctx, symbol, http.MethodGet, "/api/v5/public/instruments", q, nil, &r); err != nil {
		return models.Instrument{}, err
	}
	if len(r.Data) == 0 {
		return models.Instrument{}, &errs.OrderRejected{Symbol: symbol, Reason: "instrument not found"}
	}
	inst = r.Data[0]
	if inst.State != "" && inst.State != "live" {
		return models.Instrument{}, &errs.OrderRejected{Symbol: symbol, Reason: "instrument state " + inst.State}
	}
	c.mu.Lock()
	c.insts[symbol] = inst
	c.mu.Unlock()
	return inst, nil
}

type orderReq struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Sz      string `json:"sz"`
	TgtCcy  string `json:"tgtCcy,omitempty"`
	ClOrdID string `json:"clOrdId"`
}

func (c *OKX) MarketBuy(ctx context.Context, symbol string, quoteAmount float64) (models.Trade, error) {
	if quoteAmount <= 0 {
		return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: "non-positive quote amount"}
	}
	// проверка, что инструмент торгуется
	if _, err := c.instrument(ctx, symbol); err != nil {
		return models.Trade{}, err
	}
	return c.market(ctx, symbol, orderReq{
		InstID:  symbol,
		TdMode:  "cash",
		Side:    "buy",
		OrdType: "market",
		Sz:      helper.FormatDecimal(quoteAmount, 8),
		TgtCcy:  "quote_ccy",
	}, models.SideBuy)
}

func (c *OKX) MarketSell(ctx context.Context, symbol string, quantity float64) (models.Trade, error) {
	inst, err := c.instrument(ctx, symbol)
	if err != nil {
		return models.Trade{}, err
	}
	sz := helper.RoundDownToStep(quantity, inst.LotSz)
	minSz, _ := strconv.ParseFloat(inst.MinSz, 64)
	if !sz.IsPositive() || sz.InexactFloat64() < minSz {
		return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: fmt.Sprintf("size %s below minimum %s", sz, inst.MinSz)}
	}
	return c.market(ctx, symbol, orderReq{
		InstID:  symbol,
		TdMode:  "cash",
		Side:    "sell",
		OrdType: "market",
		Sz:      sz.String(),
		TgtCcy:  "base_ccy",
	}, models.SideSell)
}

// коды OKX для поиска ордера по clOrdId
const (
	codeDuplicateClOrdID = "51016"
	codeOrderNotFound    = "51603"
)

func (c *OKX) market(ctx context.Context, symbol string, o orderReq, side models.Side) (models.Trade, error) {
	id := ClientOrderID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	o.ClOrdID = strings.ReplaceAll(id, "-", "")

	var placed struct {
		Data []struct {
			OrdID string `json:"ordId"`
		} `json:"data"`
	}
	var ordID string
	err := c.do(ctx, symbol, http.MethodPost, "/api/v5/trade/order", nil, o, &placed)
	switch {
	case err == nil:
		if len(placed.Data) == 0 || placed.Data[0].OrdID == "" {
			return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: "empty ordId"}
		}
		ordID = placed.Data[0].OrdID
	case errs.IsTransient(err) || isRejectedWith(err, codeDuplicateClOrdID):
		// ответ мог потеряться после того, как биржа приняла ордер
		found, lerr := c.findByClOrdID(ctx, symbol, o.ClOrdID)
		if lerr != nil || found == "" {
			if isRejectedWith(err, codeDuplicateClOrdID) {
				return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Code: codeDuplicateClOrdID,
					Reason: fmt.Sprintf("clOrdId %s exists but not readable: %v", o.ClOrdID, lerr)}
			}
			// ордера нет: повтор с тем же clOrdId безопасен
			return models.Trade{}, err
		}
		logger.Warn("[OKX] %s %s: recovered ordId=%s by clOrdId=%s after %v", side, symbol, found, o.ClOrdID, err)
		ordID = found
	default:
		return models.Trade{}, err
	}
	logger.Info("[OKX] %s %s placed ordId=%s clOrdId=%s sz=%s", side, symbol, ordID, o.ClOrdID, o.Sz)

	fill, err := c.waitFill(ctx, symbol, ordID)
	if err != nil {
		// ордер уже на бирже: повтор создал бы второй
		if errs.IsTransient(err) {
			return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: fmt.Sprintf("ordId %s fill unknown: %v", ordID, err)}
		}
		return models.Trade{}, err
	}
	fill.ID = id
	fill.Instrument = helper.BaseAsset(symbol)
	fill.Side = side
	return fill, nil
}

// findByClOrdID — ordId ордера с данным clOrdId; пустая строка, если биржа его не знает.
func (c *OKX) findByClOrdID(ctx context.Context, symbol, clOrdID string) (string, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("clOrdId", clOrdID)
	var r struct {
		Data []struct {
			OrdID string `json:"ordId"`
		} `json:"data"`
	}
	err := c.do(ctx, symbol, http.MethodGet, "/api/v5/trade/order", q, nil, &r)
	switch {
	case isRejectedWith(err, codeOrderNotFound):
		return "", nil
	case err != nil:
		return "", err
	case len(r.Data) == 0:
		return "", nil
	}
	return r.Data[0].OrdID, nil
}

func isRejectedWith(err error, code string) bool {
	var rej *errs.OrderRejected
	return errors.As(err, &rej) && rej.Code == code
}

type orderDetail struct {
	State     string `json:"state"`
	AvgPx     string `json:"avgPx"`
	AccFillSz string `json:"accFillSz"`
	Fee       string `json:"fee"`
	FeeCcy    string `json:"feeCcy"`
	FillTime  string `json:"fillTime"`
}

// waitFill опрашивает ордер, пока рыночный ордер не исполнится.
func (c *OKX) waitFill(ctx context.Context, symbol, ordID string) (models.Trade, error) {
	q := url.Values{}
	q.Set("instId", symbol)
	q.Set("ordId", ordID)
	for attempt := 0; attempt < 10; attempt++ {
		var r struct {
			Data []orderDetail `json:"data"`
		}
		if err := c.do(ctx, symbol, http.MethodGet, "/api/v5/trade/order", q, nil, &r); err != nil {
			return models.Trade{}, err
		}
		if len(r.Data) > 0 {
			d := r.Data[0]
			switch d.State {
			case "filled":
				return toTrade(symbol, d, c.now()), nil
			case "canceled", "mmp_canceled":
				return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: "order " + d.State}
			}
		}
		select {
		case <-ctx.Done():
			return models.Trade{}, ctx.Err()
		case <-time.After(c.fillWait):
		}
	}
	// ордер мог исполниться позже; повторять покупку нельзя
	return models.Trade{}, &errs.OrderRejected{Symbol: symbol, Reason: "fill not confirmed for ordId " + ordID}
}

func toTrade(symbol string, d orderDetail, now time.Time) models.Trade {
	px, _ := strconv.ParseFloat(d.AvgPx, 64)
	qty, _ := strconv.ParseFloat(d.AccFillSz, 64)
	fee, _ := strconv.ParseFloat(d.Fee, 64) // у OKX комиссия отрицательная
	fee = -fee

	t := models.Trade{Price: px, Quantity: qty, QuoteAmount: px * qty, Time: now}
	if ms, err := strconv.ParseInt(d.FillTime, 10, 64); err == nil && ms > 0 {
		t.Time = time.UnixMilli(ms).UTC()
	}
	// комиссия в базовой валюте уменьшает полученное количество
	if d.FeeCcy == helper.BaseAsset(symbol) {
		t.Quantity -= fee
		t.Fee = fee * px
	} else {
		t.Fee = fee
	}
	return t
}

func (c *OKX) OpenPositionHints(ctx context.Context, symbol string) (*models.PositionHint, error) {
	base := helper.BaseAsset(symbol)
	r, err := c.balances(ctx, base)
	if err != nil {
		return nil, err
	}
	for _, acc := range r.Data {
		for _, d := range acc.Details {
			if d.Ccy != base {
				continue
			}
			qty, _ := strconv.ParseFloat(d.CashBal, 64)
			if qty <= 0 {
				return nil, nil
			}
			avg, _ := strconv.ParseFloat(d.AccAvgPx, 64)
			return &models.PositionHint{Instrument: base, Quantity: qty, AvgCostBasis: avg}, nil
		}
	}
	return nil, nil
}

var _ Exchange = (*OKX)(nil)
