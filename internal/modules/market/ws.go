package market

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"spot_agent/pkg/logger"
)

// TickerStream держит одно websocket-соединение с каналом tickers по всем
// символам и кладёт last в PriceCache. Переподключается сам до отмены ctx.
type TickerStream struct {
	url     string
	symbols []string
	cache   *PriceCache
	dialer  *websocket.Dialer
	// OnState вызывается при подключении и обрыве
	OnState func(connected bool)
}

func NewTickerStream(url string, symbols []string, cache *PriceCache) *TickerStream {
	return &TickerStream{
		url:     url,
		symbols: symbols,
		cache:   cache,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type wsArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsFrame struct {
	Event string      `json:"event"`
	Msg   string      `json:"msg"`
	Arg   wsArg       `json:"arg"`
	Data  []okxTicker `json:"data"`
}

func (s *TickerStream) Run(ctx context.Context) {
	if len(s.symbols) == 0 {
		return
	}
	args := make([]wsArg, 0, len(s.symbols))
	for _, sym := range s.symbols {
		args = append(args, wsArg{Channel: "tickers", InstID: sym})
	}

	for {
		if err := s.session(ctx, args); err != nil {
			logger.Warn("[WS] tickers: %v", err)
		}
		s.setState(false)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *TickerStream) session(ctx context.Context, args []wsArg) error {
	logger.Info("[WS] connect tickers %d symbols", len(args))
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub, _ := sonic.Marshal(map[string]any{"op": "subscribe", "args": args})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}
	s.setState(true)

	// keepalive: OKX рвёт соединение без трафика ~30s
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-done:
				return
			case <-t.C:
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handle(msg)
	}
}

func (s *TickerStream) handle(msg []byte) {
	if string(msg) == "pong" {
		return
	}
	var f wsFrame
	if err := sonic.Unmarshal(msg, &f); err != nil {
		return
	}
	if f.Event == "error" {
		logger.Warn("[WS] tickers error: %s", f.Msg)
		return
	}
	if f.Arg.Channel != "tickers" {
		return
	}
	for _, t := range f.Data {
		last, err := strconv.ParseFloat(t.Last, 64)
		if err != nil {
			continue
		}
		at := s.cache.now()
		if ms, err := strconv.ParseInt(t.TS, 10, 64); err == nil {
			at = time.UnixMilli(ms)
		}
		s.cache.Set(t.InstID, last, at)
	}
}

func (s *TickerStream) setState(v bool) {
	if s.OnState != nil {
		s.OnState(v)
	}
}
