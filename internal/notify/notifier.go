package notify

import (
	"context"
	"fmt"
	"strings"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"

	"spot_agent/internal/models"
	"spot_agent/internal/modules/config"
	"spot_agent/pkg/logger"
)

type Notifier interface {
	Send(msg string)
	Sendf(format string, args ...any)
}

// StatusFunc — текст ответа на команду /status.
type StatusFunc func(ctx context.Context) string

// Telegram — пассивный нотифайер + команда /status.
type Telegram struct {
	bot    *tgbot.BotAPI
	chatID int64
	status StatusFunc
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := tgbot.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) SetStatus(f StatusFunc) { t.status = f }

func (t *Telegram) Send(msg string) {
	if t == nil || t.bot == nil || t.chatID == 0 {
		return
	}
	if _, err := t.bot.Send(tgbot.NewMessage(t.chatID, msg)); err != nil {
		logger.Warn("[TG] send: %v", err)
	}
}

func (t *Telegram) Sendf(format string, args ...any) { t.Send(fmt.Sprintf(format, args...)) }

// Start: long-polling команд из нашего чата.
func (t *Telegram) Start(ctx context.Context) {
	if t == nil || t.bot == nil {
		return
	}
	u := tgbot.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}

	updates := t.bot.GetUpdatesChan(u)
	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case upd := <-updates:
				if upd.Message == nil || upd.Message.Chat == nil || upd.Message.Chat.ID != t.chatID || !upd.Message.IsCommand() {
					continue
				}
				switch upd.Message.Command() {
				case "status":
					if t.status == nil {
						t.Send("status is not available")
						continue
					}
					go t.Send(t.status(ctx))
				}
			}
		}
	}()
}

// Log — нотифайер без Telegram: всё в лог.
type Log struct{}

func (Log) Send(msg string)                  { logger.Info("[NOTIFY] %s", msg) }
func (Log) Sendf(format string, args ...any) { logger.Info("[NOTIFY] "+format, args...) }

// TradeMessage — текст уведомления о сделке.
func TradeMessage(t models.Trade, pos models.Position) string {
	var b strings.Builder
	switch t.Reason {
	case models.ReasonEntry:
		fmt.Fprintf(&b, "🟢 %s entry: bought %.8f @ %.6f for %.2f", t.Instrument, t.Quantity, t.Price, t.QuoteAmount)
	case models.ReasonDCA:
		fmt.Fprintf(&b, "🔵 %s DCA #%d: bought %.8f @ %.6f for %.2f, avg %.6f",
			t.Instrument, pos.DCACount, t.Quantity, t.Price, t.QuoteAmount, pos.AvgCostBasis)
	case models.ReasonTrailingExit:
		fmt.Fprintf(&b, "💰 %s trailing exit: sold %.8f @ %.6f", t.Instrument, t.Quantity, t.Price)
		if t.RealizedPnLPct != nil {
			fmt.Fprintf(&b, ", pnl %+.2f%%", *t.RealizedPnLPct)
		}
	default:
		fmt.Fprintf(&b, "%s %s %s %.8f @ %.6f", t.Instrument, t.Reason, t.Side, t.Quantity, t.Price)
	}
	return b.String()
}

// Module — Telegram, если задан токен, иначе Log.
func Module() fx.Option {
	return fx.Module("notify",
		fx.Provide(
			func(cfg *config.Config) *Telegram {
				if cfg.Telegram.Token == "" {
					return nil
				}
				t, err := NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
				if err != nil {
					logger.Warn("[TG] disabled: %v", err)
					return nil
				}
				return t
			},
			func(t *Telegram) Notifier {
				if t == nil {
					return Log{}
				}
				return t
			},
		),
	)
}
