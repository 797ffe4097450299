// Package events публикует сигналы и сделки во внешнюю шину (kafka).
// Публикация вспомогательная: ошибка логируется и не влияет на торговлю.
package events

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"

	"spot_agent/internal/metrics"
	"spot_agent/internal/models"
	"spot_agent/internal/modules/config"
	"spot_agent/pkg/logger"
)

type Publisher interface {
	PublishSignal(ctx context.Context, s models.Signal) error
	PublishTrade(ctx context.Context, t models.Trade) error
	Close() error
}

// messageWriter — часть *kafka.Writer, нужная публикатору.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Kafka struct {
	w              messageWriter
	signalsTopic   string
	tradesTopic    string
	publishTimeout time.Duration
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
	return &Kafka{w: w, signalsTopic: cfg.SignalsTopic, tradesTopic: cfg.TradesTopic, publishTimeout: 5 * time.Second}
}

func (k *Kafka) publish(ctx context.Context, topic, key string, v any) error {
	val, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.publishTimeout)
	defer cancel()
	err = k.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: val, Time: time.Now()})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EventsPublished.WithLabelValues(topic, result).Inc()
	return err
}

// PublishSignal — ключ сообщения = инструмент, чтобы порядок внутри инструмента сохранялся.
func (k *Kafka) PublishSignal(ctx context.Context, s models.Signal) error {
	return k.publish(ctx, k.signalsTopic, s.Instrument, s)
}

func (k *Kafka) PublishTrade(ctx context.Context, t models.Trade) error {
	return k.publish(ctx, k.tradesTopic, t.Instrument, t)
}

func (k *Kafka) Close() error { return k.w.Close() }

// Nop — шина не настроена.
type Nop struct{}

func (Nop) PublishSignal(context.Context, models.Signal) error { return nil }
func (Nop) PublishTrade(context.Context, models.Trade) error   { return nil }
func (Nop) Close() error                                       { return nil }

func Module() fx.Option {
	return fx.Module("events",
		fx.Provide(func(lc fx.Lifecycle, cfg *config.Config) Publisher {
			if len(cfg.Kafka.Brokers) == 0 {
				return Nop{}
			}
			logger.Info("[EVENTS] kafka brokers=%v signals=%s trades=%s",
				cfg.Kafka.Brokers, cfg.Kafka.SignalsTopic, cfg.Kafka.TradesTopic)
			p := NewKafka(cfg.Kafka)
			lc.Append(fx.Hook{OnStop: func(context.Context) error { return p.Close() }})
			return p
		}),
	)
}
