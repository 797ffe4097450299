package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"spot_agent/internal/errs"
	"spot_agent/internal/modules/config"
	"spot_agent/pkg/logger"
)

// Policy — ограниченное число попыток с экспоненциальной паузой.
type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 4, Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	if p.Multiplier > 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do повторяет fn, пока ошибка временная (errs.IsTransient) и попытки не кончились.
// Окончательные ошибки возвращаются сразу. Возвращается последняя ошибка fn.
func Do(ctx context.Context, p Policy, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errs.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		logger.Warn("[RETRY] %s attempt %d failed: %v; next in %s", op, attempt, err, wait)
	})
}

func FromConfig(c config.RetryConfig, attempts int) Policy {
	return Policy{Attempts: attempts, Initial: c.Initial, Max: c.Max, Multiplier: c.Multiplier}
}
