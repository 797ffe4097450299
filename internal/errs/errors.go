// Package errs — типизированные ошибки пайплайна. Каждое место перехвата
// классифицирует ошибку и решает: ретрай, пропуск или наверх.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrStopped  = errors.New("stop requested")
)

// DataFetchError — не удалось получить свечи/цену. Временная.
type DataFetchError struct {
	Symbol    string
	Timeframe string
	Err       error
}

func (e *DataFetchError) Error() string {
	if e.Timeframe == "" {
		return fmt.Sprintf("fetch %s: %v", e.Symbol, e.Err)
	}
	return fmt.Sprintf("fetch %s %s: %v", e.Symbol, e.Timeframe, e.Err)
}

func (e *DataFetchError) Unwrap() error { return e.Err }

// InsufficientMemoryError — в памяти таймфрейма слишком мало паттернов.
type InsufficientMemoryError struct {
	Instrument string
	Timeframe  string
	Have, Need int
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("memory %s %s: %d entries, need %d", e.Instrument, e.Timeframe, e.Have, e.Need)
}

// OrderRejected — окончательный отказ биржи (например, не хватает средств). Не ретраится.
type OrderRejected struct {
	Symbol string
	Code   string
	Reason string
}

func (e *OrderRejected) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("order %s rejected: %s", e.Symbol, e.Reason)
	}
	return fmt.Sprintf("order %s rejected: code=%s %s", e.Symbol, e.Code, e.Reason)
}

// OrderTransientFailure — таймаут, лимит запросов, 5xx. Ретраится ограниченно.
type OrderTransientFailure struct {
	Symbol string
	Err    error
}

func (e *OrderTransientFailure) Error() string {
	return fmt.Sprintf("order %s transient failure: %v", e.Symbol, e.Err)
}

func (e *OrderTransientFailure) Unwrap() error { return e.Err }

// CorruptPersistedState — сохранённое состояние не прошло валидацию.
type CorruptPersistedState struct {
	Key string
	Err error
}

func (e *CorruptPersistedState) Error() string {
	return fmt.Sprintf("corrupt state %q: %v", e.Key, e.Err)
}

func (e *CorruptPersistedState) Unwrap() error { return e.Err }

// IsTransient — стоит ли повторять операцию.
func IsTransient(err error) bool {
	var fetch *DataFetchError
	var tr *OrderTransientFailure
	return errors.As(err, &fetch) || errors.As(err, &tr)
}

func IsRejected(err error) bool {
	var rej *OrderRejected
	return errors.As(err, &rej)
}

func IsCorrupt(err error) bool {
	var c *CorruptPersistedState
	return errors.As(err, &c)
}

func IsInsufficientMemory(err error) bool {
	var m *InsufficientMemoryError
	return errors.As(err, &m)
}
