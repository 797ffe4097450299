// Package store — персистентное состояние агента. Все компоненты общаются только
// через него: обучение пишет память, сигналы читают память и пишут сигнал,
// трейдер читает сигнал и пишет позицию. Запись значения атомарна.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"spot_agent/internal/errs"
)

// KV — минимальный контракт бэкенда. Get на отсутствующий ключ возвращает errs.ErrNotFound.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List — ключи с префиксом, по возрастанию.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Memory — бэкенд в памяти процесса: тесты и одиночный запуск.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error { return nil }
