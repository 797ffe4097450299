package service

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// State — живое состояние процесса для health-эндпоинтов.
type State struct {
	ready     atomic.Bool
	startedAt time.Time

	wsConnected atomic.Bool

	mu    sync.RWMutex
	beats map[string]beat
}

type beat struct {
	at    time.Time
	every time.Duration
}

// конвейер считается зависшим после stallCycles пропущенных циклов
const (
	stallCycles = 3
	minStall    = time.Minute
)

func NewState() *State {
	return &State{startedAt: time.Now(), beats: map[string]beat{}}
}

func (s *State) SetReady(v bool) { s.ready.Store(v) }
func (s *State) Ready() bool     { return s.ready.Load() }

func (s *State) SetWSConnected(v bool) { s.wsConnected.Store(v) }
func (s *State) WSConnected() bool     { return s.wsConnected.Load() }

// Heartbeat возвращает функцию отметки цикла для конвейера с периодом every.
func (s *State) Heartbeat(pipeline string, every time.Duration) func(time.Time) {
	return func(t time.Time) {
		s.mu.Lock()
		s.beats[pipeline] = beat{at: t, every: every}
		s.mu.Unlock()
	}
}

func (s *State) Beats() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.beats))
	for k, v := range s.beats {
		out[k] = v.at
	}
	return out
}

// Stalled — конвейеры, пропустившие несколько циклов подряд.
func (s *State) Stalled(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for name, b := range s.beats {
		if now.Sub(b.at) > max(stallCycles*b.every, minStall) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (s *State) Uptime() time.Duration { return time.Since(s.startedAt) }
