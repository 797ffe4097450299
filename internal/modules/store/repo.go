package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"spot_agent/internal/errs"
	"spot_agent/internal/models"
)

// Repo — типизированные ключи поверх KV. Прочитанное значение, не прошедшее
// Validate, возвращается как *errs.CorruptPersistedState и никогда не используется.
type Repo struct {
	kv     KV
	prefix string
}

func NewRepo(kv KV, prefix string) *Repo {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Repo{kv: kv, prefix: prefix}
}

func (r *Repo) key(parts ...string) string { return r.prefix + strings.Join(parts, "/") }

func MemoryKey(instrument, tf string) string { return "memory/" + instrument + "/" + tf }

func getJSON[T any](ctx context.Context, r *Repo, key string, validate func(*T) error) (*T, error) {
	raw, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return nil, &errs.CorruptPersistedState{Key: key, Err: err}
	}
	if validate != nil {
		if err := validate(&v); err != nil {
			return nil, &errs.CorruptPersistedState{Key: key, Err: err}
		}
	}
	return &v, nil
}

func putJSON(ctx context.Context, r *Repo, key string, v any) error {
	raw, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return r.kv.Put(ctx, key, raw)
}

// LoadMemory: errs.ErrNotFound, если обучения ещё не было.
func (r *Repo) LoadMemory(ctx context.Context, instrument, tf string) (*models.PatternMemory, error) {
	key := r.key("memory", instrument, tf)
	return getJSON(ctx, r, key, func(m *models.PatternMemory) error {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.Version != models.PatternMemoryVersion {
			return fmt.Errorf("version %d", m.Version)
		}
		if m.Instrument != instrument || m.Timeframe != tf {
			return fmt.Errorf("belongs to %s/%s", m.Instrument, m.Timeframe)
		}
		return nil
	})
}

func (r *Repo) SaveMemory(ctx context.Context, mem *models.PatternMemory) error {
	if err := mem.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid memory: %w", err)
	}
	return putJSON(ctx, r, r.key("memory", mem.Instrument, mem.Timeframe), mem)
}

func (r *Repo) LoadSignal(ctx context.Context, instrument string) (*models.Signal, error) {
	return getJSON(ctx, r, r.key("signal", instrument), func(s *models.Signal) error {
		return s.Validate()
	})
}

// SaveSignal заменяет предыдущий сигнал целиком.
func (r *Repo) SaveSignal(ctx context.Context, s models.Signal) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid signal: %w", err)
	}
	return putJSON(ctx, r, r.key("signal", s.Instrument), s)
}

// LoadPosition: отсутствие записи означает FLAT.
func (r *Repo) LoadPosition(ctx context.Context, instrument string) (models.Position, error) {
	p, err := getJSON(ctx, r, r.key("position", instrument), func(p *models.Position) error {
		return p.Validate()
	})
	if errors.Is(err, errs.ErrNotFound) {
		return models.FlatPosition(instrument), nil
	}
	if err != nil {
		return models.Position{}, err
	}
	return *p, nil
}

func (r *Repo) SavePosition(ctx context.Context, p models.Position) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid position: %w", err)
	}
	return putJSON(ctx, r, r.key("position", p.Instrument), p)
}

// AppendTrade пишет сделку отдельным ключом: журнал только растёт.
func (r *Repo) AppendTrade(ctx context.Context, t models.Trade) error {
	key := r.key("trades", t.Instrument, fmt.Sprintf("%020d-%s", t.Time.UnixNano(), t.ID))
	return putJSON(ctx, r, key, t)
}

// Trades — последние limit сделок по времени (limit <= 0 — все).
func (r *Repo) Trades(ctx context.Context, instrument string, limit int) ([]models.Trade, error) {
	keys, err := r.kv.List(ctx, r.key("trades", instrument)+"/")
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	out := make([]models.Trade, 0, len(keys))
	for _, k := range keys {
		t, err := getJSON[models.Trade](ctx, r, k, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (r *Repo) LoadCheckpoint(ctx context.Context, instrument string) (*models.Checkpoint, error) {
	return getJSON(ctx, r, r.key("checkpoint", instrument), func(c *models.Checkpoint) error {
		if c.Instrument != instrument {
			return fmt.Errorf("belongs to %s", c.Instrument)
		}
		return nil
	})
}

func (r *Repo) SaveCheckpoint(ctx context.Context, c models.Checkpoint) error {
	return putJSON(ctx, r, r.key("checkpoint", c.Instrument), c)
}

func (r *Repo) DeleteCheckpoint(ctx context.Context, instrument string) error {
	return r.kv.Delete(ctx, r.key("checkpoint", instrument))
}

func (r *Repo) LoadTrainingStatus(ctx context.Context, instrument string) (*models.TrainingStatus, error) {
	return getJSON[models.TrainingStatus](ctx, r, r.key("training", instrument), nil)
}

func (r *Repo) SaveTrainingStatus(ctx context.Context, s models.TrainingStatus) error {
	return putJSON(ctx, r, r.key("training", s.Instrument), s)
}

// LoadPaperAccount: errs.ErrNotFound, пока бумажная биржа ни разу не торговала.
func (r *Repo) LoadPaperAccount(ctx context.Context, quote string) (*models.PaperAccount, error) {
	return getJSON(ctx, r, r.key("paper", quote), func(a *models.PaperAccount) error {
		if err := a.Validate(); err != nil {
			return err
		}
		if a.Quote != quote {
			return fmt.Errorf("belongs to %s", a.Quote)
		}
		return nil
	})
}

func (r *Repo) SavePaperAccount(ctx context.Context, a models.PaperAccount) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid paper account: %w", err)
	}
	return putJSON(ctx, r, r.key("paper", a.Quote), a)
}

type stopFlag struct {
	Stop bool      `json:"stop"`
	At   time.Time `json:"at"`
}

// StopRequested — внешний флаг остановки (agentctl stop).
func (r *Repo) StopRequested(ctx context.Context) (bool, error) {
	f, err := getJSON[stopFlag](ctx, r, r.key("control", "stop"), nil)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f.Stop, nil
}

func (r *Repo) SetStop(ctx context.Context, stop bool, at time.Time) error {
	if !stop {
		return r.kv.Delete(ctx, r.key("control", "stop"))
	}
	return putJSON(ctx, r, r.key("control", "stop"), stopFlag{Stop: true, At: at})
}

func (r *Repo) Close() error { return r.kv.Close() }
