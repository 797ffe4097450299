package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"spot_agent/internal/errs"
	"spot_agent/pkg/db"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS agent_state (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres — KV поверх одной таблицы; запись через upsert в транзакции.
type Postgres struct {
	tx *db.PgTxManager
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{DSN: dsn})
	if err != nil {
		return nil, err
	}
	tx := db.NewPgTxManager(pool)
	if err := tx.Ping(ctx); err != nil {
		tx.Close()
		return nil, err
	}
	if _, err := tx.Conn().Exec(ctx, pgSchema); err != nil {
		tx.Close()
		return nil, err
	}
	return &Postgres{tx: tx}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := p.tx.Conn().QueryRow(ctx, `SELECT value FROM agent_state WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return v, err
}

func (p *Postgres) Put(ctx context.Context, key string, value []byte) error {
	return p.tx.RunMaster(ctx, func(ctx context.Context, tx db.Transaction) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO agent_state (key, value, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, key, value)
		return err
	})
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.tx.Conn().Exec(ctx, `DELETE FROM agent_state WHERE key = $1`, key)
	return err
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.tx.Conn().Query(ctx,
		`SELECT key FROM agent_state WHERE starts_with(key, $1) ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *Postgres) Close() error {
	p.tx.Close()
	return nil
}
