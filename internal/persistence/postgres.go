package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/spec-kit/journal-tracker/internal/config"
)

// NewPostgresPool establishes a connection pool for the Postgres shared store.
func NewPostgresPool(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("POSTGRES_DSN not provided")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxIdleSec > 0 {
		poolCfg.MaxConnIdleTime = time.Duration(cfg.ConnMaxIdleSec) * time.Second
	}
	if cfg.ConnMaxLifeSec > 0 {
		poolCfg.MaxConnLifetime = time.Duration(cfg.ConnMaxLifeSec) * time.Second
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to postgres")
	return pool, nil
}

// PostgresStore keeps values in shared_session_store and fans changes out with
// LISTEN/NOTIFY. Notifications are sent inside the write transaction, so
// listeners only hear about committed values.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	origin    string
	logger    *zap.Logger
}

// NewPostgresStore wraps pool. namespace scopes rows and names the notify channel.
func NewPostgresStore(pool *pgxpool.Pool, namespace, origin string, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, namespace: namespace, origin: origin, logger: logger}
}

func (s *PostgresStore) channel() string {
	return "session_" + s.namespace
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	const query = `SELECT value FROM shared_session_store WHERE namespace=$1 AND key=$2`

	var value []byte
	err := s.pool.QueryRow(ctx, query, s.namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	const query = `
        INSERT INTO shared_session_store (namespace, key, value, origin)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (namespace, key)
        DO UPDATE SET value=EXCLUDED.value, origin=EXCLUDED.origin, updated_at=NOW()`

	return s.inTx(ctx, notification{Key: key, Origin: s.origin}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, s.namespace, key, value, s.origin)
		return err
	})
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM shared_session_store WHERE namespace=$1 AND key=$2`

	return s.inTx(ctx, notification{Key: key, Origin: s.origin, Deleted: true}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query, s.namespace, key)
		return err
	})
}

func (s *PostgresStore) inTx(ctx context.Context, n notification, op func(pgx.Tx) error) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := op(tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel(), string(payload))
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Watch holds a dedicated connection for LISTEN. The value is re-read on
// notification because NOTIFY payloads are size limited.
func (s *PostgresStore) Watch(ctx context.Context, handler ChangeHandler) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire listener: %v", ErrUnavailable, err)
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel()}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("%w: listen: %v", ErrUnavailable, err)
	}

	go func() {
		defer conn.Close(context.Background())
		for {
			note, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("postgres listener stopped", zap.Error(err))
				}
				return
			}

			var n notification
			if err := json.Unmarshal([]byte(note.Payload), &n); err != nil {
				s.logger.Warn("dropping malformed postgres change", zap.Error(err))
				continue
			}
			if n.Origin == s.origin {
				continue
			}

			change := Change{Key: n.Key, Origin: n.Origin}
			if !n.Deleted {
				value, err := s.Get(ctx, n.Key)
				switch {
				case errors.Is(err, ErrNotFound):
				case err != nil:
					s.logger.Warn("re-read after notify failed", zap.String("key", n.Key), zap.Error(err))
					continue
				default:
					change.Value = value
				}
			}
			handler(change)
		}
	}()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("postgres pool not configured")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
