package dbfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Serializable transactions that lose a conflict are retried this many
// times before the error is returned.
const pgRetries = 5

type pgStore struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, dsn string) (*pgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("dbfs: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbfs: connecting to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema("BYTEA", `TEXT COLLATE "C"`)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbfs: creating schema: %w", err)
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) name() string {
	cfg := s.pool.Config().ConnConfig
	return fmt.Sprintf("postgres:%s/%s", cfg.Host, cfg.Database)
}

func (s *pgStore) close() error {
	s.pool.Close()
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func (s *pgStore) inTx(ctx context.Context, write bool, fn func(q querier) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	if !write {
		opts.AccessMode = pgx.ReadOnly
	}
	for attempt := 0; ; attempt++ {
		err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
			return fn(pgQuerier{tx: tx})
		})
		if err != nil && isSerializationFailure(err) && attempt < pgRetries {
			continue
		}
		return err
	}
}

type pgQuerier struct {
	tx pgx.Tx
}

func (q pgQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := q.tx.Exec(ctx, rebindNumbered(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgQuerier) query(ctx context.Context, query string, args []any, fn func(scan func(dest ...any) error) error) error {
	rows, err := q.tx.Query(ctx, rebindNumbered(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}
