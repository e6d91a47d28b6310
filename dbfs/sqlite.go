package dbfs

import (
	"context"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Connection pragmas. WAL lets readers proceed beside the single
// writer; busy_timeout makes writers queue instead of failing.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA cache_size=-8192",
	"PRAGMA temp_store=MEMORY",
}

type sqliteStore struct {
	pool *sqlitex.Pool
	path string
}

func openSQLite(path string, poolSize int) (*sqliteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("dbfs: sqlite path is required")
	}
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range sqlitePragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dbfs: opening %s: %w", path, err)
	}
	s := &sqliteStore{pool: pool, path: path}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbfs: opening %s: %w", path, err)
	}
	err = sqlitex.ExecuteScript(conn, schema("BLOB", "TEXT"), nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbfs: creating schema in %s: %w", path, err)
	}
	return s, nil
}

func (s *sqliteStore) name() string { return "sqlite:" + s.path }

func (s *sqliteStore) close() error { return s.pool.Close() }

func (s *sqliteStore) inTx(ctx context.Context, write bool, fn func(q querier) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	// Callbacks passed to query must not issue statements of their own.
	var endTransaction func(*error)
	if write {
		if endTransaction, err = sqlitex.ImmediateTransaction(conn); err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
	} else {
		endTransaction = sqlitex.Transaction(conn)
	}
	defer endTransaction(&err)
	return fn(sqliteQuerier{conn: conn})
}

type sqliteQuerier struct {
	conn *sqlite.Conn
}

func (q sqliteQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := sqlitex.Execute(q.conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, err
	}
	return int64(q.conn.Changes()), nil
}

func (q sqliteQuerier) query(ctx context.Context, query string, args []any, fn func(scan func(dest ...any) error) error) error {
	return sqlitex.Execute(q.conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			return fn(func(dest ...any) error { return scanStmt(stmt, dest) })
		},
	})
}

func scanStmt(stmt *sqlite.Stmt, dest []any) error {
	for i, d := range dest {
		switch d := d.(type) {
		case *int64:
			*d = stmt.ColumnInt64(i)
		case *string:
			*d = stmt.ColumnText(i)
		case *[]byte:
			buf := make([]byte, stmt.ColumnLen(i))
			stmt.ColumnBytes(i, buf)
			*d = buf
		default:
			return fmt.Errorf("dbfs: cannot scan column %d into %T", i, d)
		}
	}
	return nil
}
