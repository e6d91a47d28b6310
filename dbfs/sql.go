package dbfs

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// querier runs statements inside one transaction. Queries are written
// with ? placeholders; drivers that number their parameters rebind them.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	// query calls fn once per result row. scan copies the row's
	// columns into *int64, *string or *[]byte destinations.
	query(ctx context.Context, query string, args []any, fn func(scan func(dest ...any) error) error) error
}

// store is a database holding one filesystem.
type store interface {
	// inTx runs fn in a transaction that commits when fn returns nil.
	// Read-only transactions may run concurrently with each other.
	inTx(ctx context.Context, write bool, fn func(q querier) error) error
	close() error
	name() string
}

var errNoRows = errors.New("dbfs: no rows")

// queryRow scans the single row of query into dest, or returns
// errNoRows.
func queryRow(ctx context.Context, q querier, query string, args []any, dest ...any) error {
	found := false
	err := q.query(ctx, query, args, func(scan func(dest ...any) error) error {
		found = true
		return scan(dest...)
	})
	if err != nil {
		return err
	}
	if !found {
		return errNoRows
	}
	return nil
}

// rebindNumbered rewrites ? placeholders as $1, $2, ...
func rebindNumbered(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// schema returns the DDL for a dialect. Names compare bytewise in both:
// SQLite's default BINARY collation and PostgreSQL's "C" collation.
func schema(blob, nameType string) string {
	return `
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS inodes (
	ino    BIGINT PRIMARY KEY,
	type   BIGINT NOT NULL,
	mode   BIGINT NOT NULL,
	uid    BIGINT NOT NULL,
	gid    BIGINT NOT NULL,
	size   BIGINT NOT NULL,
	nlink  BIGINT NOT NULL,
	rdev   BIGINT NOT NULL,
	atime  BIGINT NOT NULL,
	mtime  BIGINT NOT NULL,
	ctime  BIGINT NOT NULL,
	gen    BIGINT NOT NULL,
	parent BIGINT NOT NULL,
	target TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS dirents (
	parent BIGINT NOT NULL,
	name   ` + nameType + ` NOT NULL,
	ino    BIGINT NOT NULL,
	PRIMARY KEY (parent, name)
);
CREATE INDEX IF NOT EXISTS dirents_ino ON dirents (ino);
CREATE TABLE IF NOT EXISTS chunks (
	ino  BIGINT NOT NULL,
	idx  BIGINT NOT NULL,
	data ` + blob + ` NOT NULL,
	PRIMARY KEY (ino, idx)
);
CREATE TABLE IF NOT EXISTS xattrs (
	ino   BIGINT NOT NULL,
	name  TEXT NOT NULL,
	value ` + blob + ` NOT NULL,
	PRIMARY KEY (ino, name)
);
`
}
