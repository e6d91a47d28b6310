package dbfs

import (
	"context"
	"errors"
	"io"

	"github.com/absfs/sandboxfs"
)

func fileInode(ctx context.Context, q querier, h sandboxfs.Handle) (*inode, error) {
	n, err := getInode(ctx, q, int64(h))
	if err != nil {
		return nil, err
	}
	switch n.fileType() {
	case sandboxfs.TypeRegular:
		return n, nil
	case sandboxfs.TypeDirectory:
		return nil, sandboxfs.ErrIsADirectory
	default:
		return nil, sandboxfs.ErrInvalid
	}
}

// getChunk returns the stored bytes of chunk idx; a missing chunk is a
// hole and returns nil.
func getChunk(ctx context.Context, q querier, ino, idx int64) ([]byte, error) {
	var data []byte
	err := queryRow(ctx, q, `SELECT data FROM chunks WHERE ino = ? AND idx = ?`, []any{ino, idx}, &data)
	if errors.Is(err, errNoRows) {
		return nil, nil
	}
	return data, err
}

func putChunk(ctx context.Context, q querier, ino, idx int64, data []byte) error {
	_, err := q.exec(ctx, `INSERT INTO chunks (ino, idx, data) VALUES (?, ?, ?)
		ON CONFLICT (ino, idx) DO UPDATE SET data = excluded.data`, ino, idx, data)
	return err
}

func (b *Backend) Read(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, sandboxfs.ErrInvalid
	}
	var n int
	err := b.view(ctx, "dbfs.Backend.Read", func(q querier) error {
		f, err := fileInode(ctx, q, h)
		if err != nil {
			return err
		}
		if off >= f.size {
			return io.EOF
		}
		buf := p
		if rest := f.size - off; int64(len(buf)) > rest {
			buf = buf[:rest]
		}
		clear(buf)
		end := off + int64(len(buf))
		cs := b.chunkSize
		err = q.query(ctx, `SELECT idx, data FROM chunks WHERE ino = ? AND idx >= ? AND idx <= ? ORDER BY idx`,
			[]any{f.ino, off / cs, (end - 1) / cs},
			func(scan func(dest ...any) error) error {
				var idx int64
				var data []byte
				if err := scan(&idx, &data); err != nil {
					return err
				}
				start := idx * cs
				from := max(off, start)
				to := min(end, start+int64(len(data)))
				if from < to {
					copy(buf[from-off:to-off], data[from-start:to-start])
				}
				return nil
			})
		n = len(buf)
		return err
	})
	if errors.Is(err, io.EOF) {
		return 0, io.EOF
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (b *Backend) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, sandboxfs.ErrInvalid
	}
	if len(p) == 0 {
		return 0, nil
	}
	err := b.update(ctx, "dbfs.Backend.Write", func(q querier) error {
		f, err := fileInode(ctx, q, h)
		if err != nil {
			return err
		}
		cs := b.chunkSize
		end := off + int64(len(p))
		for pos := off; pos < end; {
			idx, within := pos/cs, pos%cs
			data, err := getChunk(ctx, q, f.ino, idx)
			if err != nil {
				return err
			}
			span := min(end-pos, cs-within)
			if l := within + span; int64(len(data)) < l {
				data = append(data, make([]byte, l-int64(len(data)))...)
			}
			copy(data[within:], p[pos-off:pos-off+span])
			if err := putChunk(ctx, q, f.ino, idx, data); err != nil {
				return err
			}
			pos += span
		}
		f.size = max(f.size, end)
		now := b.now()
		f.mtime, f.ctime = now, now
		return putInode(ctx, q, f)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *Backend) Truncate(ctx context.Context, h sandboxfs.Handle, size int64) error {
	if size < 0 {
		return sandboxfs.ErrInvalid
	}
	return b.update(ctx, "dbfs.Backend.Truncate", func(q querier) error {
		f, err := fileInode(ctx, q, h)
		if err != nil {
			return err
		}
		if size < f.size {
			cs := b.chunkSize
			keep := (size + cs - 1) / cs
			if _, err := q.exec(ctx, `DELETE FROM chunks WHERE ino = ? AND idx >= ?`, f.ino, keep); err != nil {
				return err
			}
			if tail := size % cs; tail != 0 {
				data, err := getChunk(ctx, q, f.ino, keep-1)
				if err != nil {
					return err
				}
				if int64(len(data)) > tail {
					if err := putChunk(ctx, q, f.ino, keep-1, data[:tail]); err != nil {
						return err
					}
				}
			}
		}
		f.size = size
		now := b.now()
		f.mtime, f.ctime = now, now
		return putInode(ctx, q, f)
	})
}

// Sync is a no-op once the inode exists: every write commits.
func (b *Backend) Sync(ctx context.Context, h sandboxfs.Handle) error {
	return b.view(ctx, "dbfs.Backend.Sync", func(q querier) error {
		_, err := getInode(ctx, q, int64(h))
		return err
	})
}

func (b *Backend) GetXattr(ctx context.Context, h sandboxfs.Handle, name string) ([]byte, error) {
	var value []byte
	err := b.view(ctx, "dbfs.Backend.GetXattr", func(q querier) error {
		if _, err := getInode(ctx, q, int64(h)); err != nil {
			return err
		}
		err := queryRow(ctx, q, `SELECT value FROM xattrs WHERE ino = ? AND name = ?`, []any{int64(h), name}, &value)
		if errors.Is(err, errNoRows) {
			return sandboxfs.ErrNotFound
		}
		return err
	})
	return value, err
}

func (b *Backend) SetXattr(ctx context.Context, h sandboxfs.Handle, name string, value []byte) error {
	if name == "" {
		return sandboxfs.ErrInvalid
	}
	if value == nil {
		value = []byte{}
	}
	return b.update(ctx, "dbfs.Backend.SetXattr", func(q querier) error {
		n, err := getInode(ctx, q, int64(h))
		if err != nil {
			return err
		}
		if _, err := q.exec(ctx, `INSERT INTO xattrs (ino, name, value) VALUES (?, ?, ?)
			ON CONFLICT (ino, name) DO UPDATE SET value = excluded.value`, n.ino, name, value); err != nil {
			return err
		}
		n.ctime = b.now()
		return putInode(ctx, q, n)
	})
}

func (b *Backend) ListXattr(ctx context.Context, h sandboxfs.Handle) ([]string, error) {
	names := []string{}
	err := b.view(ctx, "dbfs.Backend.ListXattr", func(q querier) error {
		if _, err := getInode(ctx, q, int64(h)); err != nil {
			return err
		}
		return q.query(ctx, `SELECT name FROM xattrs WHERE ino = ? ORDER BY name`, []any{int64(h)},
			func(scan func(dest ...any) error) error {
				var name string
				if err := scan(&name); err != nil {
					return err
				}
				names = append(names, name)
				return nil
			})
	})
	return names, err
}

func (b *Backend) RemoveXattr(ctx context.Context, h sandboxfs.Handle, name string) error {
	return b.update(ctx, "dbfs.Backend.RemoveXattr", func(q querier) error {
		n, err := getInode(ctx, q, int64(h))
		if err != nil {
			return err
		}
		removed, err := q.exec(ctx, `DELETE FROM xattrs WHERE ino = ? AND name = ?`, n.ino, name)
		if err != nil {
			return err
		}
		if removed == 0 {
			return sandboxfs.ErrNotFound
		}
		n.ctime = b.now()
		return putInode(ctx, q, n)
	})
}
