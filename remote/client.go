// Package remote serves a sandboxfs Backend over gRPC and provides the
// matching client Backend. Messages are CBOR-encoded; backend errors
// travel as errno numbers in each reply.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	gstatus "google.golang.org/grpc/status"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/clock"
)

// Client is a Backend served by a remote Server.
type Client struct {
	conn   *grpc.ClientConn
	caps   sandboxfs.Capabilities
	root   sandboxfs.Handle
	logger *slog.Logger
	clock  clock.Clock

	dialOpts   []grpc.DialOption
	maxRetries int
	retryDelay time.Duration
	// forgetTimeout bounds Forget, which has no caller context.
	forgetTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithDialOptions appends gRPC dial options, such as transport
// credentials or a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithRetry sets how often an idempotent call is retried while the
// server is unavailable, and the first delay, which doubles per
// attempt.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = delay
	}
}

// Dial connects to the Server at target and fetches its capabilities.
func Dial(ctx context.Context, target string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:        slog.New(slog.DiscardHandler),
		clock:         clock.Real(),
		maxRetries:    3,
		retryDelay:    100 * time.Millisecond,
		forgetTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(cborCodec{}.Name())),
	}, c.dialOpts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("remote.Dial: %s: %w", target, sandboxfs.Classify(err))
	}
	c.conn = conn

	var r capsReply
	if err := c.call(ctx, "Capabilities", true, &empty{}, &r); err != nil {
		conn.Close()
		return nil, fmt.Errorf("remote.Dial: %s: %w", target, err)
	}
	c.caps, c.root = r.Caps, r.Root
	c.logger.Debug("connected to remote backend", "target", target, "root", r.Root)
	return c, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// remoteError carries a server-side error's kind and text.
type remoteError struct {
	kind sandboxfs.Errno
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

// transportError maps a gRPC failure to an error kind.
func transportError(err error) error {
	kind := sandboxfs.ErrIO
	switch gstatus.Code(err) {
	case codes.DeadlineExceeded:
		kind = sandboxfs.ErrTimedOut
	case codes.Canceled:
		kind = sandboxfs.ErrCanceled
	}
	return &remoteError{kind: kind, msg: err.Error()}
}

// call invokes method, retrying idempotent calls while the server is
// unavailable.
func (c *Client) call(ctx context.Context, method string, idempotent bool, req any, resp reply) error {
	op := "remote.Client." + method
	for attempt := 0; ; attempt++ {
		err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
		if err == nil {
			if st := resp.result(); st.Errno != 0 {
				return fmt.Errorf("%s: %w", op, &remoteError{kind: st.Errno, msg: st.Msg})
			}
			return nil
		}
		if !idempotent || attempt >= c.maxRetries || gstatus.Code(err) != codes.Unavailable {
			return fmt.Errorf("%s: %w", op, transportError(err))
		}
		delay := c.retryDelay << attempt
		c.logger.Debug("retrying unavailable server", "op", op, "attempt", attempt+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, sandboxfs.Classify(ctx.Err()))
		case <-c.clock.After(delay):
		}
	}
}

var _ sandboxfs.Backend = (*Client)(nil)

func (c *Client) Capabilities() sandboxfs.Capabilities { return c.caps }

func (c *Client) Root() sandboxfs.Handle { return c.root }

func (c *Client) Lookup(ctx context.Context, dir sandboxfs.Handle, name string) (sandboxfs.Handle, error) {
	var r handleReply
	err := c.call(ctx, "Lookup", true, &nameReq{Dir: dir, Name: name}, &r)
	return r.H, err
}

func (c *Client) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	var r attrReply
	err := c.call(ctx, "Getattr", true, &handleReq{H: h}, &r)
	return r.Attr, err
}

func (c *Client) Setattr(ctx context.Context, h sandboxfs.Handle, set sandboxfs.SetAttr) (sandboxfs.Attr, error) {
	var r attrReply
	err := c.call(ctx, "Setattr", true, &setattrReq{H: h, Set: set}, &r)
	return r.Attr, err
}

func (c *Client) Create(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	var r handleReply
	err := c.call(ctx, "Create", false, &createReq{Dir: dir, Name: name, Spec: spec}, &r)
	return r.H, err
}

func (c *Client) Mkdir(ctx context.Context, dir sandboxfs.Handle, name string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	var r handleReply
	err := c.call(ctx, "Mkdir", false, &createReq{Dir: dir, Name: name, Spec: spec}, &r)
	return r.H, err
}

func (c *Client) Symlink(ctx context.Context, dir sandboxfs.Handle, name, target string, spec sandboxfs.NodeSpec) (sandboxfs.Handle, error) {
	var r handleReply
	err := c.call(ctx, "Symlink", false, &createReq{Dir: dir, Name: name, Spec: spec, Target: target}, &r)
	return r.H, err
}

func (c *Client) Readlink(ctx context.Context, h sandboxfs.Handle) (string, error) {
	var r stringReply
	err := c.call(ctx, "Readlink", true, &handleReq{H: h}, &r)
	return r.S, err
}

func (c *Client) Link(ctx context.Context, h sandboxfs.Handle, dir sandboxfs.Handle, name string) error {
	return c.call(ctx, "Link", false, &linkReq{H: h, Dir: dir, Name: name}, &statusReply{})
}

func (c *Client) Unlink(ctx context.Context, dir sandboxfs.Handle, name string) error {
	return c.call(ctx, "Unlink", false, &nameReq{Dir: dir, Name: name}, &statusReply{})
}

func (c *Client) Rmdir(ctx context.Context, dir sandboxfs.Handle, name string) error {
	return c.call(ctx, "Rmdir", false, &nameReq{Dir: dir, Name: name}, &statusReply{})
}

func (c *Client) Rename(ctx context.Context, srcDir sandboxfs.Handle, srcName string, dstDir sandboxfs.Handle, dstName string, flags sandboxfs.RenameFlags) error {
	req := &renameReq{SrcDir: srcDir, SrcName: srcName, DstDir: dstDir, DstName: dstName, Flags: flags}
	return c.call(ctx, "Rename", false, req, &statusReply{})
}

func (c *Client) ReadDir(ctx context.Context, dir sandboxfs.Handle, after string, max int) ([]sandboxfs.DirEntry, error) {
	var r readDirReply
	err := c.call(ctx, "ReadDir", true, &readDirReq{Dir: dir, After: after, Max: max}, &r)
	return r.Entries, err
}

// Open and Release are not retried: the server counts them.
func (c *Client) Open(ctx context.Context, h sandboxfs.Handle, flags sandboxfs.OpenFlags) error {
	return c.call(ctx, "Open", false, &openReq{H: h, Flags: flags}, &statusReply{})
}

func (c *Client) Release(ctx context.Context, h sandboxfs.Handle) error {
	return c.call(ctx, "Release", false, &handleReq{H: h}, &statusReply{})
}

func (c *Client) Read(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	var r readReply
	size := min(len(p), maxIO)
	if err := c.call(ctx, "Read", true, &readReq{H: h, Off: off, Size: size}, &r); err != nil {
		return 0, err
	}
	n := copy(p, r.Data)
	if r.EOF && n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *Client) Write(ctx context.Context, h sandboxfs.Handle, p []byte, off int64) (int, error) {
	var written int
	for written < len(p) || len(p) == 0 {
		chunk := p[written:min(len(p), written+maxIO)]
		var r countReply
		if err := c.call(ctx, "Write", true, &writeReq{H: h, Off: off + int64(written), Data: chunk}, &r); err != nil {
			return written, err
		}
		written += r.N
		if len(p) == 0 || r.N < len(chunk) {
			break
		}
	}
	if written < len(p) {
		return written, io.ErrShortWrite
	}
	return written, nil
}

func (c *Client) Truncate(ctx context.Context, h sandboxfs.Handle, size int64) error {
	return c.call(ctx, "Truncate", true, &truncateReq{H: h, Size: size}, &statusReply{})
}

func (c *Client) Sync(ctx context.Context, h sandboxfs.Handle) error {
	return c.call(ctx, "Sync", true, &handleReq{H: h}, &statusReply{})
}

func (c *Client) GetXattr(ctx context.Context, h sandboxfs.Handle, name string) ([]byte, error) {
	var r bytesReply
	err := c.call(ctx, "GetXattr", true, &xattrReq{H: h, Name: name}, &r)
	return r.Data, err
}

func (c *Client) SetXattr(ctx context.Context, h sandboxfs.Handle, name string, value []byte) error {
	return c.call(ctx, "SetXattr", true, &xattrReq{H: h, Name: name, Value: value}, &statusReply{})
}

func (c *Client) ListXattr(ctx context.Context, h sandboxfs.Handle) ([]string, error) {
	var r namesReply
	err := c.call(ctx, "ListXattr", true, &handleReq{H: h}, &r)
	return r.Names, err
}

func (c *Client) RemoveXattr(ctx context.Context, h sandboxfs.Handle, name string) error {
	return c.call(ctx, "RemoveXattr", false, &xattrReq{H: h, Name: name}, &statusReply{})
}

func (c *Client) Forget(h sandboxfs.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.forgetTimeout)
	defer cancel()
	if err := c.call(ctx, "Forget", true, &handleReq{H: h}, &statusReply{}); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("failed to forget handle", "handle", h, "error", err)
	}
}
