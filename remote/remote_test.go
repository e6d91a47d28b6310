package remote

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/backendtest"
	"github.com/absfs/sandboxfs/mem"
)

type harness struct {
	lis *bufconn.Listener
	gs  *grpc.Server
}

func serve(t *testing.T, b sandboxfs.Backend) *harness {
	t.Helper()
	lis := bufconn.Listen(4 << 20)
	srv := NewServer(b)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(srv.Interceptor))
	srv.Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
	return &harness{lis: lis, gs: gs}
}

func (h *harness) dial(t *testing.T, opts ...Option) *Client {
	t.Helper()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return h.lis.DialContext(ctx)
	}
	opts = append([]Option{WithDialOptions(grpc.WithContextDialer(dialer))}, opts...)
	c, err := Dial(context.Background(), "passthrough:///bufnet", opts...)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConformance(t *testing.T) {
	suite := &backendtest.Suite{
		New: func(t *testing.T) sandboxfs.Backend {
			return serve(t, mem.New()).dial(t)
		},
		Features: backendtest.Features{
			OpenUnlinked: true,
			Timestamps:   true,
			DirGen:       true,
		},
	}
	suite.Run(t)
}

func TestCapabilitiesFetchedAtDial(t *testing.T) {
	caps := sandboxfs.AllNative()
	caps.Hardlinks = sandboxfs.Unsupported
	caps.Xattrs = sandboxfs.Emulated
	caps.ReadOnly = true

	c := serve(t, mem.New(mem.WithCapabilities(caps))).dial(t)
	if got := c.Capabilities(); got != caps {
		t.Errorf("expected %+v, got %+v", caps, got)
	}
}

func TestErrorKindsTravel(t *testing.T) {
	c := serve(t, mem.New()).dial(t)
	ctx := context.Background()

	_, err := c.Lookup(ctx, c.Root(), "missing")
	if sandboxfs.ErrnoOf(err) != sandboxfs.ErrNotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected errors.Is fs.ErrNotExist for %v", err)
	}

	if _, err := c.Mkdir(ctx, c.Root(), "d", sandboxfs.NodeSpec{Mode: 0o755}); err != nil {
		t.Fatal(err)
	}
	err = c.Unlink(ctx, c.Root(), "d")
	if sandboxfs.ErrnoOf(err) != sandboxfs.ErrIsADirectory {
		t.Errorf("expected IsADirectory, got %v", err)
	}
}

func TestLargeTransfer(t *testing.T) {
	c := serve(t, mem.New()).dial(t)
	ctx := context.Background()

	h, err := c.Create(ctx, c.Root(), "big", sandboxfs.NodeSpec{Type: sandboxfs.TypeRegular, Mode: 0o644})
	if err != nil {
		t.Fatal(err)
	}
	data := bytes.Repeat([]byte("0123456789abcdef"), (3*maxIO)/16+5)
	n, err := c.Write(ctx, h, data, 0)
	if err != nil || n != len(data) {
		t.Fatalf("failed to write: %d of %d (%v)", n, len(data), err)
	}

	var got []byte
	buf := make([]byte, 2*maxIO)
	for off := int64(0); ; {
		n, err := c.Read(ctx, h, buf, off)
		got = append(got, buf[:n]...)
		off += int64(n)
		if err != nil || n == 0 {
			break
		}
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back %d bytes, want %d", len(got), len(data))
	}
}

func TestServerGoneIsIO(t *testing.T) {
	h := serve(t, mem.New())
	c := h.dial(t, WithRetry(1, time.Millisecond))
	h.gs.Stop()

	_, err := c.Getattr(context.Background(), c.Root())
	if sandboxfs.ErrnoOf(err) != sandboxfs.ErrIO {
		t.Errorf("expected IO, got %v", err)
	}
}

type stallingBackend struct {
	sandboxfs.Backend
}

func (b stallingBackend) Getattr(ctx context.Context, h sandboxfs.Handle) (sandboxfs.Attr, error) {
	<-ctx.Done()
	return sandboxfs.Attr{}, ctx.Err()
}

func TestDeadlineIsTimedOut(t *testing.T) {
	c := serve(t, stallingBackend{mem.New()}).dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Getattr(ctx, c.Root())
	if sandboxfs.ErrnoOf(err) != sandboxfs.ErrTimedOut {
		t.Errorf("expected TimedOut, got %v", err)
	}
}
