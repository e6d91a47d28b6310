package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"github.com/absfs/sandboxfs"
	"github.com/absfs/sandboxfs/internal/logging"
)

// Server exports a Backend over gRPC.
type Server struct {
	backend sandboxfs.Backend
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a Server for b.
func NewServer(b sandboxfs.Backend, opts ...ServerOption) *Server {
	s := &Server{backend: b, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the exported backend.
func (s *Server) Backend() sandboxfs.Backend { return s.backend }

// Register adds the service to r. Callers that build their own
// grpc.Server should chain Interceptor to get request logging.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

// Serve accepts connections on lis until ctx is done, then stops
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.Interceptor)}, opts...)...)
	s.Register(gs)

	errc := make(chan error, 1)
	go func() { errc <- gs.Serve(lis) }()
	s.logger.Info("serving backend", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errc
		return nil
	case err := <-errc:
		return err
	}
}

// Interceptor tags each call with a request id and logs failed calls
// at debug level.
func (s *Server) Interceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx = logging.MakeContextWithNewRequestID(logging.MakeContextWithLogger(ctx, s.logger))
	resp, err := handler(ctx, req)
	if r, ok := resp.(reply); ok && err == nil {
		if st := r.result(); st.Errno != 0 {
			logging.GetLoggerFromContextWithOp(ctx, info.FullMethod).Debug("call failed", "errno", st.Errno.Error(), "error", st.Msg)
		}
	}
	return resp, err
}

type backendService interface {
	Backend() sandboxfs.Backend
}

// unary builds a method whose reply carries the error kind of fn.
func unary[Req any](name string, fn func(b sandboxfs.Backend, ctx context.Context, req *Req) (reply, error)) grpc.MethodDesc {
	call := func(srv any, ctx context.Context, req *Req) (any, error) {
		resp, err := fn(srv.(backendService).Backend(), ctx, req)
		if err != nil {
			st := resp.result()
			st.Errno = sandboxfs.ErrnoOf(err)
			st.Msg = err.Error()
		}
		return resp, nil
	}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*backendService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Capabilities", func(b sandboxfs.Backend, ctx context.Context, _ *empty) (reply, error) {
			return &capsReply{Caps: b.Capabilities(), Root: b.Root()}, nil
		}),
		unary("Lookup", func(b sandboxfs.Backend, ctx context.Context, req *nameReq) (reply, error) {
			h, err := b.Lookup(ctx, req.Dir, req.Name)
			return &handleReply{H: h}, err
		}),
		unary("Getattr", func(b sandboxfs.Backend, ctx context.Context, req *handleReq) (reply, error) {
			a, err := b.Getattr(ctx, req.H)
			return &attrReply{Attr: a}, err
		}),
		unary("Setattr", func(b sandboxfs.Backend, ctx context.Context, req *setattrReq) (reply, error) {
			a, err := b.Setattr(ctx, req.H, req.Set)
			return &attrReply{Attr: a}, err
		}),
		unary("Create", func(b sandboxfs.Backend, ctx context.Context, req *createReq) (reply, error) {
			h, err := b.Create(ctx, req.Dir, req.Name, req.Spec)
			return &handleReply{H: h}, err
		}),
		unary("Mkdir", func(b sandboxfs.Backend, ctx context.Context, req *createReq) (reply, error) {
			h, err := b.Mkdir(ctx, req.Dir, req.Name, req.Spec)
			return &handleReply{H: h}, err
		}),
		unary("Symlink", func(b sandboxfs.Backend, ctx context.Context, req *createReq) (reply, error) {
			h, err := b.Symlink(ctx, req.Dir, req.Name, req.Target, req.Spec)
			return &handleReply{H: h}, err
		}),
		unary("Readlink", func(b sandboxfs.Backend, ctx context.Context, req *handleReq) (reply, error) {
			target, err := b.Readlink(ctx, req.H)
			return &stringReply{S: target}, err
		}),
		unary("Link", func(b sandboxfs.Backend, ctx context.Context, req *linkReq) (reply, error) {
			return &statusReply{}, b.Link(ctx, req.H, req.Dir, req.Name)
		}),
		unary("Unlink", func(b sandboxfs.Backend, ctx context.Context, req *nameReq) (reply, error) {
			return &statusReply{}, b.Unlink(ctx, req.Dir, req.Name)
		}),
		unary("Rmdir", func(b sandboxfs.Backend, ctx context.Context, req *nameReq) (reply, error) {
			return &statusReply{}, b.Rmdir(ctx, req.Dir, req.Name)
		}),
		unary("Rename", func(b sandboxfs.Backend, ctx context.Context, req *renameReq) (reply, error) {
			return &statusReply{}, b.Rename(ctx, req.SrcDir, req.SrcName, req.DstDir, req.DstName, req.Flags)
		}),
		unary("ReadDir", func(b sandboxfs.Backend, ctx context.Context, req *readDirReq) (reply, error) {
			entries, err := b.ReadDir(ctx, req.Dir, req.After, req.Max)
			return &readDirReply{Entries: entries}, err
		}),
		unary("Open", func(b sandboxfs.Backend, ctx context.Context, req *openReq) (reply, error) {
			return &statusReply{}, b.Open(ctx, req.H, req.Flags)
		}),
		unary("Release", func(b sandboxfs.Backend, ctx context.Context, req *handleReq) (reply, error) {
			return &statusReply{}, b.Release(ctx, req.H)
		}),
		unary("Read", func(b sandboxfs.Backend, ctx context.Context, req *readReq) (reply, error) {
			if req.Size < 0 || req.Size > maxIO {
				return &readReply{}, sandboxfs.ErrInvalid
			}
			buf := make([]byte, req.Size)
			n, err := b.Read(ctx, req.H, buf, req.Off)
			if errors.Is(err, io.EOF) {
				return &readReply{Data: buf[:n], EOF: true}, nil
			}
			return &readReply{Data: buf[:n]}, err
		}),
		unary("Write", func(b sandboxfs.Backend, ctx context.Context, req *writeReq) (reply, error) {
			if len(req.Data) > maxIO {
				return &countReply{}, sandboxfs.ErrInvalid
			}
			n, err := b.Write(ctx, req.H, req.Data, req.Off)
			return &countReply{N: n}, err
		}),
		unary("Truncate", func(b sandboxfs.Backend, ctx context.Context, req *truncateReq) (reply, error) {
			return &statusReply{}, b.Truncate(ctx, req.H, req.Size)
		}),
		unary("Sync", func(b sandboxfs.Backend, ctx context.Context, req *handleReq) (reply, error) {
			return &statusReply{}, b.Sync(ctx, req.H)
		}),
		unary("GetXattr", func(b sandboxfs.Backend, ctx context.Context, req *xattrReq) (reply, error) {
			v, err := b.GetXattr(ctx, req.H, req.Name)
			return &bytesReply{Data: v}, err
		}),
		unary("SetXattr", func(b sandboxfs.Backend, ctx context.Context, req *xattrReq) (reply, error) {
			return &statusReply{}, b.SetXattr(ctx, req.H, req.Name, req.Value)
		}),
		unary("ListXattr", func(b sandboxfs.Backend, ctx context.Context, req *handleReq) (reply, error) {
			names, err := b.ListXattr(ctx, req.H)
			return &namesReply{Names: names}, err
		}),
		unary("RemoveXattr", func(b sandboxfs.Backend, ctx context.Context, req *xattrReq) (reply, error) {
			return &statusReply{}, b.RemoveXattr(ctx, req.H, req.Name)
		}),
		unary("Forget", func(b sandboxfs.Backend, ctx context.Context, req *handleReq) (reply, error) {
			b.Forget(req.H)
			return &statusReply{}, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sandboxfs/remote",
}
