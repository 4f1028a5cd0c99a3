package grpcblob

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
)

// Client implements storage.Backend over the Blobs gRPC service.
type Client struct {
	cc     *grpc.ClientConn
	client BlobsClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

var _ storage.Backend = (*Client)(nil)

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return NewClient(cc), nil
}

// NewClient wraps an existing connection.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc, client: NewBlobsClient(cc)}
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Put(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := c.rpcCtx(ctx)
	defer cancel()

	reply, err := c.client.Put(ctx, wrapperspb.Bytes(data))
	if err != nil {
		return "", mapRPC(err)
	}
	ref := reply.GetValue()
	if ref == "" {
		return "", storage.ErrInvalidRef
	}
	if _, matches, isCID := cidutil.VerifyRef(ref, data); isCID && !matches {
		return "", storage.ErrRefMismatch
	}
	return ref, nil
}

func (c *Client) Get(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, storage.ErrInvalidRef
	}
	ctx, cancel := c.rpcCtx(ctx)
	defer cancel()

	reply, err := c.client.Get(ctx, wrapperspb.String(ref))
	if err != nil {
		return nil, mapRPC(err)
	}
	b := reply.GetValue()
	if _, matches, isCID := cidutil.VerifyRef(ref, b); isCID && !matches {
		return nil, storage.ErrRefMismatch
	}
	return b, nil
}

func (c *Client) rpcCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}
