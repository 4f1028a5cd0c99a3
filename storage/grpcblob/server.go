package grpcblob

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/storage"
)

// Server exposes a storage.Backend over the Blobs gRPC service.
type Server struct {
	UnimplementedBlobsServer
	Backend storage.Backend
	// MaxSize rejects larger payloads when non-zero.
	MaxSize int
	Logger  *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.Backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing backend")
	}
	b := in.GetValue()
	if s.MaxSize > 0 && len(b) > s.MaxSize {
		return nil, status.Errorf(codes.ResourceExhausted, "payload of %d bytes exceeds %d", len(b), s.MaxSize)
	}
	ref, err := s.Backend.Put(ctx, b)
	if err != nil {
		s.logger().Warn("put failed", "err", err)
		return nil, mapErr(err)
	}
	// Content-addressed backends must return the CID of the bytes written.
	if _, matches, isCID := cidutil.VerifyRef(ref, b); isCID && !matches {
		return nil, status.Error(codes.DataLoss, storage.ErrRefMismatch.Error())
	}
	s.logger().Debug("blob stored", "blob_ref", ref, "bytes", len(b))
	return wrapperspb.String(ref), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing backend")
	}
	ref := in.GetValue()
	if ref == "" {
		return nil, status.Error(codes.InvalidArgument, storage.ErrInvalidRef.Error())
	}
	b, err := s.Backend.Get(ctx, ref)
	if err != nil {
		return nil, mapErr(err)
	}
	if _, matches, isCID := cidutil.VerifyRef(ref, b); isCID && !matches {
		return nil, status.Error(codes.DataLoss, storage.ErrRefMismatch.Error())
	}
	return wrapperspb.Bytes(b), nil
}
