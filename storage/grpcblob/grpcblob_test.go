package grpcblob

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/localfs"
	"xdao.co/capvault/storage/testkit"
)

func serve(t *testing.T, backend storage.Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	RegisterBlobsServer(srv, &Server{Backend: backend})

	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, s string) (net.Conn, error) { return lis.Dial() }
	cc, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	t.Cleanup(func() { _ = cc.Close() })

	client := NewClient(cc)
	client.Timeout = 2 * time.Second
	return client
}

func TestGRPCBlob_LocalFS_Conformance(t *testing.T) {
	testkit.RunBackendConformance(t, func(t *testing.T) storage.Backend {
		t.Helper()
		fs, err := localfs.New(t.TempDir())
		if err != nil {
			t.Fatalf("localfs.New: %v", err)
		}
		return serve(t, fs)
	})
}

func TestGRPCBlob_UnavailableBackend(t *testing.T) {
	mem := testkit.NewMemory()
	client := serve(t, mem)
	mem.SetDown(true)

	_, err := client.Put(context.Background(), []byte("x"))
	if err == nil || storage.IsNotFound(err) {
		t.Fatalf("expected an unavailable error, got %v", err)
	}
}

func TestGRPCBlob_NotFoundMapsToSentinel(t *testing.T) {
	client := serve(t, testkit.NewMemory())
	if _, err := client.Get(context.Background(), "bafkreiabc"); !storage.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
