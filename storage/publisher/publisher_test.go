package publisher

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"xdao.co/capvault/storage"
	"xdao.co/capvault/storage/testkit"
)

func blobID(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// fakeService emulates a publisher and aggregator on one server.
func fakeService(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	blobs := map[string][]byte{}
	puts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/v1/blobs":
			puts++
			if r.URL.Query().Get("epochs") != "1" {
				http.Error(w, "bad epochs", http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(r.Body)
			id := blobID(data)
			var resp any
			if _, ok := blobs[id]; ok {
				resp = map[string]any{"alreadyCertified": map[string]any{"blobId": id}}
			} else {
				blobs[id] = data
				resp = map[string]any{"newlyCreated": map[string]any{"blobObject": map[string]any{"blobId": id}}}
			}
			_ = json.NewEncoder(w).Encode(resp)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/blobs/"):
			b, ok := blobs[strings.TrimPrefix(r.URL.Path, "/v1/blobs/")]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(b)
		default:
			http.Error(w, "unexpected request", http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &puts
}

func TestPublisher_Conformance(t *testing.T) {
	testkit.Kit{
		New: func(t *testing.T) storage.Backend {
			srv, _ := fakeService(t)
			s, err := New(Options{PublisherURL: srv.URL})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			return s
		},
		RefFor: blobID,
	}.Run(t)
}

func TestPublisher_ServerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	s, err := New(Options{PublisherURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = s.Put(context.Background(), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestPublisher_SeparateAggregator(t *testing.T) {
	pub, _ := fakeService(t)
	agg, _ := fakeService(t)
	s, err := New(Options{PublisherURL: pub.URL, AggregatorURL: agg.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ref, err := s.Put(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	// The aggregator has not seen the blob.
	if _, err := s.Get(context.Background(), ref); !storage.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound from aggregator, got %v", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Options{PublisherURL: "ftp://example"}); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected empty url to fail")
	}
}
