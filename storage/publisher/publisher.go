// Package publisher is a blob backend for publisher/aggregator storage
// services: blobs are written with PUT {publisher}/v1/blobs?epochs=N and
// read with GET {aggregator}/v1/blobs/{blob_id}.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xdao.co/capvault/storage"
)

// DefaultEpochs is the storage duration requested for each blob.
const DefaultEpochs = 1

// maxBlobBytes caps how much of a GET response is read.
const maxBlobBytes = 64 << 20

type Options struct {
	PublisherURL  string
	AggregatorURL string
	Epochs        int
	// Timeout applies per request when non-zero.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Store talks to one publisher/aggregator pair.
type Store struct {
	publisher  *url.URL
	aggregator *url.URL
	epochs     int
	timeout    time.Duration
	client     *http.Client
}

var _ storage.Backend = (*Store)(nil)

func New(opts Options) (*Store, error) {
	pub, err := parseBase(opts.PublisherURL)
	if err != nil {
		return nil, fmt.Errorf("publisher: publisher url: %w", err)
	}
	agg := pub
	if opts.AggregatorURL != "" {
		if agg, err = parseBase(opts.AggregatorURL); err != nil {
			return nil, fmt.Errorf("publisher: aggregator url: %w", err)
		}
	}
	if opts.Epochs <= 0 {
		opts.Epochs = DefaultEpochs
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{publisher: pub, aggregator: agg, epochs: opts.Epochs, timeout: opts.Timeout, client: client}, nil
}

func parseBase(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("empty url")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u, nil
}

// storeResponse is the publisher's reply. Exactly one field is set.
type storeResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := s.requestCtx(ctx)
	defer cancel()

	u := *s.publisher
	u.Path += "/v1/blobs"
	u.RawQuery = url.Values{"epochs": []string{strconv.Itoa(s.epochs)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("publisher: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("publisher: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("publisher: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr storeResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("publisher: decode response: %w", err)
	}
	switch {
	case sr.NewlyCreated != nil && sr.NewlyCreated.BlobObject.BlobID != "":
		return sr.NewlyCreated.BlobObject.BlobID, nil
	case sr.AlreadyCertified != nil && sr.AlreadyCertified.BlobID != "":
		return sr.AlreadyCertified.BlobID, nil
	default:
		return "", fmt.Errorf("publisher: response has no blob id")
	}
}

func (s *Store) Get(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" || strings.ContainsAny(ref, "/?#") {
		return nil, storage.ErrInvalidRef
	}
	ctx, cancel := s.requestCtx(ctx)
	defer cancel()

	u := *s.aggregator
	u.Path += "/v1/blobs/" + ref
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, storage.ErrNotFound
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("aggregator: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes+1))
	if err != nil {
		return nil, fmt.Errorf("aggregator: read blob: %w", err)
	}
	if len(b) > maxBlobBytes {
		return nil, fmt.Errorf("aggregator: blob exceeds %d bytes", maxBlobBytes)
	}
	return b, nil
}

func (s *Store) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
