package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"xdao.co/capvault/clock"
	"xdao.co/capvault/internal/metrics"
	"xdao.co/capvault/model"
)

const (
	// DefaultMaxSize is the largest payload Upload accepts.
	DefaultMaxSize = 10 << 20
	// DefaultMaxRetries is the number of extra attempts after the first.
	DefaultMaxRetries = 2
)

type UploaderOptions struct {
	// Backends is the fixed rotation, in failover order.
	Backends []NamedBackend
	// MaxRetries is the number of attempts after the first. Negative
	// means none; zero means DefaultMaxRetries.
	MaxRetries int
	MaxSize    int64
	// RetryDelay is waited between attempts.
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// UploadResult describes a successful upload.
type UploadResult struct {
	Locator model.StorageLocator
	// RetryCount is the number of failed attempts before the one that
	// succeeded.
	RetryCount int
	Attempts   []model.UploadAttempt
}

// Uploader stores payloads against a rotation of backends with bounded,
// strictly sequential failover. Safe for concurrent use.
type Uploader struct {
	backends   []NamedBackend
	maxRetries int
	maxSize    int64
	delay      time.Duration
	clock      clock.Clock
	log        *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	selected int
}

func NewUploader(opts UploaderOptions) (*Uploader, error) {
	if len(opts.Backends) == 0 {
		return nil, model.NewError(model.ValidationError, "CAPV-UPL-010", "storage: at least one backend is required")
	}
	seen := make(map[string]struct{}, len(opts.Backends))
	for _, b := range opts.Backends {
		if b.ID == "" || b.Backend == nil {
			return nil, model.NewError(model.ValidationError, "CAPV-UPL-011", "storage: backend id and implementation are required")
		}
		if _, dup := seen[b.ID]; dup {
			return nil, model.NewError(model.ValidationError, "CAPV-UPL-012", fmt.Sprintf("storage: duplicate backend id %q", b.ID))
		}
		seen[b.ID] = struct{}{}
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = DefaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		backends:   append([]NamedBackend(nil), opts.Backends...),
		maxRetries: opts.MaxRetries,
		maxSize:    opts.MaxSize,
		delay:      opts.RetryDelay,
		clock:      opts.Clock,
		log:        log.With("component", "uploader"),
		metrics:    opts.Metrics,
	}, nil
}

// Backends returns the rotation.
func (u *Uploader) Backends() []NamedBackend { return append([]NamedBackend(nil), u.backends...) }

// Select makes id the first backend tried by the next Upload.
func (u *Uploader) Select(id string) error {
	for i, b := range u.backends {
		if b.ID == id {
			u.mu.Lock()
			u.selected = i
			u.mu.Unlock()
			return nil
		}
	}
	return model.NewError(model.ValidationError, "CAPV-UPL-013", fmt.Sprintf("storage: unknown backend %q", id))
}

// Selected returns the id of the backend the next Upload starts with.
func (u *Uploader) Selected() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.backends[u.selected].ID
}

// Upload stores data. It tries the selected backend, then advances
// forward through the rotation (wrapping) for at most MaxRetries further
// attempts. On success the selection moves to the backend that accepted
// the payload.
func (u *Uploader) Upload(ctx context.Context, data []byte) (UploadResult, error) {
	if int64(len(data)) > u.maxSize {
		return UploadResult{}, model.NewError(model.ValidationError, "CAPV-UPL-002",
			fmt.Sprintf("storage: payload of %d bytes exceeds limit of %d", len(data), u.maxSize))
	}

	u.mu.Lock()
	start := u.selected
	u.mu.Unlock()

	var (
		res     UploadResult
		lastErr error
	)
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if attempt > 0 && u.delay > 0 {
			select {
			case <-u.clock.After(u.delay):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}

		idx := (start + attempt) % len(u.backends)
		b := u.backends[idx]
		ref, err := b.Backend.Put(ctx, data)
		if err == nil && ref == "" {
			err = errors.New("storage: backend returned an empty blob ref")
		}
		a := model.UploadAttempt{BackendID: b.ID, RetryCount: attempt}
		if err != nil {
			a.Outcome, a.Err = model.OutcomeFailed, err
			res.Attempts = append(res.Attempts, a)
			lastErr = err
			u.metrics.UploadAttempt(b.ID, string(model.OutcomeFailed))
			u.log.Warn("upload attempt failed", "backend", b.ID, "attempt", attempt+1, "err", err)
			continue
		}

		a.Outcome = model.OutcomeStored
		res.Attempts = append(res.Attempts, a)
		u.metrics.UploadAttempt(b.ID, string(model.OutcomeStored))
		u.mu.Lock()
		u.selected = idx
		u.mu.Unlock()
		res.Locator = model.StorageLocator{BackendID: b.ID, BlobRef: ref}
		res.RetryCount = attempt
		u.log.Info("blob stored", "backend", b.ID, "blob_ref", ref, "retry_count", attempt)
		return res, nil
	}
	return res, model.WrapError(model.StorageUnavailable, "CAPV-UPL-001",
		fmt.Sprintf("storage: all %d upload attempts failed", u.maxRetries+1), lastErr)
}
