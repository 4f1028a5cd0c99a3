// Package decrypt drives batch decryption of a container's blobs.
//
// Each blob is independent: a per-blob failure such as AccessDenied is
// recorded in that blob's Result and never stops the rest. The one
// batch-level failure is an expired session credential, which triggers a
// single credential refresh followed by one retry of the unfinished
// blobs.
package decrypt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"xdao.co/capvault/internal/metrics"
	"xdao.co/capvault/model"
	"xdao.co/capvault/policy"
	"xdao.co/capvault/session"
)

// DefaultBatchSize is the number of blobs decrypted concurrently.
const DefaultBatchSize = 10

// Fetcher reads ciphertext by blob ref.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Decrypter is the threshold-decryption service.
type Decrypter interface {
	ContentID(ciphertext []byte) (model.ContentID, error)
	Decrypt(ctx context.Context, ciphertext []byte, cred *session.Credential, d policy.Directive) ([]byte, error)
}

// Credentials supplies and refreshes session credentials.
type Credentials interface {
	Ensure(ctx context.Context) (*session.Credential, error)
	Refresh(ctx context.Context, stale *session.Credential) (*session.Credential, error)
}

// Result is the outcome for one blob. Exactly one of Plaintext and Err
// is meaningful.
type Result struct {
	ContentID model.ContentID
	Plaintext []byte
	Err       error
}

type Options struct {
	Fetcher     Fetcher
	Decrypter   Decrypter
	Policy      *policy.Gateway
	Credentials Credentials
	// BatchSize caps concurrent decryptions. Zero means DefaultBatchSize.
	BatchSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	fetch   Fetcher
	dec     Decrypter
	policy  *policy.Gateway
	creds   Credentials
	batch   int
	log     *slog.Logger
	metrics *metrics.Metrics
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Fetcher == nil || opts.Decrypter == nil || opts.Policy == nil || opts.Credentials == nil {
		return nil, model.NewError(model.ValidationError, "CAPV-DEC-010", "decrypt: fetcher, decrypter, policy and credentials are required")
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize < 0 {
		return nil, model.NewError(model.ValidationError, "CAPV-DEC-011", "decrypt: batch size must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		fetch:   opts.Fetcher,
		dec:     opts.Decrypter,
		policy:  opts.Policy,
		creds:   opts.Credentials,
		batch:   opts.BatchSize,
		log:     logger.With("component", "decrypt"),
		metrics: opts.Metrics,
	}, nil
}

// DecryptAll decrypts every blob in refs under capability c and returns
// one Result per distinct ref. A nil cred is obtained from Credentials.
//
// The returned error is non-nil when the batch stopped early: ctx was
// cancelled (in-flight calls finish, their results are discarded), the
// credential could not be created or refreshed, or the credential expired
// again after the single refresh. The map still holds every result from
// groups that completed before the stop.
func (o *Orchestrator) DecryptAll(ctx context.Context, refs []string, cred *session.Credential, c model.Capability) (map[string]Result, error) {
	start := time.Now()
	pending := dedupe(refs)
	results := make(map[string]Result, len(pending))
	if len(pending) == 0 {
		return results, nil
	}

	var err error
	if cred == nil {
		if cred, err = o.creds.Ensure(ctx); err != nil {
			o.metrics.ObserveBatch("credential_failed", time.Since(start))
			return results, err
		}
	}

	for pass := 0; ; pass++ {
		pending, err = o.run(ctx, pending, cred, c, results)
		if err != nil {
			o.observe(results)
			o.metrics.ObserveBatch("cancelled", time.Since(start))
			return results, err
		}
		if len(pending) == 0 {
			break
		}
		if pass > 0 {
			o.observe(results)
			o.metrics.ObserveBatch("expired", time.Since(start))
			return results, model.NewError(model.CredentialExpired, "CAPV-DEC-002",
				"decrypt: session credential expired again after refresh")
		}
		o.log.Info("session credential expired, refreshing", "remaining", len(pending))
		if cred, err = o.creds.Refresh(ctx, cred); err != nil {
			o.observe(results)
			o.metrics.ObserveBatch("credential_failed", time.Since(start))
			return results, err
		}
	}

	o.observe(results)
	o.metrics.ObserveBatch("ok", time.Since(start))
	return results, nil
}

func (o *Orchestrator) observe(results map[string]Result) {
	for _, r := range results {
		o.metrics.DecryptResult(outcome(r.Err))
	}
}

// run processes refs in groups of o.batch, writing definitive outcomes
// into results. It returns the refs left unfinished because the
// credential expired; no new group is started after an expiry. On
// cancellation only the group in flight is dropped.
func (o *Orchestrator) run(ctx context.Context, refs []string, cred *session.Credential, c model.Capability, results map[string]Result) ([]string, error) {
	// In-flight calls are not interrupted by cancellation.
	callCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(refs); start += o.batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		group := refs[start:min(start+o.batch, len(refs))]

		var (
			mu      sync.Mutex
			out     = make(map[string]Result, len(group))
			expired bool
		)
		var g errgroup.Group
		for _, ref := range group {
			g.Go(func() error {
				r := o.one(callCtx, ref, cred, c)
				mu.Lock()
				defer mu.Unlock()
				if model.IsKind(r.Err, model.CredentialExpired) {
					expired = true
					return nil
				}
				out[ref] = r
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ref, r := range out {
			results[ref] = r
		}
		if expired {
			var left []string
			for _, ref := range refs[start:] {
				if _, done := results[ref]; !done {
					left = append(left, ref)
				}
			}
			return left, nil
		}
	}
	return nil, nil
}

func (o *Orchestrator) one(ctx context.Context, ref string, cred *session.Credential, c model.Capability) Result {
	ct, err := o.fetch.Fetch(ctx, ref)
	if err != nil {
		o.log.Warn("blob fetch failed", "blob_ref", ref, "err", err)
		return Result{Err: err}
	}
	id, err := o.dec.ContentID(ct)
	if err != nil {
		return Result{Err: err}
	}
	d, err := o.policy.Build(id, c)
	if err != nil {
		return Result{ContentID: id, Err: err}
	}
	pt, err := o.dec.Decrypt(ctx, ct, cred, d)
	if err != nil {
		if model.IsKind(err, model.AccessDenied) {
			o.log.Info("access denied", "blob_ref", ref, "content_id", id.String())
		} else if !model.IsKind(err, model.CredentialExpired) {
			o.log.Warn("decrypt failed", "blob_ref", ref, "content_id", id.String(), "err", err)
		}
		return Result{ContentID: id, Err: err}
	}
	return Result{ContentID: id, Plaintext: pt}
}

func dedupe(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := model.KindOf(err); k != "" {
		return string(k)
	}
	return "error"
}

// Counts tallies results by outcome for reporting.
func Counts(results map[string]Result) map[string]int {
	out := make(map[string]int)
	for _, r := range results {
		out[outcome(r.Err)]++
	}
	return out
}

// Describe formats a per-item failure for display.
func (r Result) Describe() string {
	if r.Err == nil {
		return ""
	}
	if code := model.CodeOf(r.Err); code != "" {
		return fmt.Sprintf("%s (%s)", model.KindOf(r.Err), code)
	}
	return r.Err.Error()
}
