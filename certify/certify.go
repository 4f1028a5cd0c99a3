// Package certify appends stored blob references to a container's content
// list on the ledger.
//
// The publish call is not idempotent: submitting the same blob ref twice
// lists it twice. A submission whose outcome is unknown is therefore
// remembered as pending, and the next Certify for the same blob checks the
// container instead of resubmitting. Only Resubmit, called after the user
// confirms, sends a pending blob again.
package certify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"xdao.co/capvault/clock"
	"xdao.co/capvault/internal/codec"
	"xdao.co/capvault/internal/metrics"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/localcache"
	"xdao.co/capvault/model"
)

// PendingKey is the cache key under which unresolved submissions persist.
const PendingKey = "certifyPending"

// Receipt is the result of a certification.
type Receipt struct {
	ContainerID string
	Locator     model.StorageLocator
	// Digest is the transaction digest; empty when AlreadyCertified.
	Digest string
	// AlreadyCertified is set when a prior ambiguous submission turned out
	// to have executed.
	AlreadyCertified bool
	Events           []ledger.Event
}

// Pending is one submission whose outcome was never observed.
type Pending struct {
	ContainerID  string `cbor:"1,keyasint"`
	CapabilityID string `cbor:"2,keyasint"`
	BackendID    string `cbor:"3,keyasint"`
	BlobRef      string `cbor:"4,keyasint"`
	Since        int64  `cbor:"5,keyasint"`
}

type Options struct {
	Package   string
	Sender    string
	Submitter ledger.Submitter
	Query     ledger.Query
	// Cache persists pending submissions. Nil keeps them in memory.
	Cache   localcache.Cache
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Publisher is safe for concurrent use.
type Publisher struct {
	opts Options
	log  *slog.Logger
	mu   sync.Mutex
}

func New(opts Options) (*Publisher, error) {
	if opts.Package == "" || opts.Sender == "" {
		return nil, model.NewError(model.ValidationError, "CAPV-CRT-011", "certify: package and sender are required")
	}
	if opts.Submitter == nil || opts.Query == nil {
		return nil, model.NewError(model.ValidationError, "CAPV-CRT-012", "certify: submitter and query are required")
	}
	if opts.Cache == nil {
		opts.Cache = localcache.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{opts: opts, log: logger.With("component", "certify")}, nil
}

// Certify submits one publish transaction for loc. If an earlier
// submission for the same blob is pending, nothing is submitted: the
// container is checked and either AlreadyCertified is returned or a
// CertificationConflict asks the caller to confirm via Resubmit.
func (p *Publisher) Certify(ctx context.Context, containerID, capabilityID string, loc model.StorageLocator) (Receipt, error) {
	if err := validate(containerID, capabilityID, loc); err != nil {
		return Receipt{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, err := p.loadPending()
	if err != nil {
		return Receipt{}, err
	}
	if idx := find(pending, containerID, loc.BlobRef); idx >= 0 {
		return p.reconcile(ctx, pending, idx, loc)
	}
	return p.submit(ctx, pending, containerID, capabilityID, loc)
}

// Resubmit sends a publish for loc even if a prior attempt is pending.
// Callers use it only after confirming the earlier outcome; a duplicate
// entry results if the earlier attempt did execute.
func (p *Publisher) Resubmit(ctx context.Context, containerID, capabilityID string, loc model.StorageLocator) (Receipt, error) {
	if err := validate(containerID, capabilityID, loc); err != nil {
		return Receipt{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, err := p.loadPending()
	if err != nil {
		return Receipt{}, err
	}
	if idx := find(pending, containerID, loc.BlobRef); idx >= 0 {
		pending = append(pending[:idx], pending[idx+1:]...)
	}
	return p.submit(ctx, pending, containerID, capabilityID, loc)
}

// Pending lists unresolved submissions, oldest first.
func (p *Publisher) Pending() ([]Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending, err := p.loadPending()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Since < pending[j].Since })
	return pending, nil
}

func (p *Publisher) submit(ctx context.Context, pending []Pending, containerID, capabilityID string, loc model.StorageLocator) (Receipt, error) {
	call := ledger.Call{
		Package:  p.opts.Package,
		Module:   ledger.Module,
		Function: ledger.FnPublish,
		Args:     []ledger.Arg{ledger.Object(containerID), ledger.Object(capabilityID), ledger.PureString(loc.BlobRef)},
	}
	eff, err := p.opts.Submitter.Submit(ctx, p.opts.Sender, call)
	switch {
	case err == nil && eff.Status == ledger.StatusSuccess:
		if err := p.storePending(pending); err != nil {
			p.log.Warn("pending list not updated", "err", err)
		}
		p.opts.Metrics.Certification("certified")
		p.log.Info("blob certified", "container", containerID, "blob_ref", loc.BlobRef, "digest", eff.Digest)
		return Receipt{ContainerID: containerID, Locator: loc, Digest: eff.Digest, Events: eff.Events}, nil

	case ledger.IsAbort(err):
		if err := p.storePending(pending); err != nil {
			p.log.Warn("pending list not updated", "err", err)
		}
		p.opts.Metrics.Certification("rejected")
		return Receipt{}, model.WrapError(model.AccessDenied, "CAPV-CRT-003", "certify: publish rejected", err)

	case err == nil:
		p.opts.Metrics.Certification("rejected")
		return Receipt{}, model.NewError(model.Internal, "CAPV-CRT-005", "certify: publish failed: "+eff.Error)
	}

	// Any other failure leaves the outcome unknown.
	pending = append(pending, Pending{
		ContainerID:  containerID,
		CapabilityID: capabilityID,
		BackendID:    loc.BackendID,
		BlobRef:      loc.BlobRef,
		Since:        p.opts.Clock.Now().Unix(),
	})
	if perr := p.storePending(pending); perr != nil {
		err = errors.Join(err, perr)
	}
	p.opts.Metrics.Certification("ambiguous")
	p.log.Warn("publish outcome unknown", "container", containerID, "blob_ref", loc.BlobRef, "err", err)
	return Receipt{}, model.WrapError(model.CertificationConflict, "CAPV-CRT-004",
		fmt.Sprintf("certify: outcome of publishing %s is unknown; confirm before resubmitting", loc.BlobRef), err)
}

func (p *Publisher) reconcile(ctx context.Context, pending []Pending, idx int, loc model.StorageLocator) (Receipt, error) {
	entry := pending[idx]
	cont, err := p.opts.Query.GetContainer(ctx, entry.ContainerID)
	if err != nil {
		return Receipt{}, model.WrapError(model.CertificationConflict, "CAPV-CRT-002",
			"certify: prior attempt unresolved and container lookup failed", err)
	}
	if !cont.HasContent(entry.BlobRef) {
		p.opts.Metrics.Certification("conflict")
		return Receipt{}, model.NewError(model.CertificationConflict, "CAPV-CRT-001",
			fmt.Sprintf("certify: prior attempt to publish %s has unknown outcome and is not yet listed; confirm to resubmit", entry.BlobRef))
	}
	pending = append(pending[:idx], pending[idx+1:]...)
	if err := p.storePending(pending); err != nil {
		p.log.Warn("pending list not updated", "err", err)
	}
	p.opts.Metrics.Certification("already_certified")
	p.log.Info("prior publish confirmed", "container", entry.ContainerID, "blob_ref", entry.BlobRef)
	return Receipt{ContainerID: entry.ContainerID, Locator: loc, AlreadyCertified: true}, nil
}

func (p *Publisher) loadPending() ([]Pending, error) {
	b, ok, err := p.opts.Cache.Get(PendingKey)
	if err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-CRT-020", "certify: read pending list", err)
	}
	if !ok {
		return nil, nil
	}
	var out []Pending
	if err := codec.Unmarshal(b, &out); err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-CRT-021", "certify: decode pending list", err)
	}
	return out, nil
}

func (p *Publisher) storePending(pending []Pending) error {
	if len(pending) == 0 {
		return p.opts.Cache.Delete(PendingKey)
	}
	b, err := codec.Marshal(pending)
	if err != nil {
		return err
	}
	return p.opts.Cache.Set(PendingKey, b)
}

func find(pending []Pending, containerID, blobRef string) int {
	for i, e := range pending {
		if e.ContainerID == containerID && e.BlobRef == blobRef {
			return i
		}
	}
	return -1
}

func validate(containerID, capabilityID string, loc model.StorageLocator) error {
	if containerID == "" || capabilityID == "" || loc.BlobRef == "" {
		return model.NewError(model.ValidationError, "CAPV-CRT-010", "certify: container, capability and blob ref are required")
	}
	return nil
}

// Age reports how long the entry has been pending.
func (e Pending) Age(now time.Time) time.Duration { return now.Sub(time.Unix(e.Since, 0)) }
