// Package capability enumerates the capability tokens an identity holds
// and resolves each to a summary of its content container.
package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"xdao.co/capvault/internal/metrics"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/model"
)

// summaryConcurrency bounds concurrent container lookups.
const summaryConcurrency = 8

// Entry is one resolved capability and the container it governs.
type Entry struct {
	Capability model.Capability
	Container  model.ContainerSummary
}

type Options struct {
	Query   ledger.Query
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Resolver lists capabilities via the ledger query service. It performs no
// retries; every lookup failure is ResolverUnavailable.
type Resolver struct {
	query   ledger.Query
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewResolver(opts Options) (*Resolver, error) {
	if opts.Query == nil {
		return nil, model.NewError(model.ValidationError, "CAPV-RES-011", "capability: query service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{query: opts.Query, log: logger.With("component", "resolver"), metrics: opts.Metrics}, nil
}

// Resolve returns every capability identity holds, one entry per
// container. When identity holds both kinds for a container, the Owner
// capability wins. Entries are ordered Owner first, then by container
// name and id.
func (r *Resolver) Resolve(ctx context.Context, identity string) ([]Entry, error) {
	if identity == "" {
		return nil, model.NewError(model.ValidationError, "CAPV-RES-010", "capability: identity is required")
	}

	var owned, member []ledger.OwnedCapability
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		caps, err := r.query.QueryOwned(gctx, identity, model.KindOwner)
		if err != nil {
			return model.WrapError(model.ResolverUnavailable, "CAPV-RES-001", "capability: owner capability query failed", err)
		}
		owned = caps
		return nil
	})
	g.Go(func() error {
		caps, err := r.query.QueryOwned(gctx, identity, model.KindMember)
		if err != nil {
			return model.WrapError(model.ResolverUnavailable, "CAPV-RES-002", "capability: member capability query failed", err)
		}
		member = caps
		return nil
	})
	if err := g.Wait(); err != nil {
		r.metrics.ResolverLookup("failed")
		r.log.Warn("capability lookup failed", "identity", identity, "err", err)
		return nil, err
	}

	caps := merge(owned, member)
	entries := make([]Entry, len(caps))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(summaryConcurrency)
	for i, c := range caps {
		g.Go(func() error {
			cont, err := r.query.GetContainer(gctx, c.ContainerID)
			if err != nil {
				return model.WrapError(model.ResolverUnavailable, "CAPV-RES-003",
					fmt.Sprintf("capability: container %s lookup failed", c.ContainerID), err)
			}
			entries[i] = Entry{Capability: c, Container: cont.Summary()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.metrics.ResolverLookup("failed")
		r.log.Warn("container lookup failed", "identity", identity, "err", err)
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Capability.Kind != b.Capability.Kind {
			return a.Capability.Kind < b.Capability.Kind
		}
		if a.Container.Name != b.Container.Name {
			return a.Container.Name < b.Container.Name
		}
		return a.Container.ID < b.Container.ID
	})
	r.metrics.ResolverLookup("ok")
	r.log.Debug("capabilities resolved", "identity", identity, "owner", len(owned), "member", len(member), "entries", len(entries))
	return entries, nil
}

// Lookup returns the entry for containerID, or a ValidationError when
// identity holds no capability for it.
func (r *Resolver) Lookup(ctx context.Context, identity, containerID string) (Entry, error) {
	entries, err := r.Resolve(ctx, identity)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Container.ID == containerID {
			return e, nil
		}
	}
	return Entry{}, model.NewError(model.ValidationError, "CAPV-RES-012",
		fmt.Sprintf("capability: %s holds no capability for container %s", identity, containerID))
}

// merge tags rows with their kind and keeps one capability per container,
// preferring Owner, then the lowest capability id.
func merge(owned, member []ledger.OwnedCapability) []model.Capability {
	byContainer := make(map[string]model.Capability, len(owned)+len(member))
	add := func(rows []ledger.OwnedCapability, kind model.CapabilityKind) {
		for _, row := range rows {
			c := model.Capability{ID: row.ID, ContainerID: row.ContainerRef, Kind: kind}
			prev, ok := byContainer[c.ContainerID]
			if !ok || c.Kind < prev.Kind || (c.Kind == prev.Kind && c.ID < prev.ID) {
				byContainer[c.ContainerID] = c
			}
		}
	}
	add(owned, model.KindOwner)
	add(member, model.KindMember)

	out := make([]model.Capability, 0, len(byContainer))
	for _, c := range byContainer {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out
}
