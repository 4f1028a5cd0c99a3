package capability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"xdao.co/capvault/ledger"
	"xdao.co/capvault/ledger/memledger"
	"xdao.co/capvault/model"
)

const pkg = "0xfeed"

func submit(t *testing.T, l *memledger.Ledger, sender, fn string, args ...ledger.Arg) ledger.Effects {
	t.Helper()
	eff, err := l.Submit(context.Background(), sender, ledger.Call{Package: pkg, Module: ledger.Module, Function: fn, Args: args})
	if err != nil {
		t.Fatalf("%s: %v", fn, err)
	}
	return eff
}

func newResolver(t *testing.T, q ledger.Query) *Resolver {
	t.Helper()
	r, err := NewResolver(Options{Query: q})
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return r
}

func TestResolveMergesKindsAndSummarizes(t *testing.T) {
	l := memledger.New(pkg)
	eff := submit(t, l, "0xalice", ledger.FnCreateVault, ledger.PureString("zeta"))
	aliceCont, aliceCap := eff.Created[0], eff.Created[1]
	submit(t, l, "0xalice", ledger.FnPublish, ledger.Object(aliceCont), ledger.Object(aliceCap), ledger.PureString("blob-1"))

	eff = submit(t, l, "0xbob", ledger.FnCreateVault, ledger.PureString("alpha"))
	bobCont, bobCap := eff.Created[0], eff.Created[1]
	submit(t, l, "0xbob", ledger.FnGrantAccess, ledger.PureString("0xalice"), ledger.Object(bobCont), ledger.Object(bobCap))

	entries, err := newResolver(t, l).Resolve(context.Background(), "0xalice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Capability.Kind != model.KindOwner || entries[0].Container.ID != aliceCont || entries[0].Container.ContentCount != 1 {
		t.Fatalf("unexpected owner entry %+v", entries[0])
	}
	if entries[1].Capability.Kind != model.KindMember || entries[1].Container.Name != "alpha" || entries[1].Container.MemberCount != 1 {
		t.Fatalf("unexpected member entry %+v", entries[1])
	}
}

func TestResolveOwnerAndMemberOfSameContainerIsOneEntry(t *testing.T) {
	l := memledger.New(pkg)
	eff := submit(t, l, "0xalice", ledger.FnCreateVault, ledger.PureString("docs"))
	cont, ownerCap := eff.Created[0], eff.Created[1]
	submit(t, l, "0xalice", ledger.FnGrantAccess, ledger.PureString("0xalice"), ledger.Object(cont), ledger.Object(ownerCap))

	entries, err := newResolver(t, l).Resolve(context.Background(), "0xalice")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry per container, got %+v", entries)
	}
	if entries[0].Capability.ID != ownerCap || entries[0].Capability.Kind != model.KindOwner {
		t.Fatalf("owner capability must win, got %+v", entries[0].Capability)
	}
}

func TestResolveEmpty(t *testing.T) {
	entries, err := newResolver(t, memledger.New(pkg)).Resolve(context.Background(), "0xnobody")
	if err != nil || len(entries) != 0 {
		t.Fatalf("Resolve = %+v, %v", entries, err)
	}
}

type flakyQuery struct {
	ledger.Query
	failKind model.CapabilityKind
	calls    atomic.Int32
}

func (q *flakyQuery) QueryOwned(ctx context.Context, owner string, kind model.CapabilityKind) ([]ledger.OwnedCapability, error) {
	q.calls.Add(1)
	if kind == q.failKind {
		return nil, errors.New("rpc: deadline exceeded")
	}
	return q.Query.QueryOwned(ctx, owner, kind)
}

func TestResolveEitherLookupFailingIsResolverUnavailable(t *testing.T) {
	for _, kind := range []model.CapabilityKind{model.KindOwner, model.KindMember} {
		q := &flakyQuery{Query: memledger.New(pkg), failKind: kind}
		_, err := newResolver(t, q).Resolve(context.Background(), "0xalice")
		if !model.IsKind(err, model.ResolverUnavailable) || !model.Retryable(err) {
			t.Fatalf("%s failure: expected ResolverUnavailable, got %v", kind, err)
		}
		if q.calls.Load() != 2 {
			t.Fatalf("expected exactly one query per kind and no retry, got %d", q.calls.Load())
		}
	}
}

func TestResolveContainerLookupFailure(t *testing.T) {
	l := memledger.New(pkg)
	submit(t, l, "0xalice", ledger.FnCreateVault, ledger.PureString("docs"))
	q := &missingContainers{Query: l}
	_, err := newResolver(t, q).Resolve(context.Background(), "0xalice")
	if model.CodeOf(err) != "CAPV-RES-003" || !model.IsKind(err, model.ResolverUnavailable) {
		t.Fatalf("expected CAPV-RES-003, got %v", err)
	}
}

type missingContainers struct{ ledger.Query }

func (missingContainers) GetContainer(context.Context, string) (model.Container, error) {
	return model.Container{}, errors.New("object deleted")
}

func TestLookup(t *testing.T) {
	l := memledger.New(pkg)
	eff := submit(t, l, "0xalice", ledger.FnCreateVault, ledger.PureString("docs"))
	r := newResolver(t, l)

	e, err := r.Lookup(context.Background(), "0xalice", eff.Created[0])
	if err != nil || e.Capability.ID != eff.Created[1] {
		t.Fatalf("Lookup = %+v, %v", e, err)
	}
	if _, err := r.Lookup(context.Background(), "0xbob", eff.Created[0]); !model.IsKind(err, model.ValidationError) {
		t.Fatalf("expected ValidationError for foreign container, got %v", err)
	}
}

func TestValidation(t *testing.T) {
	if _, err := NewResolver(Options{}); !model.IsKind(err, model.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	_, err := newResolver(t, memledger.New(pkg)).Resolve(context.Background(), "")
	if !model.IsKind(err, model.ValidationError) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
