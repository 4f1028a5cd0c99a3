package memledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/model"
)

const pkg = "0xfeed"

func call(fn string, args ...ledger.Arg) ledger.Call {
	return ledger.Call{Package: pkg, Module: ledger.Module, Function: fn, Args: args}
}

func createVault(t *testing.T, l *Ledger, owner, name string) (containerID, capID string) {
	t.Helper()
	eff, err := l.Submit(context.Background(), owner, call(ledger.FnCreateVault, ledger.PureString(name)))
	if err != nil {
		t.Fatalf("create_vault: %v", err)
	}
	if eff.Status != ledger.StatusSuccess || len(eff.Created) != 2 {
		t.Fatalf("unexpected effects %+v", eff)
	}
	return eff.Created[0], eff.Created[1]
}

func TestCreateGrantApproveRevoke(t *testing.T) {
	ctx := context.Background()
	l := New(pkg)
	contID, ownerCap := createVault(t, l, "0xalice", "docs")

	eff, err := l.Submit(ctx, "0xalice", call(ledger.FnGrantAccess, ledger.PureString("0xbob"), ledger.Object(contID), ledger.Object(ownerCap)))
	if err != nil {
		t.Fatalf("grant_access: %v", err)
	}
	memberCap := eff.Created[0]

	owned, err := l.QueryOwned(ctx, "0xbob", model.KindMember)
	if err != nil || len(owned) != 1 || owned[0].ID != memberCap || owned[0].ContainerRef != contID {
		t.Fatalf("QueryOwned = %+v, %v", owned, err)
	}

	id, err := cidutil.NewContentID(contID, nil)
	if err != nil {
		t.Fatalf("NewContentID: %v", err)
	}
	approve := call(ledger.FnSealApprove, ledger.Pure(id), ledger.Object(memberCap), ledger.Object(contID))
	if err := l.DryRun(ctx, "0xbob", approve); err != nil {
		t.Fatalf("member approve: %v", err)
	}
	if err := l.DryRun(ctx, "0xcarol", approve); !ledger.IsAbort(err) {
		t.Fatalf("expected abort for non-holder, got %v", err)
	}
	if err := l.DryRun(ctx, "0xalice", call(ledger.FnSealApproveOwner, ledger.Pure(id), ledger.Object(contID))); err != nil {
		t.Fatalf("owner approve: %v", err)
	}

	if _, err := l.Submit(ctx, "0xalice", call(ledger.FnRemoveAccess, ledger.PureString("0xbob"), ledger.Object(contID), ledger.Object(ownerCap))); err != nil {
		t.Fatalf("remove_access: %v", err)
	}
	var ae *ledger.AbortError
	if err := l.DryRun(ctx, "0xbob", approve); !errors.As(err, &ae) || ae.Code != ledger.AbortNoAccess {
		t.Fatalf("expected AbortNoAccess after revoke, got %v", err)
	}
}

func TestApproveRejectsForeignPrefix(t *testing.T) {
	ctx := context.Background()
	l := New(pkg)
	contA, _ := createVault(t, l, "0xalice", "a")
	contB, _ := createVault(t, l, "0xalice", "b")
	id, _ := cidutil.NewContentID(contB, nil)

	var ae *ledger.AbortError
	err := l.DryRun(ctx, "0xalice", call(ledger.FnSealApproveOwner, ledger.Pure(id), ledger.Object(contA)))
	if !errors.As(err, &ae) || ae.Code != ledger.AbortBadPrefix {
		t.Fatalf("expected AbortBadPrefix, got %v", err)
	}
}

func TestPublishOwnerOnlyAndNotIdempotent(t *testing.T) {
	ctx := context.Background()
	l := New(pkg)
	contID, ownerCap := createVault(t, l, "0xalice", "docs")
	eff, _ := l.Submit(ctx, "0xalice", call(ledger.FnGrantAccess, ledger.PureString("0xbob"), ledger.Object(contID), ledger.Object(ownerCap)))
	memberCap := eff.Created[0]

	if _, err := l.Submit(ctx, "0xbob", call(ledger.FnPublish, ledger.Object(contID), ledger.Object(memberCap), ledger.PureString("blob1"))); !ledger.IsAbort(err) {
		t.Fatalf("member publish must abort, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := l.Submit(ctx, "0xalice", call(ledger.FnPublish, ledger.Object(contID), ledger.Object(ownerCap), ledger.PureString("blob1"))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	c, _ := l.GetContainer(ctx, contID)
	if len(c.Content) != 2 {
		t.Fatalf("expected duplicate entries, got %v", c.Content)
	}
}

func TestAmbiguousSubmission(t *testing.T) {
	ctx := context.Background()
	l := New(pkg)
	contID, ownerCap := createVault(t, l, "0xalice", "docs")

	l.AmbiguousNext(1, true)
	_, err := l.Submit(ctx, "0xalice", call(ledger.FnPublish, ledger.Object(contID), ledger.Object(ownerCap), ledger.PureString("blob1")))
	if !errors.Is(err, ledger.ErrAmbiguous) {
		t.Fatalf("expected ErrAmbiguous, got %v", err)
	}
	c, _ := l.GetContainer(ctx, contID)
	if !c.HasContent("blob1") {
		t.Fatalf("committed ambiguous call should have taken effect")
	}
}

func TestDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	l := New(pkg)
	contID, ownerCap := createVault(t, l, "0xalice", "docs")
	if err := l.DryRun(ctx, "0xalice", call(ledger.FnPublish, ledger.Object(contID), ledger.Object(ownerCap), ledger.PureString("x"))); err != nil {
		t.Fatalf("DryRun publish: %v", err)
	}
	c, _ := l.GetContainer(ctx, contID)
	if len(c.Content) != 0 {
		t.Fatalf("DryRun mutated state: %v", c.Content)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := New(pkg)
	contID, _ := createVault(t, l, "0xalice", "docs")
	if err := l.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	l2, err := Load(path, pkg)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, err := l2.GetContainer(context.Background(), contID)
	if err != nil || c.Name != "docs" || c.Owner != "0xalice" {
		t.Fatalf("reloaded container = %+v, %v", c, err)
	}
	if _, err := Load(path, "0xother"); err == nil {
		t.Fatalf("expected package mismatch to fail")
	}
	empty, err := Load(filepath.Join(t.TempDir(), "missing.json"), pkg)
	if err != nil || empty.Package() != pkg {
		t.Fatalf("missing file should yield empty ledger: %v", err)
	}
}
