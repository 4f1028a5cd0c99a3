package policy

import (
	"bytes"
	"testing"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/model"
)

const container = "0x0a0b0c"

func contentID(t *testing.T) model.ContentID {
	t.Helper()
	id, err := cidutil.NewContentID(container, bytes.NewReader([]byte{1, 2, 3, 4, 5}))
	if err != nil {
		t.Fatalf("NewContentID: %v", err)
	}
	return id
}

func TestOwnerDirectiveReferencesContainerOnly(t *testing.T) {
	g := New("0xpkg")
	d, err := g.Build(contentID(t), model.Capability{ID: "0xcap", ContainerID: container, Kind: model.KindOwner})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Call.Function != ledger.FnSealApproveOwner || len(d.Call.Args) != 2 {
		t.Fatalf("unexpected call %+v", d.Call)
	}
	if d.Call.Args[1].Object != container {
		t.Fatalf("owner directive must reference the container")
	}
	for _, a := range d.Call.Args {
		if a.Object == "0xcap" {
			t.Fatalf("owner directive must not embed the capability")
		}
	}
}

func TestMemberDirectiveEmbedsCapability(t *testing.T) {
	g := New("0xpkg")
	id := contentID(t)
	d, err := g.Build(id, model.Capability{ID: "0xcap", ContainerID: container, Kind: model.KindMember})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Call.Target() != "0xpkg::vault::seal_approve" {
		t.Fatalf("unexpected target %s", d.Call.Target())
	}
	if !bytes.Equal(d.Call.Args[0].Pure, id) || d.Call.Args[1].Object != "0xcap" || d.Call.Args[2].Object != container {
		t.Fatalf("unexpected args %+v", d.Call.Args)
	}
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	g := New("0xpkg")
	id := contentID(t)
	cases := []struct {
		name string
		id   model.ContentID
		cap  model.Capability
	}{
		{"empty id", nil, model.Capability{ID: "0xcap", ContainerID: container, Kind: model.KindOwner}},
		{"bad kind", id, model.Capability{ID: "0xcap", ContainerID: container}},
		{"foreign container", id, model.Capability{ID: "0xcap", ContainerID: "0xffff", Kind: model.KindOwner}},
		{"member without cap id", id, model.Capability{ContainerID: container, Kind: model.KindMember}},
	}
	for _, tc := range cases {
		if _, err := g.Build(tc.id, tc.cap); !model.IsKind(err, model.ValidationError) {
			t.Fatalf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}
