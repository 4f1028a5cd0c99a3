package model

import "testing"

func TestParseContentID(t *testing.T) {
	id, err := ParseContentID("0xA1b2")
	if err != nil {
		t.Fatalf("ParseContentID: %v", err)
	}
	if id.String() != "a1b2" {
		t.Fatalf("unexpected encoding %q", id.String())
	}
	if _, err := ParseContentID("0x"); err == nil {
		t.Fatalf("expected empty id to be rejected")
	}
	if _, err := ParseContentID("zz"); err == nil {
		t.Fatalf("expected non-hex id to be rejected")
	}
}

func TestParseCapabilityKind(t *testing.T) {
	k, err := ParseCapabilityKind(" Owner ")
	if err != nil || k != KindOwner {
		t.Fatalf("got %v, %v", k, err)
	}
	k, err = ParseCapabilityKind("member")
	if err != nil || k != KindMember {
		t.Fatalf("got %v, %v", k, err)
	}
	if _, err := ParseCapabilityKind("admin"); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
	if CapabilityKind(9).Valid() {
		t.Fatalf("unexpected valid kind")
	}
}

func TestContainerSummary(t *testing.T) {
	c := Container{ID: "0x01", Name: "legacy", Members: []string{"0xa", "0xb"}, Content: []string{"r1"}}
	s := c.Summary()
	if s.ContentCount != 1 || s.MemberCount != 2 || s.Name != "legacy" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if !c.HasMember("0xb") || c.HasMember("0xc") {
		t.Fatalf("HasMember mismatch")
	}
	if !c.HasContent("r1") || c.HasContent("r2") {
		t.Fatalf("HasContent mismatch")
	}
}
