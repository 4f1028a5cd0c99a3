// Package policy builds the kind-specific authorization directive key
// servers evaluate before releasing a decryption share. Building a
// directive performs no I/O.
package policy

import (
	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/model"
)

// Directive is the approval call a key server dry-runs on behalf of the
// credential's identity. It is bound to exactly one content id.
type Directive struct {
	ContentID model.ContentID
	Kind      model.CapabilityKind
	Call      ledger.Call
}

// Gateway builds directives for one package.
type Gateway struct {
	Package string
}

func New(pkg string) *Gateway { return &Gateway{Package: pkg} }

// Build returns the directive authorizing decryption of id under c.
// Owner directives reference only the container; Member directives also
// carry the capability so evaluation can confirm current membership.
func (g *Gateway) Build(id model.ContentID, c model.Capability) (Directive, error) {
	if g.Package == "" {
		return Directive{}, model.NewError(model.ValidationError, "CAPV-POL-001", "policy: package is required")
	}
	if len(id) == 0 {
		return Directive{}, model.NewError(model.ValidationError, "CAPV-POL-002", "policy: empty content id")
	}
	if _, err := cidutil.ParseObjectID(c.ContainerID); err != nil {
		return Directive{}, model.WrapError(model.ValidationError, "CAPV-POL-003", "policy: invalid container id", err)
	}
	if !cidutil.HasContainerPrefix(id, c.ContainerID) {
		return Directive{}, model.NewError(model.ValidationError, "CAPV-POL-004", "policy: content id does not belong to container "+c.ContainerID)
	}

	call := ledger.Call{Package: g.Package, Module: ledger.Module}
	switch c.Kind {
	case model.KindOwner:
		call.Function = ledger.FnSealApproveOwner
		call.Args = []ledger.Arg{ledger.Pure(id), ledger.Object(c.ContainerID)}
	case model.KindMember:
		if c.ID == "" {
			return Directive{}, model.NewError(model.ValidationError, "CAPV-POL-005", "policy: member directive requires a capability id")
		}
		call.Function = ledger.FnSealApprove
		call.Args = []ledger.Arg{ledger.Pure(id), ledger.Object(c.ID), ledger.Object(c.ContainerID)}
	default:
		return Directive{}, model.NewError(model.ValidationError, "CAPV-POL-006", "policy: unknown capability kind "+c.Kind.String())
	}
	return Directive{ContentID: append(model.ContentID(nil), id...), Kind: c.Kind, Call: call}, nil
}
