package ledger

import (
	"context"
	"errors"
	"fmt"

	"xdao.co/capvault/model"
)

// Module is the on-chain module that owns containers and capabilities.
const Module = "vault"

// Entry points of Module.
const (
	FnCreateVault      = "create_vault"
	FnGrantAccess      = "grant_access"
	FnRemoveAccess     = "remove_access"
	FnPublish          = "publish"
	FnSealApprove      = "seal_approve"
	FnSealApproveOwner = "seal_approve_owner"
)

// ErrAmbiguous marks a submission whose outcome is unknown, typically a
// timeout after the transaction left the client. The transaction may or
// may not have executed.
var ErrAmbiguous = errors.New("ledger: submission outcome unknown")

// AbortError is a definitive on-chain rejection of a call.
type AbortError struct {
	Function string
	Code     uint64
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("ledger: %s aborted with code %d", e.Function, e.Code)
}

// Abort codes raised by Module.
const (
	AbortNoAccess     uint64 = 1
	AbortInvalidCap   uint64 = 2
	AbortBadPrefix    uint64 = 3
	AbortNotFound     uint64 = 4
	AbortDuplicate    uint64 = 5
	AbortInvalidInput uint64 = 6
)

// ArgKind distinguishes pure values from object references.
type ArgKind uint8

const (
	ArgPure ArgKind = iota + 1
	ArgObject
)

// Arg is one positional argument of a Call.
type Arg struct {
	Kind   ArgKind `json:"kind"`
	Pure   []byte  `json:"pure,omitempty"`
	Object string  `json:"object,omitempty"`
}

// Pure wraps raw bytes (e.g. a content id) as a vector<u8> argument.
func Pure(b []byte) Arg { return Arg{Kind: ArgPure, Pure: append([]byte(nil), b...)} }

// PureString wraps a string argument (names, addresses, blob refs).
func PureString(s string) Arg { return Arg{Kind: ArgPure, Pure: []byte(s)} }

// Object references an on-chain object by id.
func Object(id string) Arg { return Arg{Kind: ArgObject, Object: id} }

// Call is one move call: a target and an ordered argument list.
type Call struct {
	Package  string `json:"package"`
	Module   string `json:"module"`
	Function string `json:"function"`
	Args     []Arg  `json:"args"`
}

// Target renders "<package>::<module>::<function>".
func (c Call) Target() string { return c.Package + "::" + c.Module + "::" + c.Function }

// Status is the execution status reported in Effects.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Event is a structured event emitted by a transaction.
type Event struct {
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Effects summarizes the outcome of a submitted transaction.
type Effects struct {
	Digest  string   `json:"digest"`
	Status  Status   `json:"status"`
	Error   string   `json:"error,omitempty"`
	Created []string `json:"created,omitempty"`
	Events  []Event  `json:"events,omitempty"`
}

// OwnedCapability is one row of a QueryOwned response.
type OwnedCapability struct {
	ID           string               `json:"id"`
	ContainerRef string               `json:"container_ref"`
	Kind         model.CapabilityKind `json:"kind"`
}

// Query is the read-only capability/container query service.
type Query interface {
	QueryOwned(ctx context.Context, owner string, kind model.CapabilityKind) ([]OwnedCapability, error)
	GetContainer(ctx context.Context, id string) (model.Container, error)
}

// Submitter executes transactions. A definitive rejection is reported as
// an *AbortError alongside Effects with StatusFailure; an unknown outcome
// wraps ErrAmbiguous.
type Submitter interface {
	Submit(ctx context.Context, sender string, call Call) (Effects, error)
}

// Evaluator dry-runs a call without committing it. Key servers use it to
// evaluate approval directives. A rejection is an *AbortError.
type Evaluator interface {
	DryRun(ctx context.Context, sender string, call Call) error
}

// Ledger is the full surface implemented by memledger.
type Ledger interface {
	Query
	Submitter
	Evaluator
}

// IsAbort reports whether err is a definitive on-chain rejection.
func IsAbort(err error) bool {
	var ae *AbortError
	return errors.As(err, &ae)
}
