// Package memledger is an in-memory reference implementation of the vault
// module. It backs tests and the CLI's local mode, where its state is
// persisted to a JSON file between invocations.
package memledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"

	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/model"
)

type capability struct {
	ID          string               `json:"id"`
	Owner       string               `json:"owner"`
	ContainerID string               `json:"container_id"`
	Kind        model.CapabilityKind `json:"kind"`
}

type state struct {
	Package    string                     `json:"package"`
	Seq        uint64                     `json:"seq"`
	Containers map[string]model.Container `json:"containers"`
	Caps       map[string]capability      `json:"capabilities"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu sync.RWMutex
	st state

	queryErr      error
	ambiguousNext int
	commitOnFault bool
	submits       int
}

var _ ledger.Ledger = (*Ledger)(nil)

// New returns an empty ledger that accepts calls addressed to pkg.
func New(pkg string) *Ledger {
	return &Ledger{st: state{
		Package:    pkg,
		Containers: map[string]model.Container{},
		Caps:       map[string]capability{},
	}}
}

// Package returns the package id calls must target.
func (l *Ledger) Package() string { return l.st.Package }

// Load reads a state file written by Save. A missing file yields an empty
// ledger for pkg.
func Load(path, pkg string) (*Ledger, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(pkg), nil
		}
		return nil, err
	}
	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("memledger: decode %s: %w", path, err)
	}
	if st.Package != pkg {
		return nil, fmt.Errorf("memledger: state file is for package %s, not %s", st.Package, pkg)
	}
	if st.Containers == nil {
		st.Containers = map[string]model.Container{}
	}
	if st.Caps == nil {
		st.Caps = map[string]capability{}
	}
	return &Ledger{st: st}, nil
}

// Save writes the ledger state atomically.
func (l *Ledger) Save(path string) error {
	l.mu.RLock()
	b, err := json.MarshalIndent(l.st, "", "  ")
	l.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".memledger-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// FailQueries makes every query return err until called with nil.
func (l *Ledger) FailQueries(err error) {
	l.mu.Lock()
	l.queryErr = err
	l.mu.Unlock()
}

// AmbiguousNext makes the next n submissions return ledger.ErrAmbiguous.
// When commit is true the calls still take effect, modelling a response
// lost after execution.
func (l *Ledger) AmbiguousNext(n int, commit bool) {
	l.mu.Lock()
	l.ambiguousNext = n
	l.commitOnFault = commit
	l.mu.Unlock()
}

// Submits returns the number of Submit calls received.
func (l *Ledger) Submits() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.submits
}

func (l *Ledger) QueryOwned(ctx context.Context, owner string, kind model.CapabilityKind) ([]ledger.OwnedCapability, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	var out []ledger.OwnedCapability
	for _, c := range l.st.Caps {
		if c.Owner == owner && c.Kind == kind {
			out = append(out, ledger.OwnedCapability{ID: c.ID, ContainerRef: c.ContainerID, Kind: c.Kind})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *Ledger) GetContainer(ctx context.Context, id string) (model.Container, error) {
	if err := ctx.Err(); err != nil {
		return model.Container{}, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.queryErr != nil {
		return model.Container{}, l.queryErr
	}
	c, ok := l.st.Containers[id]
	if !ok {
		return model.Container{}, fmt.Errorf("memledger: container %s not found", id)
	}
	return cloneContainer(c), nil
}

func (l *Ledger) Submit(ctx context.Context, sender string, call ledger.Call) (ledger.Effects, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Effects{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++

	if l.ambiguousNext > 0 {
		l.ambiguousNext--
		if l.commitOnFault {
			_, _ = l.execute(sender, call, true)
		}
		return ledger.Effects{}, fmt.Errorf("memledger: %s: %w", call.Function, ledger.ErrAmbiguous)
	}

	eff, err := l.execute(sender, call, true)
	if err != nil {
		eff.Status = ledger.StatusFailure
		eff.Error = err.Error()
		return eff, err
	}
	eff.Status = ledger.StatusSuccess
	return eff, nil
}

func (l *Ledger) DryRun(ctx context.Context, sender string, call ledger.Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, err := l.executeReadOnly(sender, call)
	return err
}

func (l *Ledger) executeReadOnly(sender string, call ledger.Call) (ledger.Effects, error) {
	switch call.Function {
	case ledger.FnSealApprove, ledger.FnSealApproveOwner:
		return l.execute(sender, call, false)
	default:
		// Mutating calls are evaluated against a scratch copy.
		scratch := &Ledger{st: l.cloneState()}
		return scratch.execute(sender, call, true)
	}
}

func abort(fn string, code uint64) error { return &ledger.AbortError{Function: fn, Code: code} }

// execute applies call. Callers hold l.mu (write lock when mutate is true).
func (l *Ledger) execute(sender string, call ledger.Call, mutate bool) (ledger.Effects, error) {
	fn := call.Function
	if call.Package != l.st.Package || call.Module != ledger.Module {
		return ledger.Effects{}, abort(fn, ledger.AbortNotFound)
	}
	var eff ledger.Effects
	if mutate {
		eff.Digest = l.nextID("tx")
	}

	switch fn {
	case ledger.FnCreateVault:
		if err := expect(call, ledger.ArgPure); err != nil {
			return eff, err
		}
		name := string(call.Args[0].Pure)
		if name == "" {
			return eff, abort(fn, ledger.AbortInvalidInput)
		}
		cont := model.Container{ID: l.nextID("container"), Name: name, Owner: sender}
		capID := l.nextID("cap")
		l.st.Containers[cont.ID] = cont
		l.st.Caps[capID] = capability{ID: capID, Owner: sender, ContainerID: cont.ID, Kind: model.KindOwner}
		eff.Created = []string{cont.ID, capID}
		eff.Events = []ledger.Event{{Type: "VaultCreated", Fields: map[string]string{"container": cont.ID, "owner_cap": capID}}}
		return eff, nil

	case ledger.FnGrantAccess, ledger.FnRemoveAccess:
		if err := expect(call, ledger.ArgPure, ledger.ArgObject, ledger.ArgObject); err != nil {
			return eff, err
		}
		member := string(call.Args[0].Pure)
		cont, err := l.ownerCheck(fn, sender, call.Args[1].Object, call.Args[2].Object)
		if err != nil {
			return eff, err
		}
		if fn == ledger.FnGrantAccess {
			if cont.HasMember(member) {
				return eff, abort(fn, ledger.AbortDuplicate)
			}
			cont.Members = append(cont.Members, member)
			capID := l.nextID("cap")
			l.st.Caps[capID] = capability{ID: capID, Owner: member, ContainerID: cont.ID, Kind: model.KindMember}
			eff.Created = []string{capID}
		} else {
			if !cont.HasMember(member) {
				return eff, abort(fn, ledger.AbortNotFound)
			}
			kept := cont.Members[:0:0]
			for _, m := range cont.Members {
				if m != member {
					kept = append(kept, m)
				}
			}
			cont.Members = kept
		}
		l.st.Containers[cont.ID] = cont
		return eff, nil

	case ledger.FnPublish:
		if err := expect(call, ledger.ArgObject, ledger.ArgObject, ledger.ArgPure); err != nil {
			return eff, err
		}
		cont, err := l.ownerCheck(fn, sender, call.Args[0].Object, call.Args[1].Object)
		if err != nil {
			return eff, err
		}
		ref := string(call.Args[2].Pure)
		if ref == "" {
			return eff, abort(fn, ledger.AbortInvalidInput)
		}
		// Appends unconditionally: publishing the same ref twice duplicates it.
		cont.Content = append(cont.Content, ref)
		l.st.Containers[cont.ID] = cont
		eff.Events = []ledger.Event{{Type: "BlobPublished", Fields: map[string]string{"container": cont.ID, "blob_id": ref}}}
		return eff, nil

	case ledger.FnSealApprove:
		if err := expect(call, ledger.ArgPure, ledger.ArgObject, ledger.ArgObject); err != nil {
			return eff, err
		}
		id := call.Args[0].Pure
		c, ok := l.st.Caps[call.Args[1].Object]
		if !ok || c.Owner != sender || c.Kind != model.KindMember || c.ContainerID != call.Args[2].Object {
			return eff, abort(fn, ledger.AbortInvalidCap)
		}
		cont, ok := l.st.Containers[c.ContainerID]
		if !ok {
			return eff, abort(fn, ledger.AbortNotFound)
		}
		if !cont.HasMember(sender) {
			return eff, abort(fn, ledger.AbortNoAccess)
		}
		if !hasPrefix(id, cont.ID) {
			return eff, abort(fn, ledger.AbortBadPrefix)
		}
		return eff, nil

	case ledger.FnSealApproveOwner:
		if err := expect(call, ledger.ArgPure, ledger.ArgObject); err != nil {
			return eff, err
		}
		cont, ok := l.st.Containers[call.Args[1].Object]
		if !ok {
			return eff, abort(fn, ledger.AbortNotFound)
		}
		if cont.Owner != sender {
			return eff, abort(fn, ledger.AbortNoAccess)
		}
		if !hasPrefix(call.Args[0].Pure, cont.ID) {
			return eff, abort(fn, ledger.AbortBadPrefix)
		}
		return eff, nil
	}
	return eff, abort(fn, ledger.AbortNotFound)
}

func (l *Ledger) ownerCheck(fn, sender, containerID, capID string) (model.Container, error) {
	c, ok := l.st.Caps[capID]
	if !ok || c.Owner != sender || c.Kind != model.KindOwner || c.ContainerID != containerID {
		return model.Container{}, abort(fn, ledger.AbortInvalidCap)
	}
	cont, ok := l.st.Containers[containerID]
	if !ok {
		return model.Container{}, abort(fn, ledger.AbortNotFound)
	}
	return cloneContainer(cont), nil
}

func expect(call ledger.Call, kinds ...ledger.ArgKind) error {
	if len(call.Args) != len(kinds) {
		return abort(call.Function, ledger.AbortInvalidInput)
	}
	for i, k := range kinds {
		if call.Args[i].Kind != k {
			return abort(call.Function, ledger.AbortInvalidInput)
		}
	}
	return nil
}

func hasPrefix(id []byte, containerID string) bool {
	prefix, err := cidutil.ParseObjectID(containerID)
	if err != nil {
		return false
	}
	return bytes.HasPrefix(id, prefix)
}

func (l *Ledger) nextID(domain string) string {
	l.st.Seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], l.st.Seq)
	h, _ := blake2b.New256(nil)
	_, _ = h.Write([]byte("memledger:" + l.st.Package + ":" + domain + ":"))
	_, _ = h.Write(seq[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func (l *Ledger) cloneState() state {
	st := state{
		Package:    l.st.Package,
		Seq:        l.st.Seq,
		Containers: make(map[string]model.Container, len(l.st.Containers)),
		Caps:       make(map[string]capability, len(l.st.Caps)),
	}
	for k, v := range l.st.Containers {
		st.Containers[k] = cloneContainer(v)
	}
	for k, v := range l.st.Caps {
		st.Caps[k] = v
	}
	return st
}

func cloneContainer(c model.Container) model.Container {
	c.Members = append([]string(nil), c.Members...)
	c.Content = append([]string(nil), c.Content...)
	return c
}
