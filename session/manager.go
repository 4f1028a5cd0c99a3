package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"xdao.co/capvault/clock"
	"xdao.co/capvault/internal/metrics"
	"xdao.co/capvault/keys"
	"xdao.co/capvault/localcache"
	"xdao.co/capvault/model"
)

// ErrRejected is returned by a Prompter when the user declines to sign.
var ErrRejected = errors.New("session: signature request rejected")

// ErrLoggedOut is the cause reported to callers waiting on a creation
// that Logout abandoned.
var ErrLoggedOut = errors.New("session: logged out")

// Prompter asks the identity holder to sign a personal message. It may
// block for as long as the user takes to respond.
type Prompter interface {
	SignPersonalMessage(ctx context.Context, message []byte) (keys.Signature, error)
}

// SignerPrompter signs without user interaction using a local key.
type SignerPrompter struct {
	Signer keys.Signer
}

func (p SignerPrompter) SignPersonalMessage(ctx context.Context, message []byte) (keys.Signature, error) {
	if err := ctx.Err(); err != nil {
		return keys.Signature{}, err
	}
	return p.Signer.SignPersonalMessage(message)
}

// State is the credential lifecycle state.
type State int

const (
	StateAbsent State = iota
	StateCached
	StateValid
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "Absent"
	case StateCached:
		return "Cached"
	case StateValid:
		return "Valid"
	case StateExpired:
		return "Expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	// Identity is the ledger address the credential is bound to.
	Identity string
	// Package is the policy scope: the package whose approval functions
	// key servers evaluate.
	Package  string
	TTL      time.Duration
	Prompter Prompter
	// Cache persists the signed credential. Nil keeps it in memory only.
	Cache   localcache.Cache
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Rand    io.Reader
}

// flight is the shared result cell for one credential creation. waiters
// counts callers still attached; when it drops to zero the creation is
// cancelled. gen is the logout generation the creation started in.
type flight struct {
	gen     uint64
	done    chan struct{}
	cred    *Credential
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Manager is safe for concurrent use.
type Manager struct {
	opts Options
	log  *slog.Logger

	// mu also orders cache writes and deletes of CacheKey.
	mu       sync.Mutex
	cur      *Credential
	loaded   bool
	inflight *flight
	// gen is bumped by Logout; a creation from an older gen is dropped.
	gen uint64
}

func New(opts Options) (*Manager, error) {
	if opts.Identity == "" {
		return nil, model.NewError(model.ValidationError, "CAPV-SES-010", "session: identity is required")
	}
	if opts.Package == "" {
		return nil, model.NewError(model.ValidationError, "CAPV-SES-011", "session: package is required")
	}
	if opts.Prompter == nil {
		return nil, model.NewError(model.ValidationError, "CAPV-SES-012", "session: prompter is required")
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TTL < MinTTL || opts.TTL > MaxTTL || opts.TTL%time.Minute != 0 {
		return nil, model.NewError(model.ValidationError, "CAPV-SES-013",
			fmt.Sprintf("session: ttl %s must be whole minutes in [%s, %s]", opts.TTL, MinTTL, MaxTTL))
	}
	if opts.Cache == nil {
		opts.Cache = localcache.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{opts: opts, log: log.With("component", "session", "identity", opts.Identity)}, nil
}

// State reports the lifecycle state without prompting.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		if _, ok, err := m.opts.Cache.Get(CacheKey); err == nil && ok {
			return StateCached
		}
		return StateAbsent
	}
	if m.cur == nil {
		return StateAbsent
	}
	if m.cur.Expired(m.opts.Clock.Now()) {
		return StateExpired
	}
	return StateValid
}

// Current returns the valid credential, or nil without prompting.
func (m *Manager) Current() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validLocked()
}

// Ensure returns a valid credential, creating one if needed. Concurrent
// callers share a single creation and therefore a single prompt. A caller
// whose ctx ends stops waiting; the creation itself is cancelled only once
// no caller is waiting on it.
func (m *Manager) Ensure(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	if c := m.validLocked(); c != nil {
		m.mu.Unlock()
		return c, nil
	}
	f := m.inflight
	if f == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{gen: m.gen, done: make(chan struct{}), cancel: cancel}
		m.inflight = f
		go m.run(fctx, f)
	}
	f.waiters++
	m.mu.Unlock()

	select {
	case <-f.done:
		return f.cred, f.err
	case <-ctx.Done():
		m.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
			if m.inflight == f {
				m.inflight = nil
			}
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Refresh discards stale if it is still the current credential and then
// behaves like Ensure. Callers pass the credential a key server rejected
// as expired; a credential that was already replaced is not discarded
// again, so concurrent refreshers still share one prompt.
func (m *Manager) Refresh(ctx context.Context, stale *Credential) (*Credential, error) {
	m.mu.Lock()
	m.loadLocked()
	if stale == nil || m.cur == stale {
		m.cur = nil
	}
	m.mu.Unlock()
	return m.Ensure(ctx)
}

// Logout forgets the credential in memory and in the cache. A creation
// still in progress is cancelled and its result is never stored; its
// waiters receive ErrLoggedOut.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.cur = nil
	m.loaded = true
	if f := m.inflight; f != nil {
		f.cancel()
		m.inflight = nil
	}
	if err := m.opts.Cache.Delete(CacheKey); err != nil {
		return model.WrapError(model.Internal, "CAPV-SES-020", "session: clear cached credential", err)
	}
	m.log.Info("session cleared")
	return nil
}

func (m *Manager) validLocked() *Credential {
	m.loadLocked()
	if m.cur.Valid(m.opts.Identity, m.opts.Clock.Now()) {
		return m.cur
	}
	return nil
}

// loadLocked reads the cached credential once. Entries for another
// identity or package, or with a bad signature, are ignored.
func (m *Manager) loadLocked() {
	if m.loaded {
		return
	}
	m.loaded = true
	b, ok, err := m.opts.Cache.Get(CacheKey)
	if err != nil {
		m.log.Warn("read cached credential", "err", err)
		return
	}
	if !ok {
		return
	}
	c, err := DecodeCredential(b)
	if err != nil {
		m.log.Warn("discarding unreadable cached credential", "err", err)
		return
	}
	if c.Identity != m.opts.Identity || c.Scope != m.opts.Package {
		m.log.Debug("cached credential belongs to another identity or package")
		return
	}
	if err := c.Verify(); err != nil {
		m.log.Warn("discarding cached credential", "err", err)
		return
	}
	m.cur = c
}

func (m *Manager) run(ctx context.Context, f *flight) {
	cred, err := m.create(ctx)

	m.mu.Lock()
	if f.gen != m.gen {
		m.opts.Metrics.CredentialPrompt("abandoned")
		cred, err = nil, model.WrapError(model.CredentialSigningDenied, "CAPV-SES-004", "session: logged out while the credential was being created", ErrLoggedOut)
	}
	if err == nil {
		m.cur = cred
		m.loaded = true
		m.persistLocked(cred)
	}
	f.cred, f.err = cred, err
	if m.inflight == f {
		m.inflight = nil
	}
	m.mu.Unlock()
	close(f.done)
	f.cancel()
}

func (m *Manager) create(ctx context.Context) (*Credential, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(m.opts.Rand, seed); err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-SES-030", "session: generate session key", err)
	}
	// The signed message carries seconds only.
	now := m.opts.Clock.Now().Truncate(time.Second)
	c := &Credential{
		Identity:    m.opts.Identity,
		Scope:       m.opts.Package,
		IssuedAt:    now,
		Expiry:      now.Add(m.opts.TTL),
		SessionSeed: seed,
	}
	msg := c.PersonalMessage()

	m.log.Info("requesting session signature", "ttl", m.opts.TTL)
	sig, err := m.opts.Prompter.SignPersonalMessage(ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, ErrRejected):
			m.opts.Metrics.CredentialPrompt("rejected")
			return nil, model.WrapError(model.CredentialSigningDenied, "CAPV-SES-001", "session: signature rejected", err)
		case ctx.Err() != nil:
			m.opts.Metrics.CredentialPrompt("cancelled")
			return nil, ctx.Err()
		}
		m.opts.Metrics.CredentialPrompt("failed")
		return nil, model.WrapError(model.SigningUnavailable, "CAPV-SES-002", "session: signature request failed", err)
	}
	c.Signature = sig
	if err := c.Verify(); err != nil {
		m.opts.Metrics.CredentialPrompt("invalid")
		return nil, model.WrapError(model.CredentialSigningDenied, "CAPV-SES-003", "session: signature does not authorize identity", err)
	}
	m.opts.Metrics.CredentialPrompt("signed")
	m.log.Info("session credential created", "expiry", c.Expiry)
	return c, nil
}

func (m *Manager) persistLocked(c *Credential) {
	b, err := c.Encode()
	if err == nil {
		err = m.opts.Cache.Set(CacheKey, b)
	}
	if err != nil {
		m.log.Warn("persist session credential", "err", err)
	}
}
