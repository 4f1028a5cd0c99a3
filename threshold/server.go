package threshold

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"

	"xdao.co/capvault/clock"
	"xdao.co/capvault/internal/codec"
	"xdao.co/capvault/keys"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/model"
)

// GenerateIdentity returns a new age X25519 key server identity as
// (secret "AGE-SECRET-KEY-1...", recipient "age1...").
func GenerateIdentity() (string, string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age identity: %w", err)
	}
	return identity.String(), identity.Recipient().String(), nil
}

type LocalServerOptions struct {
	ID string
	// Identity is the server's age secret key.
	Identity string
	Package  string
	Ledger   ledger.Evaluator
	Clock    clock.Clock
	Logger   *slog.Logger
}

// LocalServer is an in-process key server. It evaluates directives by
// dry-running them against the ledger as the credential's identity.
type LocalServer struct {
	id       string
	identity *age.X25519Identity
	pkg      string
	ledger   ledger.Evaluator
	clock    clock.Clock
	log      *slog.Logger
}

var _ Server = (*LocalServer)(nil)

func NewLocalServer(opts LocalServerOptions) (*LocalServer, error) {
	if opts.ID == "" || opts.Package == "" || opts.Ledger == nil {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-040", "threshold: key server requires id, package, and ledger")
	}
	identity, err := age.ParseX25519Identity(opts.Identity)
	if err != nil {
		return nil, model.WrapError(model.ValidationError, "CAPV-TSS-041", "threshold: parse key server identity", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &LocalServer{
		id:       opts.ID,
		identity: identity,
		pkg:      opts.Package,
		ledger:   opts.Ledger,
		clock:    opts.Clock,
		log:      log.With("component", "keyserver", "server", opts.ID),
	}, nil
}

func (s *LocalServer) ID() string        { return s.id }
func (s *LocalServer) Recipient() string { return s.identity.Recipient().String() }

func denied(code, msg string) error { return model.NewError(model.AccessDenied, code, msg) }

func (s *LocalServer) Release(ctx context.Context, req ShareRequest) ([]byte, error) {
	if req.Server != s.id {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-008", "threshold: request addressed to "+req.Server)
	}
	cred := req.Credential
	if cred.Scope != s.pkg {
		return nil, denied("CAPV-TSS-009", "threshold: credential scoped to another package")
	}
	if err := cred.Verify(); err != nil {
		return nil, model.WrapError(model.AccessDenied, "CAPV-TSS-002", "threshold: invalid credential", err)
	}
	if !s.clock.Now().Before(cred.Expiry) {
		return nil, model.NewError(model.CredentialExpired, "CAPV-TSS-001", "threshold: session credential expired")
	}

	msg, err := RequestMessage(req)
	if err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-TSS-010", "threshold: encode request", err)
	}
	if req.Signature.Scheme != keys.SchemeEd25519 || !bytes.Equal(req.Signature.PublicKey, cred.SessionPublicKey) || !keys.Verify(req.Signature, msg) {
		return nil, denied("CAPV-TSS-003", "threshold: request not signed by session key")
	}

	d := req.Directive
	if d.Package != s.pkg || d.Module != ledger.Module ||
		(d.Function != ledger.FnSealApprove && d.Function != ledger.FnSealApproveOwner) ||
		len(d.Args) == 0 || d.Args[0].Kind != ledger.ArgPure || !bytes.Equal(d.Args[0].Pure, req.ContentID) {
		return nil, denied("CAPV-TSS-004", "threshold: directive does not approve this content id")
	}

	if err := s.ledger.DryRun(ctx, cred.Identity, d); err != nil {
		if ledger.IsAbort(err) {
			s.log.Info("directive rejected", "content_id", req.ContentID.String(), "function", d.Function, "err", err)
			return nil, model.WrapError(model.AccessDenied, "CAPV-TSS-005", "threshold: access denied by policy", err)
		}
		return nil, model.WrapError(model.DecryptionUnavailable, "CAPV-TSS-006", "threshold: policy evaluation failed", err)
	}

	r, err := age.Decrypt(bytes.NewReader(req.Wrapped), s.identity)
	if err != nil {
		return nil, denied("CAPV-TSS-007", "threshold: share not wrapped to this server")
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, denied("CAPV-TSS-007", "threshold: share not wrapped to this server")
	}
	var share sharePlaintext
	if err := codec.Unmarshal(raw, &share); err != nil || !bytes.Equal(share.ContentID, req.ContentID) {
		return nil, denied("CAPV-TSS-007", "threshold: share bound to another content id")
	}
	return share.Value, nil
}
