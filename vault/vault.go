// Package vault is the client facade over the capability-gated access
// pipeline: listing containers, opening their blobs, storing new blobs,
// and administering membership.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"xdao.co/capvault/capability"
	"xdao.co/capvault/certify"
	"xdao.co/capvault/cidutil"
	"xdao.co/capvault/clock"
	"xdao.co/capvault/decrypt"
	"xdao.co/capvault/internal/metrics"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/localcache"
	"xdao.co/capvault/model"
	"xdao.co/capvault/policy"
	"xdao.co/capvault/session"
	"xdao.co/capvault/storage"
	"xdao.co/capvault/threshold"
)

type Options struct {
	// Identity is the caller's ledger address.
	Identity  string
	Package   string
	Ledger    ledger.Ledger
	Session   *session.Manager
	Threshold *threshold.Client
	Uploader  *storage.Uploader
	Reader    *storage.Reader
	// Cache persists unresolved certifications. Nil keeps them in memory.
	Cache     localcache.Cache
	BatchSize int
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Client is safe for concurrent use.
type Client struct {
	identity string
	pkg      string
	ledger   ledger.Ledger
	session  *session.Manager
	tss      *threshold.Client
	uploader *storage.Uploader
	reader   *storage.Reader
	resolver *capability.Resolver
	decrypt  *decrypt.Orchestrator
	certify  *certify.Publisher
	log      *slog.Logger
}

func New(opts Options) (*Client, error) {
	if opts.Identity == "" || opts.Package == "" {
		return nil, model.NewError(model.ValidationError, "CAPV-VLT-020", "vault: identity and package are required")
	}
	if opts.Ledger == nil || opts.Session == nil || opts.Threshold == nil || opts.Uploader == nil || opts.Reader == nil {
		return nil, model.NewError(model.ValidationError, "CAPV-VLT-021", "vault: ledger, session, threshold, uploader and reader are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	resolver, err := capability.NewResolver(capability.Options{Query: opts.Ledger, Logger: logger, Metrics: opts.Metrics})
	if err != nil {
		return nil, err
	}
	orch, err := decrypt.New(decrypt.Options{
		Fetcher:     opts.Reader,
		Decrypter:   opts.Threshold,
		Policy:      policy.New(opts.Package),
		Credentials: opts.Session,
		BatchSize:   opts.BatchSize,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	pub, err := certify.New(certify.Options{
		Package:   opts.Package,
		Sender:    opts.Identity,
		Submitter: opts.Ledger,
		Query:     opts.Ledger,
		Cache:     opts.Cache,
		Clock:     opts.Clock,
		Logger:    logger,
		Metrics:   opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		identity: opts.Identity,
		pkg:      opts.Package,
		ledger:   opts.Ledger,
		session:  opts.Session,
		tss:      opts.Threshold,
		uploader: opts.Uploader,
		reader:   opts.Reader,
		resolver: resolver,
		decrypt:  orch,
		certify:  pub,
		log:      logger.With("component", "vault", "identity", opts.Identity),
	}, nil
}

// List returns the containers the caller holds a capability for.
func (c *Client) List(ctx context.Context) ([]capability.Entry, error) {
	return c.resolver.Resolve(ctx, c.identity)
}

// Open decrypts every blob certified in containerID. The map is keyed by
// blob ref; per-blob failures are reported in their Result. When the batch
// stops early the map holds what finished before the error.
func (c *Client) Open(ctx context.Context, containerID string) (map[string]decrypt.Result, error) {
	entry, err := c.resolver.Lookup(ctx, c.identity, containerID)
	if err != nil {
		return nil, err
	}
	cont, err := c.ledger.GetContainer(ctx, containerID)
	if err != nil {
		return nil, model.WrapError(model.ResolverUnavailable, "CAPV-VLT-001", "vault: container lookup failed", err)
	}
	return c.decrypt.DecryptAll(ctx, cont.Content, nil, entry.Capability)
}

// StoreResult describes a stored and certified blob.
type StoreResult struct {
	ContentID model.ContentID
	Upload    storage.UploadResult
	Receipt   certify.Receipt
}

// Store encrypts plaintext under a fresh content id of containerID,
// uploads it, and certifies it. Only an Owner may store. When
// certification fails the upload is still reported so the caller can
// retry certification with Recertify.
func (c *Client) Store(ctx context.Context, containerID string, plaintext []byte) (StoreResult, error) {
	owner, err := c.ownerCapability(ctx, containerID)
	if err != nil {
		return StoreResult{}, err
	}
	id, err := cidutil.NewContentID(containerID, nil)
	if err != nil {
		return StoreResult{}, model.WrapError(model.ValidationError, "CAPV-VLT-003", "vault: content id", err)
	}
	ct, err := c.tss.Encrypt(id, plaintext)
	if err != nil {
		return StoreResult{}, err
	}
	up, err := c.uploader.Upload(ctx, ct)
	if err != nil {
		return StoreResult{ContentID: id}, err
	}
	res := StoreResult{ContentID: id, Upload: up}
	rcpt, err := c.certify.Certify(ctx, containerID, owner.ID, up.Locator)
	if err != nil {
		return res, err
	}
	res.Receipt = rcpt
	c.log.Info("blob stored", "container", containerID, "content_id", id.String(), "locator", up.Locator.String(), "retry_count", up.RetryCount)
	return res, nil
}

// Recertify resolves a certification left pending by an ambiguous
// submission. With confirm it resubmits even if the blob is not listed.
func (c *Client) Recertify(ctx context.Context, containerID string, loc model.StorageLocator, confirm bool) (certify.Receipt, error) {
	owner, err := c.ownerCapability(ctx, containerID)
	if err != nil {
		return certify.Receipt{}, err
	}
	if confirm {
		return c.certify.Resubmit(ctx, containerID, owner.ID, loc)
	}
	return c.certify.Certify(ctx, containerID, owner.ID, loc)
}

// Pending lists certifications whose outcome was never observed.
func (c *Client) Pending() ([]certify.Pending, error) { return c.certify.Pending() }

// CreateContainer mints a container named name and the caller's Owner
// capability for it.
func (c *Client) CreateContainer(ctx context.Context, name string) (model.Capability, error) {
	if name == "" {
		return model.Capability{}, model.NewError(model.ValidationError, "CAPV-VLT-004", "vault: container name is required")
	}
	eff, err := c.submit(ctx, ledger.FnCreateVault, ledger.PureString(name))
	if err != nil {
		return model.Capability{}, err
	}
	if len(eff.Created) != 2 {
		return model.Capability{}, model.NewError(model.Internal, "CAPV-VLT-013", "vault: create_vault returned unexpected effects")
	}
	c.log.Info("container created", "container", eff.Created[0], "name", name)
	return model.Capability{ID: eff.Created[1], ContainerID: eff.Created[0], Kind: model.KindOwner}, nil
}

// Grant adds member to containerID and returns the minted Member
// capability.
func (c *Client) Grant(ctx context.Context, containerID, member string) (model.Capability, error) {
	owner, err := c.ownerCapability(ctx, containerID)
	if err != nil {
		return model.Capability{}, err
	}
	if member == "" {
		return model.Capability{}, model.NewError(model.ValidationError, "CAPV-VLT-005", "vault: member address is required")
	}
	eff, err := c.submit(ctx, ledger.FnGrantAccess, ledger.PureString(member), ledger.Object(containerID), ledger.Object(owner.ID))
	if err != nil {
		return model.Capability{}, err
	}
	if len(eff.Created) != 1 {
		return model.Capability{}, model.NewError(model.Internal, "CAPV-VLT-013", "vault: grant_access returned unexpected effects")
	}
	c.log.Info("access granted", "container", containerID, "member", member)
	return model.Capability{ID: eff.Created[0], ContainerID: containerID, Kind: model.KindMember}, nil
}

// Revoke removes member from containerID. The member keeps the
// capability object, which no longer authorizes decryption.
func (c *Client) Revoke(ctx context.Context, containerID, member string) error {
	owner, err := c.ownerCapability(ctx, containerID)
	if err != nil {
		return err
	}
	if member == "" {
		return model.NewError(model.ValidationError, "CAPV-VLT-005", "vault: member address is required")
	}
	if _, err := c.submit(ctx, ledger.FnRemoveAccess, ledger.PureString(member), ledger.Object(containerID), ledger.Object(owner.ID)); err != nil {
		return err
	}
	c.log.Info("access revoked", "container", containerID, "member", member)
	return nil
}

// Logout discards the cached session credential.
func (c *Client) Logout() error { return c.session.Logout() }

func (c *Client) ownerCapability(ctx context.Context, containerID string) (model.Capability, error) {
	entry, err := c.resolver.Lookup(ctx, c.identity, containerID)
	if err != nil {
		return model.Capability{}, err
	}
	if entry.Capability.Kind != model.KindOwner {
		return model.Capability{}, model.NewError(model.ValidationError, "CAPV-VLT-002",
			fmt.Sprintf("vault: container %s requires an Owner capability", containerID))
	}
	return entry.Capability, nil
}

func (c *Client) submit(ctx context.Context, fn string, args ...ledger.Arg) (ledger.Effects, error) {
	eff, err := c.ledger.Submit(ctx, c.identity, ledger.Call{Package: c.pkg, Module: ledger.Module, Function: fn, Args: args})
	switch {
	case err == nil && eff.Status == ledger.StatusSuccess:
		return eff, nil
	case ledger.IsAbort(err):
		return eff, model.WrapError(model.AccessDenied, "CAPV-VLT-010", "vault: "+fn+" rejected", err)
	case errors.Is(err, ledger.ErrAmbiguous):
		return eff, model.WrapError(model.Internal, "CAPV-VLT-012", "vault: "+fn+" outcome unknown; check before retrying", err)
	case err == nil:
		return eff, model.NewError(model.Internal, "CAPV-VLT-011", "vault: "+fn+" failed: "+eff.Error)
	default:
		return eff, model.WrapError(model.Internal, "CAPV-VLT-011", "vault: "+fn+" failed", err)
	}
}
