package threshold

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"filippo.io/age"
	"github.com/cloudflare/circl/group"
	"github.com/cloudflare/circl/secretsharing"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/errgroup"

	"xdao.co/capvault/internal/codec"
	"xdao.co/capvault/keys"
	"xdao.co/capvault/model"
	"xdao.co/capvault/policy"
	"xdao.co/capvault/session"
)

// DefaultThreshold is the number of key servers that must cooperate.
const DefaultThreshold = 2

var suite = group.Ristretto255

type ClientOptions struct {
	Package   string
	Servers   []Server
	Threshold int
	Rand      io.Reader
	Logger    *slog.Logger
}

// Client encrypts for, and decrypts through, a fixed set of key servers.
type Client struct {
	pkg       string
	servers   []Server
	byID      map[string]Server
	threshold int
	rand      io.Reader
	log       *slog.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Package == "" {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-050", "threshold: package is required")
	}
	if opts.Threshold < 1 || opts.Threshold > len(opts.Servers) {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-051",
			fmt.Sprintf("threshold: need 1 <= threshold (%d) <= servers (%d)", opts.Threshold, len(opts.Servers)))
	}
	byID := make(map[string]Server, len(opts.Servers))
	for _, s := range opts.Servers {
		if _, dup := byID[s.ID()]; dup {
			return nil, model.NewError(model.ValidationError, "CAPV-TSS-052", "threshold: duplicate key server "+s.ID())
		}
		byID[s.ID()] = s
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		pkg:       opts.Package,
		servers:   append([]Server(nil), opts.Servers...),
		byID:      byID,
		threshold: opts.Threshold,
		rand:      opts.Rand,
		log:       log.With("component", "threshold"),
	}, nil
}

func dataKey(secret group.Scalar) ([]byte, error) {
	b, err := secret.MarshalBinary()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	_, _ = h.Write([]byte("capvault-data-key-v1\x00"))
	_, _ = h.Write(b)
	return h.Sum(nil), nil
}

// Encrypt seals plaintext for id. The returned bytes are the encoded
// Envelope.
func (c *Client) Encrypt(id model.ContentID, plaintext []byte) ([]byte, error) {
	if len(id) == 0 {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-053", "threshold: empty content id")
	}
	secret := suite.RandomScalar(c.rand)
	ss := secretsharing.New(c.rand, uint(c.threshold-1), secret)
	shares := ss.Share(uint(len(c.servers)))

	key, err := dataKey(secret)
	if err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-TSS-054", "threshold: derive data key", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-TSS-054", "threshold: init aead", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-TSS-054", "threshold: nonce", err)
	}

	body, comp := compress(plaintext)
	env := &Envelope{
		Version:     EnvelopeVersion,
		Package:     c.pkg,
		ContentID:   append([]byte(nil), id...),
		Threshold:   c.threshold,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, body, additionalData(c.pkg, id)),
		Compression: comp,
		PlainSize:   len(plaintext),
	}
	for i, s := range c.servers {
		wrapped, index, err := wrapShare(s.Recipient(), id, shares[i])
		if err != nil {
			return nil, model.WrapError(model.Internal, "CAPV-TSS-055", "threshold: wrap share for "+s.ID(), err)
		}
		env.Shares = append(env.Shares, WrappedShare{Server: s.ID(), Index: index, Wrapped: wrapped})
	}
	return env.Encode()
}

func wrapShare(recipientKey string, id model.ContentID, share secretsharing.Share) ([]byte, []byte, error) {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing recipient key %q: %w", recipientKey, err)
	}
	index, err := share.ID.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	value, err := share.Value.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	plain, err := codec.Marshal(sharePlaintext{ContentID: id, Value: value})
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, nil, fmt.Errorf("writing share to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return buf.Bytes(), index, nil
}

// ContentID extracts the content id of an encrypted object.
func (c *Client) ContentID(ciphertext []byte) (model.ContentID, error) { return ContentID(ciphertext) }

type shareResult struct {
	share secretsharing.Share
	err   error
}

// Decrypt asks the key servers for shares of ciphertext's data key under
// cred and d, and opens the payload once threshold shares arrive.
//
// Errors: CredentialExpired if any server reported the credential expired;
// AccessDenied if too many servers denied for the threshold to be
// reachable; DecryptionUnavailable otherwise.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte, cred *session.Credential, d policy.Directive) ([]byte, error) {
	env, err := ParseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if env.Package != c.pkg {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-033", "threshold: envelope sealed for package "+env.Package)
	}
	if !bytes.Equal(env.ContentID, d.ContentID) {
		return nil, model.NewError(model.ValidationError, "CAPV-TSS-034", "threshold: directive is for another content id")
	}
	signer, err := cred.SessionSigner()
	if err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-TSS-035", "threshold: session key", err)
	}
	pub := cred.Public()

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		mu      sync.Mutex
		results []shareResult
		got     int
	)
	g, gctx := errgroup.WithContext(fanCtx)
	for _, ws := range env.Shares {
		srv, ok := c.byID[ws.Server]
		if !ok {
			continue
		}
		ws := ws
		g.Go(func() error {
			sh, err := c.fetchShare(gctx, srv, env, ws, pub, d, signer)
			mu.Lock()
			defer mu.Unlock()
			results = append(results, shareResult{share: sh, err: err})
			if err == nil {
				got++
				if got >= env.Threshold {
					cancel()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var shares []secretsharing.Share
	var expired, denied, other error
	var deniedCount int
	for _, r := range results {
		switch {
		case r.err == nil:
			shares = append(shares, r.share)
		case model.IsKind(r.err, model.CredentialExpired):
			expired = r.err
		case model.IsKind(r.err, model.AccessDenied):
			denied = r.err
			deniedCount++
		default:
			other = r.err
		}
	}

	if len(shares) >= env.Threshold {
		return c.open(env, shares[:env.Threshold])
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if expired != nil {
		return nil, expired
	}
	if denied != nil && len(env.Shares)-deniedCount < env.Threshold {
		return nil, denied
	}
	c.log.Warn("not enough key servers answered", "content_id", d.ContentID.String(), "shares", len(shares), "threshold", env.Threshold)
	return nil, model.WrapError(model.DecryptionUnavailable, "CAPV-TSS-011",
		fmt.Sprintf("threshold: %d of %d required shares", len(shares), env.Threshold), other)
}

func (c *Client) fetchShare(ctx context.Context, srv Server, env *Envelope, ws WrappedShare, cred session.PublicCredential, d policy.Directive, signer *keys.Ed25519Signer) (secretsharing.Share, error) {
	req := ShareRequest{
		Server:     ws.Server,
		ContentID:  model.ContentID(env.ContentID),
		Wrapped:    ws.Wrapped,
		Credential: cred,
		Directive:  d.Call,
	}
	msg, err := RequestMessage(req)
	if err != nil {
		return secretsharing.Share{}, model.WrapError(model.Internal, "CAPV-TSS-010", "threshold: encode request", err)
	}
	if req.Signature, err = signer.SignPersonalMessage(msg); err != nil {
		return secretsharing.Share{}, model.WrapError(model.Internal, "CAPV-TSS-010", "threshold: sign request", err)
	}

	value, err := srv.Release(ctx, req)
	if err != nil {
		if model.KindOf(err) == "" {
			err = model.WrapError(model.DecryptionUnavailable, "CAPV-TSS-012", "threshold: key server "+ws.Server+" unavailable", err)
		}
		return secretsharing.Share{}, err
	}

	share := secretsharing.Share{ID: suite.NewScalar(), Value: suite.NewScalar()}
	if err := share.ID.UnmarshalBinary(ws.Index); err != nil {
		return secretsharing.Share{}, model.WrapError(model.DecryptionUnavailable, "CAPV-TSS-013", "threshold: malformed share index", err)
	}
	if err := share.Value.UnmarshalBinary(value); err != nil {
		return secretsharing.Share{}, model.WrapError(model.DecryptionUnavailable, "CAPV-TSS-013", "threshold: malformed share from "+ws.Server, err)
	}
	return share, nil
}

func (c *Client) open(env *Envelope, shares []secretsharing.Share) ([]byte, error) {
	secret, err := secretsharing.Recover(uint(env.Threshold-1), shares)
	if err != nil {
		return nil, model.WrapError(model.DecryptionUnavailable, "CAPV-TSS-014", "threshold: recover data key", err)
	}
	key, err := dataKey(secret)
	if err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-TSS-054", "threshold: derive data key", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, model.WrapError(model.Internal, "CAPV-TSS-054", "threshold: init aead", err)
	}
	body, err := aead.Open(nil, env.Nonce, env.Ciphertext, additionalData(env.Package, env.ContentID))
	if err != nil {
		return nil, model.WrapError(model.DecryptionUnavailable, "CAPV-TSS-015", "threshold: payload authentication failed", err)
	}
	plaintext, err := decompress(body, env.Compression, env.PlainSize)
	if err != nil {
		return nil, model.WrapError(model.ValidationError, "CAPV-TSS-016", "threshold: corrupt payload", err)
	}
	return plaintext, nil
}
