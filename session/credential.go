package session

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"xdao.co/capvault/internal/codec"
	"xdao.co/capvault/keys"
)

// CacheKey is the fixed local-cache key holding the signed credential.
const CacheKey = "sessionKey"

// MinTTL and MaxTTL bound the credential lifetime. A TTL is a whole
// number of minutes.
const (
	MinTTL = time.Minute
	MaxTTL = 30 * time.Minute
)

// DefaultTTL is the credential lifetime used when none is configured.
const DefaultTTL = 10 * time.Minute

const messageTimeLayout = "2006-01-02 15:04:05"

// Credential is a signed, time-boxed authorization bound to one identity
// and one package scope. The embedded session key signs each key-server
// request so the user is prompted once per credential, not once per blob.
type Credential struct {
	Identity    string
	Scope       string
	IssuedAt    time.Time
	Expiry      time.Time
	SessionSeed []byte
	Signature   keys.Signature
}

type wireCredential struct {
	Identity    string         `cbor:"1,keyasint"`
	Scope       string         `cbor:"2,keyasint"`
	IssuedAt    int64          `cbor:"3,keyasint"`
	Expiry      int64          `cbor:"4,keyasint"`
	SessionSeed []byte         `cbor:"5,keyasint"`
	Signature   keys.Signature `cbor:"6,keyasint"`
}

// TTL returns the lifetime the credential was issued with.
func (c *Credential) TTL() time.Duration { return c.Expiry.Sub(c.IssuedAt) }

// Valid reports whether c is bound to identity and now < expiry.
func (c *Credential) Valid(identity string, now time.Time) bool {
	return c != nil && c.Identity == identity && now.Before(c.Expiry)
}

// Expired reports whether now >= expiry.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.Expiry)
}

// SessionPublicKey returns the ephemeral session key's public half.
func (c *Credential) SessionPublicKey() []byte {
	return ed25519.NewKeyFromSeed(c.SessionSeed).Public().(ed25519.PublicKey)
}

// PersonalMessage is the text the user signs to authorize the session key.
func (c *Credential) PersonalMessage() []byte { return c.Public().PersonalMessage() }

// SessionSigner returns a signer for the ephemeral session key.
func (c *Credential) SessionSigner() (*keys.Ed25519Signer, error) {
	return keys.NewEd25519Signer(c.SessionSeed)
}

// Verify checks that the user signature covers the personal message and
// was produced by Identity. It does not check expiry.
func (c *Credential) Verify() error {
	if len(c.SessionSeed) != ed25519.SeedSize {
		return fmt.Errorf("session: malformed session key")
	}
	return c.Public().Verify()
}

// Public returns a copy of c without the session key seed, suitable for
// sending to key servers.
func (c *Credential) Public() PublicCredential {
	return PublicCredential{
		Identity:         c.Identity,
		Scope:            c.Scope,
		IssuedAt:         c.IssuedAt,
		Expiry:           c.Expiry,
		SessionPublicKey: c.SessionPublicKey(),
		Signature:        c.Signature,
	}
}

// PublicCredential is the part of a credential a key server sees.
type PublicCredential struct {
	Identity         string
	Scope            string
	IssuedAt         time.Time
	Expiry           time.Time
	SessionPublicKey []byte
	Signature        keys.Signature
}

func (p PublicCredential) PersonalMessage() []byte {
	return []byte(fmt.Sprintf("Accessing keys of package %s for %d mins from %s, session key %s",
		p.Scope,
		int(p.Expiry.Sub(p.IssuedAt)/time.Minute),
		p.IssuedAt.UTC().Format(messageTimeLayout),
		base64.StdEncoding.EncodeToString(p.SessionPublicKey),
	))
}

// Verify checks the user signature. It does not check expiry, but it
// rejects an Expiry or IssuedAt the signed message does not pin exactly.
func (p PublicCredential) Verify() error {
	if len(p.SessionPublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("session: malformed session public key")
	}
	if !p.IssuedAt.Equal(p.IssuedAt.Truncate(time.Second)) {
		return fmt.Errorf("session: issued-at has sub-second precision")
	}
	ttl := p.Expiry.Sub(p.IssuedAt)
	if ttl < time.Minute || ttl%time.Minute != 0 {
		return fmt.Errorf("session: lifetime %s is not a whole number of minutes", ttl)
	}
	if p.Signature.Address() != p.Identity {
		return fmt.Errorf("session: credential signed by %s, not %s", p.Signature.Address(), p.Identity)
	}
	if !keys.Verify(p.Signature, p.PersonalMessage()) {
		return fmt.Errorf("session: invalid credential signature")
	}
	return nil
}

// Encode serializes c for the local cache.
func (c *Credential) Encode() ([]byte, error) {
	return codec.Marshal(wireCredential{
		Identity:    c.Identity,
		Scope:       c.Scope,
		IssuedAt:    c.IssuedAt.UnixNano(),
		Expiry:      c.Expiry.UnixNano(),
		SessionSeed: c.SessionSeed,
		Signature:   c.Signature,
	})
}

// DecodeCredential is the inverse of Encode.
func DecodeCredential(b []byte) (*Credential, error) {
	var w wireCredential
	if err := codec.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("session: decode credential: %w", err)
	}
	return &Credential{
		Identity:    w.Identity,
		Scope:       w.Scope,
		IssuedAt:    time.Unix(0, w.IssuedAt),
		Expiry:      time.Unix(0, w.Expiry),
		SessionSeed: w.SessionSeed,
		Signature:   w.Signature,
	}, nil
}
