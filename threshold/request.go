package threshold

import (
	"context"
	"crypto/sha256"

	"xdao.co/capvault/internal/codec"
	"xdao.co/capvault/keys"
	"xdao.co/capvault/ledger"
	"xdao.co/capvault/model"
	"xdao.co/capvault/session"
)

// ShareRequest asks one key server to release its share for one content
// id. Signature is produced by the credential's session key.
type ShareRequest struct {
	Server     string
	ContentID  model.ContentID
	Wrapped    []byte
	Credential session.PublicCredential
	Directive  ledger.Call
	Signature  keys.Signature
}

// Server is a key server holding one share of every envelope.
type Server interface {
	ID() string
	// Recipient is the age X25519 recipient shares are wrapped to.
	Recipient() string
	// Release returns the share value, or a model.Error of kind
	// CredentialExpired, AccessDenied, or DecryptionUnavailable.
	Release(ctx context.Context, req ShareRequest) ([]byte, error)
}

type signedRequest struct {
	Server           string      `cbor:"1,keyasint"`
	ContentID        []byte      `cbor:"2,keyasint"`
	WrappedDigest    []byte      `cbor:"3,keyasint"`
	Directive        ledger.Call `cbor:"4,keyasint"`
	SessionPublicKey []byte      `cbor:"5,keyasint"`
	Expiry           int64       `cbor:"6,keyasint"`
}

// RequestMessage is the byte string the session key signs.
func RequestMessage(req ShareRequest) ([]byte, error) {
	digest := sha256.Sum256(req.Wrapped)
	return codec.Marshal(signedRequest{
		Server:           req.Server,
		ContentID:        req.ContentID,
		WrappedDigest:    digest[:],
		Directive:        req.Directive,
		SessionPublicKey: req.Credential.SessionPublicKey,
		Expiry:           req.Credential.Expiry.UnixNano(),
	})
}
