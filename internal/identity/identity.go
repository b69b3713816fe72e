// Package identity extracts the authenticated identity of a TLS peer from the
// certificate chain it presented during the handshake.
//
// The identity is the first subject commonName attribute of the leaf
// certificate, returned exactly as encoded (no trimming or case folding).
package identity

import (
	"context"
	"crypto/sha256"
	"errors"

	"github.com/mr-tron/base58"
)

// Identity is the commonName of a verified peer's leaf certificate.
type Identity string

func (i Identity) String() string {
	return string(i)
}

var (
	// ErrMissingCertificate is returned when the peer chain is empty.
	ErrMissingCertificate = errors.New("did not receive any peer certificates")

	// ErrMalformedCertificate is returned when the leaf is not a well formed X.509 certificate.
	ErrMalformedCertificate = errors.New("invalid X.509 peer certificate")

	// ErrMissingIdentityField is returned when the leaf subject has no usable commonName.
	ErrMissingIdentityField = errors.New("peer certificate does not contain a subject commonName")

	// ErrInvalidEncoding is returned when the commonName can not be decoded as UTF-8 text.
	ErrInvalidEncoding = errors.New("peer certificate commonName is not valid UTF-8")
)

// Kind classifies extraction failures.
type Kind int

const (
	KindUnknown Kind = iota
	KindMissingCertificate
	KindMalformedCertificate
	KindMissingIdentityField
	KindInvalidEncoding
)

func (k Kind) String() string {
	switch k {
	case KindMissingCertificate:
		return "missing_certificate"
	case KindMalformedCertificate:
		return "malformed_certificate"
	case KindMissingIdentityField:
		return "missing_identity_field"
	case KindInvalidEncoding:
		return "invalid_encoding"
	default:
		return "unknown"
	}
}

// KindOf returns the extraction failure kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrMissingCertificate):
		return KindMissingCertificate
	case errors.Is(err, ErrMalformedCertificate):
		return KindMalformedCertificate
	case errors.Is(err, ErrMissingIdentityField):
		return KindMissingIdentityField
	case errors.Is(err, ErrInvalidEncoding):
		return KindInvalidEncoding
	default:
		return KindUnknown
	}
}

// Fingerprint returns the base58 encoded SHA-256 digest of a DER certificate.
func Fingerprint(der []byte) string {
	hash := sha256.Sum256(der)
	return base58.Encode(hash[:])
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id != ""
}
