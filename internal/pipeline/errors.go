package pipeline

import (
	"errors"

	"github.com/wolfeidau/certgate/internal/identity"
)

var (
	// ErrHandshake wraps any failure of the mutual TLS handshake.
	ErrHandshake = errors.New("tls handshake failed")

	// ErrDispatch wraps a failure returned by the dispatcher while serving an
	// authenticated connection.
	ErrDispatch = errors.New("dispatch failed")

	// ErrInternal wraps a panic recovered from a pipeline stage.
	ErrInternal = errors.New("internal pipeline error")
)

// Reason is why a connection ended abnormally.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonHandshake
	ReasonMissingCertificate
	ReasonMalformedCertificate
	ReasonMissingIdentityField
	ReasonInvalidEncoding
	ReasonDispatch
	ReasonInternal
)

// String returns the value used in the reason log field and metric attribute.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonHandshake:
		return "handshake"
	case ReasonMissingCertificate:
		return identity.KindMissingCertificate.String()
	case ReasonMalformedCertificate:
		return identity.KindMalformedCertificate.String()
	case ReasonMissingIdentityField:
		return identity.KindMissingIdentityField.String()
	case ReasonInvalidEncoding:
		return identity.KindInvalidEncoding.String()
	case ReasonDispatch:
		return "dispatch"
	default:
		return "internal"
	}
}

// Classify maps an error produced by a pipeline stage to its Reason. Errors
// that match no known class are reported as ReasonInternal.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}

	switch {
	case errors.Is(err, ErrInternal):
		return ReasonInternal
	case errors.Is(err, ErrHandshake):
		return ReasonHandshake
	case errors.Is(err, ErrDispatch):
		return ReasonDispatch
	}

	switch identity.KindOf(err) {
	case identity.KindMissingCertificate:
		return ReasonMissingCertificate
	case identity.KindMalformedCertificate:
		return ReasonMalformedCertificate
	case identity.KindMissingIdentityField:
		return ReasonMissingIdentityField
	case identity.KindInvalidEncoding:
		return ReasonInvalidEncoding
	}

	return ReasonInternal
}
