package identity

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/encoding/unicode/utf32"
)

// OIDCommonName is id-at-commonName.
var OIDCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// universal string tags not exported by cryptobyte/asn1
const (
	tagNumericString   = cryptobyte_asn1.Tag(18)
	tagVisibleString   = cryptobyte_asn1.Tag(26)
	tagUniversalString = cryptobyte_asn1.Tag(28)
	tagBMPString       = cryptobyte_asn1.Tag(30)
)

var (
	tagVersion         = cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()
	tagIssuerUniqueID  = cryptobyte_asn1.Tag(1).ContextSpecific()
	tagSubjectUniqueID = cryptobyte_asn1.Tag(2).ContextSpecific()
	tagExtensions      = cryptobyte_asn1.Tag(3).Constructed().ContextSpecific()
)

// Attribute is a single AttributeTypeAndValue from a distinguished name.
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Tag   cryptobyte_asn1.Tag
	Value []byte
}

// Extract returns the identity of the peer that presented chain, a sequence of
// DER encoded certificates with the leaf first. Only the leaf is inspected and
// only its first subject commonName is used.
//
// Failures wrap exactly one of ErrMissingCertificate, ErrMalformedCertificate,
// ErrMissingIdentityField or ErrInvalidEncoding, checked in that order.
func Extract(chain [][]byte) (Identity, error) {
	if len(chain) == 0 {
		return "", ErrMissingCertificate
	}

	subject, err := ParseSubject(chain[0])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedCertificate, err)
	}

	cn, ok := firstAttribute(subject, OIDCommonName)
	if !ok {
		return "", ErrMissingIdentityField
	}

	value, err := DecodeString(cn.Tag, cn.Value)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidEncoding, err)
	}

	if value == "" {
		return "", fmt.Errorf("%w: commonName is empty", ErrMissingIdentityField)
	}

	return Identity(value), nil
}

// ParseSubject checks that der is a well formed X.509 certificate and returns
// the subject attributes in encoded order. Signatures and validity dates are
// not evaluated, only their encoding.
func ParseSubject(der []byte) ([]Attribute, error) {
	input := cryptobyte.String(der)

	var cert cryptobyte.String
	if !input.ReadASN1(&cert, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed certificate")
	}
	if !input.Empty() {
		return nil, errors.New("trailing data after certificate")
	}

	var tbs cryptobyte.String
	if !cert.ReadASN1(&tbs, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed tbs certificate")
	}
	if !readAlgorithmIdentifier(&cert) {
		return nil, errors.New("malformed signature algorithm identifier")
	}
	var signature asn1.BitString
	if !cert.ReadASN1BitString(&signature) {
		return nil, errors.New("malformed signature")
	}
	if !cert.Empty() {
		return nil, errors.New("trailing data in certificate")
	}

	var version cryptobyte.String
	var hasVersion bool
	if !tbs.ReadOptionalASN1(&version, &hasVersion, tagVersion) {
		return nil, errors.New("malformed version")
	}
	if hasVersion {
		var v int64
		if !version.ReadASN1Int64WithTag(&v, cryptobyte_asn1.INTEGER) || !version.Empty() {
			return nil, errors.New("malformed version")
		}
	}
	if !tbs.SkipASN1(cryptobyte_asn1.INTEGER) {
		return nil, errors.New("malformed serial number")
	}
	if !readAlgorithmIdentifier(&tbs) {
		return nil, errors.New("malformed signature algorithm")
	}

	var issuer cryptobyte.String
	if !tbs.ReadASN1(&issuer, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed issuer")
	}
	if _, err := parseRDNSequence(issuer); err != nil {
		return nil, fmt.Errorf("malformed issuer: %w", err)
	}

	var validity cryptobyte.String
	if !tbs.ReadASN1(&validity, cryptobyte_asn1.SEQUENCE) ||
		!readTime(&validity) || !readTime(&validity) || !validity.Empty() {
		return nil, errors.New("malformed validity")
	}

	var subject cryptobyte.String
	if !tbs.ReadASN1(&subject, cryptobyte_asn1.SEQUENCE) {
		return nil, errors.New("malformed subject")
	}

	var spki cryptobyte.String
	var publicKey asn1.BitString
	if !tbs.ReadASN1(&spki, cryptobyte_asn1.SEQUENCE) ||
		!readAlgorithmIdentifier(&spki) || !spki.ReadASN1BitString(&publicKey) || !spki.Empty() {
		return nil, errors.New("malformed subject public key info")
	}

	if !tbs.SkipOptionalASN1(tagIssuerUniqueID) {
		return nil, errors.New("malformed issuer unique id")
	}
	if !tbs.SkipOptionalASN1(tagSubjectUniqueID) {
		return nil, errors.New("malformed subject unique id")
	}

	var extensions cryptobyte.String
	var hasExtensions bool
	if !tbs.ReadOptionalASN1(&extensions, &hasExtensions, tagExtensions) {
		return nil, errors.New("malformed extensions")
	}
	if hasExtensions {
		var seq cryptobyte.String
		if !extensions.ReadASN1(&seq, cryptobyte_asn1.SEQUENCE) || !extensions.Empty() {
			return nil, errors.New("malformed extensions")
		}
	}

	if !tbs.Empty() {
		return nil, errors.New("trailing data in tbs certificate")
	}

	return parseRDNSequence(subject)
}

// readAlgorithmIdentifier consumes a SEQUENCE that starts with an OID.
func readAlgorithmIdentifier(s *cryptobyte.String) bool {
	var alg cryptobyte.String
	var oid asn1.ObjectIdentifier
	return s.ReadASN1(&alg, cryptobyte_asn1.SEQUENCE) && alg.ReadASN1ObjectIdentifier(&oid)
}

// readTime consumes a UTCTime or GeneralizedTime.
func readTime(s *cryptobyte.String) bool {
	var t time.Time
	switch {
	case s.PeekASN1Tag(cryptobyte_asn1.UTCTime):
		return s.ReadASN1UTCTime(&t)
	case s.PeekASN1Tag(cryptobyte_asn1.GeneralizedTime):
		return s.ReadASN1GeneralizedTime(&t)
	default:
		return false
	}
}

func parseRDNSequence(rdns cryptobyte.String) ([]Attribute, error) {
	var attrs []Attribute

	for !rdns.Empty() {
		var rdn cryptobyte.String
		if !rdns.ReadASN1(&rdn, cryptobyte_asn1.SET) {
			return nil, errors.New("malformed relative distinguished name")
		}

		for !rdn.Empty() {
			var atv cryptobyte.String
			if !rdn.ReadASN1(&atv, cryptobyte_asn1.SEQUENCE) {
				return nil, errors.New("malformed attribute")
			}

			var attr Attribute
			if !atv.ReadASN1ObjectIdentifier(&attr.Type) {
				return nil, errors.New("malformed attribute type")
			}

			var value cryptobyte.String
			if !atv.ReadAnyASN1(&value, &attr.Tag) {
				return nil, errors.New("malformed attribute value")
			}
			if !atv.Empty() {
				return nil, errors.New("trailing data in attribute")
			}
			attr.Value = value

			attrs = append(attrs, attr)
		}
	}

	return attrs, nil
}

func firstAttribute(attrs []Attribute, oid asn1.ObjectIdentifier) (Attribute, bool) {
	for _, attr := range attrs {
		if attr.Type.Equal(oid) {
			return attr, true
		}
	}
	return Attribute{}, false
}

// DecodeString converts a DirectoryString style value to UTF-8.
//
// Single byte ASCII types must be 7-bit clean, TeletexString is read as
// Latin-1, and the wide types must have a whole number of code units. The
// replacement character is rejected because it only appears in the output
// when the source held an invalid sequence.
func DecodeString(tag cryptobyte_asn1.Tag, value []byte) (string, error) {
	switch tag {
	case cryptobyte_asn1.UTF8String:
		if !utf8.Valid(value) {
			return "", errors.New("UTF8String contains invalid UTF-8")
		}
		return string(value), nil

	case cryptobyte_asn1.PrintableString, cryptobyte_asn1.IA5String, tagNumericString, tagVisibleString:
		// stricter than OpenSSL, which reads high bytes in these types as Latin-1
		for _, b := range value {
			if b >= utf8.RuneSelf {
				return "", fmt.Errorf("string type %d contains non-ASCII byte 0x%02x", tag, b)
			}
		}
		return string(value), nil

	case cryptobyte_asn1.T61String:
		return charmap.ISO8859_1.NewDecoder().String(string(value))

	case tagBMPString:
		if len(value)%2 != 0 {
			return "", errors.New("BMPString has odd length")
		}
		decoded, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder().Bytes(value)
		if err != nil {
			return "", fmt.Errorf("failed to decode BMPString: %w", err)
		}
		return checkDecoded(decoded)

	case tagUniversalString:
		if len(value)%4 != 0 {
			return "", errors.New("UniversalString length is not a multiple of 4")
		}
		decoded, err := utf32.UTF32(utf32.BigEndian, utf32.IgnoreBOM).NewDecoder().Bytes(value)
		if err != nil {
			return "", fmt.Errorf("failed to decode UniversalString: %w", err)
		}
		return checkDecoded(decoded)

	default:
		return "", fmt.Errorf("unsupported string type %d", tag)
	}
}

func checkDecoded(decoded []byte) (string, error) {
	s := string(decoded)
	if !utf8.ValidString(s) || strings.ContainsRune(s, utf8.RuneError) {
		return "", errors.New("string contains invalid code points")
	}
	return s, nil
}
