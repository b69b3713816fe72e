package identity

import (
	"context"
	"encoding/asn1"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certgate/internal/pki"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	oidOrganization     = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidECDSAWithSHA256  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECPublicKey      = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	tagTestVersion      = cryptobyte_asn1.Tag(0).Constructed().ContextSpecific()
	testAttrOrg         = attr(oidOrganization, cryptobyte_asn1.UTF8String, []byte("certgate"))
	testAttrCommonAlice = attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte("alice"))
)

type testAttr struct {
	oid   asn1.ObjectIdentifier
	tag   cryptobyte_asn1.Tag
	value []byte
}

func attr(oid asn1.ObjectIdentifier, tag cryptobyte_asn1.Tag, value []byte) testAttr {
	return testAttr{oid: oid, tag: tag, value: value}
}

// certLayout holds the tbs fields around the subject. A nil field is encoded
// as in a well formed certificate.
type certLayout struct {
	signatureAlgorithm func(b *cryptobyte.Builder)
	validity           func(b *cryptobyte.Builder)
	spki               func(b *cryptobyte.Builder)
	trailer            func(b *cryptobyte.Builder)
}

func algorithm(oid asn1.ObjectIdentifier) func(b *cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(alg *cryptobyte.Builder) {
			alg.AddASN1ObjectIdentifier(oid)
		})
	}
}

func (l certLayout) withDefaults() certLayout {
	if l.signatureAlgorithm == nil {
		l.signatureAlgorithm = algorithm(oidECDSAWithSHA256)
	}
	if l.validity == nil {
		l.validity = func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(validity *cryptobyte.Builder) {
				validity.AddASN1UTCTime(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
				validity.AddASN1GeneralizedTime(time.Date(2055, 1, 1, 0, 0, 0, 0, time.UTC))
			})
		}
	}
	if l.spki == nil {
		l.spki = func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(spki *cryptobyte.Builder) {
				algorithm(oidECPublicKey)(spki)
				spki.AddASN1BitString([]byte{0x04, 0x01, 0x02})
			})
		}
	}
	if l.trailer == nil {
		l.trailer = func(*cryptobyte.Builder) {}
	}
	return l
}

// buildCertificate assembles a structurally valid certificate with the given
// subject attributes, one RDN per attribute. The signature is not valid.
func buildCertificate(t *testing.T, subject ...testAttr) []byte {
	t.Helper()
	return buildCertificateLayout(t, certLayout{}, subject...)
}

func buildCertificateLayout(t *testing.T, layout certLayout, subject ...testAttr) []byte {
	t.Helper()

	layout = layout.withDefaults()

	name := func(b *cryptobyte.Builder, attrs []testAttr) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(rdns *cryptobyte.Builder) {
			for _, a := range attrs {
				rdns.AddASN1(cryptobyte_asn1.SET, func(rdn *cryptobyte.Builder) {
					rdn.AddASN1(cryptobyte_asn1.SEQUENCE, func(atv *cryptobyte.Builder) {
						atv.AddASN1ObjectIdentifier(a.oid)
						atv.AddASN1(a.tag, func(v *cryptobyte.Builder) {
							v.AddBytes(a.value)
						})
					})
				})
			}
		})
	}

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(cert *cryptobyte.Builder) {
		cert.AddASN1(cryptobyte_asn1.SEQUENCE, func(tbs *cryptobyte.Builder) {
			tbs.AddASN1(tagTestVersion, func(v *cryptobyte.Builder) {
				v.AddASN1Int64(2)
			})
			tbs.AddASN1Int64(42)
			layout.signatureAlgorithm(tbs)
			name(tbs, []testAttr{attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte("test CA"))})
			layout.validity(tbs)
			name(tbs, subject)
			layout.spki(tbs)
			layout.trailer(tbs)
		})
		algorithm(oidECDSAWithSHA256)(cert)
		cert.AddASN1BitString([]byte{0x30, 0x00})
	})

	der, err := b.Bytes()
	require.NoError(t, err)
	return der
}

func emptySequence(b *cryptobyte.Builder) {
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(*cryptobyte.Builder) {})
}

func TestExtract(t *testing.T) {
	t.Run("certificate issued by a CA", func(t *testing.T) {
		signer, err := pki.NewCA("certgate test CA")
		require.NoError(t, err)
		bundle, err := pki.IssueClientCertificate(signer, "alice")
		require.NoError(t, err)
		caCert, _ := signer.GetCACertificate()

		id, err := Extract([][]byte{bundle.Cert.Raw, caCert.Raw})
		require.NoError(t, err)
		require.Equal(t, Identity("alice"), id)
	})

	t.Run("value is returned unmodified", func(t *testing.T) {
		der := buildCertificate(t, attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte("  Bob Smith ")))

		id, err := Extract([][]byte{der})
		require.NoError(t, err)
		require.Equal(t, Identity("  Bob Smith "), id)
	})

	t.Run("first common name wins", func(t *testing.T) {
		der := buildCertificate(t,
			testAttrOrg,
			attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte("first")),
			attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte("second")),
		)

		id, err := Extract([][]byte{der})
		require.NoError(t, err)
		require.Equal(t, Identity("first"), id)
	})

	t.Run("unique ids and extensions are accepted", func(t *testing.T) {
		der := buildCertificateLayout(t, certLayout{
			trailer: func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.Tag(1).ContextSpecific(), func(id *cryptobyte.Builder) {
					id.AddBytes([]byte{0x00, 0x01})
				})
				b.AddASN1(cryptobyte_asn1.Tag(3).Constructed().ContextSpecific(), func(exts *cryptobyte.Builder) {
					exts.AddASN1(cryptobyte_asn1.SEQUENCE, func(*cryptobyte.Builder) {})
				})
			},
		}, testAttrCommonAlice)

		id, err := Extract([][]byte{der})
		require.NoError(t, err)
		require.Equal(t, Identity("alice"), id)
	})

	t.Run("only the leaf is inspected", func(t *testing.T) {
		leaf := buildCertificate(t, testAttrCommonAlice)

		id, err := Extract([][]byte{leaf, []byte("not a certificate")})
		require.NoError(t, err)
		require.Equal(t, Identity("alice"), id)
	})
}

func TestExtract_failures(t *testing.T) {
	tests := []struct {
		name     string
		chain    [][]byte
		sentinel error
		kind     Kind
	}{
		{
			name:     "nil chain",
			chain:    nil,
			sentinel: ErrMissingCertificate,
			kind:     KindMissingCertificate,
		},
		{
			name:     "empty chain",
			chain:    [][]byte{},
			sentinel: ErrMissingCertificate,
			kind:     KindMissingCertificate,
		},
		{
			name:     "empty leaf bytes",
			chain:    [][]byte{{}},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name:     "garbage leaf",
			chain:    [][]byte{[]byte("hello world")},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name:     "truncated leaf",
			chain:    [][]byte{buildCertificate(t, testAttrCommonAlice)[:40]},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name:     "trailing data after leaf",
			chain:    [][]byte{append(buildCertificate(t, testAttrCommonAlice), 0x00)},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name:     "empty validity",
			chain:    [][]byte{buildCertificateLayout(t, certLayout{validity: emptySequence}, testAttrCommonAlice)},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name: "validity with a non time value",
			chain: [][]byte{buildCertificateLayout(t, certLayout{validity: func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(validity *cryptobyte.Builder) {
					validity.AddASN1Int64(1)
					validity.AddASN1Int64(2)
				})
			}}, testAttrCommonAlice)},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name:     "empty subject public key info",
			chain:    [][]byte{buildCertificateLayout(t, certLayout{spki: emptySequence}, testAttrCommonAlice)},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name: "subject public key info without bit string",
			chain: [][]byte{buildCertificateLayout(t, certLayout{spki: func(b *cryptobyte.Builder) {
				b.AddASN1(cryptobyte_asn1.SEQUENCE, algorithm(oidECPublicKey))
			}}, testAttrCommonAlice)},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name:     "signature algorithm without OID",
			chain:    [][]byte{buildCertificateLayout(t, certLayout{signatureAlgorithm: emptySequence}, testAttrCommonAlice)},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name: "trailing data in tbs after subject public key info",
			chain: [][]byte{buildCertificateLayout(t, certLayout{trailer: func(b *cryptobyte.Builder) {
				b.AddASN1OctetString([]byte{0xde, 0xad})
			}}, testAttrCommonAlice)},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name: "empty fields around a valid subject",
			chain: [][]byte{buildCertificateLayout(t, certLayout{
				signatureAlgorithm: emptySequence,
				validity:           emptySequence,
				spki:               emptySequence,
				trailer: func(b *cryptobyte.Builder) {
					b.AddASN1OctetString([]byte{0xde, 0xad})
				},
			}, attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte("mallory")))},
			sentinel: ErrMalformedCertificate,
			kind:     KindMalformedCertificate,
		},
		{
			name:     "no common name",
			chain:    [][]byte{buildCertificate(t, testAttrOrg)},
			sentinel: ErrMissingIdentityField,
			kind:     KindMissingIdentityField,
		},
		{
			name:     "empty subject",
			chain:    [][]byte{buildCertificate(t)},
			sentinel: ErrMissingIdentityField,
			kind:     KindMissingIdentityField,
		},
		{
			name:     "empty common name",
			chain:    [][]byte{buildCertificate(t, attr(OIDCommonName, cryptobyte_asn1.UTF8String, nil))},
			sentinel: ErrMissingIdentityField,
			kind:     KindMissingIdentityField,
		},
		{
			name:     "invalid UTF-8 common name",
			chain:    [][]byte{buildCertificate(t, attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte{'a', 0xff, 0xfe}))},
			sentinel: ErrInvalidEncoding,
			kind:     KindInvalidEncoding,
		},
		{
			name:     "invalid first common name with valid second",
			chain:    [][]byte{buildCertificate(t, attr(OIDCommonName, cryptobyte_asn1.UTF8String, []byte{0xc3}), testAttrCommonAlice)},
			sentinel: ErrInvalidEncoding,
			kind:     KindInvalidEncoding,
		},
		{
			name:     "unsupported string type",
			chain:    [][]byte{buildCertificate(t, attr(OIDCommonName, cryptobyte_asn1.OCTET_STRING, []byte("alice")))},
			sentinel: ErrInvalidEncoding,
			kind:     KindInvalidEncoding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := Extract(tt.chain)
			require.Error(t, err)
			require.Empty(t, id)
			require.ErrorIs(t, err, tt.sentinel)
			require.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestExtract_errorsAreDistinct(t *testing.T) {
	sentinels := []error{ErrMissingCertificate, ErrMalformedCertificate, ErrMissingIdentityField, ErrInvalidEncoding}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j {
				require.False(t, errors.Is(a, b), "%v should not match %v", a, b)
			}
		}
	}
}

func TestDecodeString(t *testing.T) {
	tests := []struct {
		name    string
		tag     cryptobyte_asn1.Tag
		value   []byte
		want    string
		wantErr bool
	}{
		{name: "utf8", tag: cryptobyte_asn1.UTF8String, value: []byte("Zoë"), want: "Zoë"},
		{name: "printable", tag: cryptobyte_asn1.PrintableString, value: []byte("alice"), want: "alice"},
		{name: "ia5", tag: cryptobyte_asn1.IA5String, value: []byte("alice@example.com"), want: "alice@example.com"},
		{name: "ia5 non-ascii", tag: cryptobyte_asn1.IA5String, value: []byte{'a', 0xe9}, wantErr: true},
		{name: "teletex latin1", tag: cryptobyte_asn1.T61String, value: []byte{'Z', 'o', 0xeb}, want: "Zoë"},
		{name: "bmp", tag: tagBMPString, value: []byte{0x00, 'b', 0x00, 'o', 0x00, 'b'}, want: "bob"},
		{name: "bmp odd length", tag: tagBMPString, value: []byte{0x00, 'b', 0x00}, wantErr: true},
		{name: "bmp unpaired surrogate", tag: tagBMPString, value: []byte{0xd8, 0x00, 0x00, 'a'}, wantErr: true},
		{name: "universal", tag: tagUniversalString, value: []byte{0, 0, 0, 'c', 0, 0, 0, 'n'}, want: "cn"},
		{name: "universal bad length", tag: tagUniversalString, value: []byte{0, 0, 'c'}, wantErr: true},
		{name: "universal out of range", tag: tagUniversalString, value: []byte{0x00, 0x11, 0x00, 0x00}, wantErr: true},
		{name: "unsupported", tag: cryptobyte_asn1.INTEGER, value: []byte{1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeString(tt.tag, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseSubject(t *testing.T) {
	der := buildCertificate(t, testAttrOrg, testAttrCommonAlice)

	attrs, err := ParseSubject(der)
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	require.True(t, attrs[0].Type.Equal(oidOrganization))
	require.True(t, attrs[1].Type.Equal(OIDCommonName))
	require.Equal(t, []byte("alice"), attrs[1].Value)
}

func TestFingerprint(t *testing.T) {
	der := buildCertificate(t, testAttrCommonAlice)

	fp := Fingerprint(der)
	require.NotEmpty(t, fp)
	require.Equal(t, fp, Fingerprint(der))
	require.NotEqual(t, fp, Fingerprint(buildCertificate(t, testAttrOrg)))
}

func TestContext(t *testing.T) {
	ctx := context.Background()

	_, ok := FromContext(ctx)
	require.False(t, ok)

	ctx = WithIdentity(ctx, "alice")
	id, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, Identity("alice"), id)

	_, ok = FromContext(WithIdentity(context.Background(), ""))
	require.False(t, ok)
}
