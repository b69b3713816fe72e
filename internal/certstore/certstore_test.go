package certstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/certgate/internal/pki"
	"github.com/wolfeidau/certgate/internal/pki/pkitest"
)

// fakeSSM stores parameters in memory.
type fakeSSM struct {
	params map[string]string
	types  map[string]types.ParameterType
	err    error
}

func newFakeSSM() *fakeSSM {
	return &fakeSSM{params: map[string]string{}, types: map[string]types.ParameterType{}}
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.params[aws.ToString(in.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("parameter not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(v)}}, nil
}

func (f *fakeSSM) PutParameter(ctx context.Context, in *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.params[aws.ToString(in.Name)] = aws.ToString(in.Value)
	f.types[aws.ToString(in.Name)] = in.Type
	return &ssm.PutParameterOutput{}, nil
}

func testCertificates(t *testing.T) (*Certificates, *pkitest.Authority) {
	t.Helper()

	ca := pkitest.New(t)

	key, err := ca.Server.KeyPEM()
	require.NoError(t, err)

	return &Certificates{
		ClientCA:   pki.CABundle(ca.Signer).CertPEM(),
		ServerCert: ca.Server.CertPEM(),
		ServerKey:  key,
	}, ca
}

func writeFiles(t *testing.T, certs *Certificates) Config {
	t.Helper()

	dir := t.TempDir()
	cfg := Config{
		ClientCAPath:   filepath.Join(dir, "inter.cert"),
		ServerCertPath: filepath.Join(dir, "end.cert"),
		ServerKeyPath:  filepath.Join(dir, "end.key"),
	}

	require.NoError(t, os.WriteFile(cfg.ClientCAPath, certs.ClientCA, 0600))
	require.NoError(t, os.WriteFile(cfg.ServerCertPath, certs.ServerCert, 0600))
	require.NoError(t, os.WriteFile(cfg.ServerKeyPath, certs.ServerKey, 0600))

	return cfg
}

func TestConfigCheck(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"files", Config{ClientCAPath: "a", ServerCertPath: "b", ServerKeyPath: "c"}, false},
		{"ssm", Config{ClientCASSM: "/a", ServerCertSSM: "/b", ServerKeySSM: "/c"}, false},
		{"ssm takes precedence over files", Config{ClientCAPath: "a", ClientCASSM: "/a", ServerCertSSM: "/b", ServerKeySSM: "/c"}, false},
		{"empty", Config{}, true},
		{"missing key path", Config{ClientCAPath: "a", ServerCertPath: "b"}, true},
		{"partial ssm", Config{ClientCASSM: "/a", ServerCertPath: "b", ServerKeyPath: "c", ClientCAPath: "a"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Check()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrIncompleteConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoad_files(t *testing.T) {
	certs, ca := testCertificates(t)
	cfg := writeFiles(t, certs)

	loaded, err := Load(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, certs, loaded)

	tlsConfig, err := loaded.TLSConfig()
	require.NoError(t, err)
	require.Equal(t, tls.RequireAndVerifyClientCert, tlsConfig.ClientAuth)
	require.Equal(t, uint16(tls.VersionTLS12), tlsConfig.MinVersion)
	require.Equal(t, []string{"http/1.1"}, tlsConfig.NextProtos)
	require.True(t, tlsConfig.SessionTicketsDisabled)
	require.Len(t, tlsConfig.Certificates, 1)

	t.Run("client certificates issued by the CA verify", func(t *testing.T) {
		client := ca.Client(t, "alice")
		_, err := client.Cert.Verify(x509.VerifyOptions{
			Roots:     tlsConfig.ClientCAs,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		require.NoError(t, err)
	})
}

func TestLoad_fileErrors(t *testing.T) {
	certs, _ := testCertificates(t)

	t.Run("missing file", func(t *testing.T) {
		cfg := writeFiles(t, certs)
		cfg.ServerKeyPath = filepath.Join(t.TempDir(), "missing.key")

		_, err := Load(context.Background(), cfg)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("garbage client CA", func(t *testing.T) {
		cfg := writeFiles(t, certs)
		require.NoError(t, os.WriteFile(cfg.ClientCAPath, []byte("not a certificate"), 0600))

		_, err := Load(context.Background(), cfg)
		require.ErrorIs(t, err, ErrInvalidCertificate)
	})

	t.Run("mismatched server key", func(t *testing.T) {
		other, _ := testCertificates(t)
		cfg := writeFiles(t, certs)
		require.NoError(t, os.WriteFile(cfg.ServerKeyPath, other.ServerKey, 0600))

		_, err := Load(context.Background(), cfg)
		require.ErrorIs(t, err, ErrInvalidCertificate)
	})

	t.Run("incomplete config", func(t *testing.T) {
		_, err := Load(context.Background(), Config{ServerCertPath: "end.cert"})
		require.ErrorIs(t, err, ErrIncompleteConfig)
	})
}

func TestLoad_ssm(t *testing.T) {
	certs, _ := testCertificates(t)
	client := newFakeSSM()

	cfg := Config{
		ClientCASSM:   "/certgate/test/client-ca",
		ServerCertSSM: "/certgate/test/server-cert",
		ServerKeySSM:  "/certgate/test/server-key",
	}

	require.NoError(t, Publish(context.Background(), client, cfg, certs))
	require.Equal(t, types.ParameterTypeSecureString, client.types[cfg.ServerKeySSM])
	require.Equal(t, types.ParameterTypeString, client.types[cfg.ClientCASSM])

	loaded, err := Load(context.Background(), cfg, WithSSMClient(client))
	require.NoError(t, err)
	require.Equal(t, certs, loaded)

	t.Run("missing parameter", func(t *testing.T) {
		empty := newFakeSSM()
		_, err := Load(context.Background(), cfg, WithSSMClient(empty))

		var notFound *types.ParameterNotFound
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("client error", func(t *testing.T) {
		failing := newFakeSSM()
		failing.err = errors.New("access denied")

		_, err := Load(context.Background(), cfg, WithSSMClient(failing))
		require.ErrorContains(t, err, "access denied")
		require.ErrorIs(t, Publish(context.Background(), failing, cfg, certs), failing.err)
	})
}
