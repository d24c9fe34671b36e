package x509

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casidp/authn/internal/services/authn"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newCA(t *testing.T, cn string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, spiffeID string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	u, err := url.Parse(spiffeID)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "workload"},
		URIs:         []*url.URL{u},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestHandler_Authenticate(t *testing.T) {
	ca := newCA(t, "example.org CA")
	td := spiffeid.RequireTrustDomainFromString("example.org")
	h := NewWithBundle("x509", "", x509bundle.FromX509Authorities(td, []*x509.Certificate{ca.cert}))

	ctx := context.Background()

	t.Run("valid svid", func(t *testing.T) {
		leaf := ca.issue(t, "spiffe://example.org/ns/prod/sa/api", time.Now().Add(time.Hour))
		res, err := h.Authenticate(ctx, &authn.CertificateCredential{Chain: []*x509.Certificate{leaf}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "spiffe://example.org/ns/prod/sa/api", res.Principal.ID)
		assert.Equal(t, []any{"example.org"}, res.Principal.Attributes.Values("trustDomain"))
		assert.Equal(t, []any{"/ns/prod/sa/api"}, res.Principal.Attributes.Values("spiffePath"))
		assert.Equal(t, []any{"42"}, res.Principal.Attributes.Values("serialNumber"))
	})

	t.Run("foreign trust domain", func(t *testing.T) {
		leaf := ca.issue(t, "spiffe://other.org/api", time.Now().Add(time.Hour))
		_, err := h.Authenticate(ctx, &authn.CertificateCredential{Chain: []*x509.Certificate{leaf}}, nil)
		assert.ErrorIs(t, err, authn.ErrFailedLogin)
	})

	t.Run("untrusted issuer", func(t *testing.T) {
		rogue := newCA(t, "rogue")
		leaf := rogue.issue(t, "spiffe://example.org/api", time.Now().Add(time.Hour))
		_, err := h.Authenticate(ctx, &authn.CertificateCredential{Chain: []*x509.Certificate{leaf}}, nil)
		assert.ErrorIs(t, err, authn.ErrFailedLogin)
	})

	t.Run("expired", func(t *testing.T) {
		leaf := ca.issue(t, "spiffe://example.org/api", time.Now().Add(-time.Minute))
		_, err := h.Authenticate(ctx, &authn.CertificateCredential{Chain: []*x509.Certificate{leaf}}, nil)
		assert.ErrorIs(t, err, authn.ErrFailedLogin)
	})

	t.Run("empty chain", func(t *testing.T) {
		_, err := h.Authenticate(ctx, &authn.CertificateCredential{}, nil)
		assert.ErrorIs(t, err, authn.ErrFailedLogin)
	})
}

func TestNew_LoadsBundle(t *testing.T) {
	ca := newCA(t, "example.org CA")
	path := filepath.Join(t.TempDir(), "bundle.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
	require.NoError(t, os.WriteFile(path, pemBytes, 0600))

	h, err := New("x509", authn.HandlerStateActive, Options{TrustDomain: "example.org", BundleFile: path})
	require.NoError(t, err)
	assert.True(t, h.Supports(&authn.CertificateCredential{}))
	assert.False(t, h.Supports(&authn.TokenCredential{}))

	leaf := ca.issue(t, "spiffe://example.org/api", time.Now().Add(time.Hour))
	_, err = h.Authenticate(context.Background(), &authn.CertificateCredential{Chain: []*x509.Certificate{leaf}}, nil)
	assert.NoError(t, err)

	_, err = New("x509", "", Options{TrustDomain: "Not A Domain", BundleFile: path})
	assert.Error(t, err)

	_, err = New("x509", "", Options{TrustDomain: "example.org", BundleFile: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}
