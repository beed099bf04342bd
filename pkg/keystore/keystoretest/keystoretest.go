// Package keystoretest generates throwaway certificate chains and PKCS#12
// archives for tests.
package keystoretest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/sirosfoundation/go-nfe/pkg/keystore"
)

// Chain is a three-level certificate hierarchy: root CA, intermediate CA, leaf.
type Chain struct {
	RootKey         *rsa.PrivateKey
	Root            *x509.Certificate
	IntermediateKey *rsa.PrivateKey
	Intermediate    *x509.Certificate
	LeafKey         *rsa.PrivateKey
	Leaf            *x509.Certificate
}

// Identity returns the chain as a signing identity, leaf first.
func (c *Chain) Identity() *keystore.SigningIdentity {
	return &keystore.SigningIdentity{
		PrivateKey:  c.LeafKey,
		Certificate: c.Leaf,
		Chain:       []*x509.Certificate{c.Leaf, c.Intermediate, c.Root},
	}
}

// NewChain creates a fresh root → intermediate → leaf hierarchy. The leaf
// carries the given common name, server-auth and client-auth EKUs and
// loopback SANs so it can serve both sides of a TLS test.
func NewChain(t testing.TB, commonName string) *Chain {
	t.Helper()

	rootKey := newKey(t)
	root := issue(t, &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"ICP-Brasil Test"}},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, nil, rootKey, rootKey)

	intKey := newKey(t)
	intermediate := issue(t, &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Intermediate CA", Organization: []string{"ICP-Brasil Test"}},
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}, root, intKey, rootKey)

	leafKey := newKey(t)
	leaf := issue(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"Loja Teste LTDA"}},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}, intermediate, leafKey, intKey)

	return &Chain{
		RootKey:         rootKey,
		Root:            root,
		IntermediateKey: intKey,
		Intermediate:    intermediate,
		LeafKey:         leafKey,
		Leaf:            leaf,
	}
}

// Archive encodes the chain as a legacy (3DES/SHA-1) PKCS#12 archive. The
// CA certificates are stored in the given order.
func (c *Chain) Archive(t testing.TB, password string, cas ...*x509.Certificate) []byte {
	t.Helper()
	if cas == nil {
		cas = []*x509.Certificate{c.Root, c.Intermediate}
	}
	data, err := gopkcs12.LegacyDES.Encode(c.LeafKey, c.Leaf, cas, password)
	require.NoError(t, err)
	return data
}

// ModernArchive encodes the chain with PBES2/AES and a SHA-256 MAC.
func (c *Chain) ModernArchive(t testing.TB, password string) []byte {
	t.Helper()
	data, err := gopkcs12.Modern.Encode(c.LeafKey, c.Leaf, []*x509.Certificate{c.Intermediate, c.Root}, password)
	require.NoError(t, err)
	return data
}

func newKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func issue(t testing.TB, tmpl, parent *x509.Certificate, key, parentKey *rsa.PrivateKey) *x509.Certificate {
	t.Helper()
	tmpl.NotBefore = time.Now().Add(-time.Hour)
	tmpl.NotAfter = time.Now().Add(365 * 24 * time.Hour)
	if parent == nil {
		parent = tmpl
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
