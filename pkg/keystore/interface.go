// Package keystore extracts and serves signing identities for fiscal documents
//
// A signing identity is the business's private key plus its X.509 chain. It
// can come from:
//
//   - PKCS#12 archives (A1 certificates), read by [Extract]
//   - File-based providers: one archive per company tax id on disk
//   - PKCS#11: keys stored in hardware tokens or HSMs (A3 certificates)
//
// Identities are immutable after extraction and safe to share between
// goroutines. The private key is never logged; identities implement
// slog.LogValuer so they can be passed to a logger directly.
package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"time"
)

// Common errors
var (
	ErrIdentityNotFound = errors.New("signing identity not found")
	ErrPasswordRequired = errors.New("archive password required")
)

// SigningIdentity is a private key paired with its certificate chain.
type SigningIdentity struct {
	// PrivateKey signs documents and TLS handshakes. Exclusively owned.
	PrivateKey crypto.Signer

	// Certificate is the leaf certificate matching PrivateKey.
	Certificate *x509.Certificate

	// Chain is the ordered chain, leaf first, each entry followed by its issuer.
	Chain []*x509.Certificate

	// PairingFallback is true when no certificate could be matched to the key
	// by local key id or public key fingerprint, and the first key and first
	// certificate of the archive were paired instead.
	PairingFallback bool
}

// Path returns the leading part of Chain in which every certificate is
// signed by the next one. Certificates that were carried in the archive but
// do not extend the leaf's path are left out.
func (id *SigningIdentity) Path() []*x509.Certificate {
	if len(id.Chain) == 0 {
		if id.Certificate == nil {
			return nil
		}
		return []*x509.Certificate{id.Certificate}
	}
	return id.Chain[:linkedPrefix(id.Chain)]
}

// Intermediates returns the certification path without the leaf.
func (id *SigningIdentity) Intermediates() []*x509.Certificate {
	path := id.Path()
	if len(path) <= 1 {
		return nil
	}
	return path[1:]
}

// TLSCertificate returns the identity as a client certificate for mutual TLS.
// Only the certification path is presented.
func (id *SigningIdentity) TLSCertificate() tls.Certificate {
	path := id.Path()
	raw := make([][]byte, 0, len(path))
	for _, c := range path {
		raw = append(raw, c.Raw)
	}
	return tls.Certificate{
		Certificate: raw,
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// ExpiresWithin reports whether the leaf certificate expires before now+d.
func (id *SigningIdentity) ExpiresWithin(now time.Time, d time.Duration) bool {
	if id.Certificate == nil {
		return true
	}
	return now.Add(d).After(id.Certificate.NotAfter)
}

// Describe returns the public attributes of the leaf certificate.
func (id *SigningIdentity) Describe() IdentityInfo {
	return describe("", id.Certificate)
}

// LogValue implements slog.LogValuer. Only public certificate data is emitted.
func (id *SigningIdentity) LogValue() slog.Value {
	if id == nil || id.Certificate == nil {
		return slog.StringValue("<no identity>")
	}
	return slog.GroupValue(
		slog.String("subject", id.Certificate.Subject.String()),
		slog.String("serial", id.Certificate.SerialNumber.String()),
		slog.Time("not_after", id.Certificate.NotAfter),
		slog.Int("chain", len(id.Chain)),
		slog.Bool("pairing_fallback", id.PairingFallback),
	)
}

// IdentityProvider serves signing identities by scope (usually the company tax id).
//
// Implementations must be safe for concurrent use.
type IdentityProvider interface {
	// Identity returns the signing identity for scope.
	Identity(ctx context.Context, scope string) (*SigningIdentity, error)

	// Close releases any resources held by the provider.
	Close() error
}

// IdentityInfo describes an identity without exposing its key.
type IdentityInfo struct {
	Scope              string
	Algorithm          string
	KeySize            int
	NotBefore          time.Time
	NotAfter           time.Time
	CertificateSubject string
}

func describe(scope string, cert *x509.Certificate) IdentityInfo {
	return IdentityInfo{
		Scope:              scope,
		Algorithm:          keyAlgorithmName(cert.PublicKey),
		KeySize:            keySize(cert.PublicKey),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		CertificateSubject: cert.Subject.String(),
	}
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	default:
		return "Unknown"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	default:
		return 0
	}
}
