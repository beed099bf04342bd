package security

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate does not chain to a configured root
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
)

// Certificate purposes understood by ValidateCertificate.
const (
	PurposeSigning   = "signing"
	PurposeTLSClient = "tls-client"
)

// CertificateValidator checks a certificate before it is used.
type CertificateValidator interface {
	// ValidateCertificate validates cert for purpose. intermediates may be nil.
	ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate, purpose string) error
}

// DefaultCertificateValidator checks the validity period and, when roots
// are set, the chain.
type DefaultCertificateValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewDefaultCertificateValidator creates a validator. With nil roots only
// the validity period is checked; ICP-Brasil roots are rarely present in
// system pools.
func NewDefaultCertificateValidator(roots *x509.CertPool) *DefaultCertificateValidator {
	return &DefaultCertificateValidator{roots: roots, now: time.Now}
}

// ValidateCertificate validates a single certificate.
func (v *DefaultCertificateValidator) ValidateCertificate(cert *x509.Certificate, intermediates []*x509.Certificate, purpose string) error {
	if cert == nil {
		return fiscalerr.Certificate("no certificate", nil)
	}
	now := v.now()
	if now.Before(cert.NotBefore) {
		return fiscalerr.Certificate(cert.Subject.CommonName, ErrCertificateNotYetValid)
	}
	if now.After(cert.NotAfter) {
		return fiscalerr.Certificate(cert.Subject.CommonName, ErrCertificateExpired)
	}
	if v.roots == nil {
		return nil
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range intermediates {
		opts.Intermediates.AddCert(c)
	}
	if purpose == PurposeTLSClient {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	if _, err := cert.Verify(opts); err != nil {
		return fiscalerr.Certificate(cert.Subject.CommonName, fmt.Errorf("%w: %v", ErrCertificateUntrusted, err))
	}
	return nil
}

// ValidateIdentity runs v over the identity's leaf and intermediates.
func ValidateIdentity(v CertificateValidator, id *keystore.SigningIdentity, purpose string) error {
	if id == nil {
		return fiscalerr.Certificate("no signing identity", nil)
	}
	return v.ValidateCertificate(id.Certificate, id.Intermediates(), purpose)
}
