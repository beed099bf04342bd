package keystore

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pkcs12"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

// keyEntry is a private key bag found in an archive.
type keyEntry struct {
	key        crypto.Signer
	localKeyID string
}

// certEntry is a certificate bag found in an archive.
type certEntry struct {
	cert       *x509.Certificate
	localKeyID string
}

// Pairing methods, in order of preference.
const (
	PairedByLocalKeyID  = "local-key-id"
	PairedByFingerprint = "spki-fingerprint"
	PairedByFallback    = "first-entries"
)

// Extract reads a password-protected PKCS#12 archive and returns the
// signing identity it contains.
//
// Every key bag and certificate bag is enumerated. The key is paired with a
// certificate sharing its localKeyId attribute; failing that, with the
// certificate whose public key fingerprint matches; failing that, the first
// key and first certificate are paired and PairingFallback is set.
func Extract(archive []byte, password string) (*SigningIdentity, error) {
	if len(archive) == 0 {
		return nil, fiscalerr.Configuration("certificate", "archive is empty")
	}
	if password == "" {
		return nil, fiscalerr.Configuration("password", ErrPasswordRequired.Error())
	}

	keys, certs, err := readArchive(archive, password)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fiscalerr.Certificate("no private key found in archive", nil)
	}
	if len(certs) == 0 {
		return nil, fiscalerr.Certificate("no certificate found in archive", nil)
	}

	p := pair(keys, certs)
	leaf := certs[p.cert].cert

	all := make([]*x509.Certificate, 0, len(certs))
	for _, c := range certs {
		all = append(all, c.cert)
	}

	return &SigningIdentity{
		PrivateKey:      keys[p.key].key,
		Certificate:     leaf,
		Chain:           OrderChain(leaf, all),
		PairingFallback: p.method == PairedByFallback,
	}, nil
}

func readArchive(archive []byte, password string) ([]keyEntry, []certEntry, error) {
	blocks, err := pkcs12.ToPEM(archive, password)
	if err == nil {
		return fromPEMBlocks(blocks)
	}
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return nil, nil, fiscalerr.Certificate("wrong archive password", err)
	}

	// x/crypto only understands the legacy PBE schemes; PBES2/AES archives
	// are decoded as a single chain instead.
	key, leaf, cas, chainErr := gopkcs12.DecodeChain(archive, password)
	if chainErr != nil {
		if errors.Is(chainErr, gopkcs12.ErrIncorrectPassword) {
			return nil, nil, fiscalerr.Certificate("wrong archive password", chainErr)
		}
		return nil, nil, fiscalerr.Certificate("cannot parse archive", err)
	}

	var keys []keyEntry
	if signer, ok := key.(crypto.Signer); ok {
		keys = append(keys, keyEntry{key: signer})
	}
	var certs []certEntry
	if leaf != nil {
		certs = append(certs, certEntry{cert: leaf})
	}
	for _, c := range cas {
		certs = append(certs, certEntry{cert: c})
	}
	return keys, certs, nil
}

func fromPEMBlocks(blocks []*pem.Block) ([]keyEntry, []certEntry, error) {
	var keys []keyEntry
	var certs []certEntry

	for _, block := range blocks {
		localKeyID := strings.ToLower(block.Headers["localKeyId"])

		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			key, err := parseKeyBytes(block.Bytes)
			if err != nil {
				return nil, nil, fiscalerr.Certificate("cannot parse private key", err)
			}
			keys = append(keys, keyEntry{key: key, localKeyID: localKeyID})

		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, fiscalerr.Certificate("cannot parse certificate", err)
			}
			certs = append(certs, certEntry{cert: cert, localKeyID: localKeyID})
		}
	}

	return keys, certs, nil
}

// parseKeyBytes accepts the PKCS#1, SEC1 and PKCS#8 encodings ToPEM may produce.
func parseKeyBytes(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unsupported private key encoding: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key is not a signer")
	}
	return signer, nil
}

type pairing struct {
	key    int
	cert   int
	method string
}

// pair builds the (key, certificate) lookup tables once and picks the best
// match.
func pair(keys []keyEntry, certs []certEntry) pairing {
	byLocalKeyID := make(map[string]int, len(certs))
	byFingerprint := make(map[string]int, len(certs))
	for i, c := range certs {
		if c.localKeyID != "" {
			if _, seen := byLocalKeyID[c.localKeyID]; !seen {
				byLocalKeyID[c.localKeyID] = i
			}
		}
		if fp, err := Fingerprint(c.cert.PublicKey); err == nil {
			if _, seen := byFingerprint[fp]; !seen {
				byFingerprint[fp] = i
			}
		}
	}

	for k, key := range keys {
		if key.localKeyID == "" {
			continue
		}
		if c, ok := byLocalKeyID[key.localKeyID]; ok {
			return pairing{key: k, cert: c, method: PairedByLocalKeyID}
		}
	}

	for k, key := range keys {
		fp, err := Fingerprint(key.key.Public())
		if err != nil {
			continue
		}
		if c, ok := byFingerprint[fp]; ok {
			return pairing{key: k, cert: c, method: PairedByFingerprint}
		}
	}

	// Multi-identity archives without usable attributes end up here; the
	// caller sees PairingFallback on the identity.
	return pairing{key: 0, cert: 0, method: PairedByFallback}
}

// Fingerprint is the hex SHA-256 of the SPKI encoding of pub.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshalling public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// OrderChain returns leaf followed by its issuers as found in all. Entries
// that could not be linked (self-signed roots already reached, unrelated
// certificates) are appended in their original order.
func OrderChain(leaf *x509.Certificate, all []*x509.Certificate) []*x509.Certificate {
	chain := []*x509.Certificate{leaf}
	used := make([]bool, len(all))
	for i, c := range all {
		if bytes.Equal(c.Raw, leaf.Raw) {
			used[i] = true
		}
	}

	current := leaf
	for !IsSelfSigned(current) {
		next := findIssuer(current, all, used)
		if next < 0 {
			break
		}
		used[next] = true
		chain = append(chain, all[next])
		current = all[next]
	}

	for i, c := range all {
		if !used[i] {
			used[i] = true
			chain = append(chain, c)
		}
	}
	return chain
}

// linkedPrefix counts the leading certificates of an ordered chain that are
// each signed by the next one.
func linkedPrefix(ordered []*x509.Certificate) int {
	n := 1
	for n < len(ordered) && ordered[n-1].CheckSignatureFrom(ordered[n]) == nil {
		n++
	}
	return n
}

func findIssuer(child *x509.Certificate, all []*x509.Certificate, used []bool) int {
	candidate := -1
	for i, c := range all {
		if used[i] || !bytes.Equal(child.RawIssuer, c.RawSubject) {
			continue
		}
		if child.CheckSignatureFrom(c) == nil {
			return i
		}
		if candidate < 0 {
			candidate = i
		}
	}
	return candidate
}

// IsSelfSigned reports whether cert names itself as issuer.
func IsSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject)
}

// IsCertificateAuthority reports whether cert may act as a trust anchor:
// either its basic constraints mark it as a CA or it is self-signed.
func IsCertificateAuthority(cert *x509.Certificate) bool {
	if cert.BasicConstraintsValid && cert.IsCA {
		return true
	}
	return IsSelfSigned(cert)
}
