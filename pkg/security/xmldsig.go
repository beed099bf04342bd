package security

import (
	"crypto"
	// SHA-1 is mandated by the 4.00 layouts for infNFe, infEvento and infInut.
	_ "crypto/sha1"
	_ "crypto/sha256"
)

// XML-DSig namespace and algorithm identifiers.
const (
	NSXMLDSig = "http://www.w3.org/2000/09/xmldsig#"

	AlgorithmC14N       = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	AlgorithmEnveloped  = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	AlgorithmRSASHA1    = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	AlgorithmRSASHA256  = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgorithmDigestSHA1 = "http://www.w3.org/2000/09/xmldsig#sha1"
	AlgorithmSHA256     = "http://www.w3.org/2001/04/xmlenc#sha256"
)

// legacyDigestElements are signed with SHA-1 by the 4.00 layouts.
var legacyDigestElements = map[string]bool{
	"infNFe":    true,
	"infEvento": true,
	"infInut":   true,
}

// algorithms groups the URIs that go with one hash function.
type algorithms struct {
	hash      crypto.Hash
	signature string
	digest    string
}

func algorithmsFor(h crypto.Hash) (algorithms, bool) {
	switch h {
	case crypto.SHA1:
		return algorithms{hash: h, signature: AlgorithmRSASHA1, digest: AlgorithmDigestSHA1}, true
	case crypto.SHA256:
		return algorithms{hash: h, signature: AlgorithmRSASHA256, digest: AlgorithmSHA256}, true
	}
	return algorithms{}, false
}

func algorithmsByURI(signatureURI string) (algorithms, bool) {
	switch signatureURI {
	case AlgorithmRSASHA1:
		return algorithmsFor(crypto.SHA1)
	case AlgorithmRSASHA256:
		return algorithmsFor(crypto.SHA256)
	}
	return algorithms{}, false
}

// DefaultHash returns the digest function used for an element with the
// given local name.
func DefaultHash(localName string) crypto.Hash {
	if legacyDigestElements[localName] {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// SignedDocument is the outcome of Sign.
type SignedDocument struct {
	XML            []byte
	ReferenceID    string
	DigestValue    string // base64
	SignatureValue string // base64
}
