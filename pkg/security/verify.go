package security

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
)

var strictBase64 = base64.StdEncoding.Strict()

// Verify checks the enveloped signature of signedXML against cert. The
// embedded X509Certificate must be cert itself.
//
// The profile checks (one Reference by Id, inclusive C14N, digest method
// matching the signature method) are done here; the digest and signature
// value are checked by signedxml.
func Verify(signedXML []byte, cert *x509.Certificate) error {
	if cert == nil {
		return fiscalerr.Signature("no certificate to verify against", nil)
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return fiscalerr.Signature("certificate key is not RSA", nil)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return fiscalerr.Signature("parsing document", err)
	}
	root := doc.Root()
	if root == nil {
		return fiscalerr.Signature("empty document", nil)
	}
	sig := findSignature(root)
	if sig == nil {
		return fiscalerr.Signature("no Signature element", nil)
	}

	signedInfo := sig.SelectElement("SignedInfo")
	if signedInfo == nil {
		return fiscalerr.Signature("no SignedInfo", nil)
	}
	if algorithm(signedInfo.SelectElement("CanonicalizationMethod")) != AlgorithmC14N {
		return fiscalerr.Signature("unexpected canonicalization method", nil)
	}
	alg, ok := algorithmsByURI(algorithm(signedInfo.SelectElement("SignatureMethod")))
	if !ok {
		return fiscalerr.Signature("unsupported signature method", nil)
	}

	refs := signedInfo.SelectElements("Reference")
	if len(refs) != 1 {
		return fiscalerr.Signature("expected exactly one Reference", nil)
	}
	reference := refs[0]
	if algorithm(reference.SelectElement("DigestMethod")) != alg.digest {
		return fiscalerr.Signature("digest method does not match signature method", nil)
	}
	uri := reference.SelectAttrValue("URI", "")
	if !strings.HasPrefix(uri, "#") || len(uri) == 1 {
		return fiscalerr.Signature("unsupported reference URI "+uri, nil)
	}
	target := findByID(root, uri[1:])
	if target == nil {
		return fiscalerr.Signature("referenced element "+uri+" not found", nil)
	}

	certText := text(sig.FindElement("KeyInfo/X509Data/X509Certificate"))
	embedded, err := strictBase64.DecodeString(certText)
	if err != nil || !bytes.Equal(embedded, cert.Raw) {
		return fiscalerr.Signature("embedded certificate does not match", err)
	}
	// signedxml decodes leniently, so unused trailing bits would slip through.
	if _, err := strictBase64.DecodeString(text(sig.SelectElement("SignatureValue"))); err != nil {
		return fiscalerr.Signature("decoding SignatureValue", err)
	}

	standalone, err := referenceDocument(target, sig)
	if err != nil {
		return fiscalerr.Signature("preparing reference", err)
	}
	validator, err := signedxml.NewValidator(standalone)
	if err != nil {
		return fiscalerr.Signature("creating validator", err)
	}
	validator.Certificates = []x509.Certificate{*cert}
	validator.SetReferenceIDAttribute("Id")
	if _, err := validator.ValidateReferences(); err != nil {
		return fiscalerr.Signature("signature does not verify", err)
	}
	return nil
}

// referenceDocument serializes target as the root of its own document,
// with its inherited namespaces declared and sig enveloped in it. The
// validator only resolves prefixed namespaces when it detaches a
// reference, so a default namespace bound on an ancestor would be lost.
func referenceDocument(target, sig *etree.Element) (string, error) {
	detached := target.Copy()
	declareInScope(detached, target)
	removeSignatures(detached)
	detached.AddChild(sig.Copy())

	doc := etree.NewDocument()
	doc.SetRoot(detached)
	return doc.WriteToString()
}

// EmbeddedCertificate returns the signer certificate carried in the
// KeyInfo of signedXML. It is not trusted by itself; pass it to Verify and
// a CertificateValidator.
func EmbeddedCertificate(signedXML []byte) (*x509.Certificate, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signedXML); err != nil {
		return nil, fiscalerr.Signature("parsing document", err)
	}
	if doc.Root() == nil {
		return nil, fiscalerr.Signature("empty document", nil)
	}
	sig := findSignature(doc.Root())
	if sig == nil {
		return nil, fiscalerr.Signature("no Signature element", nil)
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(text(sig.FindElement("KeyInfo/X509Data/X509Certificate"))), ""))
	if err != nil || len(der) == 0 {
		return nil, fiscalerr.Signature("no embedded certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fiscalerr.Signature("parsing embedded certificate", err)
	}
	return cert, nil
}

func findSignature(e *etree.Element) *etree.Element {
	for _, child := range e.ChildElements() {
		if child.Tag == "Signature" && child.NamespaceURI() == NSXMLDSig {
			return child
		}
		if found := findSignature(child); found != nil {
			return found
		}
	}
	return nil
}

func algorithm(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return e.SelectAttrValue("Algorithm", "")
}

func text(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return e.Text()
}
