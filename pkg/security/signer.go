package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"io"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-nfe/pkg/fiscalerr"
	"github.com/sirosfoundation/go-nfe/pkg/keystore"
)

// Signer produces enveloped signatures.
type Signer struct {
	hash      crypto.Hash
	validator CertificateValidator
	rand      io.Reader
	logger    *slog.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithHash forces the digest and signature hash instead of choosing it
// from the referenced element. Only SHA-1 and SHA-256 are accepted.
func WithHash(h crypto.Hash) SignerOption {
	return func(s *Signer) { s.hash = h }
}

// WithValidator checks the identity before every signature.
func WithValidator(v CertificateValidator) SignerOption {
	return func(s *Signer) { s.validator = v }
}

// WithSignerLogger sets the logger.
func WithSignerLogger(l *slog.Logger) SignerOption {
	return func(s *Signer) { s.logger = l }
}

// NewSigner creates a signer.
func NewSigner(opts ...SignerOption) *Signer {
	s := &Signer{rand: rand.Reader, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign signs the first element carrying an Id attribute and returns the
// document with the Signature inserted.
func (s *Signer) Sign(xmlData []byte, id *keystore.SigningIdentity) (*SignedDocument, error) {
	if id == nil || id.PrivateKey == nil || id.Certificate == nil {
		return nil, fiscalerr.Signature("no signing key", nil)
	}
	if _, ok := id.PrivateKey.Public().(*rsa.PublicKey); !ok {
		return nil, fiscalerr.Signature("signing key is not RSA", nil)
	}
	if s.validator != nil {
		if err := ValidateIdentity(s.validator, id, PurposeSigning); err != nil {
			return nil, err
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xmlData); err != nil {
		return nil, fiscalerr.Signature("parsing document", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fiscalerr.Signature("empty document", nil)
	}
	if n := removeSignatures(root); n > 0 {
		s.logger.Debug("removed existing signatures", "count", n)
	}

	ref := findReference(root)
	if ref == nil {
		return nil, fiscalerr.Signature("no element with an Id attribute", nil)
	}
	refID := ref.SelectAttrValue("Id", "")
	if refID == "" {
		return nil, fiscalerr.Signature("empty Id attribute on "+ref.Tag, nil)
	}

	h := s.hash
	if h == 0 {
		h = DefaultHash(ref.Tag)
	}
	alg, ok := algorithmsFor(h)
	if !ok {
		return nil, fiscalerr.Signature("unsupported hash "+h.String(), nil)
	}

	canonicalRef, err := canonicalize(ref)
	if err != nil {
		return nil, fiscalerr.Signature("canonicalizing "+ref.Tag, err)
	}
	digest := sum(alg.hash, []byte(canonicalRef))
	digestValue := base64.StdEncoding.EncodeToString(digest)

	sig := newSignatureElement(alg, refID, digestValue)
	signedInfo := sig.SelectElement("SignedInfo")
	canonicalInfo, err := canonicalize(signedInfo)
	if err != nil {
		return nil, fiscalerr.Signature("canonicalizing SignedInfo", err)
	}

	raw, err := id.PrivateKey.Sign(s.rand, sum(alg.hash, []byte(canonicalInfo)), alg.hash)
	if err != nil {
		return nil, fiscalerr.Signature("signing", err)
	}
	signatureValue := base64.StdEncoding.EncodeToString(raw)

	sig.CreateElement("SignatureValue").SetText(signatureValue)
	sig.CreateElement("KeyInfo").
		CreateElement("X509Data").
		CreateElement("X509Certificate").
		SetText(base64.StdEncoding.EncodeToString(id.Certificate.Raw))

	if ref == root {
		root.AddChild(sig)
	} else {
		parent := ref.Parent()
		parent.InsertChildAt(ref.Index()+1, sig)
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fiscalerr.Signature("serializing", err)
	}

	s.logger.Debug("document signed",
		"reference", refID,
		"algorithm", alg.signature,
		"identity", id)

	return &SignedDocument{
		XML:            out,
		ReferenceID:    refID,
		DigestValue:    digestValue,
		SignatureValue: signatureValue,
	}, nil
}

// newSignatureElement builds Signature with a complete SignedInfo.
func newSignatureElement(alg algorithms, refID, digestValue string) *etree.Element {
	sig := etree.NewElement("Signature")
	sig.CreateAttr("xmlns", NSXMLDSig)

	signedInfo := sig.CreateElement("SignedInfo")
	signedInfo.CreateElement("CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmC14N)
	signedInfo.CreateElement("SignatureMethod").CreateAttr("Algorithm", alg.signature)

	reference := signedInfo.CreateElement("Reference")
	reference.CreateAttr("URI", "#"+refID)
	transforms := reference.CreateElement("Transforms")
	transforms.CreateElement("Transform").CreateAttr("Algorithm", AlgorithmEnveloped)
	transforms.CreateElement("Transform").CreateAttr("Algorithm", AlgorithmC14N)
	reference.CreateElement("DigestMethod").CreateAttr("Algorithm", alg.digest)
	reference.CreateElement("DigestValue").SetText(digestValue)

	return sig
}

func sum(h crypto.Hash, data []byte) []byte {
	w := h.New()
	w.Write(data)
	return w.Sum(nil)
}
