// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements the enveloped XML-DSig signatures used by
fiscal documents, events and number voids.

# Signing

A Signer produces an enveloped RSA signature over the first element that
carries an Id attribute (infNFe, infEvento, infInut, ...):

	signer := security.NewSigner()
	signed, err := signer.Sign(xmlBytes, identity)

The signature layout is fixed:
  - Inclusive canonicalization (C14N 1.0) for SignedInfo and the reference
  - enveloped-signature and C14N transforms
  - SHA-1 digest and RSA-SHA1 for the legacy layouts (infNFe, infEvento,
    infInut), SHA-256 and RSA-SHA256 for everything else
  - KeyInfo carries only the signing certificate

The Signature element is placed as the next sibling of the referenced
element, or as the last child of the root when the root itself is
referenced. Existing signatures are removed before signing.

# Verification

Verify recomputes the digest and checks the signature value against a
certificate, so a signed document can be checked before transmission:

	err := security.Verify(signed.XML, identity.Certificate)

# Certificate checks

ValidateIdentity rejects identities outside their validity period and,
when roots are configured, chains that do not verify.
*/
package security
