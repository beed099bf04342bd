// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package document builds NF-e (model 55) and NFC-e (model 65) documents.

A document is built from an upstream [Order] and the issuing business's
[EmitterProfile]. Building validates the order, derives the 44-digit
[AccessKey], aggregates payments and serializes the layout 4.00 XML tree
through etree, so every text node and attribute is escaped once by the
serializer.

# Building

	b := document.NewBuilder(document.WithLogger(logger))
	res, err := b.Build(order, emitter, 1, document.Homologation)
	if err != nil {
	    // *fiscalerr.ValidationError before any network traffic
	}
	fmt.Println(res.AccessKey, len(res.XML))

Deterministic builds (tests, reprints) fix the random component:

	b := document.NewBuilder(document.WithRandomComponent(12345678))

# Payments

Raw payment inputs are grouped by (tPag code, term flag). Card sub-types
come from debit/credit keywords; "other" payments are classified through
an ordered keyword table (see [ClassifyOther]). Term payments require an
installment schedule whose values sum to the net total.

# Consumer QR code

NFC-e receipts carry a QR payload hashed with the business's CSC token:

	payload := document.QRCodePayload(params, csc, cscID)

# References

  - Manual de Orientação do Contribuinte 7.0: https://www.nfe.fazenda.gov.br/portal/listaConteudo.aspx?tipoConteudo=ndIjl+iEFdE=
  - IBGE state codes: https://www.ibge.gov.br/explica/codigos-dos-municipios.php
*/
package document
