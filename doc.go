// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package gonfe is a fiscal engine for Brazilian electronic invoices (NF-e,
model 55) and consumer receipts (NFC-e, model 65).

# Overview

go-nfe turns an upstream order into a signed fiscal document, transmits it
to the state tax authority over mutual TLS and keeps a local copy of the
documents other businesses issue to the company, pulled from the national
distribution service.

# Package Structure

	github.com/sirosfoundation/go-nfe/pkg/keystore      - Signing identities from PKCS#12 archives or PKCS#11 tokens
	github.com/sirosfoundation/go-nfe/pkg/document      - Access keys, payment classification and document building
	github.com/sirosfoundation/go-nfe/pkg/security      - Enveloped XML signatures and certificate validation
	github.com/sirosfoundation/go-nfe/pkg/soap          - SOAP 1.1/1.2 envelopes, faults and response lookup
	github.com/sirosfoundation/go-nfe/pkg/transport     - Mutual TLS HTTPS client
	github.com/sirosfoundation/go-nfe/pkg/authority     - Endpoint table and the authorization service
	github.com/sirosfoundation/go-nfe/pkg/distribution  - Distribution service client and incremental poller
	github.com/sirosfoundation/go-nfe/pkg/compression   - docZip decoding
	github.com/sirosfoundation/go-nfe/pkg/reliability   - Duplicate detection across polls
	github.com/sirosfoundation/go-nfe/pkg/fiscalerr     - Error taxonomy shared by all packages

The internal/config and internal/storage packages and the cmd/nfe-sync
command wire these together.

# Quick Start

Issuing a document:

	built, err := document.NewBuilder().Build(order, emitter, 1, document.Homologation)
	signed, err := security.NewSigner().Sign(built.XML, identity)
	client := authority.NewClient(
	    authority.WithTransport(authority.HTTPSTransport(transport.DefaultHTTPSConfig())),
	)
	result, err := client.Send(ctx, signed.XML, 35, document.Homologation, identity)
	proc, err := authority.AttachProtocol(signed.XML, result)

Pulling received documents:

	syncer := distribution.NewSyncer(distribution.WithTransport(factory))
	poller := distribution.NewPoller(syncer, store, distribution.PollerConfig{}, logger)
	stats, err := poller.Run(ctx, scope, consume)

# Errors

Every failure is classified by the fiscalerr package. Use errors.Is with
the fiscalerr sentinels, or errors.As with *fiscalerr.RejectionError to
read the authority's status code and reason.
*/
package gonfe
