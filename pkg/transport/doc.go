// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the mutual TLS HTTPS transport used to reach
the tax authority web services.

# TLS Configuration

The client presents the signing identity (leaf and intermediates) as its
certificate. The trusted roots are the system pool, any operator supplied
PEM anchors and the CA certificates found in the identity's own chain, since
authority servers are often issued under the same ICP-Brasil hierarchy:

	client, err := transport.NewHTTPSClient(&transport.HTTPSConfig{
	    ExtraRootsPEM: anchors,
	}, identity)

TLS 1.2 is the minimum version. Renegotiation is allowed because several
authority servers request the client certificate through it.

# Client Usage

	header := http.Header{}
	header.Set("Content-Type", soap.V12.ContentType(action))
	body, err := client.Send(ctx, endpoint, envelope, header)

Connection failures and timeouts (45 seconds by default) are returned as
fiscalerr.NetworkError. A non-2xx response is a *StatusError carrying the
body, which usually holds a SOAP fault.
*/
package transport
