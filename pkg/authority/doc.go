// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package authority talks to the tax authority web services.

# Endpoints

An EndpointTable maps (service, model, region, environment) to a URL and
the SOAP version the server speaks. DefaultEndpoints returns the built-in
table; entries missing for a region fall back to the default region (SVRS
for authorization, the national environment for distribution). Operators
replace entries with Override values from configuration:

	table := authority.DefaultEndpoints()
	err := table.Apply(authority.Override{
	    Service: "NFeAutorizacao4", Model: "nfe", Region: "SP",
	    Environment: "homologation", URL: url, SOAP: "1.1",
	})

# Authorization

Client.Send transmits one signed document in a synchronous lot:

	client := authority.NewClient(authority.WithLogger(logger))
	result, err := client.Send(ctx, signed.XML, 35, document.Homologation, identity)

The document is checked before anything is sent. A lot that is not
processed (cStat 104) or a document that is not authorized (100 or 150)
yields a *fiscalerr.RejectionError. SOAP faults become
*fiscalerr.ProtocolFault. Send never retries.

AttachProtocol combines the signed document with the returned protNFe
into the nfeProc distribution document.

# Low level calls

Invoke frames a payload for any service and is shared with the
distribution package.
*/
package authority
