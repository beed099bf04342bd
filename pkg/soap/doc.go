// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package soap frames fiscal web-service requests in SOAP 1.1 or 1.2 and
reads the responses.

Requests are built by wrapping an already serialized payload, so signed
content is sent byte for byte:

	env := soap.Envelope(soap.V12, payload)
	req.Header.Set("Content-Type", soap.V12.ContentType(action))

Responses are read with prefix-tolerant lookups, since authorities answer
with soap:, env:, S: or unprefixed envelopes:

	status := soap.TagText(body, "cStat")
	section, ok := soap.FindSection(body, "protNFe")

ParseFault and IsUnsupported classify errors, the latter identifying the
faults that justify retrying with SOAP 1.1.
*/
package soap
