// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package distribution retrieves documents issued by other parties that name
the company, through the NFeDistribuicaoDFe service.

# Single Requests

Syncer.PollOnce sends one distDFeInt query with the last consumed NSU and
returns the decoded documents and the next cursor:

	syncer := distribution.NewSyncer(distribution.WithLogger(logger))
	result, err := syncer.PollOnce(ctx, identity, "12345678000195", 35, watermark, document.Production)

The request uses SOAP 1.2. When the authority answers with a fault saying
it does not accept that version, the request is repeated once with SOAP
1.1. Entries that fail to decode are logged and skipped. Documents issued
by the company itself, inbound operations of the issuer and documents
addressed to someone else are discarded.

# Runs

A Poller calls PollOnce until the authority reports nothing more or a
bound (25 requests, 500 documents by default) is reached. Requests are
paced with a rate limiter. The watermark is saved through a
WatermarkStore after the consumer accepts each batch, so delivery is at
least once; access keys already delivered by the same Poller are filtered
out.

	poller := distribution.NewPoller(syncer, store, distribution.PollerConfig{}, logger)
	stats, err := poller.Run(ctx, scope, func(ctx context.Context, docs []*distribution.Summary) error {
	    return save(ctx, docs)
	})
*/
package distribution
