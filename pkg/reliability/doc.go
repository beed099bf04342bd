// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides duplicate detection for distributed documents.

The distribution service delivers at least once: the same access key can
come back under a new sequence number, and a batch is redelivered when the
process stops before the watermark is stored. A DuplicateDetector remembers
recently delivered keys for a window so the poller can drop repeats across
polls:

	detector := reliability.NewDuplicateDetector(24*time.Hour, 10000)

	if detector.CheckAndMark(accessKey) {
	    // already delivered within the window
	}

Entries expire after the window. When the entry limit is reached, expired
entries are purged first and then the whole memory is reset, which only
costs a redelivery.
*/
package reliability
