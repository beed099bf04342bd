// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression decodes the compressed document entries returned by the
distribution service.

Each entry is a gzip stream, but some authority versions have been seen
sending bare deflate data, so Decompress falls back to raw deflate when the
gzip header is missing:

	compressor := compression.NewCompressor()
	xmlData, err := compressor.Decompress(entry)

Output is capped at DefaultMaxSize per entry. Compress and CompressRaw
produce both encodings, mainly for tests and fixtures.

# References

  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
  - DEFLATE RFC 1951: https://datatracker.ietf.org/doc/html/rfc1951
*/
package compression
