// Package server hosts the ingest service's HTTP surface on a single
// multiplexer: upload intake, progress streaming, queue inspection, video
// metadata, and HLS playback.
//
// The server builds a consistent middleware chain of request ID assignment,
// logging, audit, rate limiting, CORS, and security headers, with a
// bearer-token check applied selectively to the routes that mutate ingest
// state or expose admin listings. Playback routes stay open to
// unauthenticated clients.
package server
