// Package api hosts the HTTP handlers that front the ingest service.
//
// Handlers coordinate request validation and response shaping while
// delegating persistence and processing to the ingest pipeline, chunk
// assembler, progress bus, metadata store, object store, and analytics
// tracker injected into Handler at construction time. The package does not
// reach for globals or singletons and expects callers to supply fully
// configured dependencies.
//
// Handler implementations assume upstream middleware from internal/server has
// already enforced authentication, rate limiting, metrics, and logging
// concerns. New routes should preserve that contract by avoiding duplicate
// validation and by leaning on the middleware guarantees established in the
// server stack.
package api
