package errs

import (
	"errors"
)

var (
	// ErrFormat indicates a malformed stream token at some decode stage.
	ErrFormat = errors.New("format error")
	// ErrUpstreamFormat indicates the upstream response envelope had an unexpected shape.
	ErrUpstreamFormat = errors.New("upstream format error")
	// ErrTransport indicates a connection, timeout or TLS failure.
	ErrTransport = errors.New("transport error")
	// ErrHTTPStatus indicates a non-success HTTP status from a remote service.
	ErrHTTPStatus = errors.New("http status error")
	// ErrClosedSource indicates an operation on a source that was already closed.
	ErrClosedSource = errors.New("source closed")
	// ErrNotOpened indicates an operation on a source before it was opened.
	ErrNotOpened = errors.New("source not opened")
	// ErrEvictionInvariant indicates the cache exceeded its quota despite eviction.
	ErrEvictionInvariant = errors.New("eviction invariant violated")
)
