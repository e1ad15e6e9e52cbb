// Package datasource provides the byte sources a playback engine reads
// through: an in-memory manifest, a network fetcher, a caching decorator and
// a router that picks between them per URI.
//
// Every Source follows the same lifecycle. Open moves it from idle to
// opened, Read drains it until io.EOF, and Close moves it to the terminal
// closed state. A second Open discards the previous read state. Calls on a
// closed source fail with errs.ErrClosedSource; reads before any Open fail
// with errs.ErrNotOpened.
package datasource

import (
	"context"
	"io"
	"net/http"

	"github.com/ytget/avstream/errs"
	"github.com/ytget/avstream/internal/logger"
)

// LengthUnset means "to the end of the resource", both in DataSpec.Length
// and as the length returned by Open when it is not known.
const LengthUnset int64 = -1

var log = logger.WithComponent(logger.ComponentSource)

// DataSpec describes one read request.
type DataSpec struct {
	URI string
	// Position is the byte offset to start at.
	Position int64
	// Length is the number of bytes wanted. Values <= 0 mean to the end.
	Length int64
	// Headers are sent in addition to the source's own header set.
	Headers http.Header
}

// NewDataSpec returns a spec for the whole resource at uri.
func NewDataSpec(uri string) DataSpec {
	return DataSpec{URI: uri, Length: LengthUnset}
}

// Whole reports whether the spec covers the entire resource.
func (s DataSpec) Whole() bool {
	return s.Position <= 0 && s.Length <= 0
}

// Source is a resource that can be opened by URI and read sequentially.
// A Source is owned by one reader at a time.
type Source interface {
	// Open prepares the source to read spec and returns the number of bytes
	// that will be read, or LengthUnset.
	Open(ctx context.Context, spec DataSpec) (int64, error)
	// Read returns io.EOF once the opened range is exhausted.
	Read(p []byte) (int, error)
	// URI is the URI of the current read, or "" before Open.
	URI() string
	// ResponseHeaders returns headers describing the current read.
	ResponseHeaders() http.Header
	// Close releases the source. It must be called exactly once.
	Close() error
}

// Factory creates a fresh Source for each logical read.
type Factory func() Source

type state int

const (
	stateIdle state = iota
	stateOpened
	stateClosed
)

// check returns the error for reading in state s.
func (s state) check() error {
	switch s {
	case stateIdle:
		return errs.ErrNotOpened
	case stateClosed:
		return errs.ErrClosedSource
	}
	return nil
}

// ReadAll opens a source from f, reads spec fully and closes it.
func ReadAll(ctx context.Context, f Factory, spec DataSpec) ([]byte, error) {
	src := f()
	if _, err := src.Open(ctx, spec); err != nil {
		_ = src.Close()
		return nil, err
	}
	data, err := io.ReadAll(src)
	if cerr := src.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Copy opens a source from f and streams spec into dst.
func Copy(ctx context.Context, dst io.Writer, f Factory, spec DataSpec) (int64, error) {
	src := f()
	if _, err := src.Open(ctx, spec); err != nil {
		_ = src.Close()
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := src.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return n, err
}
