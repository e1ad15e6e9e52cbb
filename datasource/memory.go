package datasource

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/ytget/avstream/errs"
)

// ManifestContentType is reported for in-memory manifests.
const ManifestContentType = "application/vnd.apple.mpegurl"

// MemorySource serves a manifest held in memory. Byte ranges are ignored:
// every Open serves the whole manifest from the start.
type MemorySource struct {
	manifest string
	data     []byte
	pos      int
	uri      string
	state    state
}

// NewMemorySource returns a source over manifest.
func NewMemorySource(manifest string) *MemorySource {
	return &MemorySource{manifest: manifest}
}

// MemoryFactory returns a Factory of MemorySources over manifest.
func MemoryFactory(manifest string) Factory {
	return func() Source { return NewMemorySource(manifest) }
}

// Open implements Source. It returns the UTF-8 length of the manifest.
func (m *MemorySource) Open(_ context.Context, spec DataSpec) (int64, error) {
	if m.state == stateClosed {
		return 0, errs.ErrClosedSource
	}
	m.data = []byte(m.manifest)
	m.pos = 0
	m.uri = spec.URI
	m.state = stateOpened
	return int64(len(m.data)), nil
}

// Read implements Source.
func (m *MemorySource) Read(p []byte) (int, error) {
	if err := m.state.check(); err != nil {
		return 0, err
	}
	if m.pos >= len(m.data) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += n
	return n, nil
}

// URI implements Source.
func (m *MemorySource) URI() string { return m.uri }

// ResponseHeaders implements Source.
func (m *MemorySource) ResponseHeaders() http.Header {
	h := http.Header{}
	if m.state != stateOpened {
		return h
	}
	h.Set("Content-Type", ManifestContentType)
	h.Set("Content-Length", strconv.Itoa(len(m.data)))
	return h
}

// Close implements Source and drops the buffer.
func (m *MemorySource) Close() error {
	if err := m.state.check(); err != nil {
		return err
	}
	m.data = nil
	m.state = stateClosed
	return nil
}
