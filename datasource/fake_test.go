package datasource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/ytget/avstream/errs"
)

// fakeSource serves data with call counters.
type fakeSource struct {
	data     []byte
	announce int64 // returned by Open; 0 means len(data)
	openErr  error
	readErr  error // returned once data is exhausted instead of io.EOF

	opens, reads, closes int
	state                state
	uri                  string
	pos                  int
	end                  int
}

func newFake(data string) *fakeSource {
	return &fakeSource{data: []byte(data)}
}

func (f *fakeSource) Open(_ context.Context, spec DataSpec) (int64, error) {
	if f.state == stateClosed {
		return 0, errs.ErrClosedSource
	}
	f.opens++
	f.state = stateOpened
	f.uri = spec.URI
	if f.openErr != nil {
		return 0, f.openErr
	}
	f.pos = int(spec.Position)
	f.end = len(f.data)
	if spec.Length > 0 && f.pos+int(spec.Length) < f.end {
		f.end = f.pos + int(spec.Length)
	}
	if f.announce != 0 {
		return f.announce, nil
	}
	return int64(f.end - f.pos), nil
}

func (f *fakeSource) Read(p []byte) (int, error) {
	if err := f.state.check(); err != nil {
		return 0, err
	}
	f.reads++
	if f.pos >= f.end {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:f.end])
	f.pos += n
	return n, nil
}

func (f *fakeSource) URI() string { return f.uri }

func (f *fakeSource) ResponseHeaders() http.Header {
	return http.Header{"X-Fake": []string{"1"}}
}

func (f *fakeSource) Close() error {
	if err := f.state.check(); err != nil {
		return err
	}
	f.closes++
	f.state = stateClosed
	return nil
}

// mapStore is an in-memory Cache.
type mapStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	gets    int
	puts    int
	getErr  error
	putErr  error
}

func newMapStore() *mapStore {
	return &mapStore{entries: make(map[string][]byte)}
}

func (s *mapStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *mapStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *mapStore) has(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[CacheKey(uri)]
	return ok
}

var errBoom = errors.New("boom")
