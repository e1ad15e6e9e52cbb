package datasource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/ytget/avstream/errs"
	"github.com/ytget/avstream/types"
)

// RouterSource dispatches each Open to a memory or upstream delegate by URI.
// All other calls go to the delegate chosen by the latest Open. Close may be
// called from another goroutine to abort a blocked Read.
type RouterSource struct {
	match    func(uri string) bool
	memory   Factory
	upstream Factory

	mu      sync.Mutex
	state   state
	current Source
}

// NewRouterSource routes URIs accepted by match to memory and everything
// else to upstream. A nil match uses types.IsMemoryLocator.
func NewRouterSource(memory, upstream Factory, match func(string) bool) *RouterSource {
	if match == nil {
		match = types.IsMemoryLocator
	}
	return &RouterSource{match: match, memory: memory, upstream: upstream}
}

// RouterFactory returns a Factory of RouterSources.
func RouterFactory(memory, upstream Factory, match func(string) bool) Factory {
	return func() Source { return NewRouterSource(memory, upstream, match) }
}

// Open implements Source. A previous delegate is closed before the new one
// is selected.
func (r *RouterSource) Open(ctx context.Context, spec DataSpec) (int64, error) {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return 0, errs.ErrClosedSource
	}
	var next Source
	if r.match(spec.URI) {
		next = r.memory()
		log.Trace("routing to memory", map[string]interface{}{"uri": spec.URI})
	} else {
		next = r.upstream()
		log.Trace("routing upstream", map[string]interface{}{"uri": spec.URI})
	}
	prev := r.current
	r.current = next
	r.state = stateOpened
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Debug("closing previous delegate", map[string]interface{}{"uri": prev.URI(), "error": err.Error()})
		}
	}

	n, err := next.Open(ctx, spec)

	r.mu.Lock()
	closed := r.state == stateClosed
	r.mu.Unlock()
	if closed {
		// Close ran before next.Open took effect.
		_ = next.Close()
		return 0, errs.ErrClosedSource
	}
	return n, err
}

func (r *RouterSource) delegate() (Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.state.check(); err != nil {
		return nil, err
	}
	return r.current, nil
}

// Read implements Source.
func (r *RouterSource) Read(p []byte) (int, error) {
	cur, err := r.delegate()
	if err != nil {
		return 0, err
	}
	n, err := cur.Read(p)
	if err != nil && err != io.EOF {
		r.mu.Lock()
		closed := r.state == stateClosed
		r.mu.Unlock()
		if closed {
			return n, errs.ErrClosedSource
		}
	}
	return n, err
}

// URI implements Source.
func (r *RouterSource) URI() string {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return ""
	}
	return cur.URI()
}

// ResponseHeaders implements Source.
func (r *RouterSource) ResponseHeaders() http.Header {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return http.Header{}
	}
	return cur.ResponseHeaders()
}

// Close implements Source and closes the selected delegate.
func (r *RouterSource) Close() error {
	r.mu.Lock()
	if err := r.state.check(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.state = stateClosed
	cur := r.current
	r.current = nil
	r.mu.Unlock()

	if err := cur.Close(); err != nil && !errors.Is(err, errs.ErrNotOpened) {
		return err
	}
	return nil
}
