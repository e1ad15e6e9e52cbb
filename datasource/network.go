package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ytget/avstream/errs"
	"github.com/ytget/avstream/pkg/client"
)

// NetworkSource fetches a URI over HTTP with a fixed header set.
//
// The ctx passed to Open bounds the whole read, not just the request. A
// single Read that waits longer than the client timeout for body bytes fails
// with a timeout *client.TransportError. Close may be called from another
// goroutine to abort a blocked Read.
type NetworkSource struct {
	client  *client.Client
	headers http.Header

	mu     sync.Mutex
	state  state
	uri    string
	body   io.ReadCloser
	header http.Header
}

// NewNetworkSource returns a source that sends headers with every request.
// A nil client uses client.New().
func NewNetworkSource(c *client.Client, headers http.Header) *NetworkSource {
	if c == nil {
		c = client.New()
	}
	return &NetworkSource{client: c, headers: headers.Clone()}
}

// NetworkFactory returns a Factory of NetworkSources sharing c.
func NetworkFactory(c *client.Client, headers http.Header) Factory {
	if c == nil {
		c = client.New()
	}
	return func() Source { return NewNetworkSource(c, headers) }
}

// Open implements Source. It issues a GET, adding a Range header for
// partial specs, and returns Content-Length when the server reports one.
// A failed Open still leaves the source open so Close stays valid.
func (n *NetworkSource) Open(ctx context.Context, spec DataSpec) (int64, error) {
	n.mu.Lock()
	if n.state == stateClosed {
		n.mu.Unlock()
		return 0, errs.ErrClosedSource
	}
	n.releaseLocked()
	n.state = stateOpened
	n.uri = spec.URI
	n.mu.Unlock()

	h := n.headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	for k, v := range spec.Headers {
		h[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	ranged := !spec.Whole()
	if ranged {
		h.Set("Range", rangeHeader(spec))
	}

	reqCtx, cancel := context.WithCancel(ctx)
	resp, err := n.client.Get(reqCtx, spec.URI, h)
	if err != nil {
		cancel()
		log.Debug("open failed", map[string]interface{}{"uri": spec.URI, "error": err.Error()})
		return 0, err
	}

	idle := newIdleBody(resp.Body, n.client.Timeout, cancel)
	var body io.ReadCloser = idle
	length := resp.ContentLength
	if length < 0 {
		length = LengthUnset
	}

	// Server ignored the range: skip to Position and trim to Length.
	if ranged && resp.StatusCode != http.StatusPartialContent {
		if spec.Position > 0 {
			if _, err := io.CopyN(io.Discard, idle, spec.Position); err != nil {
				_ = idle.Close()
				if errors.Is(err, io.EOF) {
					return 0, fmt.Errorf("position %d beyond end of %s", spec.Position, spec.URI)
				}
				return 0, &client.TransportError{URL: spec.URI, Err: err}
			}
			if length != LengthUnset {
				length -= spec.Position
			}
		}
		if spec.Length > 0 {
			body = limitedBody{Reader: io.LimitReader(idle, spec.Length), Closer: idle}
			if length == LengthUnset || length > spec.Length {
				length = spec.Length
			}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateClosed {
		_ = body.Close()
		return 0, errs.ErrClosedSource
	}
	n.body = body
	n.header = resp.Header.Clone()
	log.Trace("opened", map[string]interface{}{"uri": spec.URI, "status": resp.StatusCode, "length": length})
	return length, nil
}

// Read implements Source. Mid-body failures are reported as
// *client.TransportError.
func (n *NetworkSource) Read(p []byte) (int, error) {
	n.mu.Lock()
	if err := n.state.check(); err != nil {
		n.mu.Unlock()
		return 0, err
	}
	body, uri := n.body, n.uri
	n.mu.Unlock()

	if body == nil {
		return 0, errs.ErrNotOpened
	}
	c, err := body.Read(p)
	if err != nil && err != io.EOF {
		n.mu.Lock()
		closed := n.state == stateClosed
		n.mu.Unlock()
		if closed {
			return c, errs.ErrClosedSource
		}
		return c, &client.TransportError{URL: uri, Err: err}
	}
	return c, err
}

// URI implements Source.
func (n *NetworkSource) URI() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.uri
}

// ResponseHeaders implements Source.
func (n *NetworkSource) ResponseHeaders() http.Header {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.header == nil {
		return http.Header{}
	}
	return n.header.Clone()
}

// Close implements Source and releases the response body.
func (n *NetworkSource) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.state.check(); err != nil {
		return err
	}
	n.releaseLocked()
	n.state = stateClosed
	return nil
}

func (n *NetworkSource) releaseLocked() {
	if n.body != nil {
		_ = n.body.Close()
		n.body = nil
	}
	n.header = nil
}

func rangeHeader(spec DataSpec) string {
	pos := spec.Position
	if pos < 0 {
		pos = 0
	}
	if spec.Length > 0 {
		return fmt.Sprintf("bytes=%d-%d", pos, pos+spec.Length-1)
	}
	return fmt.Sprintf("bytes=%d-", pos)
}

type limitedBody struct {
	io.Reader
	io.Closer
}

// errIdleTimeout reports a body read that saw no bytes within the idle limit.
type errIdleTimeout time.Duration

func (e errIdleTimeout) Error() string {
	return fmt.Sprintf("no response bytes for %s", time.Duration(e))
}

func (errIdleTimeout) Timeout() bool   { return true }
func (errIdleTimeout) Temporary() bool { return true }

// idleBody cancels the request when one Read blocks longer than timeout.
// The clock only runs while a Read is in progress.
type idleBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{rc: rc, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		b.timer = time.AfterFunc(timeout, func() {
			b.expired.Store(true)
			cancel()
		})
		b.timer.Stop()
	}
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.timeout)
	}
	n, err := b.rc.Read(p)
	if b.timer != nil {
		b.timer.Stop()
	}
	if err != nil && err != io.EOF && b.expired.Load() {
		err = errIdleTimeout(b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cancel()
	return b.rc.Close()
}
