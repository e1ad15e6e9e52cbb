package datasource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/ytget/avstream/cache"
	"github.com/ytget/avstream/errs"
)

// DefaultMaxSpoolBytes bounds how much of one response is buffered for the
// cache. Larger responses are streamed through uncached.
const DefaultMaxSpoolBytes = 64 << 20

// CacheHeader is set to "HIT" on responses served from the store.
const CacheHeader = "X-Avstream-Cache"

// Cache is the byte store a CachingSource reads and fills.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// CacheKey derives the store key for a URI.
func CacheKey(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return hex.EncodeToString(sum[:])
}

type cacheMode int

const (
	modeHit cacheMode = iota
	modeTee
	modePass
)

// CachingSource serves whole-resource reads from a Cache and fills it on a
// miss. Bytes are committed only after the wrapped source reports io.EOF and
// the byte count matches the announced length, so an interrupted read never
// leaves an entry behind. Ranged reads are served from a cached entry when
// one exists and otherwise pass through without caching.
//
// Close may be called from another goroutine to abort a blocked Read.
type CachingSource struct {
	newUpstream Factory
	store       Cache
	maxSpool    int

	mu       sync.Mutex
	state    state
	gen      uint64 // bumped by every Open
	upstream Source // delegate of the current open; nil while serving a hit
	mode     cacheMode
	uri      string
	key      string
	hit      *bytes.Reader
	hitSize  int
	spool    *bytes.Buffer
	expected int64
}

// NewCachingSource wraps a single upstream with store. A reopen that hits
// the cache releases upstream for good; use CachingFactory for sources that
// alternate between hits and misses.
func NewCachingSource(upstream Source, store Cache) *CachingSource {
	return newCachingSource(func() Source { return upstream }, store)
}

// CachingFactory wraps upstream with store. Each source asks upstream for a
// fresh delegate whenever a miss follows a released one.
func CachingFactory(upstream Factory, store Cache) Factory {
	return func() Source { return newCachingSource(upstream, store) }
}

func newCachingSource(upstream Factory, store Cache) *CachingSource {
	return &CachingSource{newUpstream: upstream, store: store, maxSpool: DefaultMaxSpoolBytes}
}

// SetMaxSpool changes the spool bound. Values <= 0 restore the default.
func (c *CachingSource) SetMaxSpool(n int) {
	if n <= 0 {
		n = DefaultMaxSpoolBytes
	}
	c.mu.Lock()
	c.maxSpool = n
	c.mu.Unlock()
}

// Open implements Source. Any read state of a previous Open is dropped; a
// previous upstream delegate is closed when the new URI is a hit.
func (c *CachingSource) Open(ctx context.Context, spec DataSpec) (int64, error) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return 0, errs.ErrClosedSource
	}
	c.state = stateOpened
	c.gen++
	gen := c.gen
	c.uri = spec.URI
	c.key = CacheKey(spec.URI)
	c.mode = modePass
	c.hit = nil
	c.hitSize = 0
	c.spool = nil
	key := c.key
	c.mu.Unlock()

	data, ok, err := c.store.Get(key)
	if err != nil {
		if errors.Is(err, cache.ErrClosed) {
			log.Debug("cache closed, reading upstream", map[string]interface{}{"uri": spec.URI})
		} else {
			log.Warn("cache lookup failed", map[string]interface{}{"uri": spec.URI, "error": err.Error()})
		}
	}
	if err == nil && ok {
		return c.openHit(gen, spec, data)
	}

	c.mu.Lock()
	if c.state == stateClosed || c.gen != gen {
		c.mu.Unlock()
		return 0, errs.ErrClosedSource
	}
	if c.upstream == nil {
		c.upstream = c.newUpstream()
	}
	up := c.upstream
	c.mu.Unlock()

	n, err := up.Open(ctx, spec)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		// Close ran before up.Open took effect.
		_ = up.Close()
		return 0, errs.ErrClosedSource
	}
	if err != nil || c.gen != gen {
		return 0, err
	}
	if spec.Whole() && (n == LengthUnset || n <= int64(c.maxSpool)) {
		c.mode = modeTee
		c.spool = &bytes.Buffer{}
		c.expected = n
		log.Trace("cache miss", map[string]interface{}{"uri": spec.URI, "length": n})
	}
	return n, nil
}

func (c *CachingSource) openHit(gen uint64, spec DataSpec, data []byte) (int64, error) {
	size := int64(len(data))
	start := spec.Position
	if start < 0 {
		start = 0
	}
	if start > size {
		start = size
	}
	end := size
	if spec.Length > 0 && start+spec.Length < size {
		end = start + spec.Length
	}

	c.mu.Lock()
	if c.state == stateClosed || c.gen != gen {
		c.mu.Unlock()
		return 0, errs.ErrClosedSource
	}
	prev := c.upstream
	c.upstream = nil
	c.mode = modeHit
	c.hit = bytes.NewReader(data[start:end])
	c.hitSize = int(end - start)
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil && !errors.Is(err, errs.ErrNotOpened) {
			log.Debug("releasing previous upstream", map[string]interface{}{"error": err.Error()})
		}
	}
	log.Trace("cache hit", map[string]interface{}{"uri": spec.URI, "bytes": end - start})
	return end - start, nil
}

// Read implements Source.
func (c *CachingSource) Read(p []byte) (int, error) {
	c.mu.Lock()
	if err := c.state.check(); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	if c.mode == modeHit {
		defer c.mu.Unlock()
		return c.hit.Read(p)
	}
	up, gen := c.upstream, c.gen
	c.mu.Unlock()
	if up == nil {
		return 0, errs.ErrNotOpened
	}

	n, err := up.Read(p)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return n, errs.ErrClosedSource
	}
	if c.gen != gen {
		return n, err
	}
	if c.spool != nil && n > 0 {
		if c.spool.Len()+n > c.maxSpool {
			log.Debug("response too large to cache", map[string]interface{}{"uri": c.uri})
			c.spool = nil
		} else {
			c.spool.Write(p[:n])
		}
	}
	if err == io.EOF {
		c.commitLocked()
	} else if err != nil {
		c.spool = nil
	}
	return n, err
}

// commitLocked stores the spool if it holds the complete resource.
func (c *CachingSource) commitLocked() {
	spool := c.spool
	c.spool = nil
	if spool == nil {
		return
	}
	if c.expected != LengthUnset && int64(spool.Len()) != c.expected {
		log.Warn("short response not cached", map[string]interface{}{
			"uri": c.uri, "expected": c.expected, "got": spool.Len(),
		})
		return
	}
	if err := c.store.Put(c.key, spool.Bytes()); err != nil {
		log.Warn("cache store failed", map[string]interface{}{"uri": c.uri, "error": err.Error()})
		return
	}
	log.Debug("cached", map[string]interface{}{"uri": c.uri, "bytes": spool.Len()})
}

// URI implements Source.
func (c *CachingSource) URI() string {
	c.mu.Lock()
	up, uri, mode := c.upstream, c.uri, c.mode
	c.mu.Unlock()
	if mode == modeHit || up == nil {
		return uri
	}
	if u := up.URI(); u != "" {
		return u
	}
	return uri
}

// ResponseHeaders implements Source.
func (c *CachingSource) ResponseHeaders() http.Header {
	c.mu.Lock()
	if c.state != stateOpened {
		c.mu.Unlock()
		return http.Header{}
	}
	if c.mode == modeHit {
		size := c.hitSize
		c.mu.Unlock()
		h := http.Header{}
		h.Set("Content-Length", strconv.Itoa(size))
		h.Set(CacheHeader, "HIT")
		return h
	}
	up := c.upstream
	c.mu.Unlock()
	if up == nil {
		return http.Header{}
	}
	return up.ResponseHeaders()
}

// Close implements Source. An unfinished spool is dropped and the upstream
// delegate, if any, is closed.
func (c *CachingSource) Close() error {
	c.mu.Lock()
	if err := c.state.check(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = stateClosed
	c.spool = nil
	c.hit = nil
	up := c.upstream
	c.mu.Unlock()
	if up == nil {
		return nil
	}
	// A delegate whose Open has not started yet reports ErrNotOpened;
	// Open notices the closed state and releases it.
	if err := up.Close(); err != nil && !errors.Is(err, errs.ErrNotOpened) {
		return err
	}
	return nil
}
