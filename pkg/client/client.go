package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ytget/avstream/errs"
	"github.com/ytget/avstream/internal/logger"
)

const (
	// DefaultTimeout bounds connect and read for every request.
	DefaultTimeout = 20 * time.Second

	// DefaultUserAgent is the mobile browser identity the upstream expects.
	DefaultUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_1_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) GSA/383.0.797833943 Mobile/15E148 Safari/604.1"

	successMinCode = http.StatusOK               // 200
	successMaxCode = http.StatusMultipleChoices // 300, exclusive
)

var log = logger.WithComponent(logger.ComponentClient)

// tlsConfig limits the handshake to TLS 1.2/1.3 with AEAD suites only.
// TLS 1.3 suites are not configurable in crypto/tls and are always AEAD.
func tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
	}
}

// newTransport returns a tuned transport. Compression is left to callers so
// byte counts match what the cache stores.
func newTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
		TLSClientConfig:       tlsConfig(),
		ReadBufferSize:        32 * 1024,
		WriteBufferSize:       16 * 1024,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

// Config holds optional client parameters. Zero values use defaults.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	ProxyURL  string
	// Headers are added to every request that does not already set them.
	Headers http.Header
}

// Client wraps http.Client with a default header set and error classification.
// It never retries; callers own retry policy.
type Client struct {
	HTTPClient *http.Client
	UserAgent  string
	Headers    http.Header
	// Timeout is the connect/read bound; callers apply it to whole
	// request/response exchanges such as the resolver's POST.
	Timeout time.Duration
}

// New creates a Client with the default transport policy and timeout.
func New() *Client {
	return NewWith(Config{})
}

// NewWith creates a new client with provided config. Zero values use defaults.
func NewWith(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	tr := newTransport(timeout)
	if cfg.ProxyURL != "" {
		if proxyFunc, err := proxyFromURLString(cfg.ProxyURL); err == nil {
			tr.Proxy = proxyFunc
		} else {
			log.Warn("ignoring invalid proxy url", map[string]interface{}{"proxy": cfg.ProxyURL, "error": err.Error()})
		}
	}

	return &Client{
		HTTPClient: &http.Client{
			// Whole-request timeout is not set: segment bodies stream for longer
			// than the connect/read bound. Read stalls are bounded per request
			// through the transport and the caller's context.
			Transport: tr,
		},
		UserAgent: ua,
		Headers:   cfg.Headers.Clone(),
		Timeout:   timeout,
	}
}

// WithHeaders returns a shallow copy of c whose default header set also carries h.
// Values in h replace existing defaults of the same name.
func (c *Client) WithHeaders(h http.Header) *Client {
	merged := c.Headers.Clone()
	if merged == nil {
		merged = http.Header{}
	}
	for k, v := range h {
		merged[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return &Client{HTTPClient: c.HTTPClient, UserAgent: c.UserAgent, Headers: merged, Timeout: c.Timeout}
}

// Do sends req after filling in default headers. Network failures are
// returned as *TransportError; non-2xx responses as *StatusError with the
// body closed.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.applyHeaders(req)

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	log.Debug("request", map[string]interface{}{"method": req.Method, "url": req.URL.String()})

	resp, err := hc.Do(req)
	if err != nil {
		return nil, &TransportError{URL: req.URL.String(), Err: err}
	}
	if resp.StatusCode < successMinCode || resp.StatusCode >= successMaxCode {
		_ = resp.Body.Close()
		log.Debug("non-success status", map[string]interface{}{"url": req.URL.String(), "status": resp.StatusCode})
		return nil, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return resp, nil
}

// Get performs a GET with ctx and extra per-request headers.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	for k, v := range header {
		req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return c.Do(req)
}

func (c *Client) applyHeaders(req *http.Request) {
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		ua := c.UserAgent
		if ua == "" {
			ua = DefaultUserAgent
		}
		req.Header.Set("User-Agent", ua)
	}
}

// TransportError reports a connection, timeout or TLS failure.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches errs.ErrTransport.
func (e *TransportError) Is(target error) bool { return target == errs.ErrTransport }

// Timeout reports whether the underlying failure was a timeout.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.StatusCode, e.URL)
}

// Is matches errs.ErrHTTPStatus.
func (e *StatusError) Is(target error) bool { return target == errs.ErrHTTPStatus }

// proxyFromURLString parses a proxy URL and returns a Proxy function.
func proxyFromURLString(raw string) (func(*http.Request) (*url.URL, error), error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy url needs scheme and host: %q", raw)
	}
	return http.ProxyURL(u), nil
}
