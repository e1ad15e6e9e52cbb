package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ytget/avstream/errs"
)

func TestNew(t *testing.T) {
	client := New()

	if client == nil {
		t.Fatal("Expected client to be created")
	}
	if client.HTTPClient == nil {
		t.Fatal("Expected HTTPClient to be initialized")
	}
	if client.Timeout != DefaultTimeout {
		t.Errorf("Expected timeout %v, got %v", DefaultTimeout, client.Timeout)
	}
	if client.UserAgent != DefaultUserAgent {
		t.Errorf("Expected user agent '%s', got '%s'", DefaultUserAgent, client.UserAgent)
	}
	tr, ok := client.HTTPClient.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Expected *http.Transport, got %T", client.HTTPClient.Transport)
	}
	if tr.TLSClientConfig == nil || tr.TLSClientConfig.MinVersion == 0 {
		t.Error("Expected TLS minimum version to be pinned")
	}
}

func TestNewWith(t *testing.T) {
	h := http.Header{}
	h.Set("Referer", "https://example.com/")
	cfg := Config{
		Timeout:   10 * time.Second,
		UserAgent: "Custom Agent",
		ProxyURL:  "http://proxy.example.com:8080",
		Headers:   h,
	}

	client := NewWith(cfg)

	if client.Timeout != cfg.Timeout {
		t.Errorf("Expected timeout %v, got %v", cfg.Timeout, client.Timeout)
	}
	if client.UserAgent != cfg.UserAgent {
		t.Errorf("Expected user agent '%s', got '%s'", cfg.UserAgent, client.UserAgent)
	}
	h.Set("Referer", "mutated")
	if client.Headers.Get("Referer") != "https://example.com/" {
		t.Error("Expected config headers to be copied")
	}
}

func TestNewWithZeroAndNegativeValues(t *testing.T) {
	for _, cfg := range []Config{{}, {Timeout: -1 * time.Second}} {
		client := NewWith(cfg)
		if client.Timeout != DefaultTimeout {
			t.Errorf("Expected timeout %v, got %v", DefaultTimeout, client.Timeout)
		}
		if client.UserAgent != DefaultUserAgent {
			t.Errorf("Expected default user agent, got '%s'", client.UserAgent)
		}
	}
}

func TestNewWithInvalidProxy(t *testing.T) {
	client := NewWith(Config{ProxyURL: "invalid-proxy-url"})
	if client == nil || client.HTTPClient == nil {
		t.Fatal("Expected client to be created even with invalid proxy")
	}
}

func TestGetAppliesDefaultHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("Referer"); got != "https://upstream.example/" {
			t.Errorf("Referer = %q", got)
		}
		if got := r.Header.Get("Range"); got != "bytes=10-" {
			t.Errorf("Range = %q", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("test response"))
	}))
	defer server.Close()

	h := http.Header{}
	h.Set("Referer", "https://upstream.example/")
	client := New().WithHeaders(h)

	extra := http.Header{}
	extra.Set("Range", "bytes=10-")
	resp, err := client.Get(context.Background(), server.URL, extra)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	_ = resp.Body.Close()
}

func TestRequestHeadersWinOverDefaults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "per-request" {
			t.Errorf("User-Agent = %q, want per-request", got)
		}
	}))
	defer server.Close()

	extra := http.Header{}
	extra.Set("User-Agent", "per-request")
	resp, err := New().Get(context.Background(), server.URL, extra)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = resp.Body.Close()
}

func TestWithHeadersDoesNotMutateReceiver(t *testing.T) {
	base := New()
	h := http.Header{}
	h.Set("Referer", "https://a.example/")
	derived := base.WithHeaders(h)
	if base.Headers.Get("Referer") != "" {
		t.Error("WithHeaders should not change the receiver")
	}
	if derived.Headers.Get("Referer") != "https://a.example/" {
		t.Error("derived client should carry the header")
	}
	if derived.HTTPClient != base.HTTPClient {
		t.Error("derived client should share the transport")
	}
}

func TestStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := New().Get(context.Background(), server.URL, nil)
	if !errors.Is(err, errs.ErrHTTPStatus) {
		t.Fatalf("expected ErrHTTPStatus, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("expected *StatusError with 403, got %#v", err)
	}
}

func TestTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New().Get(context.Background(), url, nil)
	if !errors.Is(err, errs.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if errors.Is(err, errs.ErrHTTPStatus) {
		t.Fatal("transport error must not match ErrHTTPStatus")
	}
}

func TestTransportErrorTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New().Get(ctx, server.URL, nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if !te.Timeout() {
		t.Errorf("expected timeout classification, got %v", te.Err)
	}
}

func TestProxyFromURLString(t *testing.T) {
	proxyFunc, err := proxyFromURLString("http://proxy.example.com:8080")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if proxyFunc == nil {
		t.Fatal("Expected proxy function to be non-nil")
	}
	if _, err := proxyFromURLString("://invalid-url"); err == nil {
		t.Fatal("Expected error for invalid proxy URL")
	}
	if _, err := proxyFromURLString("invalid-proxy-url"); err == nil {
		t.Fatal("Expected error for proxy URL without scheme")
	}
}
