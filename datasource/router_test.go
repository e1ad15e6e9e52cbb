package datasource

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ytget/avstream/errs"
)

const testManifest = "#EXTM3U\n#EXTINF:10.0,\nhttps://cdn.example.com/seg0.ts\n#EXT-X-ENDLIST\n"

func TestRouterMemoryPathNeverTouchesNetwork(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	upstreamCalls := 0
	upstream := func() Source {
		upstreamCalls++
		return NewNetworkSource(newTestClient(), nil)
	}
	r := NewRouterSource(MemoryFactory(testManifest), upstream, nil)

	got := readFully(t, r, NewDataSpec("memory://4f0c/playlist.m3u8"))
	if got != testManifest {
		t.Errorf("read %q", got)
	}
	if upstreamCalls != 0 {
		t.Errorf("upstream factory called %d times", upstreamCalls)
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Errorf("server received %d requests", n)
	}
}

func TestRouterUpstreamPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment"))
	}))
	defer srv.Close()

	memoryCalls := 0
	memory := func() Source {
		memoryCalls++
		return NewMemorySource(testManifest)
	}
	store := newMapStore()
	upstream := CachingFactory(NetworkFactory(newTestClient(), nil), store)
	r := NewRouterSource(memory, upstream, nil)

	if got := readFully(t, r, NewDataSpec(srv.URL+"/seg0.ts")); got != "segment" {
		t.Errorf("read %q", got)
	}
	if memoryCalls != 0 {
		t.Errorf("memory factory called %d times", memoryCalls)
	}
	if !store.has(srv.URL + "/seg0.ts") {
		t.Error("upstream read was not cached")
	}
}

func TestRouterClosePropagatesToSelectedDelegate(t *testing.T) {
	mem := newFake("manifest")
	net := newFake("segment")
	r := NewRouterSource(func() Source { return mem }, func() Source { return net }, nil)

	if _, err := r.Open(context.Background(), NewDataSpec("memory://a/playlist.m3u8")); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if mem.closes != 1 {
		t.Errorf("memory delegate closes = %d, want 1", mem.closes)
	}
	if net.opens != 0 || net.closes != 0 {
		t.Errorf("unselected delegate touched: opens=%d closes=%d", net.opens, net.closes)
	}
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, errs.ErrClosedSource) {
		t.Errorf("Read after Close = %v, want ErrClosedSource", err)
	}
	if err := r.Close(); !errors.Is(err, errs.ErrClosedSource) {
		t.Errorf("second Close = %v, want ErrClosedSource", err)
	}
	if _, err := r.Open(context.Background(), NewDataSpec("memory://a")); !errors.Is(err, errs.ErrClosedSource) {
		t.Errorf("Open after Close = %v, want ErrClosedSource", err)
	}
}

func TestRouterReopenClosesPreviousDelegate(t *testing.T) {
	var created []*fakeSource
	factory := func(data string) Factory {
		return func() Source {
			f := newFake(data)
			created = append(created, f)
			return f
		}
	}
	r := NewRouterSource(factory("manifest"), factory("segment"), nil)

	if _, err := r.Open(context.Background(), NewDataSpec("memory://a/playlist.m3u8")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open(context.Background(), NewDataSpec("https://cdn.example.com/seg.ts")); err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d delegates, want 2", len(created))
	}
	if created[0].closes != 1 {
		t.Error("previous delegate not closed on reopen")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "segment" {
		t.Errorf("read %q after reopen", data)
	}
	if r.URI() != "https://cdn.example.com/seg.ts" {
		t.Errorf("URI() = %q", r.URI())
	}
	if r.ResponseHeaders().Get("X-Fake") != "1" {
		t.Error("headers not forwarded")
	}
	_ = r.Close()
	if created[1].closes != 1 {
		t.Error("current delegate not closed")
	}
}

func TestRouterBeforeOpen(t *testing.T) {
	r := NewRouterSource(MemoryFactory(""), MemoryFactory(""), nil)
	if _, err := r.Read(make([]byte, 1)); !errors.Is(err, errs.ErrNotOpened) {
		t.Errorf("Read before Open = %v, want ErrNotOpened", err)
	}
	if err := r.Close(); !errors.Is(err, errs.ErrNotOpened) {
		t.Errorf("Close before Open = %v, want ErrNotOpened", err)
	}
	if r.URI() != "" || len(r.ResponseHeaders()) != 0 {
		t.Error("URI or headers reported before Open")
	}
}

func TestRouterCustomMatch(t *testing.T) {
	r := NewRouterSource(MemoryFactory("inline"), func() Source { return newFake("remote") }, func(uri string) bool {
		return uri == "local"
	})
	if got := readFully(t, r, NewDataSpec("local")); got != "inline" {
		t.Errorf("read %q", got)
	}

	r2 := RouterFactory(MemoryFactory("inline"), func() Source { return newFake("remote") }, nil)()
	if got := readFully(t, r2, NewDataSpec("local")); got != "remote" {
		t.Errorf("read %q", got)
	}
}

func TestRouterCloseDuringCachedNetworkRead(t *testing.T) {
	srv := stalledServer(t)
	store := newMapStore()
	r := NewRouterSource(MemoryFactory(testManifest), CachingFactory(NetworkFactory(newTestClient(), nil), store), nil)

	uri := srv.URL + "/seg0.ts"
	if _, err := r.Open(context.Background(), NewDataSpec(uri)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Read(buf)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, errs.ErrClosedSource) {
			t.Errorf("blocked Read error = %v, want ErrClosedSource", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not release the blocked Read")
	}
	if store.has(uri) {
		t.Error("aborted read left a cache entry")
	}
	if r.URI() != "" {
		t.Errorf("URI() after Close = %q", r.URI())
	}
}
