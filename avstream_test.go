package avstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ytget/avstream/animevietsub/cipher"
	"github.com/ytget/avstream/animevietsub/resolver"
	"github.com/ytget/avstream/cache"
	"github.com/ytget/avstream/datasource"
	"github.com/ytget/avstream/pkg/client"
	"github.com/ytget/avstream/types"
)

type upstream struct {
	*httptest.Server
	segmentHits atomic.Int32
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/player":
			playlist := fmt.Sprintf("#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\n%[1]s/seg0.ts\n#EXTINF:4.0,\n%[1]s/seg1.ts\n#EXT-X-ENDLIST\n", u.URL)
			token, err := cipher.Encode(playlist, nil)
			if err != nil {
				t.Errorf("Encode: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"link": []map[string]string{{"file": token}}})
		case strings.HasSuffix(r.URL.Path, ".ts"), strings.HasSuffix(r.URL.Path, ".vtt"), strings.HasSuffix(r.URL.Path, ".mp4"):
			if r.Header.Get("Referer") != resolver.Referer {
				http.Error(w, "no referer", http.StatusForbidden)
				return
			}
			if strings.HasSuffix(r.URL.Path, ".ts") {
				u.segmentHits.Add(1)
			}
			fmt.Fprintf(w, "<%s>", strings.TrimPrefix(r.URL.Path, "/"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

func newTestSession(t *testing.T, u *upstream, disableCache bool) *Session {
	t.Helper()
	s, err := NewSession(Config{
		Client:       client.NewWith(client.Config{Timeout: 5 * time.Second}),
		Cache:        cache.Config{InMemory: true, MaxBytes: 1 << 20},
		DisableCache: disableCache,
		Endpoint:     u.URL + "/player",
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func TestSessionResolveAndDownload(t *testing.T) {
	u := newUpstream(t)
	s := newTestSession(t, u, false)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	desc, err := s.Resolve(ctx, "https://animevietsub.example/phim/x/tap-01-4567.html", "code")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !types.IsMemoryLocator(desc.Link) || desc.SegmentCount != 2 {
		t.Fatalf("descriptor = %+v", desc)
	}

	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		out := filepath.Join(dir, fmt.Sprintf("ep%d.ts", i))
		if err := s.Download(ctx, desc, out, ""); err != nil {
			t.Fatalf("Download #%d error = %v", i, err)
		}
		data, err := os.ReadFile(out)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "<seg0.ts><seg1.ts>" {
			t.Errorf("Download #%d output = %q", i, data)
		}
	}
	if got := u.segmentHits.Load(); got != 2 {
		t.Errorf("segment requests = %d, want 2 (second pass from cache)", got)
	}
	stats, ok := s.CacheStats()
	if !ok || stats.Entries != 2 || stats.Hits != 2 {
		t.Errorf("CacheStats() = %+v, %v", stats, ok)
	}
}

func TestSessionWithoutCache(t *testing.T) {
	u := newUpstream(t)
	s := newTestSession(t, u, true)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	desc, err := s.Resolve(ctx, "tap-7", "code")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Download(ctx, desc, filepath.Join(t.TempDir(), "ep.ts"), "best"); err != nil {
			t.Fatalf("Download() error = %v", err)
		}
	}
	if got := u.segmentHits.Load(); got != 4 {
		t.Errorf("segment requests = %d, want 4", got)
	}
	if _, ok := s.CacheStats(); ok {
		t.Error("CacheStats() ok = true with cache disabled")
	}
}

func TestSessionSourceFactoryWithoutInlineManifest(t *testing.T) {
	u := newUpstream(t)
	s := newTestSession(t, u, false)
	defer func() { _ = s.Close() }()

	desc := types.NewStreamDescriptor(u.URL+"/movie.mp4", u.URL+"/sub.vtt", false, "", resolver.StreamHeaders())
	f, err := s.SourceFactory(desc)
	if err != nil {
		t.Fatal(err)
	}
	data, err := datasource.ReadAll(context.Background(), f, datasource.NewDataSpec(desc.Link))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "<movie.mp4>" {
		t.Errorf("data = %q", data)
	}

	dir := t.TempDir()
	if err := s.Download(context.Background(), desc, filepath.Join(dir, "movie.mp4"), ""); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	sub := filepath.Join(dir, "sub.vtt")
	if err := s.DownloadSubtitle(context.Background(), desc, sub); err != nil {
		t.Fatalf("DownloadSubtitle() error = %v", err)
	}
	if data, _ := os.ReadFile(sub); string(data) != "<sub.vtt>" {
		t.Errorf("subtitle = %q", data)
	}
}

func TestSessionDownloadSubtitleMissing(t *testing.T) {
	u := newUpstream(t)
	s := newTestSession(t, u, true)
	defer func() { _ = s.Close() }()

	desc := types.NewStreamDescriptor("memory://x/playlist.m3u8", "", true, "#EXTM3U\n", nil)
	if err := s.DownloadSubtitle(context.Background(), desc, filepath.Join(t.TempDir(), "s.vtt")); err == nil {
		t.Fatal("DownloadSubtitle() error = nil for a stream without subtitles")
	}
}

func TestSessionClosed(t *testing.T) {
	u := newUpstream(t)
	s := newTestSession(t, u, false)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.Resolve(context.Background(), "1", "code"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Resolve() error = %v", err)
	}
	desc := types.NewStreamDescriptor(u.URL+"/a.mp4", "", false, "", nil)
	if _, err := s.SourceFactory(desc); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SourceFactory() error = %v", err)
	}
	if _, err := s.SubtitleFactory(desc); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SubtitleFactory() error = %v", err)
	}
	if err := s.Download(context.Background(), desc, filepath.Join(t.TempDir(), "a.mp4"), ""); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Download() error = %v", err)
	}
	if _, ok := s.CacheStats(); ok {
		t.Error("CacheStats() ok = true after Close")
	}
}

func TestSessionTemporaryCacheDirRemoved(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	s, err := NewSession(Config{Cache: cache.Config{MaxBytes: 1 << 20}})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	dir := s.tempDir
	if dir == "" {
		t.Fatal("no temporary cache dir")
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("cache dir missing: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("cache dir still present after Close: %v", err)
	}
}
