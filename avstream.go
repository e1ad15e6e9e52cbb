// Package avstream resolves AnimeVietSub episodes into playable streams and
// wires the byte sources a player (or the bundled downloader) reads them
// through.
//
// A Session owns one HTTP client and one on-disk segment cache:
//
//	s, err := avstream.NewSession(avstream.Config{})
//	if err != nil { ... }
//	defer s.Close()
//
//	desc, err := s.Resolve(ctx, episodeURL, episodeCode)
//	if err != nil { ... }
//	err = s.Download(ctx, desc, "episode.ts", "height<=720")
package avstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ytget/avstream/animevietsub/resolver"
	"github.com/ytget/avstream/cache"
	"github.com/ytget/avstream/datasource"
	"github.com/ytget/avstream/downloader"
	"github.com/ytget/avstream/internal/logger"
	"github.com/ytget/avstream/pkg/client"
	"github.com/ytget/avstream/types"
)

// ErrSessionClosed is returned by every Session method after Close.
var ErrSessionClosed = errors.New("avstream: session closed")

var log = logger.WithComponent(logger.ComponentApp)

// Progress describes current progress of an ongoing download.
type Progress = downloader.Progress

// Config configures a Session. Zero values use defaults.
type Config struct {
	// Client is shared by the resolver and all network sources.
	Client *client.Client
	// Cache configures the segment store. An empty Dir (without InMemory)
	// uses a fresh temporary directory that Close removes.
	Cache cache.Config
	// DisableCache reads every segment from the network.
	DisableCache bool
	// Endpoint overrides the resolver's player endpoint.
	Endpoint string
	// RateLimitBps limits download throughput. Zero disables limiting.
	RateLimitBps int64
	// ProgressFunc receives download progress updates.
	ProgressFunc func(Progress)
}

// Session ties a resolver, a client and a cache store together.
type Session struct {
	client   *client.Client
	resolver *resolver.Resolver
	store    *cache.Store
	tempDir  string

	rateLimitBps int64
	progress     func(Progress)

	mu     sync.RWMutex
	closed bool
}

// NewSession opens the cache store (unless disabled) and builds the resolver.
func NewSession(cfg Config) (*Session, error) {
	c := cfg.Client
	if c == nil {
		c = client.New()
	}
	var opts []resolver.Option
	if cfg.Endpoint != "" {
		opts = append(opts, resolver.WithEndpoint(cfg.Endpoint))
	}
	s := &Session{
		client:       c,
		resolver:     resolver.New(c, opts...),
		rateLimitBps: cfg.RateLimitBps,
		progress:     cfg.ProgressFunc,
	}
	if s.rateLimitBps < 0 {
		s.rateLimitBps = 0
	}

	if !cfg.DisableCache {
		cc := cfg.Cache
		if !cc.InMemory && cc.Dir == "" {
			dir, err := os.MkdirTemp("", "avstream-cache-")
			if err != nil {
				return nil, fmt.Errorf("create cache dir: %w", err)
			}
			cc.Dir = dir
			s.tempDir = dir
		}
		cc.ClearOnClose = true
		store, err := cache.Open(cc)
		if err != nil {
			s.removeTempDir()
			return nil, fmt.Errorf("open cache: %w", err)
		}
		s.store = store
		log.Debug("cache opened", map[string]interface{}{"dir": cc.Dir, "in_memory": cc.InMemory, "max_bytes": store.MaxBytes()})
	}
	return s, nil
}

func (s *Session) check() error {
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Resolve turns an episode page URL and episode code into a stream descriptor.
func (s *Session) Resolve(ctx context.Context, episodeURL, episodeCode string) (*types.StreamDescriptor, error) {
	s.mu.RLock()
	if err := s.check(); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	s.mu.RUnlock()
	return s.resolver.Resolve(ctx, episodeURL, episodeCode)
}

// SourceFactory returns the factory a player reads desc through. Network
// reads carry the descriptor headers and go through the cache when one is
// open; the in-memory manifest, if any, is served without network access.
func (s *Session) SourceFactory(desc *types.StreamDescriptor) (datasource.Factory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	upstream := datasource.NetworkFactory(s.client, desc.Headers())
	if s.store != nil {
		upstream = datasource.CachingFactory(upstream, s.store)
	}
	if !desc.HasInlineManifest() {
		return upstream, nil
	}
	return datasource.RouterFactory(datasource.MemoryFactory(desc.RawPlaylist), upstream, nil), nil
}

// SubtitleFactory returns an un-cached network factory for desc's subtitle.
func (s *Session) SubtitleFactory(desc *types.StreamDescriptor) (datasource.Factory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return datasource.NetworkFactory(s.client, desc.Headers()), nil
}

// Download writes the stream behind desc to outputPath. HLS streams are
// concatenated segment by segment using selector to pick a variant;
// progressive links are copied as one file.
func (s *Session) Download(ctx context.Context, desc *types.StreamDescriptor, outputPath, selector string) error {
	f, err := s.SourceFactory(desc)
	if err != nil {
		return err
	}
	dl := downloader.New(f, s.progress, s.rateLimitBps)
	if desc.IsHLS {
		return dl.Download(ctx, desc.Link, outputPath, selector)
	}
	return dl.DownloadFile(ctx, desc.Link, outputPath)
}

// DownloadSubtitle writes desc's subtitle to outputPath.
func (s *Session) DownloadSubtitle(ctx context.Context, desc *types.StreamDescriptor, outputPath string) error {
	if strings.TrimSpace(desc.SubtitleLink) == "" {
		return errors.New("avstream: stream has no subtitle")
	}
	f, err := s.SubtitleFactory(desc)
	if err != nil {
		return err
	}
	return downloader.New(f, nil, s.rateLimitBps).DownloadFile(ctx, desc.SubtitleLink, outputPath)
}

// CacheStats reports the segment store counters. ok is false when the
// cache is disabled.
func (s *Session) CacheStats() (stats cache.Stats, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil || s.closed {
		return cache.Stats{}, false
	}
	return s.store.Stats(), true
}

// Close releases the cache store, dropping its entries. A second Close
// returns ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.closed = true
	var err error
	if s.store != nil {
		err = s.store.Close()
	}
	s.removeTempDir()
	return err
}

func (s *Session) removeTempDir() {
	if s.tempDir == "" {
		return
	}
	if err := os.RemoveAll(s.tempDir); err != nil {
		log.Warn("cannot remove cache dir", map[string]interface{}{"dir": s.tempDir, "error": err.Error()})
	}
}
