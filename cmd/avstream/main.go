package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ytget/avstream"
	"github.com/ytget/avstream/animevietsub/manifest"
	"github.com/ytget/avstream/cache"
	"github.com/ytget/avstream/internal/logger"
	"github.com/ytget/avstream/internal/mimeext"
	"github.com/ytget/avstream/internal/sanitize"
	"github.com/ytget/avstream/pkg/client"
	"github.com/ytget/avstream/types"
)

const (
	envCacheDir = "AVSTREAM_CACHE_DIR"
	envCacheMax = "AVSTREAM_CACHE_MAX"
	envProxy    = "AVSTREAM_PROXY"
)

type options struct {
	envFile    string
	quality    string
	output     string
	noProgress bool
	timeout    time.Duration
	ua         string
	proxy      string
	rateLimit  string
	cacheDir   string
	cacheMax   string
	noCache    bool
	endpoint   string
	subtitles  bool
}

func main() {
	var o options
	flag.StringVar(&o.envFile, "env", ".env", "Environment file to load (missing file is ignored)")
	flag.StringVar(&o.quality, "quality", "", "Variant selector (e.g., 'best', 'worst', 'height<=720')")
	flag.StringVar(&o.output, "output", "", "Output path (file or directory). Empty derives from the episode URL")
	flag.BoolVar(&o.noProgress, "no-progress", false, "Disable progress output")
	flag.DurationVar(&o.timeout, "http-timeout", client.DefaultTimeout, "HTTP connect/read timeout (e.g., 20s, 1m)")
	flag.StringVar(&o.ua, "ua", "", "Override User-Agent header")
	flag.StringVar(&o.proxy, "proxy", "", "Proxy URL (http/https/socks5); defaults to $"+envProxy)
	flag.StringVar(&o.rateLimit, "rate-limit", "", "Download rate limit (e.g., 2MiB/s, 500KiB/s)")
	flag.StringVar(&o.cacheDir, "cache-dir", "", "Segment cache directory; defaults to $"+envCacheDir)
	flag.StringVar(&o.cacheMax, "cache-max", "", "Segment cache quota (e.g., 300MiB); defaults to $"+envCacheMax)
	flag.BoolVar(&o.noCache, "no-cache", false, "Disable the segment cache")
	flag.StringVar(&o.endpoint, "endpoint", "", "Override the player endpoint")
	flag.BoolVar(&o.subtitles, "subs", false, "Also download subtitles when available")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <resolve|inspect|download> <episode_url> <episode_code>\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) != 3 {
		flag.Usage()
		os.Exit(2)
	}
	command, episodeURL, episodeCode := args[0], strings.TrimSpace(args[1]), strings.TrimSpace(args[2])

	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", o.envFile, err)
		os.Exit(2)
	}

	logCfg := logger.EnvironmentConfig()
	l, closer, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log configuration: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = closer.Close() }()
	logger.SetGlobalLogger(l)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, command, episodeURL, episodeCode); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, command, episodeURL, episodeCode string) error {
	switch command {
	case "resolve", "inspect", "download":
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	cfg, err := sessionConfig(o)
	if err != nil {
		return err
	}
	s, err := avstream.NewSession(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	desc, err := s.Resolve(ctx, episodeURL, episodeCode)
	if err != nil {
		return err
	}

	switch command {
	case "resolve":
		if desc.HasInlineManifest() {
			_, _ = fmt.Fprint(os.Stdout, desc.RawPlaylist)
			return nil
		}
		_, _ = fmt.Fprintln(os.Stdout, desc.Link)
		return nil
	case "inspect":
		return inspect(desc)
	}

	out, err := outputPath(o.output, episodeURL, desc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Downloading %s...\n", out)
	if err := s.Download(ctx, desc, out, o.quality); err != nil {
		return err
	}
	if !o.noProgress {
		_, _ = fmt.Fprintln(os.Stdout)
	}
	if o.subtitles && desc.SubtitleLink != "" {
		ext := mimeext.ExtFromURI(desc.SubtitleLink)
		if ext == mimeext.DefaultExt {
			ext = mimeext.ExtVTT
		}
		sub := strings.TrimSuffix(out, filepath.Ext(out)) + "." + ext
		if err := s.DownloadSubtitle(ctx, desc, sub); err != nil {
			return fmt.Errorf("subtitles: %w", err)
		}
		_, _ = fmt.Fprintf(os.Stdout, "Saved: %s\n", sub)
	}
	if stats, ok := s.CacheStats(); ok {
		logger.WithComponent(logger.ComponentApp).Debug("cache stats", map[string]interface{}{
			"entries": stats.Entries, "bytes": stats.Bytes, "hits": stats.Hits, "misses": stats.Misses,
		})
	}
	_, _ = fmt.Fprintf(os.Stdout, "Saved: %s\n", out)
	return nil
}

func sessionConfig(o options) (avstream.Config, error) {
	proxy := o.proxy
	if proxy == "" {
		proxy = os.Getenv(envProxy)
	}
	cacheDir := o.cacheDir
	if cacheDir == "" {
		cacheDir = os.Getenv(envCacheDir)
	}
	cacheMaxStr := o.cacheMax
	if cacheMaxStr == "" {
		cacheMaxStr = os.Getenv(envCacheMax)
	}
	cacheMax, err := logger.ParseSize(cacheMaxStr)
	if err != nil {
		return avstream.Config{}, fmt.Errorf("invalid cache quota: %w", err)
	}
	rate, err := parseRate(o.rateLimit)
	if err != nil {
		return avstream.Config{}, err
	}

	cfg := avstream.Config{
		Client:       client.NewWith(client.Config{Timeout: o.timeout, UserAgent: o.ua, ProxyURL: proxy}),
		Cache:        cache.Config{Dir: cacheDir, MaxBytes: cacheMax},
		DisableCache: o.noCache,
		Endpoint:     o.endpoint,
		RateLimitBps: rate,
	}
	if !o.noProgress {
		cfg.ProgressFunc = func(p avstream.Progress) {
			_, _ = fmt.Fprintf(os.Stdout, "Segment %d/%d, %.1f%% (%d bytes)\r", p.Segment, p.TotalSegments, p.Percent, p.DownloadedSize)
		}
	}
	return cfg, nil
}

func inspect(desc *types.StreamDescriptor) error {
	_, _ = fmt.Fprintf(os.Stdout, "Link:      %s\n", desc.Link)
	if desc.SubtitleLink != "" {
		_, _ = fmt.Fprintf(os.Stdout, "Subtitles: %s\n", desc.SubtitleLink)
	}
	if !desc.HasInlineManifest() {
		return nil
	}
	info, err := manifest.Inspect(desc.RawPlaylist)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Type:      %s\n", info.Type)
	if info.Type == manifest.TypeMaster {
		_, _ = fmt.Fprintf(os.Stdout, "Qualities: %s\n", strings.Join(manifest.QualityLabels(info.Variants), ", "))
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "Segments:  %d\n", len(info.Segments))
	_, _ = fmt.Fprintf(os.Stdout, "Duration:  %s\n", time.Duration(info.Duration*float64(time.Second)).Round(time.Second))
	if len(info.KeyURIs) > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "Encrypted: %d key(s)\n", len(info.KeyURIs))
	}
	return nil
}

// outputPath derives a file name from the episode URL when out is empty or
// a directory.
func outputPath(out, episodeURL string, desc *types.StreamDescriptor) (string, error) {
	if out != "" && !isDir(out) {
		return out, nil
	}
	ext := mimeext.DefaultExt
	if !desc.IsHLS {
		ext = mimeext.ExtFromURI(desc.Link)
	}
	name := sanitize.ToSafeFilename(episodeTitle(episodeURL), ext)
	if out == "" {
		return name, nil
	}
	return filepath.Join(out, name), nil
}

func episodeTitle(episodeURL string) string {
	u, err := url.Parse(episodeURL)
	if err != nil || u.Path == "" {
		return ""
	}
	base := path.Base(strings.TrimSuffix(u.Path, "/"))
	return strings.TrimSuffix(base, path.Ext(base))
}

// parseRate parses strings like "2MiB/s" or "500KiB/s" into bytes per second.
func parseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "/S")
	n, err := logger.ParseSize(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit: %w", err)
	}
	return n, nil
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.IsDir()
}
