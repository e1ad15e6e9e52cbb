// Package downloader pulls a segmented stream through a datasource.Factory
// and concatenates its segments into one file. It plays the part of a
// playback engine for command-line use.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ytget/avstream/animevietsub/manifest"
	"github.com/ytget/avstream/datasource"
	"github.com/ytget/avstream/errs"
	"github.com/ytget/avstream/internal/logger"
	"github.com/ytget/avstream/types"
)

const (
	defaultMaxRetries      = 3      // per segment
	temporaryFileSuffix    = ".tmp" // suffix for temp download
	initialBackoffDuration = 200 * time.Millisecond
	maxBackoffDuration     = 3 * time.Second
	copyBufferSizeBytes    = 32 * 1024 // 32KB
)

// ErrRelativeToMemory is returned when a playlist held in memory refers to
// a relative URI, which has no network location to resolve against.
var ErrRelativeToMemory = errors.New("downloader: relative reference in an in-memory playlist")

var log = logger.WithComponent(logger.ComponentDownloader)

// Progress holds information about download progress.
type Progress struct {
	Segment        int
	TotalSegments  int
	DownloadedSize int64
	Percent        float64
}

// Downloader fetches every segment of a media playlist in order, with
// per-segment retry on transport failures and optional rate limiting.
type Downloader struct {
	Factory      datasource.Factory
	ProgressFunc func(Progress)

	maxRetries   int
	rateLimitBps int64
}

// New creates a downloader reading through factory. rateLimitBps=0 disables
// limiting.
func New(factory datasource.Factory, progressFunc func(Progress), rateLimitBps int64) *Downloader {
	return &Downloader{
		Factory:      factory,
		ProgressFunc: progressFunc,
		maxRetries:   defaultMaxRetries,
		rateLimitBps: rateLimitBps,
	}
}

// sleepForRate enforces simple rate limit based on bytes written in this step.
func (d *Downloader) sleepForRate(ctx context.Context, written int64) {
	if d.rateLimitBps <= 0 || written <= 0 {
		return
	}
	dur := time.Duration(int64(time.Second) * written / d.rateLimitBps)
	if dur <= 0 {
		return
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// resolveRef resolves a playlist reference against the playlist's URI.
// References inside an in-memory playlist must be absolute network URLs.
func resolveRef(base, ref string) (string, error) {
	if !types.IsMemoryLocator(base) {
		return manifest.ResolveURI(base, ref)
	}
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	if !u.IsAbs() || u.Scheme == types.MemoryScheme {
		return "", fmt.Errorf("%w: %q", ErrRelativeToMemory, ref)
	}
	return u.String(), nil
}

// MediaPlaylist loads manifestURI and, for a master playlist, the variant
// chosen by selector. It returns the media playlist and its URI.
func (d *Downloader) MediaPlaylist(ctx context.Context, manifestURI, selector string) (*manifest.Info, string, error) {
	info, err := d.inspect(ctx, manifestURI)
	if err != nil {
		return nil, "", err
	}
	if info.Type == manifest.TypeMedia {
		return info, manifestURI, nil
	}

	v, err := manifest.SelectVariant(info.Variants, selector)
	if err != nil {
		return nil, "", fmt.Errorf("select variant: %w", err)
	}
	variantURI, err := resolveRef(manifestURI, v.URI)
	if err != nil {
		return nil, "", err
	}
	log.Info("selected variant", map[string]interface{}{"label": v.Label(), "bandwidth": v.Bandwidth, "uri": variantURI})

	media, err := d.inspect(ctx, variantURI)
	if err != nil {
		return nil, "", err
	}
	if media.Type != manifest.TypeMedia {
		return nil, "", fmt.Errorf("variant %s is not a media playlist", variantURI)
	}
	return media, variantURI, nil
}

func (d *Downloader) inspect(ctx context.Context, uri string) (*manifest.Info, error) {
	data, err := datasource.ReadAll(ctx, d.Factory, datasource.NewDataSpec(uri))
	if err != nil {
		return nil, fmt.Errorf("fetch playlist %s: %w", uri, err)
	}
	info, err := manifest.Inspect(string(data))
	if err != nil {
		return nil, fmt.Errorf("playlist %s: %w", uri, err)
	}
	return info, nil
}

// Download resolves the media playlist behind manifestURI and writes its
// segments, in order, to outputPath. Data goes to outputPath+".tmp" first
// and is renamed on success.
func (d *Downloader) Download(ctx context.Context, manifestURI, outputPath, selector string) error {
	media, mediaURI, err := d.MediaPlaylist(ctx, manifestURI, selector)
	if err != nil {
		return err
	}
	if len(media.Segments) == 0 {
		return fmt.Errorf("playlist %s has no segments", mediaURI)
	}
	if len(media.KeyURIs) > 0 {
		log.Warn("segments are encrypted and are written as received", map[string]interface{}{"keys": len(media.KeyURIs)})
	}

	segmentURIs := make([]string, 0, len(media.Segments))
	for _, s := range media.Segments {
		u, err := resolveRef(mediaURI, s.URI)
		if err != nil {
			return err
		}
		segmentURIs = append(segmentURIs, u)
	}

	tmpPath := outputPath + temporaryFileSuffix
	outFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	log.Info("starting download", map[string]interface{}{"segments": len(segmentURIs), "output": outputPath})

	var downloaded int64
	for i, uri := range segmentURIs {
		n, err := d.fetchSegment(ctx, outFile, downloaded, uri)
		if err != nil {
			_ = outFile.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("segment %d/%d: %w", i+1, len(segmentURIs), err)
		}
		downloaded += n
		if d.ProgressFunc != nil {
			d.ProgressFunc(Progress{
				Segment:        i + 1,
				TotalSegments:  len(segmentURIs),
				DownloadedSize: downloaded,
				Percent:        float64(i+1) / float64(len(segmentURIs)) * 100,
			})
		}
	}

	if downloaded == 0 {
		_ = outFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("empty download: 0 bytes written")
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	log.Info("download complete", map[string]interface{}{"bytes": downloaded, "output": outputPath})
	return os.Rename(tmpPath, outputPath)
}

// fetchSegment appends one segment at offset, retrying transport failures.
// A failed attempt is truncated away before the next one.
func (d *Downloader) fetchSegment(ctx context.Context, out *os.File, offset int64, uri string) (int64, error) {
	var lastErr error
	backoff := initialBackoffDuration
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			if err := out.Truncate(offset); err != nil {
				return 0, fmt.Errorf("failed to rewind output: %w", err)
			}
			if _, err := out.Seek(offset, io.SeekStart); err != nil {
				return 0, fmt.Errorf("failed to rewind output: %w", err)
			}
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoffDuration {
				backoff = maxBackoffDuration
			}
		}

		n, err := d.copySegment(ctx, out, uri)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !errors.Is(err, errs.ErrTransport) || ctx.Err() != nil {
			return 0, err
		}
		log.Warn("segment fetch failed", map[string]interface{}{"uri": uri, "attempt": attempt + 1, "error": err.Error()})
	}
	return 0, fmt.Errorf("download segment failed: %w", lastErr)
}

func (d *Downloader) copySegment(ctx context.Context, out io.Writer, uri string) (int64, error) {
	src := d.Factory()
	if _, err := src.Open(ctx, datasource.NewDataSpec(uri)); err != nil {
		_ = src.Close()
		return 0, err
	}
	defer func() { _ = src.Close() }()

	buf := make([]byte, copyBufferSizeBytes)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("failed to write segment: %w", werr)
			}
			total += int64(n)
			d.sleepForRate(ctx, int64(n))
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// DownloadFile copies a single progressive resource (an MP4 link or a
// subtitle file) to outputPath, with the same temp-file and retry rules as
// Download.
func (d *Downloader) DownloadFile(ctx context.Context, uri, outputPath string) error {
	tmpPath := outputPath + temporaryFileSuffix
	outFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	n, err := d.fetchSegment(ctx, outFile, 0, uri)
	if err != nil {
		_ = outFile.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if d.ProgressFunc != nil {
		d.ProgressFunc(Progress{Segment: 1, TotalSegments: 1, DownloadedSize: n, Percent: 100})
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}
	log.Info("download complete", map[string]interface{}{"bytes": n, "output": outputPath})
	return os.Rename(tmpPath, outputPath)
}
