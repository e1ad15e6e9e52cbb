// Package mimeext maps stream content types and URIs to file extensions.
package mimeext

import (
	"net/url"
	"path"
	"strings"
)

const (
	// DefaultExt is the extension used for HLS output when nothing better is known.
	DefaultExt = "ts"

	// ExtM3U8 is the playlist extension.
	ExtM3U8 = "m3u8"
	// ExtMP4 is used for fragmented MP4 segments.
	ExtMP4 = "mp4"
	// ExtVTT and ExtSRT are subtitle extensions.
	ExtVTT = "vtt"
	ExtSRT = "srt"

	MimeMPEGTS      = "video/mp2t"
	MimeMPEGURL     = "application/vnd.apple.mpegurl"
	MimeXMPEGURL    = "application/x-mpegurl"
	MimeVideoMP4    = "video/mp4"
	MimeTextVTT     = "text/vtt"
	MimeSubRip      = "application/x-subrip"
	MimeOctetStream = "application/octet-stream"
)

var known = map[string]string{
	MimeMPEGTS:          DefaultExt,
	MimeMPEGURL:         ExtM3U8,
	MimeXMPEGURL:        ExtM3U8,
	MimeVideoMP4:        ExtMP4,
	"video/iso.segment": ExtMP4,
	MimeTextVTT:         ExtVTT,
	MimeSubRip:          ExtSRT,
}

// ExtFromMime returns the file extension (without dot) for a content type.
// Unknown types fall back to the subtype; empty or opaque types to DefaultExt.
func ExtFromMime(mime string) string {
	base := strings.ToLower(strings.TrimSpace(mime))
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	if base == "" || base == MimeOctetStream {
		return DefaultExt
	}
	if ext, ok := known[base]; ok {
		return ext
	}
	if _, sub, ok := strings.Cut(base, "/"); ok && sub != "" && !strings.ContainsAny(sub, "+.") {
		return sub
	}
	return DefaultExt
}

// ExtFromURI returns the extension of the URI path, or DefaultExt.
// Segment hosts often disguise media as images, so image extensions are
// ignored.
func ExtFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return DefaultExt
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	switch ext {
	case "", "jpg", "jpeg", "png", "gif", "webp", "html", "php":
		return DefaultExt
	}
	return ext
}
