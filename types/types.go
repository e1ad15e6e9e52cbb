package types

import (
	"context"
	"net/http"
	"net/url"
)

// MemoryScheme is the URI scheme reserved for manifests held in process memory.
// Locators with this scheme are never resolved over the network.
const MemoryScheme = "memory"

// StreamDescriptor describes a resolved, playable stream.
type StreamDescriptor struct {
	// Link is the playable URI. For inline manifests it is a memory:// locator.
	Link string
	// SubtitleLink is an optional subtitle URI.
	SubtitleLink string
	// IsHLS reports whether Link points to a segmented (HLS) stream.
	IsHLS bool
	// RawPlaylist holds the manifest text when it only exists in memory.
	RawPlaylist string
	// SegmentCount is the number of media segments found in RawPlaylist, if any.
	SegmentCount int

	headers http.Header
}

// NewStreamDescriptor builds a descriptor. The header set is copied.
func NewStreamDescriptor(link, subtitleLink string, isHLS bool, rawPlaylist string, headers http.Header) *StreamDescriptor {
	return &StreamDescriptor{
		Link:         link,
		SubtitleLink: subtitleLink,
		IsHLS:        isHLS,
		RawPlaylist:  rawPlaylist,
		headers:      headers.Clone(),
	}
}

// Headers returns a copy of the header set every outbound request for this
// stream must carry.
func (d *StreamDescriptor) Headers() http.Header {
	if d.headers == nil {
		return http.Header{}
	}
	return d.headers.Clone()
}

// HasInlineManifest reports whether the manifest is held in memory.
func (d *StreamDescriptor) HasInlineManifest() bool {
	return d.RawPlaylist != ""
}

// IsMemoryLocator reports whether uri uses the in-memory manifest scheme.
func IsMemoryLocator(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return u.Scheme == MemoryScheme
}

// AnimeDetails is the parsed detail page of a title.
type AnimeDetails struct {
	Title       string
	Description string
	CoverImage  string
	// Episodes maps a server/group name to episode title -> episode code.
	Episodes map[string]map[string]string
}

// SimpleAnime is a listing entry.
type SimpleAnime struct {
	Title    string
	ImageURL string
	Link     string
}

// Catalog is implemented by scraping sources that list titles and episodes.
type Catalog interface {
	FetchDetails(ctx context.Context, link string) (*AnimeDetails, error)
	FetchLatest(ctx context.Context) ([]SimpleAnime, error)
}
