// Package manifest inspects HLS playlists and picks quality variants.
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

// Type distinguishes master playlists from media playlists.
type Type int

const (
	TypeMedia Type = iota
	TypeMaster
)

func (t Type) String() string {
	if t == TypeMaster {
		return "master"
	}
	return "media"
}

// Variant is one rendition listed in a master playlist.
type Variant struct {
	URI       string
	Bandwidth uint32
	Width     int
	Height    int
	Codecs    string
	Name      string
}

// Segment is one media segment of a media playlist.
type Segment struct {
	URI       string
	Duration  float64
	Sequence  uint64
	KeyMethod string
	KeyURI    string
}

// Info summarizes a parsed playlist.
type Info struct {
	Type           Type
	Variants       []Variant
	Segments       []Segment
	KeyURIs        []string
	TargetDuration float64
	Duration       float64
	Closed         bool
}

// ErrNoVariants is returned when selection runs on an empty variant list.
var ErrNoVariants = errors.New("manifest: no variants")

// Inspect parses text as an HLS playlist.
func Inspect(text string) (*Info, error) {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
	if err != nil {
		return nil, fmt.Errorf("parse playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := p.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("parse playlist: unexpected master type %T", p)
		}
		return inspectMaster(master), nil
	case m3u8.MEDIA:
		media, ok := p.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, fmt.Errorf("parse playlist: unexpected media type %T", p)
		}
		return inspectMedia(media), nil
	}
	return nil, fmt.Errorf("parse playlist: unsupported list type %d", listType)
}

func inspectMaster(p *m3u8.MasterPlaylist) *Info {
	info := &Info{Type: TypeMaster}
	for _, v := range p.Variants {
		if v == nil || v.Iframe {
			continue
		}
		w, h := parseResolution(v.Resolution)
		info.Variants = append(info.Variants, Variant{
			URI:       v.URI,
			Bandwidth: v.Bandwidth,
			Width:     w,
			Height:    h,
			Codecs:    v.Codecs,
			Name:      v.Name,
		})
	}
	return info
}

func inspectMedia(p *m3u8.MediaPlaylist) *Info {
	info := &Info{
		Type:           TypeMedia,
		TargetDuration: p.TargetDuration,
		Closed:         p.Closed,
	}
	seenKeys := make(map[string]bool)
	addKey := func(k *m3u8.Key) {
		if k == nil || k.URI == "" || strings.EqualFold(k.Method, "NONE") || seenKeys[k.URI] {
			return
		}
		seenKeys[k.URI] = true
		info.KeyURIs = append(info.KeyURIs, k.URI)
	}
	addKey(p.Key)

	// Segments is a ring buffer with nil slots past Count.
	for i, s := range p.Segments {
		if uint(i) >= p.Count() {
			break
		}
		if s == nil {
			continue
		}
		seg := Segment{URI: s.URI, Duration: s.Duration, Sequence: s.SeqId}
		key := s.Key
		if key == nil {
			key = p.Key
		}
		if key != nil && !strings.EqualFold(key.Method, "NONE") {
			seg.KeyMethod = key.Method
			seg.KeyURI = key.URI
		}
		addKey(s.Key)
		info.Segments = append(info.Segments, seg)
		info.Duration += s.Duration
	}
	return info
}

// RelativeURIs counts variant, segment and key references that are not
// absolute URLs.
func (i *Info) RelativeURIs() int {
	n := 0
	for _, v := range i.Variants {
		if !isAbsolute(v.URI) {
			n++
		}
	}
	for _, s := range i.Segments {
		if !isAbsolute(s.URI) {
			n++
		}
	}
	for _, k := range i.KeyURIs {
		if !isAbsolute(k) {
			n++
		}
	}
	return n
}

// ResolveURI resolves ref against base. Absolute refs are returned unchanged.
func ResolveURI(base, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse reference %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	return b.ResolveReference(r).String(), nil
}

func isAbsolute(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	return err == nil && u.IsAbs()
}

// parseResolution splits "1280x720" into width and height.
func parseResolution(res string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(res)), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}
