// Package resolver turns an episode page URL and episode code into a
// playable stream descriptor by calling the upstream player endpoint and
// decoding the obfuscated playlist token it returns.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ytget/avstream/animevietsub/cipher"
	"github.com/ytget/avstream/animevietsub/manifest"
	"github.com/ytget/avstream/internal/logger"
	"github.com/ytget/avstream/pkg/client"
	"github.com/ytget/avstream/types"
)

const (
	// DefaultEndpoint is the upstream player API.
	DefaultEndpoint = "https://animevietsub.now/ajax/player"
	// Referer is the origin the upstream requires on every request.
	Referer = "https://animevietsub.now/"

	playlistName   = "playlist.m3u8"
	formMediaType  = "application/x-www-form-urlencoded; charset=UTF-8"
	acceptEncoding = "gzip, deflate, br"
)

var log = logger.WithComponent(logger.ComponentResolver)

// StreamHeaders returns the header set the upstream expects on the player
// call and on every follow-up media request, with the default User-Agent.
func StreamHeaders() http.Header {
	return streamHeaders(client.DefaultUserAgent)
}

func streamHeaders(userAgent string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Referer", Referer)
	return h
}

// Resolver calls the player endpoint. It is safe for concurrent use.
type Resolver struct {
	client   *client.Client
	endpoint string
	decode   func(string) (string, error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEndpoint overrides the player endpoint.
func WithEndpoint(endpoint string) Option {
	return func(r *Resolver) {
		if endpoint != "" {
			r.endpoint = endpoint
		}
	}
}

// WithDecoder replaces the token decoder.
func WithDecoder(decode func(string) (string, error)) Option {
	return func(r *Resolver) {
		if decode != nil {
			r.decode = decode
		}
	}
}

// New creates a Resolver. A nil client uses client.New().
func New(c *client.Client, opts ...Option) *Resolver {
	if c == nil {
		c = client.New()
	}
	r := &Resolver{client: c, endpoint: DefaultEndpoint, decode: cipher.Decode}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Endpoint returns the configured player endpoint.
func (r *Resolver) Endpoint() string { return r.endpoint }

// StreamHeaders is like the package-level StreamHeaders but carries the
// client's User-Agent.
func (r *Resolver) StreamHeaders() http.Header {
	ua := r.client.UserAgent
	if ua == "" {
		ua = client.DefaultUserAgent
	}
	return streamHeaders(ua)
}

// Resolve posts the episode code and the numeric id found in episodeURL,
// decodes the returned token and wraps the manifest in a descriptor whose
// Link is a fresh memory:// locator. Any failure returns a nil descriptor.
func (r *Resolver) Resolve(ctx context.Context, episodeURL, episodeCode string) (*types.StreamDescriptor, error) {
	if strings.TrimSpace(episodeCode) == "" {
		return nil, errors.New("resolve: empty episode code")
	}
	id := ExtractNumericID(episodeURL)

	if r.client.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.client.Timeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("link", episodeCode)
	form.Set("id", strconv.FormatInt(id, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("resolve: build request: %w", err)
	}
	headers := r.StreamHeaders()
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", formMediaType)
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", strings.TrimSuffix(Referer, "/"))

	log.Debug("posting player request", map[string]interface{}{"endpoint": r.endpoint, "id": id})

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	wire := &wireReader{r: resp.Body}
	reader, release, err := decodedBody(wire, resp.Header.Get("Content-Encoding"))
	if err != nil {
		if terr := r.bodyTransportError(ctx, wire); terr != nil {
			return nil, terr
		}
		return nil, &EnvelopeError{Reason: "undecodable body", Err: err}
	}
	defer release()

	body, err := readLimited(reader)
	if err != nil {
		if terr := r.bodyTransportError(ctx, wire); terr != nil {
			return nil, terr
		}
		return nil, &EnvelopeError{Reason: "unreadable body", Err: err}
	}

	token, err := parseEnvelope(body)
	if err != nil {
		log.Warn("unexpected player envelope", map[string]interface{}{"error": err.Error(), "bytes": len(body)})
		return nil, err
	}

	playlist, err := r.decode(token)
	if err != nil {
		log.Warn("token decode failed", map[string]interface{}{"stage": string(cipher.StageOf(err)), "error": err.Error()})
		return nil, fmt.Errorf("resolve: %w", err)
	}

	locator := fmt.Sprintf("%s://%s/%s", types.MemoryScheme, uuid.NewString(), playlistName)
	desc := types.NewStreamDescriptor(locator, "", true, playlist, headers)

	if info, err := manifest.Inspect(playlist); err != nil {
		log.Warn("decoded manifest is not a parseable playlist", map[string]interface{}{"error": err.Error()})
	} else {
		desc.SegmentCount = len(info.Segments)
		if n := info.RelativeURIs(); n > 0 {
			log.Warn("manifest has relative references that cannot be fetched from memory", map[string]interface{}{"count": n})
		}
		log.Info("stream resolved", map[string]interface{}{
			"type":     info.Type.String(),
			"segments": len(info.Segments),
			"variants": len(info.Variants),
		})
	}
	return desc, nil
}

// bodyTransportError classifies a failed body read as a transport failure
// when the connection itself failed or ctx ended. It returns nil for
// decoder and size errors.
func (r *Resolver) bodyTransportError(ctx context.Context, wire *wireReader) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("resolve: %w", &client.TransportError{URL: r.endpoint, Err: ctx.Err()})
	case wire.err != nil:
		log.Debug("player response interrupted", map[string]interface{}{"error": wire.err.Error()})
		return fmt.Errorf("resolve: %w", &client.TransportError{URL: r.endpoint, Err: wire.err})
	}
	return nil
}
