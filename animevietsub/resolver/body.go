package resolver

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// maxBodyBytes bounds the decoded player response.
const maxBodyBytes = 4 << 20

// decodedBody wraps r according to the Content-Encoding header. The returned
// closer releases any decoder state; the caller still closes r.
func decodedBody(r io.Reader, encoding string) (io.Reader, func(), error) {
	noop := func() {}
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return r, noop, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, fmt.Errorf("gzip reader: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case "br":
		return brotli.NewReader(r), noop, nil
	case "deflate":
		// Servers send either zlib-wrapped or raw deflate under this name.
		br := bufio.NewReader(r)
		if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr[0], hdr[1]) {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, noop, fmt.Errorf("zlib reader: %w", err)
			}
			return zr, func() { _ = zr.Close() }, nil
		}
		fr := flate.NewReader(br)
		return fr, func() { _ = fr.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unsupported content encoding %q", encoding)
}

func isZlibHeader(cmf, flg byte) bool {
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

// readLimited reads at most maxBodyBytes from r.
func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

// wireReader remembers the first non-EOF error of the underlying connection
// so decoder failures can be told apart from dropped connections.
type wireReader struct {
	r   io.Reader
	err error
}

func (w *wireReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if err != nil && err != io.EOF && w.err == nil {
		w.err = err
	}
	return n, err
}
