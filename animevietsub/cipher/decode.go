package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"

	"github.com/ytget/avstream/internal/logger"
)

const (
	ivSize = aes.BlockSize // 16

	// MaxManifestBytes caps the inflated size so a hostile token cannot
	// expand without bound.
	MaxManifestBytes = 16 << 20
)

var log = logger.WithComponent(logger.ComponentCipher)

// Decode turns an upstream token into manifest text using the built-in key.
func Decode(token string) (string, error) {
	return DecodeWithKey(token, Key())
}

// DecodeWithKey is Decode with an explicit AES key.
func DecodeWithKey(token string, key []byte) (string, error) {
	raw, err := decodeBase64(token)
	if err != nil {
		return "", newError(StageBase64, "invalid base64 token", err)
	}
	if len(raw) <= ivSize {
		return "", newError(StageLength, fmt.Sprintf("decoded token is %d bytes, need more than %d", len(raw), ivSize), nil)
	}

	iv, ct := raw[:ivSize], raw[ivSize:]
	if len(ct)%aes.BlockSize != 0 {
		return "", newError(StageBlock, fmt.Sprintf("ciphertext length %d is not a multiple of %d", len(ct), aes.BlockSize), nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", newError(StageDecrypt, "invalid key", err)
	}
	plain := make([]byte, len(ct))
	stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	inflated, err := inflate(plain)
	if err != nil {
		return "", err
	}

	if !utf8.Valid(inflated) {
		return "", newError(StageUTF8, "inflated payload is not valid UTF-8", nil)
	}

	manifest, err := unescape(inflated)
	if err != nil {
		return "", err
	}

	log.Debug("token decoded", map[string]interface{}{
		"token_bytes":    len(raw),
		"inflated_bytes": len(inflated),
		"manifest_bytes": len(manifest),
	})
	return manifest, nil
}

// decodeBase64 accepts standard base64 with or without padding and ignores
// embedded whitespace.
func decodeBase64(token string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, token)
	if cleaned == "" {
		return nil, fmt.Errorf("empty token")
	}
	if strings.HasSuffix(cleaned, "=") || len(cleaned)%4 == 0 {
		return base64.StdEncoding.DecodeString(cleaned)
	}
	return base64.RawStdEncoding.DecodeString(cleaned)
}

// inflate reads one raw DEFLATE stream. Bytes after the final block are
// ignored: the block cipher leaves the tail of the last block unspecified.
func inflate(plain []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(plain))
	defer fr.Close()

	out, err := io.ReadAll(io.LimitReader(fr, MaxManifestBytes+1))
	if err != nil {
		return nil, newError(StageInflate, "malformed deflate stream", err)
	}
	if len(out) > MaxManifestBytes {
		return nil, newError(StageInflate, fmt.Sprintf("inflated payload exceeds %d bytes", MaxManifestBytes), nil)
	}
	return out, nil
}

// unescape parses exactly one JSON string literal.
func unescape(b []byte) (string, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", newError(StageUnescape, "payload is not a JSON string literal", nil)
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", newError(StageUnescape, "invalid JSON string literal", err)
	}
	return s, nil
}
