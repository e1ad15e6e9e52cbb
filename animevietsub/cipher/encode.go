package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/flate"
)

// Encode produces a token that Decode turns back into manifest. iv must be
// 16 bytes; nil draws a random one.
func Encode(manifest string, iv []byte) (string, error) {
	return EncodeWithKey(manifest, iv, Key())
}

// EncodeWithKey is Encode with an explicit AES key.
func EncodeWithKey(manifest string, iv []byte, key []byte) (string, error) {
	if iv == nil {
		iv = make([]byte, ivSize)
		if _, err := rand.Read(iv); err != nil {
			return "", fmt.Errorf("generate iv: %w", err)
		}
	}
	if len(iv) != ivSize {
		return "", fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(iv))
	}

	var quoted bytes.Buffer
	enc := json.NewEncoder(&quoted)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(manifest); err != nil {
		return "", fmt.Errorf("quote manifest: %w", err)
	}

	var deflated bytes.Buffer
	fw, err := flate.NewWriter(&deflated, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := fw.Write(bytes.TrimRight(quoted.Bytes(), "\n")); err != nil {
		return "", fmt.Errorf("deflate: %w", err)
	}
	if err := fw.Close(); err != nil {
		return "", fmt.Errorf("deflate close: %w", err)
	}

	// Zero fill to the block size; the inflater stops at the final block.
	plain := deflated.Bytes()
	if rem := len(plain) % aes.BlockSize; rem != 0 {
		plain = append(plain, make([]byte, aes.BlockSize-rem)...)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes key: %w", err)
	}
	out := make([]byte, ivSize+len(plain))
	copy(out, iv)
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], plain)

	return base64.StdEncoding.EncodeToString(out), nil
}
