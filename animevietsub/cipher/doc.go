/*
Package cipher decodes the stream tokens returned by the AnimeVietSub player endpoint.

A token is the base64 encoding of iv||ciphertext. The ciphertext is AES-256-CBC
without padding, keyed by SHA-256 of a fixed secret. The plaintext is a raw
DEFLATE stream whose inflated bytes are a JSON string literal holding the HLS
manifest. Decode reverses the chain in this order:

 1. base64 decode (line breaks tolerated)
 2. split iv (16 bytes) and ciphertext, require len > 16
 3. AES-CBC decrypt, no padding removal
 4. raw inflate (no zlib or gzip header)
 5. UTF-8 validation
 6. JSON string unescape

# Errors

Every failure is an *Error carrying the Stage that rejected the token. All of
them match errs.ErrFormat:

	manifest, err := cipher.Decode(token)
	if err != nil {
		var cerr *cipher.Error
		if errors.As(err, &cerr) && cerr.Stage == cipher.StageInflate {
			// key mismatch or corrupted token
		}
		return err
	}

Decoding is deterministic; retrying the same token cannot succeed. Callers
must fetch a fresh token instead.

Encode is the exact inverse and exists for fixtures and test upstreams.
*/
package cipher
