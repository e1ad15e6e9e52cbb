package cipher

import (
	"crypto/sha256"
	"sync"
)

// secret is the upstream's fixed passphrase ("dm_thang_suc_vat_get_link_an_dbt").
var secret = [32]byte{
	100, 109, 95, 116, 104, 97, 110, 103,
	95, 115, 117, 99, 95, 118, 97, 116,
	95, 103, 101, 116, 95, 108, 105, 110,
	107, 95, 97, 110, 95, 100, 98, 116,
}

var (
	keyOnce sync.Once
	key     []byte
)

// DeriveKey returns SHA-256(secret), a 32-byte AES-256 key.
// An empty secret is a programming error and panics.
func DeriveKey(secret []byte) []byte {
	if len(secret) == 0 {
		panic("cipher: empty secret")
	}
	sum := sha256.Sum256(secret)
	return sum[:]
}

// Key returns the derived key for the built-in secret. It is computed once.
func Key() []byte {
	keyOnce.Do(func() {
		key = DeriveKey(secret[:])
	})
	out := make([]byte, len(key))
	copy(out, key)
	return out
}
