package persistence

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashAlgorithmHMACSHA256 identifies the hash algorithm stamped onto
// persisted worker credentials so a future key rotation can tell which
// records were hashed with which key.
const HashAlgorithmHMACSHA256 = "hmac-sha256"

// Hasher derives a deterministic, keyed digest for worker secrets so the
// plaintext secret is never written to disk.
type Hasher struct {
	key []byte
}

func NewHasher(key string) *Hasher {
	return &Hasher{key: []byte(key)}
}

func (h *Hasher) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal reports whether secret hashes to storedHash under this key, using a
// constant-time comparison so timing cannot leak how much of the digest
// matched.
func (h *Hasher) Equal(storedHash string, secret string) bool {
	candidate := h.Hash(secret)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1
}
