// Package keycodec generates, hashes, verifies, and optionally recovers
// human-facing license activation keys.
package keycodec

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/licenseforge/licenseforge/internal/licensing/cryptoutil"
)

// alphabet excludes visually ambiguous characters (0/O, 1/I) to keep keys
// easy to transcribe by hand.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const groupLen = 4
const groupCount = 4

// Codec formats, hashes, and verifies license keys under a fixed prefix and
// a process-wide salt. The salt is mixed into every hash so that a leaked
// database dump cannot be dictionary-attacked against a public alphabet
// without also knowing the salt.
type Codec struct {
	prefix string
	salt   []byte
}

// New builds a Codec. salt should be a stable, secret value derived from
// configured key material (for example the SHA-256 of the licensing
// passphrase) — changing it invalidates every previously stored hash.
func New(prefix string, salt []byte) *Codec {
	return &Codec{prefix: prefix, salt: salt}
}

// Generate produces a key of the form PREFIX-G1-G2-G3-G4, each group four
// uppercase alphanumerics drawn from a cryptographic RNG. With a 32-symbol
// alphabet and 16 drawn characters this carries 80 bits of entropy, meeting
// the negligible-collision requirement at 1M generated keys.
func (c *Codec) Generate() (string, error) {
	groups := make([]string, groupCount)
	for i := range groups {
		g, err := randomGroup(groupLen)
		if err != nil {
			return "", fmt.Errorf("keycodec: generate: %w", err)
		}
		groups[i] = g
	}
	return c.prefix + "-" + strings.Join(groups, "-"), nil
}

func randomGroup(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// Hash returns SHA-256(salt ‖ key) as raw bytes.
func (c *Codec) Hash(key string) []byte {
	h := sha256.New()
	h.Write(c.salt)
	h.Write([]byte(key))
	return h.Sum(nil)
}

// HashHex is Hash encoded as lowercase hex, the form persisted in storage
// and reported in token claims (`license_key_hash`).
func (c *Codec) HashHex(key string) string {
	return hex.EncodeToString(c.Hash(key))
}

// Verify reports whether key hashes to storedHash, using a constant-time
// comparison so that timing cannot leak partial matches.
func (c *Codec) Verify(key string, storedHash []byte) bool {
	computed := c.Hash(key)
	return subtle.ConstantTimeCompare(computed, storedHash) == 1
}

// EncryptForRecovery seals key under the passphrase cache's key-encryption
// key so the original plaintext can later be retrieved for support
// purposes. The hash remains the verification path of record; this is an
// optional side channel.
func EncryptForRecovery(cache *cryptoutil.PassphraseCache, key string) ([]byte, error) {
	return cache.Seal([]byte(key))
}

// DecryptRecovery reverses EncryptForRecovery.
func DecryptRecovery(cache *cryptoutil.PassphraseCache, ciphertext []byte) (string, error) {
	plaintext, err := cache.Open(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
