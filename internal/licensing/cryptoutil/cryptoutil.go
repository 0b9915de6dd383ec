// Package cryptoutil provides the Ed25519 signing primitives and the
// symmetric encryption used to protect private key material at rest.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrPassphraseMissing is returned whenever an operation needs the
// process-wide passphrase and none has been set.
var ErrPassphraseMissing = errors.New("cryptoutil: passphrase not set")

// ErrDecryptFailed is returned when a ciphertext fails authentication,
// either because it is corrupt or because it was sealed under a different
// passphrase.
var ErrDecryptFailed = errors.New("cryptoutil: decryption failed")

// KeyPair is a raw Ed25519 pair: 32-byte public half, 64-byte secret half.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair produces a fresh Ed25519 pair from the platform's
// cryptographic RNG.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("cryptoutil: generate key pair: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign produces a detached Ed25519 signature over message.
func Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

// Verify reports whether sig is a valid Ed25519 signature of message under pub.
func Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// PassphraseCache holds the process-wide passphrase used to derive the
// symmetric key that protects private key material at rest. It is
// explicitly set and cleared by callers (the CLI, or a service at startup);
// nothing in this package reaches into the environment on its own.
type PassphraseCache struct {
	mu     sync.RWMutex
	secret [32]byte
	set    bool
}

// NewPassphraseCache returns an empty cache.
func NewPassphraseCache() *PassphraseCache {
	return &PassphraseCache{}
}

// Set derives and stores the 32-byte encryption key from passphrase.
func (c *PassphraseCache) Set(passphrase string) {
	key := sha256.Sum256([]byte(passphrase))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret = key
	c.set = true
}

// Clear wipes the cached key.
func (c *PassphraseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret = [32]byte{}
	c.set = false
}

// IsSet reports whether a passphrase has been cached.
func (c *PassphraseCache) IsSet() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set
}

func (c *PassphraseCache) key() ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.secret, c.set
}

// SealPrivateKey encrypts a raw Ed25519 private key under the cached
// passphrase-derived key using XSalsa20-Poly1305 (nacl/secretbox), the
// authenticated-encryption equivalent spec.md §4.2 calls for. The nonce is
// generated fresh per call and prepended to the ciphertext.
func (c *PassphraseCache) SealPrivateKey(priv ed25519.PrivateKey) ([]byte, error) {
	key, ok := c.key()
	if !ok {
		return nil, ErrPassphraseMissing
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], priv, &nonce, &key)
	return sealed, nil
}

// OpenPrivateKey decrypts a ciphertext produced by SealPrivateKey.
func (c *PassphraseCache) OpenPrivateKey(ciphertext []byte) (ed25519.PrivateKey, error) {
	key, ok := c.key()
	if !ok {
		return nil, ErrPassphraseMissing
	}
	if len(ciphertext) < 24 {
		return nil, ErrDecryptFailed
	}

	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])

	opened, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return ed25519.PrivateKey(opened), nil
}

// Seal encrypts arbitrary plaintext under the cached key, for use by
// components (the key codec's recovery copy) that need the same AEAD
// without going through the Ed25519-specific helpers above.
func (c *PassphraseCache) Seal(plaintext []byte) ([]byte, error) {
	key, ok := c.key()
	if !ok {
		return nil, ErrPassphraseMissing
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// Open decrypts a ciphertext produced by Seal.
func (c *PassphraseCache) Open(ciphertext []byte) ([]byte, error) {
	key, ok := c.key()
	if !ok {
		return nil, ErrPassphraseMissing
	}
	if len(ciphertext) < 24 {
		return nil, ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	opened, ok := secretbox.Open(nil, ciphertext[24:], &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return opened, nil
}
