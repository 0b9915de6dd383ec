package keycodec

import (
	"strings"
	"testing"

	"github.com/licenseforge/licenseforge/internal/licensing/cryptoutil"
)

func TestGenerateFormat(t *testing.T) {
	c := New("LFORGE", []byte("salt"))
	key, err := c.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	parts := strings.Split(key, "-")
	if len(parts) != groupCount+1 {
		t.Fatalf("Generate() = %q, want %d dash-separated parts, got %d", key, groupCount+1, len(parts))
	}
	if parts[0] != "LFORGE" {
		t.Fatalf("Generate() prefix = %q, want LFORGE", parts[0])
	}
	for _, g := range parts[1:] {
		if len(g) != groupLen {
			t.Fatalf("Generate() group %q has length %d, want %d", g, len(g), groupLen)
		}
	}
}

func TestGenerateUniqueness(t *testing.T) {
	c := New("LFORGE", []byte("salt"))
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key, err := c.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if seen[key] {
			t.Fatalf("Generate() produced a duplicate key after %d draws: %q", i, key)
		}
		seen[key] = true
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	c := New("LFORGE", []byte("salt"))
	key, _ := c.Generate()
	hash := c.Hash(key)

	if !c.Verify(key, hash) {
		t.Fatal("Verify() = false for the key that produced this hash")
	}

	other, _ := c.Generate()
	if c.Verify(other, hash) {
		t.Fatal("Verify() = true for an unrelated key")
	}
}

func TestHashIsSaltDependent(t *testing.T) {
	key := "LFORGE-AAAA-BBBB-CCCC-DDDD"
	a := New("LFORGE", []byte("salt-one")).Hash(key)
	b := New("LFORGE", []byte("salt-two")).Hash(key)

	if string(a) == string(b) {
		t.Fatal("Hash() produced identical output under different salts")
	}
}

func TestRecoveryRoundTrip(t *testing.T) {
	cache := cryptoutil.NewPassphraseCache()
	cache.Set("kek-passphrase")

	key := "LFORGE-AAAA-BBBB-CCCC-DDDD"
	ciphertext, err := EncryptForRecovery(cache, key)
	if err != nil {
		t.Fatalf("EncryptForRecovery() error = %v", err)
	}

	recovered, err := DecryptRecovery(cache, ciphertext)
	if err != nil {
		t.Fatalf("DecryptRecovery() error = %v", err)
	}
	if recovered != key {
		t.Fatalf("DecryptRecovery() = %q, want %q", recovered, key)
	}
}
