package cryptoutil

import (
	"errors"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	msg := []byte("hello licensing")
	sig := Sign(kp.Private, msg)

	if !Verify(kp.Public, msg, sig) {
		t.Fatal("Verify() = false, want true for a freshly signed message")
	}

	if Verify(kp.Public, []byte("tampered"), sig) {
		t.Fatal("Verify() = true, want false for a tampered message")
	}
}

func TestPassphraseCacheRequired(t *testing.T) {
	c := NewPassphraseCache()
	kp, _ := GenerateKeyPair()

	_, err := c.SealPrivateKey(kp.Private)
	if !errors.Is(err, ErrPassphraseMissing) {
		t.Fatalf("SealPrivateKey() error = %v, want ErrPassphraseMissing", err)
	}

	_, err = c.OpenPrivateKey([]byte("anything"))
	if !errors.Is(err, ErrPassphraseMissing) {
		t.Fatalf("OpenPrivateKey() error = %v, want ErrPassphraseMissing", err)
	}
}

func TestSealOpenPrivateKeyRoundTrip(t *testing.T) {
	c := NewPassphraseCache()
	c.Set("correct horse battery staple")

	kp, _ := GenerateKeyPair()

	sealed, err := c.SealPrivateKey(kp.Private)
	if err != nil {
		t.Fatalf("SealPrivateKey() error = %v", err)
	}

	opened, err := c.OpenPrivateKey(sealed)
	if err != nil {
		t.Fatalf("OpenPrivateKey() error = %v", err)
	}

	if string(opened) != string(kp.Private) {
		t.Fatal("OpenPrivateKey() did not reproduce the original private key")
	}
}

func TestOpenWithWrongPassphraseFails(t *testing.T) {
	sealer := NewPassphraseCache()
	sealer.Set("passphrase-one")
	kp, _ := GenerateKeyPair()
	sealed, _ := sealer.SealPrivateKey(kp.Private)

	opener := NewPassphraseCache()
	opener.Set("passphrase-two")

	_, err := opener.OpenPrivateKey(sealed)
	if !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("OpenPrivateKey() error = %v, want ErrDecryptFailed", err)
	}
}

func TestClearRemovesPassphrase(t *testing.T) {
	c := NewPassphraseCache()
	c.Set("a-passphrase")
	if !c.IsSet() {
		t.Fatal("IsSet() = false after Set()")
	}

	c.Clear()
	if c.IsSet() {
		t.Fatal("IsSet() = true after Clear()")
	}

	kp, _ := GenerateKeyPair()
	if _, err := c.SealPrivateKey(kp.Private); !errors.Is(err, ErrPassphraseMissing) {
		t.Fatalf("SealPrivateKey() after Clear() error = %v, want ErrPassphraseMissing", err)
	}
}

func TestSealOpenGenericRoundTrip(t *testing.T) {
	c := NewPassphraseCache()
	c.Set("recovery-key-encryption-key")

	plaintext := []byte("PREFIX-AB12-CD34-EF56-GH78")
	ciphertext, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatal("Seal() produced plaintext-equal ciphertext")
	}

	decrypted, err := c.Open(ciphertext)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("Open() = %q, want %q", decrypted, plaintext)
	}
}
