package auth_test

import (
	"strings"
	"testing"

	"github.com/embeddedllm/jamai/internal/auth"
)

const testKey = "6368616e676520746869732070617373776f726420746f206120736563726574"

func TestCipherRoundTrip(t *testing.T) {
	c, err := auth.NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	sealed, err := c.Encrypt("sk-live-abc123")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !strings.HasPrefix(sealed, "gcm:") {
		t.Fatalf("Encrypt() = %q, want gcm: prefix", sealed)
	}
	if sealed == "sk-live-abc123" {
		t.Fatal("Encrypt() returned the plaintext")
	}
	plain, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain != "sk-live-abc123" {
		t.Fatalf("Decrypt() = %q, want %q", plain, "sk-live-abc123")
	}
}

func TestCipherNonceVaries(t *testing.T) {
	c, err := auth.NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	a, _ := c.Encrypt("same secret")
	b, _ := c.Encrypt("same secret")
	if a == b {
		t.Fatal("two Encrypt() calls produced identical ciphertexts")
	}
}

func TestCipherPlaintextPassthrough(t *testing.T) {
	c, err := auth.NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	// Rows written before encryption was enabled carry bare values.
	plain, err := c.Decrypt("sk-legacy")
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if plain != "sk-legacy" {
		t.Fatalf("Decrypt() = %q, want %q", plain, "sk-legacy")
	}
}

func TestNilCipherPassthrough(t *testing.T) {
	var c *auth.Cipher
	sealed, err := c.Encrypt("sk-live")
	if err != nil || sealed != "sk-live" {
		t.Fatalf("nil Encrypt() = %q, %v, want passthrough", sealed, err)
	}
	keys := c.DecryptKeys(map[string]string{"openai": "sk-live"})
	if keys["openai"] != "sk-live" {
		t.Fatalf("nil DecryptKeys() = %v, want passthrough", keys)
	}
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	if _, err := auth.NewCipher("not-hex"); err == nil {
		t.Fatal("NewCipher(non-hex) error = nil, want error")
	}
	if _, err := auth.NewCipher("abcd"); err == nil {
		t.Fatal("NewCipher(short key) error = nil, want error")
	}
	c, err := auth.NewCipher("")
	if err != nil {
		t.Fatalf("NewCipher(\"\") error = %v", err)
	}
	if c != nil {
		t.Fatal("NewCipher(\"\") = non-nil cipher, want nil")
	}
}

func TestKeyMapRoundTrip(t *testing.T) {
	c, err := auth.NewCipher(testKey)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	keys := map[string]string{"openai": "sk-1", "anthropic": "sk-2"}
	sealed, err := c.EncryptKeys(keys)
	if err != nil {
		t.Fatalf("EncryptKeys() error = %v", err)
	}
	for provider, v := range sealed {
		if v == keys[provider] {
			t.Fatalf("EncryptKeys() left %s key in plaintext", provider)
		}
	}
	opened := c.DecryptKeys(sealed)
	if opened["openai"] != "sk-1" || opened["anthropic"] != "sk-2" {
		t.Fatalf("DecryptKeys() = %v, want original keys", opened)
	}
}
