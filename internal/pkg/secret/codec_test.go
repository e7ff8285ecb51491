package secret

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, KeySize)
}

func TestCodec_RoundTrip(t *testing.T) {
	c, err := NewCodec(testKey(0x41))
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	cases := []string{
		"",
		"sk-ant-api03-abcdef",
		"token with spaces and symbols !@#$%^&*()",
		"日本語のシークレット",
		strings.Repeat("x", 4096),
	}

	for _, plaintext := range cases {
		sealed, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Fatalf("Encrypt(%q) returned plaintext unchanged", plaintext)
		}

		opened, err := c.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if opened != plaintext {
			t.Errorf("round trip = %q, want %q", opened, plaintext)
		}
	}
}

func TestCodec_EncryptIsRandomized(t *testing.T) {
	c, err := NewCodec(testKey(0x41))
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	a, _ := c.Encrypt("secret")
	b, _ := c.Encrypt("secret")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestCodec_WrongKey(t *testing.T) {
	c1, _ := NewCodec(testKey(0x41))
	c2, _ := NewCodec(testKey(0x42))

	sealed, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := c2.Decrypt(sealed); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decrypt with wrong key error = %v, want ErrCorrupt", err)
	}
}

func TestCodec_TamperedCiphertext(t *testing.T) {
	c, _ := NewCodec(testKey(0x41))

	sealed, err := c.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Flip a character in the body of the blob
	tampered := []byte(sealed)
	if tampered[10] == 'A' {
		tampered[10] = 'B'
	} else {
		tampered[10] = 'A'
	}

	if _, err := c.Decrypt(string(tampered)); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decrypt of tampered blob error = %v, want ErrCorrupt", err)
	}

	if _, err := c.Decrypt("not base64 at all!!"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decrypt of garbage error = %v, want ErrCorrupt", err)
	}
}

func TestNewCodec_ShortKey(t *testing.T) {
	if _, err := NewCodec([]byte("too-short")); err == nil {
		t.Error("NewCodec with short key succeeded, want error")
	}
}

func TestHash_Deterministic(t *testing.T) {
	if Hash("token-a") != Hash("token-a") {
		t.Error("hash of the same token differs across calls")
	}

	if len(Hash("token-a")) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(Hash("token-a")))
	}

	corpus := []string{"token-a", "token-b", "token-c", "", "token-a "}
	seen := make(map[string]string)
	for _, token := range corpus {
		digest := Hash(token)
		if prev, ok := seen[digest]; ok {
			t.Fatalf("collision: %q and %q hash identically", prev, token)
		}
		seen[digest] = token
	}
}

func TestMask(t *testing.T) {
	got := Mask("direct-api", "sk-ant-api03-abcdef")
	if got != "direct-api:****cdef" {
		t.Errorf("Mask() = %q", got)
	}
	if strings.Contains(got, "sk-ant-api03") {
		t.Error("mask leaked the secret body")
	}

	if got := Mask("direct-api", "abc"); got != "direct-api:****abc" {
		t.Errorf("Mask() short secret = %q", got)
	}
}
