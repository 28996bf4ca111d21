package oauth

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey failed: %v", err)
	}
	return key
}

func TestNewTokenEncryptionKeySize(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
	}{
		{name: "valid 32-byte key", keyLen: 32, wantErr: false},
		{name: "empty key", keyLen: 0, wantErr: true},
		{name: "16-byte key", keyLen: 16, wantErr: true},
		{name: "33-byte key", keyLen: 33, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenEncryption(make([]byte, tt.keyLen))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTokenEncryption with %d-byte key: error = %v, wantErr %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewTokenEncryption(testKey(t))
	if err != nil {
		t.Fatalf("NewTokenEncryption failed: %v", err)
	}

	sizes := []int{0, 1, 16, 1024, 64 * 1024}
	for _, size := range sizes {
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("rand.Read failed: %v", err)
		}

		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes) failed: %v", size, err)
		}

		got, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes) failed: %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip of %d bytes did not preserve plaintext", size)
		}
	}
}

func TestEncryptProducesUniqueIVs(t *testing.T) {
	enc, _ := NewTokenEncryption(testKey(t))

	a, err := enc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := enc.Encrypt([]byte("same plaintext"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext must differ (random IV)")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, _ := NewTokenEncryption(testKey(t))

	sealed, err := enc.Encrypt([]byte("sensitive token payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	// Flipping any single byte (IV, tag, or ciphertext) must fail
	// authentication.
	for _, pos := range []int{0, 12, 12 + 15, len(raw) - 1} {
		mutated := append([]byte(nil), raw...)
		mutated[pos] ^= 0x01
		_, err := enc.Decrypt(base64.StdEncoding.EncodeToString(mutated))
		if err == nil {
			t.Errorf("tampering at byte %d was not detected", pos)
		}
		if !errors.Is(err, ErrCrypto) {
			t.Errorf("tampering at byte %d: expected ErrCrypto, got %v", pos, err)
		}
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	enc, _ := NewTokenEncryption(testKey(t))

	for _, input := range []string{"not base64 !!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := enc.Decrypt(input); !errors.Is(err, ErrCrypto) {
			t.Errorf("Decrypt(%q): expected ErrCrypto, got %v", input, err)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	enc1, _ := NewTokenEncryption(testKey(t))
	enc2, _ := NewTokenEncryption(testKey(t))

	sealed, err := enc1.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := enc2.Decrypt(sealed); !errors.Is(err, ErrCrypto) {
		t.Errorf("expected ErrCrypto with a different key, got %v", err)
	}
}

func TestTokensRoundTrip(t *testing.T) {
	enc, _ := NewTokenEncryption(testKey(t))

	tokens := &OAuthTokens{
		AccessToken:  "ya29.a0AfH6SMB-example",
		RefreshToken: "1//0example-refresh",
		Scope:        "openid email https://www.googleapis.com/auth/drive",
		TokenType:    "Bearer",
		ExpiryDate:   1756000000000,
	}

	sealed, err := enc.EncryptTokens(tokens)
	if err != nil {
		t.Fatalf("EncryptTokens failed: %v", err)
	}
	if sealed == tokens.AccessToken {
		t.Fatal("ciphertext must not equal any token value")
	}

	got, err := enc.DecryptTokens(sealed)
	if err != nil {
		t.Fatalf("DecryptTokens failed: %v", err)
	}
	if *got != *tokens {
		t.Errorf("token round trip mismatch: got %+v, want %+v", got, tokens)
	}
}
