package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// TokenEncryption seals OAuth token payloads for storage at rest using
// AES-256-GCM.
//
// Security Properties:
//   - AES-256 provides strong confidentiality
//   - GCM mode provides both encryption and authentication (AEAD), so a
//     tampered store record fails decryption instead of silently poisoning
//     a session
//   - Random IV for each encryption (never reused)
//
// Wire layout is IV || AUTH_TAG || CIPHERTEXT, base64-encoded.
type TokenEncryption struct {
	// key is the AES-256 encryption key (32 bytes), supplied by the
	// secret provider.
	key []byte
}

// NewTokenEncryption creates a token cipher. The key must be exactly
// 32 bytes.
func NewTokenEncryption(key []byte) (*TokenEncryption, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (256 bits), got %d bytes", len(key))
	}
	return &TokenEncryption{key: key}, nil
}

func (e *TokenEncryption) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create GCM: %v", ErrCrypto, err)
	}
	return gcm, nil
}

// Encrypt seals plaintext and returns base64(IV || TAG || CIPHERTEXT).
func (e *TokenEncryption) Encrypt(plaintext []byte) (string, error) {
	gcm, err := e.aead()
	if err != nil {
		return "", err
	}

	// IV must be unique for each encryption with the same key.
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: failed to generate IV: %v", ErrCrypto, err)
	}

	// Seal appends the auth tag after the ciphertext; the wire layout
	// puts the tag first, so split and reorder.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	out := make([]byte, 0, len(iv)+len(tag)+len(ciphertext))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any tag mismatch or truncation fails with an
// error wrapping ErrCrypto.
func (e *TokenEncryption) Decrypt(encoded string) ([]byte, error) {
	gcm, err := e.aead()
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode base64: %v", ErrCrypto, err)
	}

	ivSize, tagSize := gcm.NonceSize(), gcm.Overhead()
	if len(raw) < ivSize+tagSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}

	iv := raw[:ivSize]
	tag := raw[ivSize : ivSize+tagSize]
	ciphertext := raw[ivSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCrypto)
	}
	return plaintext, nil
}

// EncryptTokens serializes tokens to canonical JSON and seals the result.
func (e *TokenEncryption) EncryptTokens(tokens *OAuthTokens) (string, error) {
	plaintext, err := json.Marshal(tokens)
	if err != nil {
		return "", fmt.Errorf("failed to serialize tokens: %w", err)
	}
	return e.Encrypt(plaintext)
}

// DecryptTokens is the inverse of EncryptTokens.
func (e *TokenEncryption) DecryptTokens(encoded string) (*OAuthTokens, error) {
	plaintext, err := e.Decrypt(encoded)
	if err != nil {
		return nil, err
	}
	var tokens OAuthTokens
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted tokens: %w", err)
	}
	return &tokens, nil
}

// GenerateEncryptionKey generates a secure 32-byte encryption key.
// This should be called once and the key stored securely (e.g., in the
// secret store). DO NOT call this on every server start - the key must be
// persistent or every stored session becomes undecryptable.
func GenerateEncryptionKey() ([]byte, error) {
	key := make([]byte, 32) // 256 bits for AES-256
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return key, nil
}
