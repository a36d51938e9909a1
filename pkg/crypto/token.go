// Package crypto protects the credentials stored in the engine database.
//
// The remote token is encrypted with AES-256-GCM. The key is derived with
// PBKDF2-SHA256 from the remote user name and the server URL, so a database
// copied to another account or server cannot be used to recover the token.
//
// Layout of a sealed token, base64 encoded:
//
//	salt (16 bytes) | nonce (12 bytes) | ciphertext + tag
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 100000
)

// ErrInvalidToken is returned when a sealed token cannot be opened
var ErrInvalidToken = errors.New("invalid encrypted token")

// EncryptionKey holds a derived key and the salt used to derive it
type EncryptionKey struct {
	Key  []byte
	Salt []byte
}

// DeriveKey derives the token key for a user on a server. A nil salt
// generates a fresh random one.
func DeriveKey(user, serverURL string, salt []byte) (*EncryptionKey, error) {
	if user == "" || serverURL == "" {
		return nil, fmt.Errorf("user and server URL are required")
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("salt must be %d bytes", saltSize)
	}

	key := pbkdf2.Key([]byte(user+serverURL), salt, iterations, keySize, sha256.New)
	return &EncryptionKey{Key: key, Salt: salt}, nil
}

// SealToken encrypts token for the given user and server
func SealToken(token, user, serverURL string) (string, error) {
	key, err := DeriveKey(user, serverURL, nil)
	if err != nil {
		return "", err
	}
	defer SecureZero(key.Key)

	gcm, err := newGCM(key.Key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(token)+gcm.Overhead())
	out = append(out, key.Salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenToken decrypts a token sealed by SealToken
func OpenToken(sealed, user, serverURL string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(raw) < saltSize {
		return "", ErrInvalidToken
	}

	key, err := DeriveKey(user, serverURL, raw[:saltSize])
	if err != nil {
		return "", err
	}
	defer SecureZero(key.Key)

	gcm, err := newGCM(key.Key)
	if err != nil {
		return "", err
	}

	rest := raw[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrInvalidToken
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidToken
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// SecureZero overwrites sensitive data in memory
func SecureZero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
