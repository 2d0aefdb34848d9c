// Package envelope turns message bodies into opaque ciphertext strings and
// back. Both parties derive the same key locally from the shared secret and
// the pair of identities, so no key material ever crosses the wire.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"deaddrop/internal/constants"
)

// ErrDecryptFailed is returned for malformed, corrupted or wrong-key
// ciphertext. Callers drop the unit instead of surfacing it.
var ErrDecryptFailed = errors.New("envelope: decryption failed")

// Key is a derived symmetric conversation key.
type Key []byte

// DeriveKey derives the conversation key from the shared secret and the two
// identities. The identities are canonicalized (trimmed, lowercased, sorted)
// before entering the salt, so DeriveKey(s, a, b) == DeriveKey(s, b, a).
// Pure function, safe to call from both ends independently.
func DeriveKey(secret, idA, idB string) Key {
	pair := []string{canonical(idA), canonical(idB)}
	sort.Strings(pair)
	salt := []byte("deaddrop:" + pair[0] + ":" + pair[1])

	return pbkdf2.Key([]byte(secret), salt, constants.EnvelopeKDFIterations, constants.EnvelopeKeySize, sha256.New)
}

func canonical(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Encrypt seals plaintext under key with AES-256-GCM. A fresh random nonce
// is prepended to the ciphertext and the whole thing is base64 encoded, so
// repeated calls under the same key are safe.
func Encrypt(plaintext string, key Key) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, constants.EnvelopeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// Decrypt reverses Encrypt. Any failure mode, including garbage input,
// returns ErrDecryptFailed rather than panicking.
func Decrypt(ciphertext string, key Key) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptFailed
	}
	if len(data) < constants.EnvelopeNonceSize {
		return "", ErrDecryptFailed
	}

	nonce, sealed := data[:constants.EnvelopeNonceSize], data[constants.EnvelopeNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	if len(key) != constants.EnvelopeKeySize {
		return nil, fmt.Errorf("invalid key size: %d", len(key))
	}

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
